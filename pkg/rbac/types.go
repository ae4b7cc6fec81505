package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AgentID identifies an agent. Ids come from an external directory and are
// compared with exact equality.
type AgentID string

// String returns the raw identifier
func (id AgentID) String() string {
	return string(id)
}

// IsZero reports whether the id is empty or whitespace only
func (id AgentID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Role is the coarse capability tier of an agent
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCommercial Role = "commercial"
)

// AllRoles returns every recognized role
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleCommercial}
}

// ParseRole parses a role tag, ignoring case and surrounding whitespace
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "commercial":
		return RoleCommercial, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
	}
}

// IsValid checks if the role is one of the recognized tags
func (r Role) IsValid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// IsAdmin is the single accessor every admin comparison goes through
func (r Role) IsAdmin() bool {
	role, err := ParseRole(string(r))
	return err == nil && role == RoleAdmin
}

// String returns the string representation of a role
func (r Role) String() string {
	return string(r)
}

// Action is an operation an actor attempts on a contact
type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// ParseAction parses an action name. Unknown names are returned as-is and
// are never allowed by the engine.
func ParseAction(s string) Action {
	return Action(strings.ToLower(strings.TrimSpace(s)))
}

// IsMutation reports whether the action modifies or removes a contact
func (a Action) IsMutation() bool {
	return a == ActionEdit || a == ActionDelete
}

// IsValid checks if the action is recognized
func (a Action) IsValid() bool {
	switch a {
	case ActionView, ActionEdit, ActionDelete:
		return true
	default:
		return false
	}
}

// Agent is a user of the CRM, either an admin or a commercial agent
type Agent struct {
	ID        AgentID   `json:"id"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin reports whether the agent holds the admin role
func (a Agent) IsAdmin() bool {
	return a.Role.IsAdmin()
}

// Contact is a student record. Only the owner id matters for authorization.
type Contact struct {
	ID           string  `json:"id"`
	OwnerAgentID AgentID `json:"owner_agent_id"`
}

// Grant lets the grantee view contacts owned by the granter
type Grant struct {
	ID        string    `json:"id"`
	GranterID AgentID   `json:"granter_id"`
	GranteeID AgentID   `json:"grantee_id"`
	GrantedBy AgentID   `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// HierarchyEdge records that the subordinate reports to the manager
type HierarchyEdge struct {
	SubordinateID AgentID   `json:"subordinate_id"`
	ManagerID     AgentID   `json:"manager_id"`
	AssignedBy    AgentID   `json:"assigned_by,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// PermissionSet is the set of owners whose contacts an agent may view
type PermissionSet map[AgentID]struct{}

// NewPermissionSet builds a set from ids
func NewPermissionSet(ids ...AgentID) PermissionSet {
	s := make(PermissionSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts an id
func (s PermissionSet) Add(id AgentID) {
	s[id] = struct{}{}
}

// Contains reports membership
func (s PermissionSet) Contains(id AgentID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns members sorted lexicographically
func (s PermissionSet) IDs() []AgentID {
	ids := make([]AgentID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns an independent copy
func (s PermissionSet) Clone() PermissionSet {
	c := make(PermissionSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Decision is the outcome of a single authorization check
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	CheckedAt time.Time `json:"checked_at"`
}

// Decision reasons
const (
	ReasonAdmin         = "actor is admin"
	ReasonOwner         = "actor owns the contact"
	ReasonNotOwner      = "edit and delete require ownership"
	ReasonVisible       = "owner is visible to actor"
	ReasonNotVisible    = "owner is not visible to actor"
	ReasonInactiveActor = "actor is inactive"
	ReasonUnknownAction = "unknown action"
)
