package rbac

import (
	"context"
	"fmt"
)

// Store is the authoritative holder of agents, grants and hierarchy edges.
// Implementations keep every invariant on write; readers never mutate.
type Store interface {
	// CreateAgent registers a new agent
	CreateAgent(ctx context.Context, agent *Agent) error

	// CreateFirstAgent registers agent only while no agent exists, checking
	// and inserting atomically; otherwise it fails with ErrDirectoryNotEmpty
	CreateFirstAgent(ctx context.Context, agent *Agent) error

	// GetAgent returns an agent by id, or ErrAgentNotFound
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)

	// SetAgentActive flips the soft-delete flag of an agent
	SetAgentActive(ctx context.Context, id AgentID, active bool) error

	// ListAgents returns all agents ordered by id
	ListAgents(ctx context.Context) ([]Agent, error)

	// CountAgents returns the number of registered agents
	CountAgents(ctx context.Context) (int, error)

	// AddGrant inserts a granter->grantee visibility edge
	AddGrant(ctx context.Context, granter, grantee, grantedBy AgentID) (*Grant, error)

	// RemoveGrant deletes a grant and reports whether one existed
	RemoveGrant(ctx context.Context, granter, grantee AgentID) (bool, error)

	// ReplaceGrantsFor atomically sets the complete list of granters for a grantee
	ReplaceGrantsFor(ctx context.Context, grantee AgentID, granters []AgentID, grantedBy AgentID) error

	// ListGrantsFor returns grants received by grantee
	ListGrantsFor(ctx context.Context, grantee AgentID) ([]Grant, error)

	// ListGrantsBy returns grants issued by granter
	ListGrantsBy(ctx context.Context, granter AgentID) ([]Grant, error)

	// AddHierarchyEdge makes subordinate report to manager
	AddHierarchyEdge(ctx context.Context, manager, subordinate, assignedBy AgentID) error

	// RemoveHierarchyEdge detaches subordinate from its manager
	RemoveHierarchyEdge(ctx context.Context, subordinate AgentID) (bool, error)

	// ManagerOf returns the direct manager edge of subordinate, or nil
	ManagerOf(ctx context.Context, subordinate AgentID) (*HierarchyEdge, error)

	// SubordinatesOf returns direct reports, or every descendant when direct is false
	SubordinatesOf(ctx context.Context, manager AgentID, direct bool) ([]AgentID, error)
}

func requireIDs(ids ...AgentID) error {
	for _, id := range ids {
		if id.IsZero() {
			return fmt.Errorf("%w: empty agent id", ErrInvalidArgument)
		}
	}
	return nil
}

// validateGrant checks a grant edge before it reaches storage
func validateGrant(granter, grantee AgentID) error {
	if err := requireIDs(granter, grantee); err != nil {
		return err
	}
	if granter == grantee {
		return fmt.Errorf("%w: agent %s cannot grant to itself", ErrInvalidGrant, granter)
	}
	return nil
}

// validateGranters checks a full replacement list for a grantee
func validateGranters(grantee AgentID, granters []AgentID) error {
	seen := make(map[AgentID]bool, len(granters))
	for _, g := range granters {
		if err := validateGrant(g, grantee); err != nil {
			return err
		}
		if seen[g] {
			return fmt.Errorf("%w: duplicate granter %s", ErrInvalidGrant, g)
		}
		seen[g] = true
	}
	return nil
}

// ancestorLookup returns the direct manager of an agent, or "" if none
type ancestorLookup func(ctx context.Context, id AgentID) (AgentID, error)

// checkNoCycle walks up from manager and fails if subordinate is reached.
// limit bounds the walk so corrupted data cannot loop forever.
func checkNoCycle(ctx context.Context, manager, subordinate AgentID, limit int, managerOf ancestorLookup) error {
	if manager == subordinate {
		return fmt.Errorf("%w: agent %s cannot manage itself", ErrCycleDetected, manager)
	}

	seen := map[AgentID]bool{manager: true}
	current := manager
	for steps := 0; ; steps++ {
		if steps > limit {
			return fmt.Errorf("%w: ancestor chain of %s exceeds %d steps", ErrIntegrityViolation, manager, limit)
		}
		parent, err := managerOf(ctx, current)
		if err != nil {
			return err
		}
		if parent == "" {
			return nil
		}
		if parent == subordinate {
			return fmt.Errorf("%w: %s is already a descendant of %s", ErrCycleDetected, manager, subordinate)
		}
		if seen[parent] {
			return fmt.Errorf("%w: ancestor chain of %s revisits %s", ErrIntegrityViolation, manager, parent)
		}
		seen[parent] = true
		current = parent
	}
}
