package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type grantKey struct {
	granter AgentID
	grantee AgentID
}

// MemoryStore is an in-process Store. All writes are serialized under one
// lock, so check-then-insert sequences cannot interleave.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[AgentID]Agent
	grants   map[grantKey]Grant
	managers map[AgentID]HierarchyEdge
	reports  map[AgentID]map[AgentID]struct{}
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[AgentID]Agent),
		grants:   make(map[grantKey]Grant),
		managers: make(map[AgentID]HierarchyEdge),
		reports:  make(map[AgentID]map[AgentID]struct{}),
		now:      time.Now,
	}
}

// CreateAgent registers a new agent
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	return s.createAgent(agent, false)
}

// CreateFirstAgent registers agent only while the directory is empty
func (s *MemoryStore) CreateFirstAgent(ctx context.Context, agent *Agent) error {
	return s.createAgent(agent, true)
}

func (s *MemoryStore) createAgent(agent *Agent, first bool) error {
	if agent == nil {
		return fmt.Errorf("%w: nil agent", ErrInvalidArgument)
	}
	if err := requireIDs(agent.ID); err != nil {
		return err
	}
	role, err := ParseRole(string(agent.Role))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if first && len(s.agents) > 0 {
		return fmt.Errorf("%w: %d agents registered", ErrDirectoryNotEmpty, len(s.agents))
	}
	if _, ok := s.agents[agent.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, agent.ID)
	}
	now := s.now()
	agent.Role = role
	agent.CreatedAt = now
	agent.UpdatedAt = now
	s.agents[agent.ID] = *agent
	return nil
}

// GetAgent returns an agent by id
func (s *MemoryStore) GetAgent(ctx context.Context, id AgentID) (*Agent, error) {
	if err := requireIDs(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return &agent, nil
}

// SetAgentActive flips the soft-delete flag
func (s *MemoryStore) SetAgentActive(ctx context.Context, id AgentID, active bool) error {
	if err := requireIDs(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agent.Active = active
	agent.UpdatedAt = s.now()
	s.agents[id] = agent
	return nil
}

// ListAgents returns all agents ordered by id
func (s *MemoryStore) ListAgents(ctx context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// CountAgents returns the number of registered agents
func (s *MemoryStore) CountAgents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents), nil
}

// AddGrant inserts a granter->grantee edge
func (s *MemoryStore) AddGrant(ctx context.Context, granter, grantee, grantedBy AgentID) (*Grant, error) {
	if err := validateGrant(granter, grantee); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{granter: granter, grantee: grantee}
	if _, ok := s.grants[key]; ok {
		return nil, fmt.Errorf("%w: %s already granted to %s", ErrInvalidGrant, granter, grantee)
	}
	grant := Grant{
		ID:        uuid.NewString(),
		GranterID: granter,
		GranteeID: grantee,
		GrantedBy: grantedBy,
		GrantedAt: s.now(),
	}
	s.grants[key] = grant
	return &grant, nil
}

// RemoveGrant deletes a grant; absent grants are not an error
func (s *MemoryStore) RemoveGrant(ctx context.Context, granter, grantee AgentID) (bool, error) {
	if err := requireIDs(granter, grantee); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{granter: granter, grantee: grantee}
	if _, ok := s.grants[key]; !ok {
		return false, nil
	}
	delete(s.grants, key)
	return true, nil
}

// ReplaceGrantsFor sets the complete list of granters for grantee.
// Existing grants that stay in the list keep their id and timestamp.
func (s *MemoryStore) ReplaceGrantsFor(ctx context.Context, grantee AgentID, granters []AgentID, grantedBy AgentID) error {
	if err := requireIDs(grantee); err != nil {
		return err
	}
	if err := validateGranters(grantee, granters); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[AgentID]bool, len(granters))
	for _, g := range granters {
		keep[g] = true
	}
	for key := range s.grants {
		if key.grantee == grantee && !keep[key.granter] {
			delete(s.grants, key)
		}
	}
	now := s.now()
	for _, g := range granters {
		key := grantKey{granter: g, grantee: grantee}
		if _, ok := s.grants[key]; ok {
			continue
		}
		s.grants[key] = Grant{
			ID:        uuid.NewString(),
			GranterID: g,
			GranteeID: grantee,
			GrantedBy: grantedBy,
			GrantedAt: now,
		}
	}
	return nil
}

// ListGrantsFor returns grants received by grantee
func (s *MemoryStore) ListGrantsFor(ctx context.Context, grantee AgentID) ([]Grant, error) {
	if err := requireIDs(grantee); err != nil {
		return nil, err
	}
	return s.filterGrants(func(g Grant) bool { return g.GranteeID == grantee }), nil
}

// ListGrantsBy returns grants issued by granter
func (s *MemoryStore) ListGrantsBy(ctx context.Context, granter AgentID) ([]Grant, error) {
	if err := requireIDs(granter); err != nil {
		return nil, err
	}
	return s.filterGrants(func(g Grant) bool { return g.GranterID == granter }), nil
}

func (s *MemoryStore) filterGrants(match func(Grant) bool) []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var grants []Grant
	for _, g := range s.grants {
		if match(g) {
			grants = append(grants, g)
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].GranterID != grants[j].GranterID {
			return grants[i].GranterID < grants[j].GranterID
		}
		return grants[i].GranteeID < grants[j].GranteeID
	})
	return grants
}

// AddHierarchyEdge makes subordinate report to manager. A subordinate that
// already reports to someone else is rejected; re-adding the same edge is a no-op.
func (s *MemoryStore) AddHierarchyEdge(ctx context.Context, manager, subordinate, assignedBy AgentID) error {
	if err := requireIDs(manager, subordinate); err != nil {
		return err
	}
	if manager == subordinate {
		return fmt.Errorf("%w: agent %s cannot manage itself", ErrCycleDetected, manager)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.managers[subordinate]; ok {
		if existing.ManagerID == manager {
			return nil
		}
		return fmt.Errorf("%w: %s reports to %s", ErrMultipleManagers, subordinate, existing.ManagerID)
	}

	limit := len(s.managers) + 1
	err := checkNoCycle(ctx, manager, subordinate, limit, func(_ context.Context, id AgentID) (AgentID, error) {
		return s.managers[id].ManagerID, nil
	})
	if err != nil {
		return err
	}

	s.managers[subordinate] = HierarchyEdge{
		SubordinateID: subordinate,
		ManagerID:     manager,
		AssignedBy:    assignedBy,
		AssignedAt:    s.now(),
	}
	if s.reports[manager] == nil {
		s.reports[manager] = make(map[AgentID]struct{})
	}
	s.reports[manager][subordinate] = struct{}{}
	return nil
}

// RemoveHierarchyEdge detaches subordinate from its manager
func (s *MemoryStore) RemoveHierarchyEdge(ctx context.Context, subordinate AgentID) (bool, error) {
	if err := requireIDs(subordinate); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	edge, ok := s.managers[subordinate]
	if !ok {
		return false, nil
	}
	delete(s.managers, subordinate)
	delete(s.reports[edge.ManagerID], subordinate)
	if len(s.reports[edge.ManagerID]) == 0 {
		delete(s.reports, edge.ManagerID)
	}
	return true, nil
}

// ManagerOf returns the direct manager edge of subordinate, or nil
func (s *MemoryStore) ManagerOf(ctx context.Context, subordinate AgentID) (*HierarchyEdge, error) {
	if err := requireIDs(subordinate); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	edge, ok := s.managers[subordinate]
	if !ok {
		return nil, nil
	}
	return &edge, nil
}

// SubordinatesOf returns direct reports or all descendants of manager
func (s *MemoryStore) SubordinatesOf(ctx context.Context, manager AgentID, direct bool) ([]AgentID, error) {
	if err := requireIDs(manager); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []AgentID
	seen := map[AgentID]bool{manager: true}
	queue := []AgentID{manager}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for sub := range s.reports[current] {
			if seen[sub] {
				continue
			}
			seen[sub] = true
			result = append(result, sub)
			if !direct {
				queue = append(queue, sub)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}
