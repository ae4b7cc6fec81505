package rbac

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", new: func(t *testing.T) Store {
			store, _ := NewTestSQLStore(t)
			return store
		}},
	}
}

// forEachStore runs fn once per Store implementation
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.new(t))
		})
	}
}

func mustCreateAgents(t *testing.T, store Store, role Role, ids ...AgentID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.CreateAgent(context.Background(), &Agent{ID: id, Role: role, Active: true}))
	}
}

func TestStore_Agents(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		agent := &Agent{ID: "alice", Role: Role(" Commercial "), Active: true}
		require.NoError(t, store.CreateAgent(ctx, agent))
		assert.Equal(t, RoleCommercial, agent.Role)
		assert.False(t, agent.CreatedAt.IsZero())

		err := store.CreateAgent(ctx, &Agent{ID: "alice", Role: RoleAdmin})
		assert.ErrorIs(t, err, ErrAgentExists)

		err = store.CreateAgent(ctx, &Agent{ID: "bob", Role: Role("superuser")})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		err = store.CreateAgent(ctx, &Agent{ID: "  ", Role: RoleAdmin})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		got, err := store.GetAgent(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, RoleCommercial, got.Role)
		assert.True(t, got.Active)

		_, err = store.GetAgent(ctx, "nobody")
		assert.ErrorIs(t, err, ErrAgentNotFound)

		require.NoError(t, store.SetAgentActive(ctx, "alice", false))
		got, err = store.GetAgent(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, got.Active)

		assert.ErrorIs(t, store.SetAgentActive(ctx, "nobody", true), ErrAgentNotFound)

		mustCreateAgents(t, store, RoleAdmin, "root")
		agents, err := store.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, AgentID("alice"), agents[0].ID)
		assert.Equal(t, AgentID("root"), agents[1].ID)

		count, err := store.CountAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestStore_Grants(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		t.Run("self grant", func(t *testing.T) {
			_, err := store.AddGrant(ctx, "alice", "alice", "root")
			assert.ErrorIs(t, err, ErrInvalidGrant)
		})

		t.Run("empty ids", func(t *testing.T) {
			_, err := store.AddGrant(ctx, "", "alice", "root")
			assert.ErrorIs(t, err, ErrInvalidArgument)
			_, err = store.RemoveGrant(ctx, "bob", "")
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})

		t.Run("add and duplicate", func(t *testing.T) {
			grant, err := store.AddGrant(ctx, "bob", "alice", "root")
			require.NoError(t, err)
			assert.Len(t, grant.ID, 36)
			assert.Equal(t, AgentID("bob"), grant.GranterID)
			assert.Equal(t, AgentID("alice"), grant.GranteeID)

			_, err = store.AddGrant(ctx, "bob", "alice", "root")
			assert.ErrorIs(t, err, ErrInvalidGrant)

			grants, err := store.ListGrantsFor(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, grants, 1)
			assert.Equal(t, AgentID("root"), grants[0].GrantedBy)

			by, err := store.ListGrantsBy(ctx, "bob")
			require.NoError(t, err)
			require.Len(t, by, 1)
		})

		t.Run("remove", func(t *testing.T) {
			removed, err := store.RemoveGrant(ctx, "bob", "alice")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = store.RemoveGrant(ctx, "bob", "alice")
			require.NoError(t, err)
			assert.False(t, removed)

			grants, err := store.ListGrantsFor(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, grants)
		})

		t.Run("replace", func(t *testing.T) {
			_, err := store.AddGrant(ctx, "carol", "alice", "root")
			require.NoError(t, err)
			_, err = store.AddGrant(ctx, "dave", "alice", "root")
			require.NoError(t, err)
			before, err := store.ListGrantsFor(ctx, "alice")
			require.NoError(t, err)

			require.NoError(t, store.ReplaceGrantsFor(ctx, "alice", []AgentID{"erin", "carol"}, "root"))

			grants, err := store.ListGrantsFor(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, grants, 2)
			assert.Equal(t, AgentID("carol"), grants[0].GranterID)
			assert.Equal(t, before[0].ID, grants[0].ID, "kept grant retains its id")
			assert.Equal(t, AgentID("erin"), grants[1].GranterID)

			err = store.ReplaceGrantsFor(ctx, "alice", []AgentID{"bob", "alice"}, "root")
			assert.ErrorIs(t, err, ErrInvalidGrant)
			err = store.ReplaceGrantsFor(ctx, "alice", []AgentID{"bob", "bob"}, "root")
			assert.ErrorIs(t, err, ErrInvalidGrant)

			grants, err = store.ListGrantsFor(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, grants, 2, "rejected replacement leaves grants unchanged")

			require.NoError(t, store.ReplaceGrantsFor(ctx, "alice", nil, "root"))
			grants, err = store.ListGrantsFor(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, grants)
		})
	})
}

func TestStore_Hierarchy(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		t.Run("self manage", func(t *testing.T) {
			err := store.AddHierarchyEdge(ctx, "x", "x", "root")
			assert.ErrorIs(t, err, ErrCycleDetected)
		})

		t.Run("chain", func(t *testing.T) {
			require.NoError(t, store.AddHierarchyEdge(ctx, "m", "s1", "root"))
			require.NoError(t, store.AddHierarchyEdge(ctx, "s1", "s2", "root"))
			require.NoError(t, store.AddHierarchyEdge(ctx, "m", "s3", "root"))

			edge, err := store.ManagerOf(ctx, "s2")
			require.NoError(t, err)
			require.NotNil(t, edge)
			assert.Equal(t, AgentID("s1"), edge.ManagerID)
			assert.Equal(t, AgentID("root"), edge.AssignedBy)

			edge, err = store.ManagerOf(ctx, "m")
			require.NoError(t, err)
			assert.Nil(t, edge)

			direct, err := store.SubordinatesOf(ctx, "m", true)
			require.NoError(t, err)
			assert.Equal(t, []AgentID{"s1", "s3"}, direct)

			all, err := store.SubordinatesOf(ctx, "m", false)
			require.NoError(t, err)
			assert.Equal(t, []AgentID{"s1", "s2", "s3"}, all)

			leaf, err := store.SubordinatesOf(ctx, "s2", false)
			require.NoError(t, err)
			assert.Empty(t, leaf)
		})

		t.Run("cycle rejected and store unchanged", func(t *testing.T) {
			err := store.AddHierarchyEdge(ctx, "s2", "m", "root")
			assert.ErrorIs(t, err, ErrCycleDetected)
			err = store.AddHierarchyEdge(ctx, "s1", "m", "root")
			assert.ErrorIs(t, err, ErrCycleDetected)

			edge, err := store.ManagerOf(ctx, "m")
			require.NoError(t, err)
			assert.Nil(t, edge)
		})

		t.Run("multiple managers", func(t *testing.T) {
			err := store.AddHierarchyEdge(ctx, "s3", "s2", "root")
			assert.ErrorIs(t, err, ErrMultipleManagers)

			// same manager again is a no-op
			require.NoError(t, store.AddHierarchyEdge(ctx, "s1", "s2", "root"))

			edge, err := store.ManagerOf(ctx, "s2")
			require.NoError(t, err)
			assert.Equal(t, AgentID("s1"), edge.ManagerID)
		})

		t.Run("remove then reassign", func(t *testing.T) {
			removed, err := store.RemoveHierarchyEdge(ctx, "s2")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = store.RemoveHierarchyEdge(ctx, "s2")
			require.NoError(t, err)
			assert.False(t, removed)

			require.NoError(t, store.AddHierarchyEdge(ctx, "s3", "s2", "root"))
			all, err := store.SubordinatesOf(ctx, "s3", false)
			require.NoError(t, err)
			assert.Equal(t, []AgentID{"s2"}, all)
		})

		t.Run("empty ids", func(t *testing.T) {
			assert.ErrorIs(t, store.AddHierarchyEdge(ctx, "", "a", "root"), ErrInvalidArgument)
			_, err := store.ManagerOf(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidArgument)
			_, err = store.SubordinatesOf(ctx, " ", true)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	})
}

func TestStore_ConcurrentManagerAssignment(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		managers := []AgentID{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8"}

		var wg sync.WaitGroup
		errs := make([]error, len(managers))
		for i, m := range managers {
			wg.Add(1)
			go func(i int, m AgentID) {
				defer wg.Done()
				errs[i] = store.AddHierarchyEdge(ctx, m, "sub", "root")
			}(i, m)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrMultipleManagers)
		}
		assert.Equal(t, 1, succeeded, "exactly one manager wins")
	})
}

func TestStore_CreateFirstAgent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		err := store.CreateFirstAgent(ctx, &Agent{ID: "", Role: RoleAdmin, Active: true})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		first := &Agent{ID: "root", Role: RoleAdmin, Active: true}
		require.NoError(t, store.CreateFirstAgent(ctx, first))
		assert.False(t, first.CreatedAt.IsZero())

		err = store.CreateFirstAgent(ctx, &Agent{ID: "second", Role: RoleAdmin, Active: true})
		assert.ErrorIs(t, err, ErrDirectoryNotEmpty)
		err = store.CreateFirstAgent(ctx, &Agent{ID: "root", Role: RoleAdmin, Active: true})
		assert.ErrorIs(t, err, ErrDirectoryNotEmpty)

		_, err = store.GetAgent(ctx, "second")
		assert.ErrorIs(t, err, ErrAgentNotFound)
		count, err := store.CountAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestStore_ConcurrentCreateFirstAgent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := []AgentID{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}

		var wg sync.WaitGroup
		errs := make([]error, len(ids))
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id AgentID) {
				defer wg.Done()
				errs[i] = store.CreateFirstAgent(ctx, &Agent{ID: id, Role: RoleAdmin, Active: true})
			}(i, id)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrDirectoryNotEmpty)
		}
		assert.Equal(t, 1, succeeded, "exactly one first agent")

		count, err := store.CountAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestCheckNoCycle_CorruptChain(t *testing.T) {
	// a->b->a loop above the manager must not spin forever
	parents := map[AgentID]AgentID{"a": "b", "b": "a"}
	lookup := func(_ context.Context, id AgentID) (AgentID, error) { return parents[id], nil }

	err := checkNoCycle(context.Background(), "a", "z", 10, lookup)
	assert.ErrorIs(t, err, ErrIntegrityViolation)

	err = checkNoCycle(context.Background(), "a", "z", 0, lookup)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}
