package rbac

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

type fixture struct {
	store    Store
	resolver *Resolver
	engine   *Engine
	admin    *AdminAPI
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, store Store, cache Cache) *fixture {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := NewResolver(store, ResolverOptions{Cache: cache, Metrics: metrics})
	f := &fixture{
		store:    store,
		resolver: resolver,
		engine:   NewEngine(resolver, nil, metrics),
		admin:    NewAdminAPI(store, resolver, AdminOptions{Metrics: metrics}),
		metrics:  metrics,
	}
	_, err := f.admin.Bootstrap(context.Background(), "admin")
	require.NoError(t, err)
	return f
}

func (f *fixture) agent(t *testing.T, id AgentID) Agent {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return *a
}

func (f *fixture) commercials(t *testing.T, ids ...AgentID) {
	t.Helper()
	for _, id := range ids {
		_, err := f.admin.CreateAgent(context.Background(), id, RoleCommercial, "admin")
		require.NoError(t, err)
	}
}

func (f *fixture) check(t *testing.T, actor AgentID, action Action, owner AgentID) bool {
	t.Helper()
	ok, err := f.engine.Check(context.Background(), f.agent(t, actor), action, owner)
	require.NoError(t, err)
	return ok
}

// forEachFixture runs fn against every store, with and without a cache
func forEachFixture(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, sf := range storeFactories() {
		sf := sf
		t.Run(sf.name, func(t *testing.T) {
			fn(t, newFixture(t, sf.new(t), nil))
		})
		t.Run(sf.name+"+cache", func(t *testing.T) {
			fn(t, newFixture(t, sf.new(t), NewLRUCache(64, 0)))
		})
	}
}

func TestEngine_DecisionOrder(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "alice", "bob")

		tests := []struct {
			name   string
			actor  Agent
			action Action
			owner  AgentID
			allow  bool
			reason string
		}{
			{"admin views anyone", f.agent(t, "admin"), ActionView, "bob", true, ReasonAdmin},
			{"admin deletes anyone", f.agent(t, "admin"), ActionDelete, "ghost", true, ReasonAdmin},
			{"owner edits", f.agent(t, "alice"), ActionEdit, "alice", true, ReasonOwner},
			{"owner views", f.agent(t, "alice"), ActionView, "alice", true, ReasonOwner},
			{"stranger edits", f.agent(t, "alice"), ActionEdit, "bob", false, ReasonNotOwner},
			{"stranger views", f.agent(t, "alice"), ActionView, "bob", false, ReasonNotVisible},
			{"unknown action", f.agent(t, "alice"), Action("share"), "alice", false, ReasonUnknownAction},
			{"inactive actor", Agent{ID: "alice", Role: RoleCommercial}, ActionView, "alice", false, ReasonInactiveActor},
			{"inactive admin", Agent{ID: "admin", Role: RoleAdmin}, ActionView, "bob", false, ReasonInactiveActor},
			{"admin role casing", Agent{ID: "x", Role: Role(" ADMIN "), Active: true}, ActionEdit, "bob", true, ReasonAdmin},
			{"unknown role is not admin", Agent{ID: "x", Role: Role("superuser"), Active: true}, ActionEdit, "bob", false, ReasonNotOwner},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				d, err := f.engine.Decide(ctx, tt.actor, tt.action, tt.owner)
				require.NoError(t, err)
				assert.Equal(t, tt.allow, d.Allowed)
				assert.Equal(t, tt.reason, d.Reason)
				assert.False(t, d.CheckedAt.IsZero())
			})
		}
	})
}

func TestEngine_InvalidArguments(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := f.engine.Check(ctx, Agent{ID: "", Role: RoleAdmin, Active: true}, ActionView, "bob")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.engine.Check(ctx, f.agent(t, "admin"), ActionView, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.engine.CheckByID(ctx, "ghost", ActionView, "bob")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = f.engine.FilterContacts(ctx, f.agent(t, "admin"), []Contact{{ID: "c1"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngine_Metrics(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), nil)
	f.commercials(t, "alice")

	assert.True(t, f.check(t, "alice", ActionView, "alice"))
	assert.False(t, f.check(t, "alice", ActionEdit, "bob"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues("view", "allow")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues("edit", "deny")))
}

func TestEngine_ContactHelpers(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "alice", "bob", "carol")
		_, err := f.admin.GrantView(ctx, "bob", "alice", "admin")
		require.NoError(t, err)

		alice := f.agent(t, "alice")
		bobContact := Contact{ID: "student-1", OwnerAgentID: "bob"}

		ok, err := f.engine.CanViewContact(ctx, alice, bobContact)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.engine.CanEditContact(ctx, alice, bobContact)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = f.engine.CanDeleteContact(ctx, alice, bobContact)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = f.engine.CheckByID(ctx, "alice", ActionView, "bob")
		require.NoError(t, err)
		assert.True(t, ok)

		contacts := []Contact{
			{ID: "c1", OwnerAgentID: "carol"},
			{ID: "c2", OwnerAgentID: "bob"},
			{ID: "c3", OwnerAgentID: "alice"},
			{ID: "c4", OwnerAgentID: "carol"},
		}
		filtered, err := f.engine.FilterContacts(ctx, alice, contacts)
		require.NoError(t, err)
		assert.Equal(t, []Contact{{ID: "c2", OwnerAgentID: "bob"}, {ID: "c3", OwnerAgentID: "alice"}}, filtered)

		all, err := f.engine.FilterContacts(ctx, f.agent(t, "admin"), contacts)
		require.NoError(t, err)
		assert.Equal(t, contacts, all)

		require.NoError(t, f.admin.DeactivateAgent(ctx, "alice", "admin"))
		none, err := f.engine.FilterContacts(ctx, f.agent(t, "alice"), contacts)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestEngine_DeactivatedOwnerStaysVisible(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "carol", "dave")
		require.NoError(t, f.admin.AssignManager(ctx, "dave", "carol", "admin"))
		require.NoError(t, f.admin.DeactivateAgent(ctx, "dave", "admin"))

		assert.True(t, f.check(t, "carol", ActionView, "dave"))
		assert.False(t, f.check(t, "dave", ActionView, "dave"))

		require.NoError(t, f.admin.ReactivateAgent(ctx, "dave", "admin"))
		assert.True(t, f.check(t, "dave", ActionView, "dave"))
	})
}

// Scenario: an admin lets alice see bob's contacts
func TestScenario_GrantView(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "alice", "bob")

		assert.False(t, f.check(t, "alice", ActionView, "bob"))

		_, err := f.admin.GrantView(ctx, "bob", "alice", "admin")
		require.NoError(t, err)

		assert.True(t, f.check(t, "alice", ActionView, "bob"))
		assert.False(t, f.check(t, "alice", ActionEdit, "bob"))
		assert.False(t, f.check(t, "alice", ActionDelete, "bob"))
		assert.False(t, f.check(t, "bob", ActionView, "alice"), "grants are directional")

		removed, err := f.admin.RevokeView(ctx, "bob", "alice", "admin")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.False(t, f.check(t, "alice", ActionView, "bob"))
	})
}

// Scenario: carol manages dave, then stops managing dave
func TestScenario_ManagerAssignment(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "carol", "dave")

		require.NoError(t, f.admin.AssignManager(ctx, "dave", "carol", "admin"))
		assert.True(t, f.check(t, "carol", ActionView, "dave"))
		assert.False(t, f.check(t, "carol", ActionEdit, "dave"))
		assert.False(t, f.check(t, "dave", ActionView, "carol"))

		removed, err := f.admin.RemoveManager(ctx, "dave", "admin")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.False(t, f.check(t, "carol", ActionView, "dave"))
	})
}

// Scenario: erin and frank cannot manage each other
func TestScenario_CycleRejected(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "erin", "frank")

		require.NoError(t, f.admin.AssignManager(ctx, "erin", "frank", "admin"))
		err := f.admin.AssignManager(ctx, "frank", "erin", "admin")
		assert.ErrorIs(t, err, ErrCycleDetected)

		edge, err := f.store.ManagerOf(ctx, "erin")
		require.NoError(t, err)
		require.NotNil(t, edge)
		assert.Equal(t, AgentID("frank"), edge.ManagerID)

		edge, err = f.store.ManagerOf(ctx, "frank")
		require.NoError(t, err)
		assert.Nil(t, edge)

		assert.True(t, f.check(t, "frank", ActionView, "erin"))
		assert.False(t, f.check(t, "erin", ActionView, "frank"))
	})
}

func TestProperty_GrantsAreNotTransitive(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "a", "b", "c")

		_, err := f.admin.GrantView(ctx, "a", "b", "admin")
		require.NoError(t, err)
		_, err = f.admin.GrantView(ctx, "b", "c", "admin")
		require.NoError(t, err)

		assert.True(t, f.check(t, "b", ActionView, "a"))
		assert.True(t, f.check(t, "c", ActionView, "b"))
		assert.False(t, f.check(t, "c", ActionView, "a"))
	})
}

func TestProperty_HierarchyIsTransitive(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "m", "s1", "s2")

		require.NoError(t, f.admin.AssignManager(ctx, "s1", "m", "admin"))
		// warm the cache before the deeper edge lands
		assert.False(t, f.check(t, "m", ActionView, "s2"))
		require.NoError(t, f.admin.AssignManager(ctx, "s2", "s1", "admin"))

		assert.True(t, f.check(t, "m", ActionView, "s2"))
		ok, err := f.engine.CanViewContact(ctx, f.agent(t, "m"), Contact{ID: "s2-contact", OwnerAgentID: "s2"})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestProperty_SetGrantsRefreshesCache(t *testing.T) {
	forEachFixture(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.commercials(t, "alice", "bob", "carol")

		require.NoError(t, f.admin.SetGrants(ctx, "alice", []AgentID{"bob"}, "admin"))
		assert.True(t, f.check(t, "alice", ActionView, "bob"))

		require.NoError(t, f.admin.SetGrants(ctx, "alice", []AgentID{"carol"}, "admin"))
		assert.False(t, f.check(t, "alice", ActionView, "bob"))
		assert.True(t, f.check(t, "alice", ActionView, "carol"))
	})
}
