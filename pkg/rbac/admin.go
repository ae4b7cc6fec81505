package rbac

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xarlytos/unisunis-sub000/pkg/audit"
	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// AdminOptions configures an AdminAPI. Nil fields disable the concern.
type AdminOptions struct {
	Audit   audit.Logger
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// AdminAPI is the only mutation surface for grants, hierarchy edges and
// agents. Every call must be requested by an active admin.
type AdminAPI struct {
	store    Store
	resolver *Resolver
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewAdminAPI creates an admin API writing to store. resolver may be nil when
// no visibility cache needs invalidating.
func NewAdminAPI(store Store, resolver *Resolver, opts AdminOptions) *AdminAPI {
	auditLogger := opts.Audit
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &AdminAPI{
		store:    store,
		resolver: resolver,
		audit:    auditLogger,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// mutation describes one admin call for tracing, auditing and metrics
type mutation struct {
	op          string
	eventType   audit.EventType
	requestedBy AgentID
	subject     AgentID
	target      AgentID
	metadata    map[string]interface{}

	// selfAuthorized skips the requester check; fn enforces its own rule
	selfAuthorized bool
}

func (a *AdminAPI) run(ctx context.Context, m mutation, fn func(ctx context.Context) error) (err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.admin."+m.op,
		attribute.String("requested_by", string(m.requestedBy)),
		attribute.String("subject_id", string(m.subject)),
		attribute.String("target_id", string(m.target)))
	defer func() { observability.EndSpan(span, err) }()

	log := observability.FromContext(ctx, a.logger).WithFields(map[string]interface{}{
		"operation":    m.op,
		"requested_by": string(m.requestedBy),
		"subject_id":   string(m.subject),
		"target_id":    string(m.target),
	})

	if !m.selfAuthorized {
		if err := a.requireAdmin(ctx, m.requestedBy); err != nil {
			if errors.Is(err, ErrForbidden) {
				a.deny(ctx, log, m, err)
			}
			return err
		}
	}

	if err := fn(ctx); err != nil {
		if errors.Is(err, ErrForbidden) {
			a.deny(ctx, log, m, err)
			return err
		}
		log.WithError(err).Info("admin operation rejected")
		a.metrics.RecordMutation(m.op, "failure")
		a.record(ctx, m, audit.EventStatusFailure, err)
		return err
	}

	log.Info("admin operation applied")
	a.metrics.RecordMutation(m.op, "success")
	a.record(ctx, m, audit.EventStatusSuccess, nil)
	return nil
}

func (a *AdminAPI) deny(ctx context.Context, log *observability.Logger, m mutation, err error) {
	log.WithError(err).Warn("admin operation forbidden")
	a.metrics.RecordMutation(m.op, "forbidden")
	a.record(ctx, m, audit.EventStatusDenied, err)
}

// requireAdmin fails with ErrForbidden unless id names an active admin
func (a *AdminAPI) requireAdmin(ctx context.Context, id AgentID) error {
	if err := requireIDs(id); err != nil {
		return err
	}
	agent, err := a.store.GetAgent(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		return fmt.Errorf("%w: unknown requester %s", ErrForbidden, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load requester: %w", err)
	}
	if !agent.Active {
		return fmt.Errorf("%w: requester %s is inactive", ErrForbidden, id)
	}
	if !agent.IsAdmin() {
		return fmt.Errorf("%w: requester %s is not an admin", ErrForbidden, id)
	}
	return nil
}

func (a *AdminAPI) record(ctx context.Context, m mutation, status audit.EventStatus, cause error) {
	event := audit.NewEvent(ctx, m.eventType, status, string(m.requestedBy))
	event.SubjectID = string(m.subject)
	event.TargetID = string(m.target)
	event.Message = fmt.Sprintf("%s %s", m.op, status)
	for k, v := range m.metadata {
		event.Metadata[k] = v
	}
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}

	if err := a.audit.Log(ctx, event); err != nil {
		a.logger.WithError(err).WithField("operation", m.op).Error("failed to write audit event")
	}
}

func (a *AdminAPI) requireAgents(ctx context.Context, ids ...AgentID) error {
	for _, id := range ids {
		if _, err := a.store.GetAgent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *AdminAPI) invalidate(ctx context.Context, actor AgentID) {
	if a.resolver != nil {
		a.resolver.InvalidateActor(ctx, actor)
	}
}

func (a *AdminAPI) invalidateAll(ctx context.Context) {
	if a.resolver != nil {
		a.resolver.InvalidateAll(ctx)
	}
}

// GrantView lets grantee view contacts owned by granter
func (a *AdminAPI) GrantView(ctx context.Context, granter, grantee, requestedBy AgentID) (*Grant, error) {
	var grant *Grant
	err := a.run(ctx, mutation{
		op:          "grant_view",
		eventType:   audit.EventTypeGrantView,
		requestedBy: requestedBy,
		subject:     grantee,
		target:      granter,
	}, func(ctx context.Context) error {
		if err := validateGrant(granter, grantee); err != nil {
			return err
		}
		if err := a.requireAgents(ctx, granter, grantee); err != nil {
			return err
		}
		g, err := a.store.AddGrant(ctx, granter, grantee, requestedBy)
		if err != nil {
			return err
		}
		grant = g
		a.invalidate(ctx, grantee)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeView removes a grant. Revoking an absent grant returns false, nil.
func (a *AdminAPI) RevokeView(ctx context.Context, granter, grantee, requestedBy AgentID) (bool, error) {
	var removed bool
	err := a.run(ctx, mutation{
		op:          "revoke_view",
		eventType:   audit.EventTypeRevokeView,
		requestedBy: requestedBy,
		subject:     grantee,
		target:      granter,
	}, func(ctx context.Context) error {
		ok, err := a.store.RemoveGrant(ctx, granter, grantee)
		if err != nil {
			return err
		}
		removed = ok
		if ok {
			a.invalidate(ctx, grantee)
		}
		return nil
	})
	return removed, err
}

// SetGrants replaces the complete list of agents whose contacts grantee may view
func (a *AdminAPI) SetGrants(ctx context.Context, grantee AgentID, granters []AgentID, requestedBy AgentID) error {
	ids := make([]string, len(granters))
	for i, g := range granters {
		ids[i] = string(g)
	}
	return a.run(ctx, mutation{
		op:          "set_grants",
		eventType:   audit.EventTypeSetGrants,
		requestedBy: requestedBy,
		subject:     grantee,
		metadata:    map[string]interface{}{"granters": ids},
	}, func(ctx context.Context) error {
		if err := requireIDs(grantee); err != nil {
			return err
		}
		if err := validateGranters(grantee, granters); err != nil {
			return err
		}
		if err := a.requireAgents(ctx, append([]AgentID{grantee}, granters...)...); err != nil {
			return err
		}
		if err := a.store.ReplaceGrantsFor(ctx, grantee, granters, requestedBy); err != nil {
			return err
		}
		a.invalidate(ctx, grantee)
		return nil
	})
}

// AssignManager makes subordinate report to manager. A subordinate that
// already reports elsewhere must be detached with RemoveManager first.
func (a *AdminAPI) AssignManager(ctx context.Context, subordinate, manager, requestedBy AgentID) error {
	return a.run(ctx, mutation{
		op:          "assign_manager",
		eventType:   audit.EventTypeAssignManager,
		requestedBy: requestedBy,
		subject:     subordinate,
		target:      manager,
	}, func(ctx context.Context) error {
		if err := requireIDs(manager, subordinate); err != nil {
			return err
		}
		if err := a.requireAgents(ctx, manager, subordinate); err != nil {
			return err
		}
		if err := a.store.AddHierarchyEdge(ctx, manager, subordinate, requestedBy); err != nil {
			return err
		}
		// every ancestor of manager gains visibility
		a.invalidateAll(ctx)
		return nil
	})
}

// RemoveManager detaches subordinate from its manager; false if it had none
func (a *AdminAPI) RemoveManager(ctx context.Context, subordinate, requestedBy AgentID) (bool, error) {
	var removed bool
	err := a.run(ctx, mutation{
		op:          "remove_manager",
		eventType:   audit.EventTypeRemoveManager,
		requestedBy: requestedBy,
		subject:     subordinate,
	}, func(ctx context.Context) error {
		ok, err := a.store.RemoveHierarchyEdge(ctx, subordinate)
		if err != nil {
			return err
		}
		removed = ok
		if ok {
			a.invalidateAll(ctx)
		}
		return nil
	})
	return removed, err
}

// CreateAgent registers a new active agent
func (a *AdminAPI) CreateAgent(ctx context.Context, id AgentID, role Role, requestedBy AgentID) (*Agent, error) {
	agent := &Agent{ID: id, Role: role, Active: true}
	err := a.run(ctx, mutation{
		op:          "create_agent",
		eventType:   audit.EventTypeAgentCreate,
		requestedBy: requestedBy,
		subject:     id,
		metadata:    map[string]interface{}{"role": string(role)},
	}, func(ctx context.Context) error {
		return a.store.CreateAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// DeactivateAgent soft-deletes an agent. Its contacts, grants and hierarchy
// edges are kept; it simply stops passing checks as an actor.
func (a *AdminAPI) DeactivateAgent(ctx context.Context, id, requestedBy AgentID) error {
	return a.setActive(ctx, id, requestedBy, false)
}

// ReactivateAgent restores a deactivated agent
func (a *AdminAPI) ReactivateAgent(ctx context.Context, id, requestedBy AgentID) error {
	return a.setActive(ctx, id, requestedBy, true)
}

func (a *AdminAPI) setActive(ctx context.Context, id, requestedBy AgentID, active bool) error {
	m := mutation{
		op:          "deactivate_agent",
		eventType:   audit.EventTypeAgentDeactivate,
		requestedBy: requestedBy,
		subject:     id,
	}
	if active {
		m.op = "reactivate_agent"
		m.eventType = audit.EventTypeAgentReactivate
	}
	return a.run(ctx, m, func(ctx context.Context) error {
		if !active && id == requestedBy {
			return fmt.Errorf("%w: admin %s cannot deactivate itself", ErrInvalidArgument, id)
		}
		return a.store.SetAgentActive(ctx, id, active)
	})
}

// Bootstrap creates the first admin of an empty directory. It fails with
// ErrForbidden once any agent exists, also when callers race.
func (a *AdminAPI) Bootstrap(ctx context.Context, id AgentID) (*Agent, error) {
	if err := requireIDs(id); err != nil {
		return nil, err
	}

	agent := &Agent{ID: id, Role: RoleAdmin, Active: true}
	err := a.run(ctx, mutation{
		op:             "bootstrap",
		eventType:      audit.EventTypeAgentCreate,
		requestedBy:    id,
		subject:        id,
		metadata:       map[string]interface{}{"role": string(RoleAdmin), "bootstrap": true},
		selfAuthorized: true,
	}, func(ctx context.Context) error {
		err := a.store.CreateFirstAgent(ctx, agent)
		if errors.Is(err, ErrDirectoryNotEmpty) {
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}
