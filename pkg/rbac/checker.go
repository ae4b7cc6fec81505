package rbac

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// Checker decides whether an actor may act on a contact owned by ownerID
type Checker interface {
	// Check returns the yes/no outcome of Decide
	Check(ctx context.Context, actor Agent, action Action, ownerID AgentID) (bool, error)

	// Decide returns an explained decision
	Decide(ctx context.Context, actor Agent, action Action, ownerID AgentID) (*Decision, error)
}

// Engine is the authorization decision point. It never mutates the store.
type Engine struct {
	resolver *Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEngine creates an engine resolving visibility through resolver
func NewEngine(resolver *Resolver, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Check reports whether actor may perform action on a contact owned by ownerID.
// A deny is not an error; errors mean invalid input or a failed lookup.
func (e *Engine) Check(ctx context.Context, actor Agent, action Action, ownerID AgentID) (bool, error) {
	decision, err := e.Decide(ctx, actor, action, ownerID)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// Decide evaluates, in order: inactive actor, admin, ownership for edit and
// delete, visibility for view. Anything else is denied.
func (e *Engine) Decide(ctx context.Context, actor Agent, action Action, ownerID AgentID) (*Decision, error) {
	if err := requireIDs(actor.ID, ownerID); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "rbac.Decide",
		attribute.String("actor_id", string(actor.ID)),
		attribute.String("action", string(action)),
		attribute.String("owner_id", string(ownerID)))
	start := e.now()

	decision, err := e.decide(ctx, actor, action, ownerID)
	observability.EndSpan(span, err)
	if err != nil {
		e.metrics.RecordDecisionError(string(action))
		return nil, err
	}

	decision.CheckedAt = start
	e.metrics.RecordDecision(string(action), decision.Allowed, e.now().Sub(start).Seconds())

	observability.FromContext(ctx, e.logger).WithFields(map[string]interface{}{
		"actor_id": string(actor.ID),
		"action":   string(action),
		"owner_id": string(ownerID),
		"allowed":  decision.Allowed,
		"reason":   decision.Reason,
	}).Debug("authorization decision")

	return decision, nil
}

func (e *Engine) decide(ctx context.Context, actor Agent, action Action, ownerID AgentID) (*Decision, error) {
	switch {
	case !actor.Active:
		return &Decision{Allowed: false, Reason: ReasonInactiveActor}, nil
	case actor.IsAdmin():
		return &Decision{Allowed: true, Reason: ReasonAdmin}, nil
	case action.IsMutation():
		if actor.ID == ownerID {
			return &Decision{Allowed: true, Reason: ReasonOwner}, nil
		}
		return &Decision{Allowed: false, Reason: ReasonNotOwner}, nil
	case action == ActionView:
		if actor.ID == ownerID {
			return &Decision{Allowed: true, Reason: ReasonOwner}, nil
		}
		visible, err := e.resolver.VisibleOwners(ctx, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve visible owners: %w", err)
		}
		if visible.Contains(ownerID) {
			return &Decision{Allowed: true, Reason: ReasonVisible}, nil
		}
		return &Decision{Allowed: false, Reason: ReasonNotVisible}, nil
	default:
		return &Decision{Allowed: false, Reason: ReasonUnknownAction}, nil
	}
}

// CheckByID loads the actor from the store, then calls Check
func (e *Engine) CheckByID(ctx context.Context, actorID AgentID, action Action, ownerID AgentID) (bool, error) {
	if err := requireIDs(actorID, ownerID); err != nil {
		return false, err
	}
	actor, err := e.resolver.Store().GetAgent(ctx, actorID)
	if err != nil {
		return false, err
	}
	return e.Check(ctx, *actor, action, ownerID)
}

// CanViewContact reports whether actor may view contact
func (e *Engine) CanViewContact(ctx context.Context, actor Agent, contact Contact) (bool, error) {
	return e.Check(ctx, actor, ActionView, contact.OwnerAgentID)
}

// CanEditContact reports whether actor may edit contact
func (e *Engine) CanEditContact(ctx context.Context, actor Agent, contact Contact) (bool, error) {
	return e.Check(ctx, actor, ActionEdit, contact.OwnerAgentID)
}

// CanDeleteContact reports whether actor may delete contact
func (e *Engine) CanDeleteContact(ctx context.Context, actor Agent, contact Contact) (bool, error) {
	return e.Check(ctx, actor, ActionDelete, contact.OwnerAgentID)
}

// FilterContacts keeps the contacts actor may view, in input order. The
// visible set is resolved once for the whole slice.
func (e *Engine) FilterContacts(ctx context.Context, actor Agent, contacts []Contact) ([]Contact, error) {
	if err := requireIDs(actor.ID); err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if err := requireIDs(c.OwnerAgentID); err != nil {
			return nil, fmt.Errorf("contact %s: %w", c.ID, err)
		}
	}

	if !actor.Active {
		return []Contact{}, nil
	}
	if actor.IsAdmin() {
		return append([]Contact(nil), contacts...), nil
	}

	visible, err := e.resolver.VisibleOwners(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve visible owners: %w", err)
	}

	filtered := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if visible.Contains(c.OwnerAgentID) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

var _ Checker = (*Engine)(nil)
