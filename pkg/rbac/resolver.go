package rbac

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// DefaultMaxDepth bounds hierarchy traversal when the agent count is smaller
const DefaultMaxDepth = 64

// ResolverOptions configures a Resolver. The zero value is usable.
type ResolverOptions struct {
	// MaxDepth is the minimum traversal depth bound; the agent count raises it
	MaxDepth int
	Cache    Cache
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Resolver computes the set of owners an actor may view
type Resolver struct {
	store    Store
	cache    Cache
	logger   *observability.Logger
	metrics  *observability.Metrics
	maxDepth int
	group    singleflight.Group

	// generation moves on every invalidation. Resolves share a flight only
	// within one generation, so a caller arriving after a mutation never
	// receives a set read before it.
	generation atomic.Uint64
}

// NewResolver creates a resolver reading from store
func NewResolver(store Store, opts ResolverOptions) *Resolver {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{
		store:    store,
		cache:    opts.Cache,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		maxDepth: maxDepth,
	}
}

// Store returns the backing store
func (r *Resolver) Store() Store {
	return r.store
}

// VisibleOwners returns actor itself, every agent that granted actor view
// access, and every agent below actor in the hierarchy. Grants are followed
// one hop only; the hierarchy is followed to any depth.
func (r *Resolver) VisibleOwners(ctx context.Context, actor AgentID) (PermissionSet, error) {
	if err := requireIDs(actor); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "rbac.VisibleOwners",
		attribute.String("actor_id", string(actor)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if set, ok := r.cached(ctx, actor); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return set, nil
	}

	key := string(actor) + "@" + strconv.FormatUint(r.generation.Load(), 10)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, actor)
	})
	if err != nil {
		return nil, err
	}

	// the singleflight result is shared between callers
	return v.(PermissionSet).Clone(), nil
}

func (r *Resolver) cached(ctx context.Context, actor AgentID) (PermissionSet, bool) {
	if r.cache == nil {
		return nil, false
	}
	set, ok, err := r.cache.Get(ctx, actor)
	if err != nil {
		r.logger.WithError(err).WithField("actor_id", string(actor)).Warn("visibility cache read failed")
		return nil, false
	}
	if !ok {
		r.metrics.RecordCacheMiss(r.cache.Type())
		return nil, false
	}
	r.metrics.RecordCacheHit(r.cache.Type())
	return set, true
}

func (r *Resolver) resolve(ctx context.Context, actor AgentID) (PermissionSet, error) {
	// the stamp must predate every store read below
	stamp, cacheable := r.stamp(ctx, actor)

	set := NewPermissionSet(actor)

	grants, err := r.store.ListGrantsFor(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants for %s: %w", actor, err)
	}
	for _, g := range grants {
		set.Add(g.GranterID)
	}

	descendants, err := r.Descendants(ctx, actor)
	if err != nil {
		return nil, err
	}
	for _, id := range descendants {
		set.Add(id)
	}

	r.metrics.RecordVisibleSet(len(set))

	if cacheable {
		stored, err := r.cache.Set(ctx, actor, set, stamp)
		if err != nil {
			r.logger.WithError(err).WithField("actor_id", string(actor)).Warn("visibility cache write failed")
		} else if !stored {
			r.logger.WithField("actor_id", string(actor)).Debug("visible set invalidated while resolving, not cached")
		}
	}
	return set, nil
}

func (r *Resolver) stamp(ctx context.Context, actor AgentID) (Stamp, bool) {
	if r.cache == nil {
		return Stamp{}, false
	}
	stamp, err := r.cache.Stamp(ctx, actor)
	if err != nil {
		r.logger.WithError(err).WithField("actor_id", string(actor)).Warn("visibility cache stamp read failed")
		return Stamp{}, false
	}
	return stamp, true
}

// Descendants returns every agent below root, sorted. Revisiting a node or
// exceeding the depth bound fails with ErrIntegrityViolation.
func (r *Resolver) Descendants(ctx context.Context, root AgentID) ([]AgentID, error) {
	if err := requireIDs(root); err != nil {
		return nil, err
	}

	limit, err := r.depthLimit(ctx)
	if err != nil {
		return nil, err
	}

	visited := map[AgentID]bool{root: true}
	var result []AgentID
	level := []AgentID{root}
	for depth := 0; len(level) > 0; depth++ {
		if depth > limit {
			return nil, r.integrityViolation(root, fmt.Errorf("%w: traversal from %s exceeded depth %d",
				ErrIntegrityViolation, root, limit))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []AgentID
		for _, current := range level {
			subs, err := r.store.SubordinatesOf(ctx, current, true)
			if err != nil {
				return nil, fmt.Errorf("failed to list subordinates of %s: %w", current, err)
			}
			for _, sub := range subs {
				if visited[sub] {
					return nil, r.integrityViolation(root, fmt.Errorf("%w: %s reached twice below %s",
						ErrIntegrityViolation, sub, root))
				}
				visited[sub] = true
				result = append(result, sub)
				next = append(next, sub)
			}
		}
		level = next
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (r *Resolver) depthLimit(ctx context.Context) (int, error) {
	count, err := r.store.CountAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	if count > r.maxDepth {
		return count, nil
	}
	return r.maxDepth, nil
}

func (r *Resolver) integrityViolation(root AgentID, err error) error {
	r.metrics.RecordIntegrityViolation()
	r.logger.WithError(err).WithField("root_id", string(root)).Error("hierarchy integrity violation")
	return err
}

// InvalidateActor drops the cached set of one actor. Call it after the
// mutation is committed.
func (r *Resolver) InvalidateActor(ctx context.Context, actor AgentID) {
	r.generation.Add(1)
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, actor); err != nil {
		r.logger.WithError(err).WithField("actor_id", string(actor)).Warn("visibility cache invalidation failed")
		return
	}
	r.metrics.RecordCacheInvalidation(r.cache.Type(), "actor")
}

// InvalidateAll drops every cached set. Call it after the mutation is
// committed.
func (r *Resolver) InvalidateAll(ctx context.Context) {
	r.generation.Add(1)
	if r.cache == nil {
		return
	}
	if err := r.cache.Purge(ctx); err != nil {
		r.logger.WithError(err).Warn("visibility cache purge failed")
		return
	}
	r.metrics.RecordCacheInvalidation(r.cache.Type(), "all")
}
