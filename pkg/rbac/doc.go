// Package rbac decides which sales agents may view, edit or delete which
// contacts.
//
// # Overview
//
// Every contact has exactly one owner, an agent. Agents carry one of two
// roles:
//
//	RoleAdmin       - may do anything to any contact and manage the directory
//	RoleCommercial  - sees its own contacts plus whatever grants and the
//	                  reporting hierarchy expose
//
// Visibility for a commercial agent comes from three sources:
//
//  1. Ownership: an agent always sees its own contacts.
//  2. View grants: granter -> grantee lets grantee view contacts owned by
//     granter. Grants are one hop and never chain.
//  3. Hierarchy: a manager sees the contacts of every transitive
//     subordinate. Subordinates never see upward.
//
// Edit and delete follow ownership only. Neither grants nor the hierarchy
// widen them.
//
// # Decisions
//
// Engine.Check evaluates a request in a fixed order:
//
//	empty actor or owner id  -> ErrInvalidArgument
//	inactive actor           -> deny (ReasonInactive)
//	admin                    -> allow (ReasonAdmin)
//	edit / delete            -> allow only for the owner
//	view                     -> allow for the owner or any owner in the
//	                            actor's PermissionSet
//	anything else            -> deny (ReasonUnknownAction)
//
// Decide returns the same answer together with the reason.
//
//	engine := rbac.NewEngine(resolver, logger, metrics)
//	ok, err := engine.Check(ctx, actor, rbac.ActionView, contact.OwnerID)
//
// FilterContacts trims a listing down to what the actor may view and resolves
// the permission set once for the whole batch.
//
// # Hierarchy
//
// The reporting structure is a forest. AddHierarchyEdge rejects:
//
//	manager == subordinate              -> ErrCycleDetected
//	subordinate already has a manager   -> ErrMultipleManagers
//	manager is below subordinate        -> ErrCycleDetected
//
// Reassignment means RemoveHierarchyEdge followed by AddHierarchyEdge.
// Assigning the same manager twice is a no-op.
//
// The Resolver walks subordinates breadth first. Data that violates the forest
// shape (a revisited node or a chain deeper than the number of agents) stops
// the walk with ErrIntegrityViolation and is logged at error level.
//
// # Caching
//
// A Resolver can keep resolved permission sets in a Cache:
//
//	LRUCache    - in-process, bounded and expiring; only sees its own invalidations
//	RedisCache  - shared between processes, JSON values with a TTL
//
// Concurrent misses for the same actor share one resolution, but a resolution
// started before an invalidation is never joined by one started after it. A
// resolved set is written only if no invalidation or purge touched the actor
// since the Stamp taken before the first store read. AdminAPI invalidates the
// grantee after grant changes and purges the whole cache after hierarchy
// changes, since any ancestor may be affected.
//
// # Administration
//
// AdminAPI is the only mutation surface. Each call names the requesting agent,
// which must be an active admin; otherwise the call fails with ErrForbidden
// and nothing changes. Every call, allowed or not, produces an audit event.
//
//	admin := rbac.NewAdminAPI(store, resolver, rbac.AdminOptions{Audit: auditLogger})
//	if _, err := admin.GrantView(ctx, "bob", "alice", "root"); err != nil {
//		return err
//	}
//
// Bootstrap creates the first admin and is refused once any agent exists.
//
// # Storage
//
// Store has two implementations. MemoryStore keeps everything in maps behind a
// mutex. SQLStore runs on PostgreSQL (lib/pq) or SQLite (go-sqlite3) using the
// tables created by RunMigrations:
//
//	agents      - id, role, active flag
//	grants      - unique (granter_id, grantee_id), no self rows
//	hierarchy   - subordinate_id primary key, manager_id
//
// The primary key on subordinate_id enforces a single manager per agent even
// across processes.
//
// # Testing
//
// Store behaviour is checked against both implementations by the same suite.
// Property tests compare random mutation sequences with a brute-force model.
// Postgres integration tests run with the integration build tag:
//
//	go test -tags integration ./pkg/rbac/...
package rbac
