package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQLStore persists permission data through database/sql. Queries use $n
// placeholders and portable DDL so the same store runs on PostgreSQL and SQLite.
//
// Uniqueness is enforced by the schema: UNIQUE(granter_id, grantee_id) on
// grants and subordinate_id as the hierarchy primary key, so racing writers
// are rejected by the database rather than by a check-then-insert.
type SQLStore struct {
	db *sql.DB

	// hierarchyMu serializes hierarchy writes within this process so the
	// ancestor walk and the insert see the same tree.
	hierarchyMu sync.Mutex
	now         func() time.Time

	// postgres enables table locks that SQLite does not support
	postgres bool
}

// NewSQLStore creates a new SQL-backed store
func NewSQLStore(db *sql.DB) *SQLStore {
	_, isPostgres := db.Driver().(*pq.Driver)
	return &SQLStore{
		db:       db,
		now:      func() time.Time { return time.Now().UTC() },
		postgres: isPostgres,
	}
}

// CreateAgent registers a new agent
func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
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

	query := `
		INSERT INTO agents (id, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	now := s.now()
	_, err = s.db.ExecContext(ctx, query, string(agent.ID), string(role), agent.Active, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAgentExists, agent.ID)
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}

	agent.Role = role
	agent.CreatedAt = now
	agent.UpdatedAt = now
	return nil
}

// CreateFirstAgent registers agent only while the agents table is empty.
// The insert and the count share one transaction. On PostgreSQL the table is
// locked first so concurrent callers queue; SQLite already admits a single
// writer, so the second insert waits and then sees two rows.
func (s *SQLStore) CreateFirstAgent(ctx context.Context, agent *Agent) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.postgres {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE agents IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock agents: %w", err)
		}
	}

	query := `
		INSERT INTO agents (id, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	now := s.now()
	if _, err := tx.ExecContext(ctx, query, string(agent.ID), string(role), agent.Active, now, now); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already registered", ErrDirectoryNotEmpty, agent.ID)
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return fmt.Errorf("failed to count agents: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %d agents registered", ErrDirectoryNotEmpty, n-1)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	agent.Role = role
	agent.CreatedAt = now
	agent.UpdatedAt = now
	return nil
}

// GetAgent retrieves an agent by id
func (s *SQLStore) GetAgent(ctx context.Context, id AgentID) (*Agent, error) {
	if err := requireIDs(id); err != nil {
		return nil, err
	}

	query := `
		SELECT id, role, active, created_at, updated_at
		FROM agents
		WHERE id = $1
	`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, string(id)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// SetAgentActive flips the soft-delete flag
func (s *SQLStore) SetAgentActive(ctx context.Context, id AgentID, active bool) error {
	if err := requireIDs(id); err != nil {
		return err
	}

	query := `UPDATE agents SET active = $1, updated_at = $2 WHERE id = $3`
	result, err := s.db.ExecContext(ctx, query, active, s.now(), string(id))
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return nil
}

// ListAgents lists all agents ordered by id
func (s *SQLStore) ListAgents(ctx context.Context) ([]Agent, error) {
	query := `
		SELECT id, role, active, created_at, updated_at
		FROM agents
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of registered agents
func (s *SQLStore) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

// AddGrant inserts a granter->grantee edge
func (s *SQLStore) AddGrant(ctx context.Context, granter, grantee, grantedBy AgentID) (*Grant, error) {
	if err := validateGrant(granter, grantee); err != nil {
		return nil, err
	}

	grant := &Grant{
		ID:        uuid.NewString(),
		GranterID: granter,
		GranteeID: grantee,
		GrantedBy: grantedBy,
		GrantedAt: s.now(),
	}
	if err := insertGrant(ctx, s.db, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertGrant(ctx context.Context, db execer, grant *Grant) error {
	query := `
		INSERT INTO grants (id, granter_id, grantee_id, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := db.ExecContext(ctx, query,
		grant.ID,
		string(grant.GranterID),
		string(grant.GranteeID),
		nullableID(grant.GrantedBy),
		grant.GrantedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already granted to %s", ErrInvalidGrant, grant.GranterID, grant.GranteeID)
		}
		return fmt.Errorf("failed to add grant: %w", err)
	}
	return nil
}

// RemoveGrant deletes a grant and reports whether one existed
func (s *SQLStore) RemoveGrant(ctx context.Context, granter, grantee AgentID) (bool, error) {
	if err := requireIDs(granter, grantee); err != nil {
		return false, err
	}

	query := `DELETE FROM grants WHERE granter_id = $1 AND grantee_id = $2`
	result, err := s.db.ExecContext(ctx, query, string(granter), string(grantee))
	if err != nil {
		return false, fmt.Errorf("failed to remove grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove grant: %w", err)
	}
	return affected > 0, nil
}

// ReplaceGrantsFor sets the complete list of granters for grantee in one transaction
func (s *SQLStore) ReplaceGrantsFor(ctx context.Context, grantee AgentID, granters []AgentID, grantedBy AgentID) error {
	if err := requireIDs(grantee); err != nil {
		return err
	}
	if err := validateGranters(grantee, granters); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT granter_id FROM grants WHERE grantee_id = $1`, string(grantee))
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	existing := make(map[AgentID]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		existing[AgentID(id)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}

	keep := make(map[AgentID]bool, len(granters))
	for _, g := range granters {
		keep[g] = true
	}

	for g := range existing {
		if keep[g] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM grants WHERE granter_id = $1 AND grantee_id = $2`,
			string(g), string(grantee),
		); err != nil {
			return fmt.Errorf("failed to remove grant: %w", err)
		}
	}

	now := s.now()
	for _, g := range granters {
		if existing[g] {
			continue
		}
		grant := &Grant{
			ID:        uuid.NewString(),
			GranterID: g,
			GranteeID: grantee,
			GrantedBy: grantedBy,
			GrantedAt: now,
		}
		if err := insertGrant(ctx, tx, grant); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit grants: %w", err)
	}
	return nil
}

// ListGrantsFor returns grants received by grantee
func (s *SQLStore) ListGrantsFor(ctx context.Context, grantee AgentID) ([]Grant, error) {
	if err := requireIDs(grantee); err != nil {
		return nil, err
	}
	query := `
		SELECT id, granter_id, grantee_id, granted_by, granted_at
		FROM grants
		WHERE grantee_id = $1
		ORDER BY granter_id ASC
	`
	return s.queryGrants(ctx, query, string(grantee))
}

// ListGrantsBy returns grants issued by granter
func (s *SQLStore) ListGrantsBy(ctx context.Context, granter AgentID) ([]Grant, error) {
	if err := requireIDs(granter); err != nil {
		return nil, err
	}
	query := `
		SELECT id, granter_id, grantee_id, granted_by, granted_at
		FROM grants
		WHERE granter_id = $1
		ORDER BY grantee_id ASC
	`
	return s.queryGrants(ctx, query, string(granter))
}

func (s *SQLStore) queryGrants(ctx context.Context, query string, args ...interface{}) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var granter, grantee string
		var grantedBy sql.NullString

		if err := rows.Scan(&g.ID, &granter, &grantee, &grantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.GranterID = AgentID(granter)
		g.GranteeID = AgentID(grantee)
		if grantedBy.Valid {
			g.GrantedBy = AgentID(grantedBy.String)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// AddHierarchyEdge makes subordinate report to manager. The ancestor walk and
// the insert run in one transaction; the subordinate_id primary key rejects
// a concurrent second parent from another process.
func (s *SQLStore) AddHierarchyEdge(ctx context.Context, manager, subordinate, assignedBy AgentID) error {
	if err := requireIDs(manager, subordinate); err != nil {
		return err
	}
	if manager == subordinate {
		return fmt.Errorf("%w: agent %s cannot manage itself", ErrCycleDetected, manager)
	}

	s.hierarchyMu.Lock()
	defer s.hierarchyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	lookup := func(ctx context.Context, id AgentID) (AgentID, error) {
		var parent string
		err := tx.QueryRowContext(ctx, `SELECT manager_id FROM hierarchy WHERE subordinate_id = $1`, string(id)).Scan(&parent)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to load manager: %w", err)
		}
		return AgentID(parent), nil
	}

	current, err := lookup(ctx, subordinate)
	if err != nil {
		return err
	}
	if current == manager {
		return nil
	}
	if current != "" {
		return fmt.Errorf("%w: %s reports to %s", ErrMultipleManagers, subordinate, current)
	}

	var edges int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM hierarchy`).Scan(&edges); err != nil {
		return fmt.Errorf("failed to count hierarchy edges: %w", err)
	}
	if err := checkNoCycle(ctx, manager, subordinate, edges+1, lookup); err != nil {
		return err
	}

	query := `
		INSERT INTO hierarchy (subordinate_id, manager_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err = tx.ExecContext(ctx, query, string(subordinate), string(manager), nullableID(assignedBy), s.now())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s was assigned concurrently", ErrMultipleManagers, subordinate)
		}
		return fmt.Errorf("failed to add hierarchy edge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hierarchy edge: %w", err)
	}
	return nil
}

// RemoveHierarchyEdge detaches subordinate from its manager
func (s *SQLStore) RemoveHierarchyEdge(ctx context.Context, subordinate AgentID) (bool, error) {
	if err := requireIDs(subordinate); err != nil {
		return false, err
	}

	s.hierarchyMu.Lock()
	defer s.hierarchyMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM hierarchy WHERE subordinate_id = $1`, string(subordinate))
	if err != nil {
		return false, fmt.Errorf("failed to remove hierarchy edge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove hierarchy edge: %w", err)
	}
	return affected > 0, nil
}

// ManagerOf returns the direct manager edge of subordinate, or nil
func (s *SQLStore) ManagerOf(ctx context.Context, subordinate AgentID) (*HierarchyEdge, error) {
	if err := requireIDs(subordinate); err != nil {
		return nil, err
	}

	query := `
		SELECT subordinate_id, manager_id, assigned_by, assigned_at
		FROM hierarchy
		WHERE subordinate_id = $1
	`

	var edge HierarchyEdge
	var sub, manager string
	var assignedBy sql.NullString
	err := s.db.QueryRowContext(ctx, query, string(subordinate)).Scan(&sub, &manager, &assignedBy, &edge.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manager: %w", err)
	}

	edge.SubordinateID = AgentID(sub)
	edge.ManagerID = AgentID(manager)
	if assignedBy.Valid {
		edge.AssignedBy = AgentID(assignedBy.String)
	}
	return &edge, nil
}

// SubordinatesOf returns direct reports, or every descendant when direct is false.
// The recursive query uses UNION so it terminates even on cyclic rows.
func (s *SQLStore) SubordinatesOf(ctx context.Context, manager AgentID, direct bool) ([]AgentID, error) {
	if err := requireIDs(manager); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var err error
	if direct {
		rows, err = s.db.QueryContext(ctx,
			`SELECT subordinate_id FROM hierarchy WHERE manager_id = $1 ORDER BY subordinate_id ASC`,
			string(manager),
		)
	} else {
		query := `
			WITH RECURSIVE descendants(id) AS (
				SELECT subordinate_id FROM hierarchy WHERE manager_id = $1
				UNION
				SELECT h.subordinate_id FROM hierarchy h JOIN descendants d ON h.manager_id = d.id
			)
			SELECT id FROM descendants WHERE id <> $2 ORDER BY id ASC
		`
		rows, err = s.db.QueryContext(ctx, query, string(manager), string(manager))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list subordinates: %w", err)
	}
	defer rows.Close()

	var ids []AgentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subordinate: %w", err)
		}
		ids = append(ids, AgentID(id))
	}
	return ids, rows.Err()
}

// scanAgent scans an agent from a database row
func scanAgent(scanner interface {
	Scan(dest ...interface{}) error
}) (*Agent, error) {
	var agent Agent
	var id, role string

	if err := scanner.Scan(&id, &role, &agent.Active, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.ID = AgentID(id)
	agent.Role = Role(role)
	return &agent, nil
}

func nullableID(id AgentID) sql.NullString {
	if id.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(id), Valid: true}
}

// isUniqueViolation recognizes unique and primary key violations from the
// PostgreSQL and SQLite drivers
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
