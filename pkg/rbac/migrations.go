package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all permission store migrations. The DDL is kept to
// the subset PostgreSQL and SQLite share.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create agents table",
			SQL: `
				CREATE TABLE IF NOT EXISTS agents (
					id VARCHAR(255) PRIMARY KEY,
					role VARCHAR(32) NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_agents_role ON agents(role);
			`,
		},
		{
			Version:     2,
			Description: "Create grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS grants (
					id VARCHAR(36) PRIMARY KEY,
					granter_id VARCHAR(255) NOT NULL,
					grantee_id VARCHAR(255) NOT NULL,
					granted_by VARCHAR(255),
					granted_at TIMESTAMP NOT NULL,
					UNIQUE(granter_id, grantee_id),
					CHECK (granter_id <> grantee_id)
				);

				CREATE INDEX IF NOT EXISTS idx_grants_grantee_id ON grants(grantee_id);
				CREATE INDEX IF NOT EXISTS idx_grants_granter_id ON grants(granter_id);
			`,
		},
		{
			Version:     3,
			Description: "Create hierarchy table",
			SQL: `
				CREATE TABLE IF NOT EXISTS hierarchy (
					subordinate_id VARCHAR(255) PRIMARY KEY,
					manager_id VARCHAR(255) NOT NULL,
					assigned_by VARCHAR(255),
					assigned_at TIMESTAMP NOT NULL,
					CHECK (subordinate_id <> manager_id)
				);

				CREATE INDEX IF NOT EXISTS idx_hierarchy_manager_id ON hierarchy(manager_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("migration completed")
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions[version] = true
	}
	return versions, rows.Err()
}
