package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xarlytos/unisunis-sub000/pkg/audit"
	"github.com/xarlytos/unisunis-sub000/pkg/config"
	"github.com/xarlytos/unisunis-sub000/pkg/observability"
	"github.com/xarlytos/unisunis-sub000/pkg/rbac"
)

// App wires the visibility components described by a Config
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Store    *rbac.SQLStore
	Resolver *rbac.Resolver
	Engine   *rbac.Engine
	Admin    *rbac.AdminAPI

	// AuditDB is nil unless the database audit sink is enabled
	AuditDB *audit.DBLogger

	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	audit audit.Logger
	redis *redis.Client
}

// NewApp opens the database and cache named by cfg. It does not run
// migrations; call Migrate for that.
func NewApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Database.Driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	app := &App{Config: cfg, DB: db, Logger: logger}

	if cfg.Observability.MetricsEnabled {
		app.Registry = prometheus.NewRegistry()
		app.Metrics = observability.NewMetrics(app.Registry)
	}

	cache, err := app.openCache(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	if err := app.openAudit(); err != nil {
		app.Close()
		return nil, err
	}

	app.Store = rbac.NewSQLStore(db)
	app.Resolver = rbac.NewResolver(app.Store, rbac.ResolverOptions{
		MaxDepth: cfg.Resolver.MaxDepth,
		Cache:    cache,
		Logger:   logger,
		Metrics:  app.Metrics,
	})
	app.Engine = rbac.NewEngine(app.Resolver, logger, app.Metrics)
	app.Admin = rbac.NewAdminAPI(app.Store, app.Resolver, rbac.AdminOptions{
		Audit:   app.audit,
		Logger:  logger,
		Metrics: app.Metrics,
	})

	return app, nil
}

func (a *App) openCache(ctx context.Context) (rbac.Cache, error) {
	switch a.Config.Cache.Type {
	case config.CacheMemory:
		return rbac.NewLRUCache(a.Config.Cache.Size, a.Config.Cache.TTL), nil
	case config.CacheRedis:
		client, err := rbac.DialRedis(ctx, a.Config.Cache.RedisURL, a.Config.Cache.RedisDB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return rbac.NewRedisCache(client, a.Config.Cache.KeyPrefix, a.Config.Cache.TTL), nil
	default:
		return nil, nil
	}
}

func (a *App) openAudit() error {
	var sinks []audit.Logger

	switch a.Config.Audit.Sink {
	case config.AuditLog:
		sinks = append(sinks, audit.NewStructuredLogger(a.Logger))
	case config.AuditDatabase, config.AuditBoth:
		dbLogger, err := audit.NewDBLogger(a.DB)
		if err != nil {
			return err
		}
		a.AuditDB = dbLogger
		sinks = append(sinks, dbLogger)
		if a.Config.Audit.Sink == config.AuditBoth {
			sinks = append(sinks, audit.NewStructuredLogger(a.Logger))
		}
	}

	switch len(sinks) {
	case 0:
		a.audit = audit.NewNoOpLogger()
	case 1:
		a.audit = sinks[0]
	default:
		a.audit = audit.NewMultiLogger(sinks...)
	}
	return nil
}

// Migrate creates or upgrades the rbac tables
func (a *App) Migrate(ctx context.Context) error {
	return rbac.RunMigrations(ctx, a.DB, a.Logger)
}

// Agent loads an agent or fails with rbac.ErrAgentNotFound
func (a *App) Agent(ctx context.Context, id rbac.AgentID) (*rbac.Agent, error) {
	return a.Store.GetAgent(ctx, id)
}

// Close flushes metrics and releases connections. It is safe on a partially
// constructed App.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.Registry != nil && a.Config.Observability.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(a.Config.Observability.MetricsTextfile, a.Registry); err != nil {
			keep(fmt.Errorf("failed to write metrics textfile: %w", err))
		}
	}
	if a.audit != nil {
		keep(a.audit.Close())
	}
	if a.redis != nil {
		keep(a.redis.Close())
	}
	if a.DB != nil {
		keep(a.DB.Close())
	}
	return firstErr
}
