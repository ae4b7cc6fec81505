// Package config loads settings for the visibility service from an optional
// YAML file and UNIS_* environment variables. Environment values win.
//
// # Configuration Structure
//
// Database settings:
//
//	UNIS_DB_DRIVER="postgres"   # postgres, sqlite3
//	UNIS_DB_URL="postgres://localhost/unis?sslmode=disable"
//	UNIS_DB_MAX_OPEN_CONNS="10"
//	UNIS_DB_CONN_MAX_LIFETIME="30m"
//
// Cache settings:
//
//	UNIS_CACHE_TYPE="redis"     # none, memory, redis
//	UNIS_CACHE_SIZE="1024"
//	UNIS_CACHE_TTL="5m"
//	UNIS_REDIS_URL="redis://localhost:6379"
//	UNIS_REDIS_DB="0"
//	UNIS_REDIS_KEY_PREFIX="unis:visible:"
//
// The default memory cache is private to one process and never hears about
// grants or hierarchy changes written by another. It suits a single
// long-lived process or one-shot CLI runs. Anything with several writers
// sharing a database should use redis, whose invalidations every process
// observes, or none.
//
// Resolver, audit and observability:
//
//	UNIS_RESOLVER_MAX_DEPTH="64"
//	UNIS_AUDIT_SINK="both"      # none, log, database, both
//	UNIS_LOG_LEVEL="info"       # debug, info, warn, error
//	UNIS_METRICS_ENABLED="true"
//	UNIS_METRICS_TEXTFILE="/var/lib/node_exporter/unis.prom"
//
// The same keys in YAML form:
//
//	database:
//	  driver: postgres
//	  url: postgres://localhost/unis?sslmode=disable
//	cache:
//	  type: redis
//	  ttl: 5m
//	  redis_url: redis://localhost:6379
//	audit:
//	  sink: both
//
// # Usage Example
//
//	cfg, err := config.LoadConfig() // reads UNIS_CONFIG_FILE if set
//	if err != nil {
//		log.Fatal(err)
//	}
package config
