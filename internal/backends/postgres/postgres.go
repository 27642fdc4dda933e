// Package postgres is the client/server PersistentStore engine.
package postgres

import (
	"database/sql"
	"kubepulse/internal/backends/sqlstore"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		bundle TEXT NOT NULL,
		endpoints TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_configs_created ON configs (created_at)`,
	`CREATE TABLE IF NOT EXISTS cache (
		cache_key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache (expires_at)`,
	`CREATE TABLE IF NOT EXISTS traces (
		trace_id TEXT PRIMARY KEY,
		root_service TEXT NOT NULL,
		operation TEXT NOT NULL,
		services TEXT NOT NULL,
		start_time BIGINT NOT NULL,
		duration_ns BIGINT NOT NULL,
		status TEXT NOT NULL,
		span_count INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_start ON traces (start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_duration ON traces (duration_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_status ON traces (status)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_operation ON traces (operation)`,
	`CREATE TABLE IF NOT EXISTS spans (
		trace_id TEXT NOT NULL REFERENCES traces (trace_id) ON DELETE CASCADE,
		span_id TEXT NOT NULL,
		parent_span_id TEXT NOT NULL,
		service TEXT NOT NULL,
		operation TEXT NOT NULL,
		start_time BIGINT NOT NULL,
		duration_ns BIGINT NOT NULL,
		status TEXT NOT NULL,
		attributes TEXT NOT NULL,
		PRIMARY KEY (trace_id, span_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_service ON spans (service)`,
}

// Dialect is the PostgreSQL flavour of sqlstore, driven through pgx's database/sql adapter.
var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	DriverName:           "pgx",
	Schema:               schema,
	NumberedPlaceholders: true,
	LikeOperator:         "ILIKE",
	ReadIsolation:        sql.LevelRepeatableRead,
	ReadOnlyTx:           true,
	MaxOpenConns:         10,
}

// New returns an uninitialized store for the given postgres:// connection URL.
func New(url string) *sqlstore.Store {
	return sqlstore.New(Dialect, url)
}
