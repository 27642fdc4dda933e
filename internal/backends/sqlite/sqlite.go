// Package sqlite is the embedded single-file PersistentStore engine (pure Go, no cgo).
package sqlite

import (
	"database/sql"
	"kubepulse/internal/backends/sqlstore"
	"strings"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		bundle TEXT NOT NULL,
		endpoints TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_configs_created ON configs (created_at)`,
	`CREATE TABLE IF NOT EXISTS cache (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache (expires_at)`,
	`CREATE TABLE IF NOT EXISTS traces (
		trace_id TEXT PRIMARY KEY,
		root_service TEXT NOT NULL,
		operation TEXT NOT NULL,
		services TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
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
		start_time INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		status TEXT NOT NULL,
		attributes TEXT NOT NULL,
		PRIMARY KEY (trace_id, span_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_service ON spans (service)`,
}

// Dialect is the SQLite flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:          "sqlite",
	DriverName:    "sqlite",
	Schema:        schema,
	LikeOperator:  "LIKE",
	ReadIsolation: sql.LevelDefault,
	// A single connection serializes writers and keeps ":memory:" databases shared.
	MaxOpenConns: 1,
}

// New returns an uninitialized store for the database file at path.
func New(path string) *sqlstore.Store {
	return sqlstore.New(Dialect, DSN(path))
}

// DSN builds the modernc.org/sqlite data source name with the pragmas every connection needs.
func DSN(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + pragmas
}
