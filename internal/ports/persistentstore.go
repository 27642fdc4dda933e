package ports

import (
	"context"
	"kubepulse/internal/types"
	"time"
)

// ConfigBackend persists ConfigRecords keyed by ID.
// UpdateConfig and DeleteConfig MUST return types.ErrNotFound when no row matched the ID, distinctly from
// types.ErrStorage for I/O or serialization failures.
type ConfigBackend interface {
	AddConfig(ctx context.Context, rec types.ConfigRecord) error
	GetConfig(ctx context.Context, id string) (types.ConfigRecord, error)
	GetConfigMetadata(ctx context.Context, id string) (types.ConfigMetadata, error)
	ListConfigs(ctx context.Context) ([]types.ConfigRecord, error)
	UpdateConfig(ctx context.Context, rec types.ConfigRecord) error
	DeleteConfig(ctx context.Context, id string) error
}

// CacheBackend is a time-bounded key/value table.
// GetCache MUST return types.ErrNotFound both when the key is absent and when it has expired.
type CacheBackend interface {
	SetCache(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	GetCache(ctx context.Context, key string) ([]byte, error)
	// DeleteExpiredCache removes entries whose expiry is at or before cutoff and returns how many were removed.
	DeleteExpiredCache(ctx context.Context, cutoff time.Time) (int64, error)
	ClearCache(ctx context.Context) error
}

// TraceBackend is an append/query table for request traces.
type TraceBackend interface {
	// StoreTrace upserts the trace and every one of its spans as one unit.
	StoreTrace(ctx context.Context, trace types.Trace) error
	GetTrace(ctx context.Context, traceID string) (types.Trace, error)
	// QueryTraces returns one page of matching traces plus the total number of matches regardless of paging.
	QueryTraces(ctx context.Context, filter types.TraceFilter) ([]types.Trace, int, error)
	// DeleteExpiredTraces removes traces started before cutoff together with their spans.
	DeleteExpiredTraces(ctx context.Context, cutoff time.Time) (int64, error)
}

// PersistentStore is the storage-agnostic contract every backend engine implements.
type PersistentStore interface {
	ConfigBackend
	CacheBackend
	TraceBackend

	// Initialize idempotently creates the schema and opens the connection pool.
	Initialize(ctx context.Context) error
	// HealthCheck performs a trivial round-trip against the live connection.
	HealthCheck(ctx context.Context) error
	Close() error
}
