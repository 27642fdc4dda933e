package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"kubepulse/internal/types"
	"time"
)

func (s *Store) SetCache(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err = db.ExecContext(ctx, s.rebind(
		`INSERT INTO cache (cache_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`),
		key, value, toNanos(expiresAt),
	)
	if err != nil {
		return types.Err(types.ErrStorage, err, "set cache %s", key)
	}
	return nil
}

func (s *Store) GetCache(ctx context.Context, key string) ([]byte, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var (
		value     []byte
		expiresAt int64
	)
	err = db.QueryRowContext(ctx, s.rebind("SELECT value, expires_at FROM cache WHERE cache_key = ?"), key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Err(types.ErrNotFound, nil, "cache %s", key)
	}
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "get cache %s", key)
	}
	entry := types.CacheEntry{Key: key, Value: value, ExpiresAt: fromNanos(expiresAt)}
	if entry.Expired(s.now()) {
		return nil, types.Err(types.ErrNotFound, nil, "cache %s", key)
	}
	return entry.Value, nil
}

func (s *Store) DeleteExpiredCache(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, s.rebind("DELETE FROM cache WHERE expires_at <= ?"), toNanos(cutoff))
	if err != nil {
		return 0, types.Err(types.ErrStorage, err, "delete expired cache")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.Err(types.ErrStorage, err, "delete expired cache")
	}
	return n, nil
}

func (s *Store) ClearCache(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM cache"); err != nil {
		return types.Err(types.ErrStorage, err, "clear cache")
	}
	return nil
}
