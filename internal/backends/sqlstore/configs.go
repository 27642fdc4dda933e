package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
)

const configColumns = "id, name, bundle, endpoints, created_at, updated_at"

func (s *Store) AddConfig(ctx context.Context, rec types.ConfigRecord) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	bundle, endpoints, err := marshalConfigColumns(rec)
	if err != nil {
		return types.Err(types.ErrStorage, err, "serialize config %s", rec.ID)
	}
	_, err = db.ExecContext(ctx, s.rebind(
		"INSERT INTO configs ("+configColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
		rec.ID, rec.Name, bundle, endpoints, toNanos(rec.Created), toNanos(rec.Updated),
	)
	if err != nil {
		return types.Err(types.ErrStorage, err, "add config %s", rec.ID)
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, id string) (types.ConfigRecord, error) {
	db, err := s.conn()
	if err != nil {
		return types.ConfigRecord{}, err
	}
	row := db.QueryRowContext(ctx, s.rebind("SELECT "+configColumns+" FROM configs WHERE id = ?"), id)
	rec, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ConfigRecord{}, types.Err(types.ErrNotFound, nil, "config %s", id)
	}
	if err != nil {
		return types.ConfigRecord{}, types.Err(types.ErrStorage, err, "get config %s", id)
	}
	return rec, nil
}

func (s *Store) GetConfigMetadata(ctx context.Context, id string) (types.ConfigMetadata, error) {
	db, err := s.conn()
	if err != nil {
		return types.ConfigMetadata{}, err
	}
	var (
		md               types.ConfigMetadata
		endpoints        string
		created, updated int64
	)
	err = db.QueryRowContext(ctx,
		s.rebind("SELECT id, name, endpoints, created_at, updated_at FROM configs WHERE id = ?"), id,
	).Scan(&md.ID, &md.Name, &endpoints, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ConfigMetadata{}, types.Err(types.ErrNotFound, nil, "config %s", id)
	}
	if err != nil {
		return types.ConfigMetadata{}, types.Err(types.ErrStorage, err, "get config metadata %s", id)
	}
	if err := json.Unmarshal([]byte(endpoints), &md.Endpoints); err != nil {
		return types.ConfigMetadata{}, types.Err(types.ErrStorage, err, "decode endpoints of config %s", id)
	}
	md.Created, md.Updated = fromNanos(created), fromNanos(updated)
	return md, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]types.ConfigRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT "+configColumns+" FROM configs ORDER BY created_at, id")
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "list configs")
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make([]types.ConfigRecord, 0)
	for rows.Next() {
		rec, err := scanConfig(rows)
		if err != nil {
			return nil, types.Err(types.ErrStorage, err, "list configs")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Err(types.ErrStorage, err, "list configs")
	}
	return out, nil
}

func (s *Store) UpdateConfig(ctx context.Context, rec types.ConfigRecord) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	bundle, endpoints, err := marshalConfigColumns(rec)
	if err != nil {
		return types.Err(types.ErrStorage, err, "serialize config %s", rec.ID)
	}
	res, err := db.ExecContext(ctx, s.rebind(
		"UPDATE configs SET name = ?, bundle = ?, endpoints = ?, updated_at = ? WHERE id = ?"),
		rec.Name, bundle, endpoints, toNanos(rec.Updated), rec.ID,
	)
	if err != nil {
		return types.Err(types.ErrStorage, err, "update config %s", rec.ID)
	}
	return affectedOne(res, "update config %s", rec.ID)
}

func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, s.rebind("DELETE FROM configs WHERE id = ?"), id)
	if err != nil {
		return types.Err(types.ErrStorage, err, "delete config %s", id)
	}
	return affectedOne(res, "delete config %s", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (types.ConfigRecord, error) {
	var (
		rec               types.ConfigRecord
		bundle, endpoints string
		created, updated  int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &bundle, &endpoints, &created, &updated); err != nil {
		return types.ConfigRecord{}, err
	}
	if err := json.Unmarshal([]byte(bundle), &rec.Bundle); err != nil {
		return types.ConfigRecord{}, types.Err(types.ErrStorage, err, "decode bundle of config %s", rec.ID)
	}
	if err := json.Unmarshal([]byte(endpoints), &rec.Endpoints); err != nil {
		return types.ConfigRecord{}, types.Err(types.ErrStorage, err, "decode endpoints of config %s", rec.ID)
	}
	rec.Created, rec.Updated = fromNanos(created), fromNanos(updated)
	return rec, nil
}

func marshalConfigColumns(rec types.ConfigRecord) (string, string, error) {
	bundle, err := json.Marshal(rec.Bundle)
	if err != nil {
		return "", "", err
	}
	endpoints := rec.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	eps, err := json.Marshal(endpoints)
	if err != nil {
		return "", "", err
	}
	return string(bundle), string(eps), nil
}

func affectedOne(res sql.Result, msgTemplate string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.Err(types.ErrStorage, err, msgTemplate, args...)
	}
	if n == 0 {
		return types.Err(types.ErrNotFound, nil, msgTemplate, args...)
	}
	return nil
}
