// Package sqlstore implements ports.PersistentStore on top of database/sql. The engine specific parts (driver,
// DDL, placeholder syntax, pool sizing) live in a Dialect supplied by the sqlite and postgres packages.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"kubepulse/internal/types"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dialect describes one SQL engine.
type Dialect struct {
	Name       string
	DriverName string
	// Schema is executed in order on every Initialize. Statements MUST be idempotent.
	Schema []string
	// NumberedPlaceholders rewrites "?" into "$1", "$2", ...
	NumberedPlaceholders bool
	// LikeOperator is the case-insensitive LIKE of the engine.
	LikeOperator string
	// ReadIsolation is used for the read transaction wrapping QueryTraces.
	ReadIsolation sql.IsolationLevel
	ReadOnlyTx    bool
	MaxOpenConns  int
}

// Store is a PersistentStore backed by a SQL database.
type Store struct {
	dialect Dialect
	dsn     string

	mu sync.Mutex
	db *sql.DB

	now func() time.Time
}

func New(d Dialect, dsn string) *Store {
	return &Store{dialect: d, dsn: dsn, now: time.Now}
}

// SetTimeNowFn overrides the clock used for cache expiry checks.
func (s *Store) SetTimeNowFn(f func() time.Time) {
	s.now = f
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Initialize opens the pool on first use and (re)applies the schema.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		db, err := sql.Open(s.dialect.DriverName, s.dsn)
		if err != nil {
			return types.Err(types.ErrStorage, err, "open %s database", s.dialect.Name)
		}
		if s.dialect.MaxOpenConns > 0 {
			db.SetMaxOpenConns(s.dialect.MaxOpenConns)
			db.SetMaxIdleConns(s.dialect.MaxOpenConns)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return types.Err(types.ErrStorage, err, "connect to %s database", s.dialect.Name)
		}
		s.db = db
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Err(types.ErrStorage, err, "begin schema transaction")
	}
	for _, stmt := range s.dialect.Schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return types.Err(types.ErrStorage, err, "apply schema statement %q", firstLine(stmt))
		}
	}
	if err := tx.Commit(); err != nil {
		return types.Err(types.ErrStorage, err, "commit schema")
	}
	log.WithField("backend", s.dialect.Name).Debug("schema initialized")
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return types.Err(types.ErrStorage, err, "ping %s", s.dialect.Name)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return types.Err(types.ErrStorage, err, "round-trip %s", s.dialect.Name)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, types.Err(types.ErrStorage, nil, "%s store is not initialized", s.dialect.Name)
	}
	return s.db, nil
}

// rebind converts "?" placeholders into the dialect's syntax. Queries in this package never contain a
// literal question mark.
func (s *Store) rebind(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Times are stored as unix nanoseconds in UTC so both engines compare them as plain integers.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *Store) String() string {
	return fmt.Sprintf("sqlstore(%s)", s.dialect.Name)
}
