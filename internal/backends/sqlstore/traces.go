package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"kubepulse/internal/types"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	traceColumns = "trace_id, root_service, operation, services, start_time, duration_ns, status, span_count"
	spanColumns  = "trace_id, span_id, parent_span_id, service, operation, start_time, duration_ns, status, attributes"
)

func (s *Store) StoreTrace(ctx context.Context, trace types.Trace) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if trace.TraceID == "" {
		return types.Err(types.ErrStorage, nil, "trace without id")
	}
	services := trace.Services
	if services == nil {
		services = []string{}
	}
	servicesJSON, err := json.MarshalNoEscape(services)
	if err != nil {
		return types.Err(types.ErrStorage, err, "serialize services of trace %s", trace.TraceID)
	}
	// Serialize every span up front so a bad span aborts before anything is written.
	attrs := make([]string, len(trace.Spans))
	for i, sp := range trace.Spans {
		if sp.SpanID == "" {
			return types.Err(types.ErrStorage, nil, "span %d of trace %s has no id", i, trace.TraceID)
		}
		a := sp.Attributes
		if a == nil {
			a = map[string]string{}
		}
		b, err := json.Marshal(a)
		if err != nil {
			return types.Err(types.ErrStorage, err, "serialize span %s of trace %s", sp.SpanID, trace.TraceID)
		}
		attrs[i] = string(b)
	}
	spanCount := trace.SpanCount
	if spanCount < len(trace.Spans) {
		spanCount = len(trace.Spans)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return types.Err(types.ErrStorage, err, "begin store trace %s", trace.TraceID)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO traces (`+traceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id) DO UPDATE SET root_service = excluded.root_service, operation = excluded.operation,
		services = excluded.services, start_time = excluded.start_time, duration_ns = excluded.duration_ns,
		status = excluded.status, span_count = excluded.span_count`),
		trace.TraceID, trace.RootService, trace.Operation, string(servicesJSON), toNanos(trace.StartTime),
		int64(trace.Duration), trace.Status, spanCount,
	)
	if err != nil {
		_ = tx.Rollback()
		return types.Err(types.ErrStorage, err, "store trace %s", trace.TraceID)
	}
	spanStmt := s.rebind(
		`INSERT INTO spans (` + spanColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id, span_id) DO UPDATE SET parent_span_id = excluded.parent_span_id,
		service = excluded.service, operation = excluded.operation, start_time = excluded.start_time,
		duration_ns = excluded.duration_ns, status = excluded.status, attributes = excluded.attributes`)
	for i, sp := range trace.Spans {
		_, err := tx.ExecContext(ctx, spanStmt,
			trace.TraceID, sp.SpanID, sp.ParentSpanID, sp.Service, sp.Operation, toNanos(sp.StartTime),
			int64(sp.Duration), sp.Status, attrs[i],
		)
		if err != nil {
			_ = tx.Rollback()
			return types.Err(types.ErrStorage, err, "store span %s of trace %s", sp.SpanID, trace.TraceID)
		}
	}
	if err := tx.Commit(); err != nil {
		return types.Err(types.ErrStorage, err, "commit trace %s", trace.TraceID)
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (types.Trace, error) {
	db, err := s.conn()
	if err != nil {
		return types.Trace{}, err
	}
	row := db.QueryRowContext(ctx, s.rebind("SELECT "+traceColumns+" FROM traces WHERE trace_id = ?"), traceID)
	trace, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Trace{}, types.Err(types.ErrNotFound, nil, "trace %s", traceID)
	}
	if err != nil {
		return types.Trace{}, types.Err(types.ErrStorage, err, "get trace %s", traceID)
	}

	rows, err := db.QueryContext(ctx,
		s.rebind("SELECT "+spanColumns+" FROM spans WHERE trace_id = ? ORDER BY start_time, span_id"), traceID)
	if err != nil {
		return types.Trace{}, types.Err(types.ErrStorage, err, "get spans of trace %s", traceID)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return types.Trace{}, types.Err(types.ErrStorage, err, "get spans of trace %s", traceID)
		}
		trace.Spans = append(trace.Spans, sp)
	}
	if err := rows.Err(); err != nil {
		return types.Trace{}, types.Err(types.ErrStorage, err, "get spans of trace %s", traceID)
	}
	return trace, nil
}

// QueryTraces runs the COUNT and the page query inside one read transaction so the total and the page
// describe the same snapshot on engines that provide one.
func (s *Store) QueryTraces(ctx context.Context, filter types.TraceFilter) ([]types.Trace, int, error) {
	db, err := s.conn()
	if err != nil {
		return nil, 0, err
	}
	where, args := s.traceWhere(filter)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: s.dialect.ReadIsolation, ReadOnly: s.dialect.ReadOnlyTx})
	if err != nil {
		return nil, 0, types.Err(types.ErrStorage, err, "begin query traces")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var total int
	if err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM traces"+where), args...).Scan(&total); err != nil {
		return nil, 0, types.Err(types.ErrStorage, err, "count traces")
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	pageArgs := append(append([]any(nil), args...), filter.EffectiveLimit(), offset)
	rows, err := tx.QueryContext(ctx,
		s.rebind("SELECT "+traceColumns+" FROM traces"+where+" ORDER BY start_time DESC, trace_id LIMIT ? OFFSET ?"),
		pageArgs...)
	if err != nil {
		return nil, 0, types.Err(types.ErrStorage, err, "query traces")
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make([]types.Trace, 0)
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, 0, types.Err(types.ErrStorage, err, "query traces")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, types.Err(types.ErrStorage, err, "query traces")
	}
	return out, total, nil
}

func (s *Store) DeleteExpiredTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, types.Err(types.ErrStorage, err, "begin delete expired traces")
	}
	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM traces WHERE start_time < ?"), toNanos(cutoff))
	if err != nil {
		_ = tx.Rollback()
		return 0, types.Err(types.ErrStorage, err, "delete expired traces")
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, types.Err(types.ErrStorage, err, "delete expired traces")
	}
	// Sweep spans explicitly as well; cascading may be disabled on the connection.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM spans WHERE NOT EXISTS (SELECT 1 FROM traces WHERE traces.trace_id = spans.trace_id)"); err != nil {
		_ = tx.Rollback()
		return 0, types.Err(types.ErrStorage, err, "delete orphan spans")
	}
	if err := tx.Commit(); err != nil {
		return 0, types.Err(types.ErrStorage, err, "commit delete expired traces")
	}
	return n, nil
}

func (s *Store) traceWhere(f types.TraceFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	like := s.dialect.LikeOperator
	if f.Service != "" {
		clauses = append(clauses, "services "+like+" ? ESCAPE '\\'")
		args = append(args, escapeLike(servicePattern(f.Service)))
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation "+like+" ? ESCAPE '\\'")
		args = append(args, escapeLike(f.Operation))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "start_time <= ?")
		args = append(args, toNanos(f.Until))
	}
	if f.MinDuration > 0 {
		clauses = append(clauses, "duration_ns >= ?")
		args = append(args, int64(f.MinDuration))
	}
	if f.MaxDuration > 0 {
		clauses = append(clauses, "duration_ns <= ?")
		args = append(args, int64(f.MaxDuration))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanTrace(row rowScanner) (types.Trace, error) {
	var (
		t            types.Trace
		services     string
		start, durNs int64
	)
	if err := row.Scan(&t.TraceID, &t.RootService, &t.Operation, &services, &start, &durNs, &t.Status, &t.SpanCount); err != nil {
		return types.Trace{}, err
	}
	if err := json.Unmarshal([]byte(services), &t.Services); err != nil {
		return types.Trace{}, types.Err(types.ErrStorage, err, "decode services of trace %s", t.TraceID)
	}
	t.StartTime, t.Duration = fromNanos(start), time.Duration(durNs)
	return t, nil
}

func scanSpan(row rowScanner) (types.Span, error) {
	var (
		sp           types.Span
		attrs        string
		start, durNs int64
	)
	if err := row.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentSpanID, &sp.Service, &sp.Operation, &start, &durNs,
		&sp.Status, &attrs); err != nil {
		return types.Span{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &sp.Attributes); err != nil {
		return types.Span{}, types.Err(types.ErrStorage, err, "decode attributes of span %s", sp.SpanID)
	}
	if len(sp.Attributes) == 0 {
		sp.Attributes = nil
	}
	sp.StartTime, sp.Duration = fromNanos(start), time.Duration(durNs)
	return sp, nil
}

// servicePattern encodes a service filter the way names are encoded inside the services column, so quotes
// and commas in the filter cannot match across element boundaries.
func servicePattern(service string) string {
	b, err := json.MarshalNoEscape(service)
	if err != nil || len(b) < 2 {
		return service
	}
	return string(b[1 : len(b)-1])
}
