// Package tracing records API requests: Prometheus request metrics for every request and one stored trace per
// non-streaming request. It also runs the retention loop over the trace and cache tables.
package tracing

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"kubepulse/internal/metrics"
	"kubepulse/internal/ports"
	"kubepulse/internal/stream"
	"kubepulse/internal/types"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	Service = "kubepulse-api"

	// TraceHeader carries the trace ID of a recorded request back to the client.
	TraceHeader = "X-Trace-Id"

	storeTimeout = 5 * time.Second
)

// Recorder wraps handlers. Traces are stored asynchronously; Wait blocks until pending writes finish.
type Recorder struct {
	traces ports.TraceBackend
	// Skip reports requests that must not produce a stored trace.
	Skip func(r *http.Request) bool
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewRecorder(traces ports.TraceBackend) *Recorder {
	return &Recorder{traces: traces, Skip: DefaultSkip, now: time.Now}
}

// DefaultSkip excludes event streams and the health and scrape endpoints.
func DefaultSkip(r *http.Request) bool {
	if stream.WantsStream(r) {
		return true
	}
	switch r.URL.Path {
	case "/health", "/ready", "/metrics":
		return true
	}
	return false
}

func (rec *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := rec.now()
		traced := rec.traces != nil && !rec.Skip(r)
		traceID := ""
		if traced {
			traceID = uuid.NewString()
			w.Header().Set(TraceHeader, traceID)
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(sw, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()

		if !traced {
			return
		}
		rec.store(buildTrace(traceID, r, sw.status, start, rec.now().Sub(start)))
	})
}

// store writes t in the background, detached from the request context.
func (rec *Recorder) store(t types.Trace) {
	rec.wg.Add(1)
	go func() {
		defer rec.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := rec.traces.StoreTrace(ctx, t); err != nil {
			log.WithFields(log.Fields{"component": "tracing", "trace_id": t.TraceID}).WithError(err).Warn("Failed to store trace")
		}
	}()
}

// Wait blocks until every pending trace write finished.
func (rec *Recorder) Wait() {
	rec.wg.Wait()
}

func buildTrace(traceID string, r *http.Request, status int, start time.Time, d time.Duration) types.Trace {
	op := r.Method + " " + routeOf(r)
	st := types.StatusOK
	if status >= http.StatusInternalServerError {
		st = types.StatusError
	}
	span := types.Span{
		SpanID:    uuid.NewString(),
		TraceID:   traceID,
		Service:   Service,
		Operation: op,
		StartTime: start,
		Duration:  d,
		Status:    st,
		Attributes: map[string]string{
			"http.method": r.Method,
			"http.path":   r.URL.Path,
			"http.status": strconv.Itoa(status),
			"client.ip":   stream.ClientIP(r),
		},
	}
	return types.Trace{
		TraceID:     traceID,
		RootService: Service,
		Operation:   op,
		Services:    []string{Service},
		StartTime:   start,
		Duration:    d,
		Status:      st,
		SpanCount:   1,
		Spans:       []types.Span{span},
	}
}

// routeOf prefers the matched ServeMux pattern so IDs do not explode the operation names.
func routeOf(r *http.Request) string {
	if p := r.Pattern; p != "" {
		if i := strings.IndexByte(p, ' '); i >= 0 {
			return p[i+1:]
		}
		return p
	}
	return r.URL.Path
}

// statusWriter captures the response status. Unwrap keeps http.ResponseController flushing working.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
