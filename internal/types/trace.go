package types

import "time"

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Trace groups spans sharing a correlation ID.
type Trace struct {
	TraceID     string        `json:"trace_id"`
	RootService string        `json:"root_service"`
	Operation   string        `json:"operation"`
	Services    []string      `json:"services"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	Status      string        `json:"status"`
	SpanCount   int           `json:"span_count"`
	Spans       []Span        `json:"spans,omitempty"`
}

// Span belongs to exactly one trace and optionally to one parent span.
type Span struct {
	SpanID       string            `json:"span_id"`
	TraceID      string            `json:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Service      string            `json:"service"`
	Operation    string            `json:"operation"`
	StartTime    time.Time         `json:"start_time"`
	Duration     time.Duration     `json:"duration"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// TraceFilter narrows QueryTraces. Zero values mean "no constraint"; Limit <= 0 uses DefaultTraceLimit.
// Service and Operation are substring matches, durations are inclusive bounds.
type TraceFilter struct {
	Service     string
	Operation   string
	Status      string
	Since       time.Time
	Until       time.Time
	MinDuration time.Duration
	MaxDuration time.Duration
	Limit       int
	Offset      int
}

const (
	DefaultTraceLimit = 50
	MaxTraceLimit     = 1000
)

func (f TraceFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultTraceLimit
	case f.Limit > MaxTraceLimit:
		return MaxTraceLimit
	default:
		return f.Limit
	}
}
