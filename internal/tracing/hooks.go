package tracing

import (
	"context"
	"time"

	"kubepulse/internal/stream"
	"kubepulse/internal/types"

	"github.com/google/uuid"
)

// CycleOperation prefixes the operation name of stored fetch cycle traces.
const CycleOperation = "stream.cycle "

type cycleKey struct{}

// cycleSpan is owned by the goroutine running the cycle; hooks are never called concurrently for one cycle.
type cycleSpan struct {
	name  string
	start time.Time
	attrs map[string]string
	err   error
}

// StreamHooks stores one trace per fetch cycle of a stream. Event streams are skipped by the middleware, so
// this is how their refreshes reach the trace table.
func (rec *Recorder) StreamHooks() stream.Hooks {
	if rec.traces == nil {
		return stream.Hooks{}
	}
	return stream.Hooks{
		Start: func(ctx context.Context, name string) (context.Context, func()) {
			cs := &cycleSpan{name: name, start: rec.now(), attrs: map[string]string{"stream.name": name}}
			return context.WithValue(ctx, cycleKey{}, cs), func() {
				rec.store(cycleTrace(cs, rec.now().Sub(cs.start)))
			}
		},
		Record: func(ctx context.Context, key, value string) {
			if cs, ok := ctx.Value(cycleKey{}).(*cycleSpan); ok {
				cs.attrs[key] = value
			}
		},
		Error: func(ctx context.Context, err error) {
			if cs, ok := ctx.Value(cycleKey{}).(*cycleSpan); ok {
				cs.err = err
			}
		},
	}
}

func cycleTrace(cs *cycleSpan, d time.Duration) types.Trace {
	traceID := uuid.NewString()
	op := CycleOperation + cs.name
	st := types.StatusOK
	if cs.err != nil {
		st = types.StatusError
		cs.attrs["error"] = cs.err.Error()
	}
	span := types.Span{
		SpanID:     uuid.NewString(),
		TraceID:    traceID,
		Service:    Service,
		Operation:  op,
		StartTime:  cs.start,
		Duration:   d,
		Status:     st,
		Attributes: cs.attrs,
	}
	return types.Trace{
		TraceID:     traceID,
		RootService: Service,
		Operation:   op,
		Services:    []string{Service},
		StartTime:   cs.start,
		Duration:    d,
		Status:      st,
		SpanCount:   1,
		Spans:       []types.Span{span},
	}
}
