// Package stream serves periodically refreshed collections over Server-Sent Events.
//
// A stream sends its initial payload, then re-runs the fetch function on a ticker. Each refresh is raced
// against a timeout; a failed or slow refresh produces a keep-alive comment instead of closing the
// connection. Only the request context ends a stream.
package stream

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"time"

	"kubepulse/internal/metrics"
	"kubepulse/internal/permission"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// FetchFunc produces the current payload. It is called from its own goroutine and may outlive the cycle that
// started it, so it must not write to the response.
type FetchFunc func(ctx context.Context) (any, error)

// Hooks are optional tracing callbacks invoked around every fetch cycle.
type Hooks struct {
	Start  func(ctx context.Context, name string) (context.Context, func())
	Record func(ctx context.Context, key, value string)
	Error  func(ctx context.Context, err error)
}

type Options struct {
	// Name labels the stream in logs and hooks.
	Name     string
	Interval time.Duration
	// Timeout bounds how long a cycle waits for fetch. It does not cancel the fetch itself.
	Timeout time.Duration
	Hooks   Hooks
	// Transform, when set, is applied to every normalized payload before it is framed.
	Transform func(any) (any, error)
}

// DefaultOptions suits cheap per-resource collections.
func DefaultOptions() Options {
	return Options{Interval: 30 * time.Second, Timeout: 15 * time.Second}
}

// ExpensiveOptions suits aggregate endpoints that fan out to many resources.
func ExpensiveOptions() Options {
	return Options{Interval: 3 * time.Minute, Timeout: 60 * time.Second}
}

// ErrorBody is the payload of error frames and non-streaming error responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Code       int    `json:"code,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Verb       string `json:"verb,omitempty"`
	APIGroup   string `json:"apiGroup,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

const (
	ErrorTypePermission = "permission_error"
	ErrorTypeFetch      = "fetch_error"
)

// PermissionError builds the error body of a classified authorization failure.
func PermissionError(d *permission.Detail) ErrorBody {
	return ErrorBody{Error: ErrorDetail{
		Type:       ErrorTypePermission,
		Message:    d.Message,
		Code:       d.StatusCode,
		Resource:   d.Resource,
		Verb:       d.Verb,
		APIGroup:   d.Group,
		APIVersion: d.Version,
	}}
}

func FetchError(err error) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Type: ErrorTypeFetch, Message: err.Error(), Code: http.StatusBadGateway}}
}

type Engine struct {
	registry *Registry
}

func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// ServeInitial runs the first fetch itself and then serves the stream. When that first fetch fails the client
// gets an error frame (or an error response when not streaming) instead of data: an authorization failure
// ends the request after a permission_error; anything else sends a fetch_error and keeps streaming so the
// client recovers with the next successful refresh.
func (e *Engine) ServeInitial(w http.ResponseWriter, r *http.Request, fetch FetchFunc, opts Options) {
	opts = withDefaults(opts)
	initial, err := e.cycle(r.Context(), fetch, opts)
	if r.Context().Err() != nil {
		return
	}
	if err == nil {
		e.serve(w, r, initial, fetch, opts)
		return
	}

	var body ErrorBody
	status := http.StatusBadGateway
	detail := permission.Classify(err)
	if detail != nil {
		body = PermissionError(detail)
		status = http.StatusForbidden
		if detail.StatusCode == http.StatusUnauthorized {
			status = http.StatusUnauthorized
		}
	} else {
		body = FetchError(err)
	}
	log.WithFields(log.Fields{"component": "stream", "stream": opts.Name, "type": body.Error.Type}).WithError(err).Debug("Initial fetch failed")

	if !WantsStream(r) {
		writeJSON(w, status, body)
		return
	}

	sink := newSink(w)
	sink.writeHeaders()
	if detail != nil {
		metrics.StreamFramesTotal.WithLabelValues(metrics.FramePermission).Inc()
		_ = sink.Send(body)
		return
	}
	metrics.StreamFramesTotal.WithLabelValues(metrics.FrameError).Inc()
	if err := sink.Send(body); err != nil {
		return
	}
	e.loop(r, sink, fetch, opts)
}

// Serve sends initial and then refreshes it with fetch until the request context is done. A request that did
// not ask for an event stream gets initial as a single JSON response.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, initial any, fetch FetchFunc, opts Options) {
	opts = withDefaults(opts)
	initial = normalize(initial)
	if opts.Transform != nil {
		out, err := opts.Transform(initial)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Type: ErrorTypeFetch, Message: err.Error(), Code: http.StatusBadRequest}})
			return
		}
		initial = normalize(out)
	}
	e.serve(w, r, initial, fetch, opts)
}

// serve takes an already normalized and transformed initial payload.
func (e *Engine) serve(w http.ResponseWriter, r *http.Request, initial any, fetch FetchFunc, opts Options) {
	if !WantsStream(r) {
		writeJSON(w, http.StatusOK, initial)
		return
	}

	sink := newSink(w)
	sink.writeHeaders()
	if err := sink.Send(initial); err != nil {
		return
	}
	metrics.StreamFramesTotal.WithLabelValues(metrics.FrameData).Inc()
	e.loop(r, sink, fetch, opts)
}

func (e *Engine) loop(r *http.Request, sink *sseSink, fetch FetchFunc, opts Options) {
	ctx := r.Context()
	id := ConnectionID(r)
	logger := log.WithFields(log.Fields{"component": "stream", "stream": opts.Name, "stream_id": id})

	release := e.registry.Track(id)
	metrics.StreamsActive.Inc()
	defer func() {
		release()
		metrics.StreamsActive.Dec()
		logger.Debug("Stream closed")
	}()
	logger.Debug("Stream opened")

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := e.cycle(ctx, fetch, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.WithError(err).Debug("Refresh failed, sending keep-alive")
			if werr := sink.KeepAlive(); werr != nil {
				return
			}
			metrics.StreamFramesTotal.WithLabelValues(metrics.FrameKeepAlive).Inc()
			continue
		}
		if werr := sink.Send(payload); werr != nil {
			logger.WithError(werr).Debug("Write failed")
			return
		}
		metrics.StreamFramesTotal.WithLabelValues(metrics.FrameData).Inc()
		e.registry.Touch(id)
	}
}

type result struct {
	v   any
	err error
}

// cycle runs one fetch raced against opts.Timeout and returns the normalized, transformed payload.
func (e *Engine) cycle(ctx context.Context, fetch FetchFunc, opts Options) (any, error) {
	cctx := ctx
	end := func() {}
	if opts.Hooks.Start != nil {
		cctx, end = opts.Hooks.Start(ctx, opts.Name)
	}
	defer end()

	timer := metrics.NewTimer()
	// buffered so an abandoned fetch can always deliver and exit
	ch := make(chan result, 1)
	go func() {
		v, err := fetch(cctx)
		ch <- result{v: v, err: err}
	}()

	var (
		res     result
		outcome string
	)
	t := time.NewTimer(opts.Timeout)
	defer t.Stop()
	select {
	case res = <-ch:
		outcome = metrics.OutcomeOK
		if res.err != nil {
			outcome = metrics.OutcomeError
		}
	case <-t.C:
		res.err = types.Err(types.ErrTransientFetch, nil, "fetch timed out after %s", opts.Timeout)
		outcome = metrics.OutcomeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	timer.ObserveDuration(metrics.StreamFetchDuration.WithLabelValues(outcome))
	if opts.Hooks.Record != nil {
		opts.Hooks.Record(cctx, "outcome", outcome)
	}

	if res.err != nil {
		if opts.Hooks.Error != nil {
			opts.Hooks.Error(cctx, res.err)
		}
		return nil, res.err
	}
	v := normalize(res.v)
	if opts.Transform != nil {
		out, err := opts.Transform(v)
		if err != nil {
			return nil, types.Err(types.ErrTransientFetch, err, "transform payload")
		}
		v = normalize(out)
	}
	return v, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Name == "" {
		opts.Name = "stream"
	}
	return opts
}

// normalize turns nil, including typed nil slices and maps, into an empty collection so no frame is ever null.
func normalize(v any) any {
	if v == nil {
		return []any{}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return []any{}
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Debug("Failed to write JSON response")
	}
}
