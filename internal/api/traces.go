package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kubepulse/internal/types"
)

type traceList struct {
	Traces []types.Trace `json:"traces"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (h *Handler) handleQueryTraces(w http.ResponseWriter, r *http.Request) {
	f, err := parseTraceFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	traces, total, err := h.Store.QueryTraces(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if traces == nil {
		traces = []types.Trace{}
	}
	_ = writeJSON(w, http.StatusOK, traceList{Traces: traces, Total: total, Limit: f.EffectiveLimit(), Offset: f.Offset})
}

func (h *Handler) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTrace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, t)
}

// parseTraceFilter reads durations as Go durations ("150ms") and times as RFC 3339.
func parseTraceFilter(q url.Values) (types.TraceFilter, error) {
	f := types.TraceFilter{
		Service:   q.Get("service"),
		Operation: q.Get("operation"),
		Status:    q.Get("status"),
	}
	var err error
	if f.MinDuration, err = parseDuration(q, "minDuration"); err != nil {
		return f, err
	}
	if f.MaxDuration, err = parseDuration(q, "maxDuration"); err != nil {
		return f, err
	}
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(q, "offset"); err != nil {
		return f, err
	}
	if f.Offset < 0 {
		return f, types.Err(types.ErrValidation, nil, "offset must not be negative")
	}
	return f, nil
}

func parseDuration(q url.Values, key string) (time.Duration, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, types.Err(types.ErrValidation, err, "invalid %s", key)
	}
	return d, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, types.Err(types.ErrValidation, err, "invalid %s", key)
	}
	return t, nil
}

func parseInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, types.Err(types.ErrValidation, err, "invalid %s", key)
	}
	return n, nil
}
