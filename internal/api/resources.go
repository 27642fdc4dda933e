package api

import (
	"context"
	"net/http"

	"kubepulse/internal/cluster"
	"kubepulse/internal/filter"
	"kubepulse/internal/ports"
	"kubepulse/internal/stream"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// streamOptions copies base and attaches the ?filter= projection, if any.
func streamOptions(r *http.Request, base stream.Options, name string) (stream.Options, error) {
	opts := base
	opts.Name = name
	if expr := r.URL.Query().Get("filter"); expr != "" {
		f, err := filter.Compile(expr)
		if err != nil {
			return opts, err
		}
		opts.Transform = f.Apply
	}
	return opts, nil
}

// listerFor picks the cached lister for single responses so repeated polling hits the cache table.
func (h *Handler) listerFor(r *http.Request) ports.ResourceLister {
	if h.CachedLister != nil && !stream.WantsStream(r) {
		return h.CachedLister
	}
	return h.Lister
}

func (h *Handler) handleResources(w http.ResponseWriter, r *http.Request) {
	id, ctxName := r.PathValue("id"), r.PathValue("context")
	q := r.URL.Query()
	version := q.Get("version")
	if version == "" {
		version = "v1"
	}
	gvr := schema.GroupVersionResource{Group: q.Get("group"), Version: version, Resource: r.PathValue("resource")}
	namespace := q.Get("namespace")

	// resolve the bundle first so an unknown cluster is a 404, not a stream of errors
	if _, err := h.Configs.GetMetadata(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	opts, err := streamOptions(r, h.StreamOptions, "resources/"+gvr.Resource)
	if err != nil {
		writeError(w, err)
		return
	}

	lister := h.listerFor(r)
	fetch := func(ctx context.Context) (any, error) {
		return lister.List(ctx, id, ctxName, gvr, namespace)
	}
	h.Engine.ServeInitial(w, r, fetch, opts)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	id, ctxName := r.PathValue("id"), r.PathValue("context")
	if _, err := h.Configs.GetMetadata(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	opts, err := streamOptions(r, h.ExpensiveOptions, "overview")
	if err != nil {
		writeError(w, err)
		return
	}
	lister := h.listerFor(r)
	fetch := func(ctx context.Context) (any, error) {
		return cluster.Overview(ctx, lister, id, ctxName)
	}
	h.Engine.ServeInitial(w, r, fetch, opts)
}
