package api

import (
	"io"
	"net/http"

	"kubepulse/internal/types"

	"github.com/goccy/go-json"
)

const maxBundleBytes = 1 << 20

type clusterRequest struct {
	Name       string `json:"name"`
	Kubeconfig string `json:"kubeconfig"`
}

func readClusterRequest(r *http.Request) (clusterRequest, error) {
	var req clusterRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleBytes+1))
	if err != nil {
		return req, types.Err(types.ErrValidation, err, "read body")
	}
	defer func() {
		_ = r.Body.Close()
	}()
	if len(body) > maxBundleBytes {
		return req, types.Err(types.ErrValidation, nil, "body exceeds %d bytes", maxBundleBytes)
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, types.Err(types.ErrValidation, err, "invalid json")
	}
	return req, nil
}

func (h *Handler) handleListClusters(w http.ResponseWriter, r *http.Request) {
	list, err := h.Configs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAddCluster(w http.ResponseWriter, r *http.Request) {
	req, err := readClusterRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := h.Configs.Add(r.Context(), []byte(req.Kubeconfig), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	md, err := h.Configs.GetMetadata(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, md)
}

func (h *Handler) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	md, err := h.Configs.GetMetadata(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, md)
}

func (h *Handler) handleUpdateCluster(w http.ResponseWriter, r *http.Request) {
	req, err := readClusterRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := h.Configs.Update(r.Context(), id, []byte(req.Kubeconfig), req.Name); err != nil {
		writeError(w, err)
		return
	}
	md, err := h.Configs.GetMetadata(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, md)
}

func (h *Handler) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	if err := h.Configs.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
