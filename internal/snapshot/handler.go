package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"collabspace/internal/snapshot/model"
	"collabspace/internal/snapshot/service"
	"collabspace/middleware"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"

	"github.com/gorilla/mux"
)

type SnapshotHandler struct {
	Pipeline *service.Pipeline
}

func NewSnapshotHandler(p *service.Pipeline) *SnapshotHandler {
	return &SnapshotHandler{Pipeline: p}
}

// Commit serves POST /api/workspaces/{id}/git/commit.
func (h *SnapshotHandler) Commit(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]
	userID := middleware.UserID(r.Context())

	var req model.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.Pipeline.Commit(r.Context(), workspaceID, userID, req.Message)
	if errors.Is(err, apperr.ErrNoChanges) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"committed": false, "message": "No changes to commit"})
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Handler: Commit for workspace %s failed: %v", workspaceID, err)
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

// History serves GET /api/workspaces/{id}/git/commits?limit=N.
func (h *SnapshotHandler) History(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	commits, err := h.Pipeline.History(r.Context(), workspaceID, limit)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to load history for workspace %s: %v", workspaceID, err)
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commits)
}

// Head serves GET /api/workspaces/{id}/git/head. A workspace without
// commits answers 404.
func (h *SnapshotHandler) Head(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]

	c, err := h.Pipeline.Head(r.Context(), workspaceID)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to load head of workspace %s: %v", workspaceID, err)
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	if c == nil {
		http.Error(w, "No commits yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}
