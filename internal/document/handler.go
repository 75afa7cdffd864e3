package handler

import (
	"encoding/json"
	"net/http"

	"collabspace/internal/document/model"
	"collabspace/internal/document/service"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"

	"github.com/gorilla/mux"
)

type DocumentHandler struct {
	Engine *service.Engine
}

func NewDocumentHandler(engine *service.Engine) *DocumentHandler {
	return &DocumentHandler{Engine: engine}
}

// GetDocuments serves GET /api/workspaces/{id}/documents.
func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]

	docs, err := h.Engine.Documents(r.Context(), workspaceID)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to list documents for workspace %s: %v", workspaceID, err)
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(docs)
}

// GetText serves GET /api/workspaces/{id}/documents/text?path=.
func (h *DocumentHandler) GetText(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "Missing path parameter", http.StatusBadRequest)
		return
	}

	text, err := h.Engine.CurrentText(r.Context(), workspaceID, path)
	if err != nil {
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.DocumentText{WorkspaceID: workspaceID, Path: path, Text: text})
}
