package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"collabspace/internal/message/model"
	"collabspace/internal/message/service"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"

	"github.com/gorilla/mux"
)

type MessageHandler struct {
	Service *service.MessageService
}

func NewMessageHandler(service *service.MessageService) *MessageHandler {
	return &MessageHandler{Service: service}
}

// GetMessages serves GET /api/workspaces/{id}/messages?limit=N.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
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

	messages, err := h.Service.Recent(r.Context(), workspaceID, limit)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to load messages for workspace %s: %v", workspaceID, err)
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

// Summarize serves POST /api/workspaces/{id}/summary.
func (h *MessageHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["id"]

	var req model.SummaryRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // empty body means default limit

	summary, err := h.Service.Summarize(r.Context(), workspaceID, req.Limit)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to summarize workspace %s: %v", workspaceID, err)
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}
