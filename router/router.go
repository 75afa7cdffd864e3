package router

import (
	"encoding/json"
	"net/http"

	docHandler "collabspace/internal/document"
	docService "collabspace/internal/document/service"
	msgHandler "collabspace/internal/message"
	msgService "collabspace/internal/message/service"
	snapHandler "collabspace/internal/snapshot"
	snapService "collabspace/internal/snapshot/service"
	"collabspace/middleware"
	"collabspace/socket"

	"github.com/gorilla/mux"
)

type Deps struct {
	Hub        *socket.Hub
	Gateway    socket.Handler
	Auth       *middleware.Auth
	CORSOrigin string

	Messages  *msgService.MessageService
	Documents *docService.Engine
	Snapshots *snapService.Pipeline
}

func Setup(d Deps) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": d.Hub.ConnectionCount(),
			"rooms":       d.Hub.RoomCount(),
			"workspaces":  d.Documents.Registry().Cached(),
		})
	}).Methods(http.MethodGet)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(d.Hub, d.Gateway, w, r, middleware.UserID(r.Context()))
	})
	r.Handle("/ws", d.Auth.Middleware(wsHandler))

	// REST API
	api := r.PathPrefix("/api/workspaces/{id}").Subrouter()
	api.Use(d.Auth.Middleware)

	messages := msgHandler.NewMessageHandler(d.Messages)
	api.HandleFunc("/messages", messages.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/summary", messages.Summarize).Methods(http.MethodPost)

	documents := docHandler.NewDocumentHandler(d.Documents)
	api.HandleFunc("/documents", documents.GetDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/text", documents.GetText).Methods(http.MethodGet)

	snapshots := snapHandler.NewSnapshotHandler(d.Snapshots)
	api.HandleFunc("/git/commit", snapshots.Commit).Methods(http.MethodPost)
	api.HandleFunc("/git/commits", snapshots.History).Methods(http.MethodGet)
	api.HandleFunc("/git/head", snapshots.Head).Methods(http.MethodGet)

	return middleware.CORS(d.CORSOrigin)(r)
}
