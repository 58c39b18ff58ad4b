package api

import (
	"net/http"

	"collab-engine/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Session lifecycle endpoints
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/join", h.JoinSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/leave", h.LeaveSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/chat", h.GetChatHistory).Methods("GET")
	api.HandleFunc("/sessions/{id}/chat", h.PostChatMessage).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket route
	r.HandleFunc("/ws/sessions/{id}", h.HandleSessionWebSocket)

	return r
}
