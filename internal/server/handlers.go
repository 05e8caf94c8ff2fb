package server

import (
	"encoding/json"
	"net/http"
)

type handlers struct {
	server *Server
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.server.snapshot())
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
