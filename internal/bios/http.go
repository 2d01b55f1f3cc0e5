package bios

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// HTTPHandler serves the firmware console endpoints. Anything else is a 404.
func (s *Service) HTTPHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/bios/status", s.handleStatus).Methods("GET")
	return r
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
