package operator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/qiki/dtmp/internal/contracts"
)

// HTTPHandler returns the operator console API: incident listing and
// lifecycle actions, plus the live WebSocket feed.
func (s *Service) HTTPHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/incidents", s.handleListIncidents).Methods("GET")
	r.HandleFunc("/incidents/{id}/ack", s.handleAck).Methods("POST")
	r.HandleFunc("/incidents/{id}/clear", s.handleClear).Methods("POST")
	r.HandleFunc("/ws", s.handleWS).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GET /incidents?state=open|acked|cleared
func (s *Service) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	state := contracts.IncidentState(r.URL.Query().Get("state"))
	switch state {
	case "", contracts.IncidentOpen, contracts.IncidentAcked, contracts.IncidentCleared:
	default:
		http.Error(w, "unknown state filter", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": s.store.List(state),
		"open":      s.store.Open(),
	})
}

// POST /incidents/{id}/ack
func (s *Service) handleAck(w http.ResponseWriter, r *http.Request) {
	inc, err := s.Ack(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// POST /incidents/{id}/clear
func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	inc, err := s.Clear(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func writeIncidentError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusConflict)
}

// GET /ws?session=<name>&band=tracks|sr|lr
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	c := s.hub.HandleWebSocket(w, r)
	if c == nil {
		return
	}
	if session := r.URL.Query().Get("session"); session != "" {
		go s.runSessionFeed(c, session, r.URL.Query().Get("band"))
	}
}
