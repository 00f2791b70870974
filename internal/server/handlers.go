package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"reactive-guard/internal/alert"
)

type healthResponse struct {
	Status               string `json:"status"`
	ConnectedObservers   int    `json:"connectedObservers"`
	AlertsProcessedTotal uint64 `json:"alertsProcessedTotal"`
	Source               string `json:"source"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.router.Stats()
	_, state := s.opts.Ready()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:               "ok",
		ConnectedObservers:   stats.ConnectedObservers,
		AlertsProcessedTotal: stats.AlertsProcessedTotal,
		Source:               state,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, state := s.opts.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"source": state})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.router.Store().Recent(limit)))
}

func (s *Server) handleSubjectAlerts(w http.ResponseWriter, r *http.Request) {
	subject, err := alert.NormalizeSubject(chi.URLParam(r, "subject"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.router.Store().ForSubject(subject, limit)))
}

// parseLimit reads ?limit=; absent means everything retained.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func nonNil(alerts []alert.Alert) []alert.Alert {
	if alerts == nil {
		return []alert.Alert{}
	}
	return alerts
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
