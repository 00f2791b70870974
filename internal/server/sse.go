package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"reactive-guard/internal/alert"
)

// handleEvents streams the same messages as /ws as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject != "" {
		if _, err := alert.NormalizeSubject(subject); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	obs, err := s.router.Connect(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.router.Disconnect(obs)

	logger := s.logger.With().Str("observer", obs.ID()).Str("transport", "sse").Logger()
	if subject != "" {
		if err := s.router.Subscribe(ctx, obs, subject); err != nil {
			logger.Debug().Err(err).Msg("subject declaration rejected")
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.opts.PingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-obs.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error().Err(err).Msg("marshal sse message")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
