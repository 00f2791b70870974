package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/router"
)

const maxClientFrame = 4096

// clientFrame is a control message sent by a dashboard. "subscribe-user"
// with a "user" field is accepted for older dashboards.
type clientFrame struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
	User    string `json:"user"`
}

func (f clientFrame) subject() string {
	if f.Subject != "" {
		return f.Subject
	}
	return f.User
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))
	if subject != "" {
		if _, err := alert.NormalizeSubject(subject); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	obs, err := s.router.Connect(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting websocket observer")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay shutting down"),
			time.Now().Add(s.opts.WriteTimeout))
		conn.Close()
		return
	}

	logger := s.logger.With().Str("observer", obs.ID()).Str("transport", "ws").Logger()
	if subject != "" {
		if err := s.router.Subscribe(r.Context(), obs, subject); err != nil {
			logger.Debug().Err(err).Msg("subject declaration rejected")
		}
	}

	go s.writePump(conn, obs, logger)
	s.readPump(r.Context(), conn, obs, logger)
}

// readPump consumes control frames until the connection fails, then
// disconnects the observer.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, obs *router.Observer, logger zerolog.Logger) {
	defer func() {
		s.router.Disconnect(obs)
		conn.Close()
	}()

	pongWait := s.opts.PingInterval + s.opts.WriteTimeout
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug().Err(err).Msg("ignoring malformed client frame")
			continue
		}
		switch frame.Type {
		case "subscribe", "subscribe-user":
			err := s.router.Subscribe(ctx, obs, frame.subject())
			switch {
			case err == nil:
			case errors.Is(err, router.ErrAlreadySubscribed), errors.Is(err, alert.ErrInvalidSubject):
				logger.Debug().Err(err).Msg("subject declaration rejected")
			default:
				return
			}
		default:
			logger.Debug().Str("type", frame.Type).Msg("ignoring unknown client frame")
		}
	}
}

// writePump is the only writer on conn.
func (s *Server) writePump(conn *websocket.Conn, obs *router.Observer, logger zerolog.Logger) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-obs.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				// disconnected or evicted
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("dropping observer after write failure")
				s.router.Disconnect(obs)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				s.router.Disconnect(obs)
				return
			}
		}
	}
}
