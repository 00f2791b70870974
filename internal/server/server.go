package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"reactive-guard/internal/router"
)

// ReadyFunc reports whether the relay is receiving chain events, with a
// short state description.
type ReadyFunc func() (ready bool, state string)

// Options configure the observer transport.
type Options struct {
	Addr           string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Ready          ReadyFunc
}

// Server exposes the alert stream over websocket and SSE plus a small HTTP
// query surface.
type Server struct {
	router   *router.Router
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// New builds the transport over r.
func New(r *router.Router, opts Options, logger zerolog.Logger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Ready == nil {
		opts.Ready = func() (bool, string) { return true, "unknown" }
	}

	s := &Server{
		router: r,
		opts:   opts,
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(requestLogger(s.logger))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	mux.Get("/health", s.handleHealth)
	mux.Get("/readyz", s.handleReady)
	mux.Get("/ws", s.handleWS)
	mux.Get("/events", s.handleEvents)
	mux.Route("/api", func(r chi.Router) {
		r.Get("/alerts", s.handleRecentAlerts)
		r.Get("/alerts/{subject}", s.handleSubjectAlerts)
	})
	return mux
}

// Listen binds the listening socket. Bind failures are returned immediately
// so startup can abort.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr()).Msg("observer transport listening")
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	s.logger.Info().Msg("observer transport stopped")
	return ctx.Err()
}

// originChecker allows listed origins, localhost, and non-browser clients.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard || allowed[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
}
