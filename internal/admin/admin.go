// Package admin serves the operational HTTP endpoints of a mediatx host:
// health, Prometheus metrics and the routing table.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bjaus/mediatx"
)

// Config configures the admin server.
type Config struct {
	// Addr is the listen address.
	// Default: ":8089".
	Addr string

	// Registry is reported on /routes.
	Registry *mediatx.Registry

	// Gatherer is exposed on /metrics.
	// Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Ready reports whether the host can serve traffic. Nil is always ready.
	Ready func(ctx context.Context) error

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 5s.
	ShutdownTimeout time.Duration

	Logger zerolog.Logger
}

// Server is the admin HTTP server. It runs as a supervised service.
type Server struct {
	config  Config
	handler http.Handler
}

// New creates the admin server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8089"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{config: cfg}
	s.handler = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/routes", s.routingTable)
	r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return r
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.config.Ready != nil {
		if err := s.config.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Route is one row of the /routes response.
type Route struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Route       string   `json:"route"`
	Listen      bool     `json:"listen,omitempty"`
	Handler     string   `json:"handler,omitempty"`
	Subscribers []string `json:"subscribers,omitempty"`
}

func (s *Server) routingTable(w http.ResponseWriter, _ *http.Request) {
	out := []Route{}
	if s.config.Registry != nil {
		for _, e := range s.config.Registry.Entries() {
			out = append(out, Route{
				Name:        e.Name,
				Kind:        string(e.Kind),
				Route:       e.Route.String(),
				Listen:      e.Listen,
				Handler:     e.Handler,
				Subscribers: e.Subscribers,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve listens on Config.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.config.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.config.Logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin: shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string { return "mediatx-admin" }
