// Package natsembed runs an in-process NATS server, optionally with
// JetStream, so a worker and a sender can talk without external
// infrastructure.
package natsembed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Config configures the embedded server.
type Config struct {
	// Host to listen on. Default: "127.0.0.1".
	Host string

	// Port to listen on. -1 picks a random free port.
	// Default: -1.
	Port int

	// JetStream enables persistence, required by the jetstream transport.
	JetStream bool

	// StoreDir holds JetStream data. Empty uses a temporary directory.
	StoreDir string

	// ReadyTimeout bounds startup.
	// Default: 10s.
	ReadyTimeout time.Duration
}

func (c Config) applyDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = -1
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	return c
}

// Server is a running embedded NATS server.
type Server struct {
	ns *server.Server
}

// Start creates the server and waits until it accepts connections.
func Start(cfg Config) (*Server, error) {
	cfg = cfg.applyDefaults()
	ns, err := server.NewServer(&server.Options{
		ServerName: "mediatx-embedded",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  cfg.JetStream,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready within timeout")
	}
	return &Server{ns: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string { return s.ns.ClientURL() }

// Running reports whether the server is up.
func (s *Server) Running() bool { return s.ns.Running() }

// Shutdown stops the server and waits for it to exit, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ns.Shutdown()
	done := make(chan struct{})
	go func() {
		s.ns.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve blocks until ctx ends, then shuts the server down. It lets the
// server run under a supervisor.
func (s *Server) Serve(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "nats-embedded" }
