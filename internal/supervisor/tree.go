// Package supervisor runs the long-lived parts of a mediatx host under a
// suture supervisor tree.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/internal/logging"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration
}

func (c TreeConfig) applyDefaults() TreeConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Tree is the root supervisor of a host process.
type Tree struct {
	root   *suture.Supervisor
	config TreeConfig
}

// NewTree creates a tree whose events are logged through logger.
func NewTree(name string, logger zerolog.Logger, config TreeConfig) *Tree {
	config = config.applyDefaults()
	handler := &sutureslog.Handler{Logger: logging.NewSlog(logger)}

	root := suture.New(name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	})
	return &Tree{root: root, config: config}
}

// Add starts svc under the tree.
func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// Serve runs the tree until ctx ends or a service terminates it.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// UnstoppedServiceReport lists services that did not stop within the
// shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// MediatorService runs a mediator under the tree. A mediator cannot be
// started twice, so any failure other than shutdown terminates the tree
// instead of being retried.
type MediatorService struct {
	mediator *mediatx.Mediator
	logger   zerolog.Logger
}

// NewMediatorService wraps m.
func NewMediatorService(m *mediatx.Mediator, logger zerolog.Logger) *MediatorService {
	return &MediatorService{mediator: m, logger: logger}
}

// Serve implements suture.Service.
func (s *MediatorService) Serve(ctx context.Context) error {
	err := s.mediator.Serve(ctx)
	switch {
	case err == nil:
		return suture.ErrDoNotRestart
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	default:
		s.logger.Error().Err(err).Msg("mediator failed")
		return suture.ErrTerminateSupervisorTree
	}
}

func (s *MediatorService) String() string { return s.mediator.String() }
