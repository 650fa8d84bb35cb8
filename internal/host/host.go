// Package host assembles a mediator from configuration and runs it with its
// broker and admin endpoint under one supervisor tree. Both binaries in cmd/
// are thin wrappers around Run.
package host

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/internal/admin"
	"github.com/bjaus/mediatx/internal/broker"
	"github.com/bjaus/mediatx/internal/config"
	"github.com/bjaus/mediatx/internal/supervisor"
)

// Options translates cfg into mediator options. Behaviors run in the order
// Recover, Logging, Validation.
func Options(cfg *config.Config, logger zerolog.Logger) ([]mediatx.Option, error) {
	mode, err := mediatx.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	opts := []mediatx.Option{
		mediatx.WithMode(mode),
		mediatx.WithNamespace(cfg.Namespace),
		mediatx.WithTimeout(cfg.Timeout),
		mediatx.WithConcurrency(cfg.Concurrency),
		mediatx.WithLogger(logger),
		mediatx.WithBehaviors(
			mediatx.Recover(),
			mediatx.Logging(logger),
			mediatx.Validation(nil),
		),
	}
	if cfg.Instance != "" {
		opts = append(opts, mediatx.WithInstanceID(cfg.Instance))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, mediatx.WithRateLimit(rate.Limit(cfg.RateLimit), cfg.RateBurst))
	}
	return opts, nil
}

// Process is one configured mediator and everything that runs beside it.
type Process struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Broker   *broker.Broker
	Mediator *mediatx.Mediator
	Metrics  *prometheus.Registry

	extra []*mediatx.Mediator
	jobs  []suture.Service
}

// New opens the configured broker and creates the mediator. register adds
// the process's routes before anything starts.
func New(cfg *config.Config, logger zerolog.Logger, register func(m *mediatx.Mediator) error) (*Process, error) {
	b, err := broker.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	p, err := newProcess(cfg, logger, b, register)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return p, nil
}

func newProcess(cfg *config.Config, logger zerolog.Logger, b *broker.Broker, register func(m *mediatx.Mediator) error) (*Process, error) {
	opts, err := Options(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := mediatx.NewMetrics(reg)
	opts = append(opts, metrics.Options()...)
	opts = append(opts, mediatx.WithTransport(b.Transport))

	m := mediatx.New(opts...)
	if err := register(m); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}
	return &Process{
		Config:   cfg,
		Logger:   logger,
		Broker:   b,
		Mediator: m,
		Metrics:  reg,
	}, nil
}

// AddPeer runs another mediator in this process on its own consumer group
// of the in-memory broker. It lets a single binary play both sides when the
// broker kind is memory. A configured instance id gets the group appended
// for the peer.
func (p *Process) AddPeer(group string, register func(m *mediatx.Mediator) error) (*mediatx.Mediator, error) {
	if p.Broker.Memory == nil {
		return nil, fmt.Errorf("peers need the memory broker, have %s", p.Config.Broker.Kind)
	}
	opts, err := Options(p.Config, p.Logger.With().Str("peer", group).Logger())
	if err != nil {
		return nil, err
	}
	if p.Config.Instance != "" {
		// A shared id would make the peer skip this process's notifications
		// as its own and share its reply channel.
		opts = append(opts, mediatx.WithInstanceID(p.Config.Instance+"-"+group))
	}
	opts = append(opts, mediatx.WithTransport(p.Broker.Memory.Transport(group)))

	m := mediatx.New(opts...)
	if err := register(m); err != nil {
		return nil, fmt.Errorf("register peer routes: %w", err)
	}
	p.extra = append(p.extra, m)
	return m, nil
}

// AddJob runs svc under the tree next to the mediator.
func (p *Process) AddJob(svc suture.Service) {
	p.jobs = append(p.jobs, svc)
}

// Run serves everything until ctx ends or a service terminates the tree,
// then closes the broker.
func (p *Process) Run(ctx context.Context) error {
	tree := supervisor.NewTree("mediatx", p.Logger, supervisor.TreeConfig{})

	for _, m := range p.extra {
		tree.Add(supervisor.NewMediatorService(m, p.Logger))
	}
	tree.Add(supervisor.NewMediatorService(p.Mediator, p.Logger))
	if p.Config.Admin.Addr != "" {
		tree.Add(admin.New(admin.Config{
			Addr:     p.Config.Admin.Addr,
			Registry: p.Mediator.Registry(),
			Gatherer: p.Metrics,
			Logger:   p.Logger,
		}))
	}
	for _, job := range p.jobs {
		tree.Add(job)
	}

	err := tree.Serve(ctx)
	if cerr := p.Broker.Close(); cerr != nil {
		p.Logger.Warn().Err(cerr).Msg("broker close failed")
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
