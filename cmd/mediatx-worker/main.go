// Command mediatx-worker serves the sample requests and notifications from
// the configured broker.
//
// Configuration is read from the YAML file named by MEDIATX_CONFIG and from
// MEDIATX_* environment variables:
//
//	MEDIATX_BROKER__KIND=nats MEDIATX_BROKER__GROUP=workers mediatx-worker
//
// The process stops gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/internal/config"
	"github.com/bjaus/mediatx/internal/host"
	"github.com/bjaus/mediatx/internal/logging"
	"github.com/bjaus/mediatx/internal/sample"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load configuration")
	}
	logger := logging.New(cfg.Log).With().Str("service", "mediatx-worker").Logger()

	p, err := host.New(cfg, logger, func(m *mediatx.Mediator) error {
		return sample.RegisterWorker(m, logger)
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("broker", cfg.Broker.Kind).
		Str("group", cfg.Broker.Group).
		Str("instance", p.Mediator.InstanceID()).
		Msg("worker running")
	if err := p.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
