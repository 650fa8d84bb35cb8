// Command mediatx-sender sends the sample requests to a worker and
// publishes sample notifications, one round per sender.interval.
//
// With broker.kind=memory the sender starts an in-process worker, so the
// whole round trip can be tried without a broker:
//
//	MEDIATX_BROKER__KIND=memory MEDIATX_SENDER__COUNT=3 mediatx-sender
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
	logger := logging.New(cfg.Log).With().Str("service", "mediatx-sender").Logger()

	p, err := host.New(cfg, logger, sample.RegisterSender)
	if err != nil {
		logger.Fatal().Err(err).Msg("start sender")
	}

	if p.Broker.Memory != nil {
		_, err := p.AddPeer(cfg.Broker.Group+"-worker", func(m *mediatx.Mediator) error {
			return sample.RegisterWorker(m, logger)
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("start in-process worker")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p.AddJob(&sample.Traffic{
		Mediator: p.Mediator,
		Interval: cfg.Sender.Interval,
		Count:    cfg.Sender.Count,
		Done:     stop,
		Logger:   logger,
	})

	if err := p.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("sender stopped")
		os.Exit(1)
	}
	logger.Info().Msg("sender stopped")
}
