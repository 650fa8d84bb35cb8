// Package broker opens the transport a host process is configured for.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/internal/config"
	"github.com/bjaus/mediatx/internal/logging"
	"github.com/bjaus/mediatx/internal/natsembed"
	"github.com/bjaus/mediatx/transport/breaker"
	"github.com/bjaus/mediatx/transport/kafka"
	"github.com/bjaus/mediatx/transport/memory"
	"github.com/bjaus/mediatx/transport/nats"
	"github.com/bjaus/mediatx/transport/rabbitmq"
	"github.com/bjaus/mediatx/transport/redis"
	wmtransport "github.com/bjaus/mediatx/transport/watermill"
)

// Broker is an opened transport plus whatever it needs kept alive.
type Broker struct {
	Transport mediatx.Transport

	// Server is the embedded NATS server, if one was started.
	Server *natsembed.Server

	// Memory is the in-process broker for kind memory. Further processes
	// in the same binary attach with Memory.Transport(group).
	Memory *memory.Broker

	redis *goredis.Client
}

// Open builds the transport named by cfg.Broker.Kind, wrapped in a circuit
// breaker when cfg.Breaker.Enabled is set.
func Open(cfg *config.Config, logger zerolog.Logger) (*Broker, error) {
	bc := cfg.Broker
	logger = logger.With().Str("broker", bc.Kind).Logger()
	b := &Broker{}

	var err error
	switch bc.Kind {
	case "memory":
		b.Memory = memory.NewBroker(memory.Config{})
		b.Transport = b.Memory.Transport(bc.Group)

	case "nats", "jetstream":
		url := bc.NATS.URL
		if bc.NATS.Embedded {
			b.Server, err = natsembed.Start(natsembed.Config{
				JetStream: bc.Kind == "jetstream",
				StoreDir:  bc.NATS.StoreDir,
			})
			if err != nil {
				return nil, err
			}
			url = b.Server.ClientURL()
			logger.Info().Str("url", url).Msg("embedded nats server started")
		}
		if bc.Kind == "nats" {
			b.Transport, err = nats.Connect(nats.Config{
				URL:    url,
				Queue:  bc.Group,
				Name:   cfg.Instance,
				Logger: logger,
			})
		} else {
			b.Transport, err = wmtransport.NewJetStream(wmtransport.JetStreamConfig{
				URL:           url,
				QueueGroup:    bc.Group,
				DurablePrefix: bc.Group,
			}, watermill.NewSlogLogger(logging.NewSlog(logger)))
		}

	case "kafka":
		b.Transport, err = kafka.New(kafka.Config{
			Brokers:                bc.Kafka.Brokers,
			GroupID:                bc.Group,
			AllowAutoTopicCreation: bc.Kafka.AutoCreateTopic,
			Logger:                 logger,
		})

	case "rabbitmq":
		b.Transport, err = rabbitmq.Dial(rabbitmq.Config{
			URL:      bc.RabbitMQ.URL,
			Exchange: bc.RabbitMQ.Exchange,
			Group:    bc.Group,
			Durable:  bc.RabbitMQ.Durable,
			Logger:   logger,
		})

	case "redis":
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:     bc.Redis.Addr,
			Password: bc.Redis.Password,
			DB:       bc.Redis.DB,
		})
		b.Transport, err = redis.New(b.redis, redis.Config{
			Group:  bc.Group,
			MaxLen: bc.Redis.MaxLen,
			Logger: logger,
		})

	default:
		err = fmt.Errorf("unknown broker kind %q", bc.Kind)
	}
	if err != nil {
		// A failed constructor leaves a typed nil behind.
		b.Transport = nil
		_ = b.Close()
		return nil, fmt.Errorf("open %s broker: %w", bc.Kind, err)
	}

	if cfg.Breaker.Enabled {
		b.Transport = breaker.Wrap(b.Transport, breaker.Config{
			Name:             "mediatx-" + bc.Kind,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout,
			Logger:           logger,
		})
	}
	return b, nil
}

// Close closes the transport and everything Open started for it.
func (b *Broker) Close() error {
	var errs []error
	if b.Transport != nil {
		if err := b.Transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Memory != nil {
		if err := b.Memory.Close(); err != nil && !errors.Is(err, memory.ErrBrokerClosed) {
			errs = append(errs, err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
