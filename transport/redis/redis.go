// Package redis provides a Redis Streams Transport built on go-redis.
//
// Every channel is a stream. Subscriptions read through a consumer group
// (XREADGROUP), so consumers in the same group share a stream while other
// groups each see every entry. Entries are acknowledged once the receive
// callback returns nil.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bjaus/mediatx"
)

// Stream entry fields.
const (
	FieldPayload       = "payload"
	FieldType          = "type"
	FieldKind          = "kind"
	FieldCorrelationID = "correlation_id"
)

// Config configures the Redis transport.
type Config struct {
	// Group is the consumer group every subscription joins. Required.
	Group string

	// Consumer names this process within the group.
	// Default: Group plus a random suffix.
	Consumer string

	// StartID is where a newly created group starts reading. "$" delivers
	// only entries added after the group exists; "0" replays the stream.
	// Default: "$".
	StartID string

	// Block bounds each XREADGROUP wait.
	// Default: 1s.
	Block time.Duration

	// Count is the maximum entries fetched per read.
	// Default: 16.
	Count int64

	// MaxLen approximately caps each stream. Zero leaves streams untrimmed.
	MaxLen int64

	// RetryBackoff is the pause after a failed read.
	// Default: 200ms.
	RetryBackoff time.Duration

	Logger zerolog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = c.Group + "-" + uuid.NewString()[:8]
	}
	if c.StartID == "" {
		c.StartID = "$"
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.Count <= 0 {
		c.Count = 16
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

// Transport publishes and consumes envelopes on Redis streams.
type Transport struct {
	config Config
	client redis.UniversalClient

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ mediatx.Transport = (*Transport)(nil)

// New creates a transport on client. Close does not close client.
func New(client redis.UniversalClient, config Config) (*Transport, error) {
	if config.Group == "" {
		return nil, errors.New("redis: group is required")
	}
	return &Transport{
		config: config.applyDefaults(),
		client: client,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Publish appends env to the stream named channel.
func (t *Transport) Publish(ctx context.Context, channel string, env *mediatx.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: channel,
		Values: map[string]any{
			FieldPayload:       raw,
			FieldType:          env.Type,
			FieldKind:          string(env.Kind),
			FieldCorrelationID: env.CorrelationID,
		},
	}
	if t.config.MaxLen > 0 {
		args.MaxLen = t.config.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: xadd %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates the group on the stream if needed and starts reading.
func (t *Transport) Subscribe(ctx context.Context, channel string, fn mediatx.ReceiveFunc) (mediatx.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("redis: transport closed")
	}

	err := t.client.XGroupCreateMkStream(ctx, channel, t.config.Group, t.config.StartID).Err()
	if err != nil && !isGroupExists(err) {
		return nil, fmt.Errorf("redis: create group %s on %s: %w", t.config.Group, channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		transport: t,
		channel:   channel,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	go s.run(subCtx, fn)

	t.config.Logger.Info().
		Str("stream", channel).
		Str("group", t.config.Group).
		Str("consumer", t.config.Consumer).
		Msg("redis subscription started")
	return s, nil
}

// Close stops every subscription.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func isGroupExists(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

type subscription struct {
	transport *Transport
	channel   string
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return nil
}

func (s *subscription) run(ctx context.Context, fn mediatx.ReceiveFunc) {
	defer close(s.done)
	cfg := s.transport.config
	client := s.transport.client

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{s.channel, ">"},
			Count:    cfg.Count,
			Block:    cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cfg.Logger.Error().Err(err).Str("stream", s.channel).Msg("redis read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.RetryBackoff):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				s.deliver(ctx, msg, fn)
			}
		}
	}
}

func (s *subscription) deliver(ctx context.Context, msg redis.XMessage, fn mediatx.ReceiveFunc) {
	cfg := s.transport.config
	raw, _ := msg.Values[FieldPayload].(string)
	if err := fn(ctx, []byte(raw)); err != nil {
		// Left in the pending list for XCLAIM by an operator.
		cfg.Logger.Warn().Err(err).Str("stream", s.channel).Str("id", msg.ID).Msg("redis entry not acknowledged")
		return
	}
	// The ack must land even if the subscription is stopping.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.transport.client.XAck(ackCtx, s.channel, cfg.Group, msg.ID).Err(); err != nil {
		cfg.Logger.Error().Err(err).Str("stream", s.channel).Str("id", msg.ID).Msg("redis ack failed")
	}
}
