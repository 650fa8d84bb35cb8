// Package nats provides a core NATS Transport built on nats.go.
//
// Channels map directly to subjects. Subscriptions join the queue group
// named by Config.Queue, so processes sharing it split a subject between
// them while other groups each get their own copy. Core NATS is at-most-once:
// a message published while nobody is subscribed is lost. Use the watermill
// transport with JetStream for persistence.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/bjaus/mediatx"
)

// Header keys written on every message.
const (
	HeaderType          = "Mediatx-Type"
	HeaderKind          = "Mediatx-Kind"
	HeaderCorrelationID = "Mediatx-Correlation-Id"
)

// Config configures the NATS transport.
type Config struct {
	// URL is the server URL. Default: nats.DefaultURL.
	URL string

	// Queue is the queue group every subscription joins. Required.
	Queue string

	// Name is reported to the server as the connection name.
	Name string

	// ConnectTimeout bounds the initial dial.
	// Default: 5s.
	ConnectTimeout time.Duration

	// MaxReconnects before the connection gives up. -1 retries forever.
	// Default: -1.
	MaxReconnects int

	// FlushTimeout bounds the round trip that confirms a subscription
	// reached the server.
	// Default: 2s.
	FlushTimeout time.Duration

	Logger zerolog.Logger
}

func (c Config) applyDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
	return c
}

// Transport publishes and consumes envelopes over one NATS connection.
type Transport struct {
	config Config
	conn   *nats.Conn
	owned  bool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ mediatx.Transport = (*Transport)(nil)

// Connect dials the server.
func Connect(config Config) (*Transport, error) {
	config = config.applyDefaults()
	if config.Queue == "" {
		return nil, errors.New("nats: queue group is required")
	}
	log := config.Logger
	conn, err := nats.Connect(
		config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", config.URL, err)
	}
	t := New(conn, config)
	t.owned = true
	return t, nil
}

// New wraps an existing connection. Close leaves conn open.
func New(conn *nats.Conn, config Config) *Transport {
	return &Transport{
		config: config.applyDefaults(),
		conn:   conn,
		subs:   make(map[*subscription]struct{}),
	}
}

// Publish sends env on the subject named channel.
func (t *Transport) Publish(_ context.Context, channel string, env *mediatx.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := t.conn.PublishMsg(Msg(channel, env, raw)); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", channel, err)
	}
	return nil
}

// Msg builds the NATS message carrying env.
func Msg(subject string, env *mediatx.Envelope, raw []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = raw
	msg.Header.Set(HeaderType, env.Type)
	msg.Header.Set(HeaderKind, string(env.Kind))
	if env.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, env.CorrelationID)
	}
	return msg
}

// Subscribe joins the queue group on the subject named channel. It returns
// once the server has registered the interest.
func (t *Transport) Subscribe(ctx context.Context, channel string, fn mediatx.ReceiveFunc) (mediatx.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nats.ErrConnectionClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	log := t.config.Logger
	sub, err := t.conn.QueueSubscribe(channel, t.config.Queue, func(msg *nats.Msg) {
		if subCtx.Err() != nil {
			return
		}
		if err := fn(subCtx, msg.Data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("nats message not processed")
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats: subscribe %s: %w", channel, err)
	}
	if err := t.conn.FlushTimeout(t.config.FlushTimeout); err != nil {
		cancel()
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats: flush subscription %s: %w", channel, err)
	}

	s := &subscription{transport: t, channel: channel, sub: sub, cancel: cancel}
	t.subs[s] = struct{}{}

	log.Info().Str("subject", channel).Str("queue", t.config.Queue).Msg("nats subscription started")
	return s, nil
}

// Close drains every subscription. The connection is closed only if
// Connect opened it.
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

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.owned {
		t.conn.Close()
	}
	return errors.Join(errs...)
}

type subscription struct {
	transport *Transport
	channel   string
	sub       *nats.Subscription
	cancel    context.CancelFunc
	once      sync.Once
	err       error
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.err = fmt.Errorf("nats: unsubscribe %s: %w", s.channel, err)
		}
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return s.err
}
