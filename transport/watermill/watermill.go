// Package watermill adapts any Watermill publisher and subscriber pair to
// mediatx.Transport. NewJetStream builds one backed by NATS JetStream
// through watermill-nats; tests use Watermill's gochannel pub/sub.
//
// Consumer-group behaviour is whatever the backing pub/sub provides. With
// JetStream, subscribers sharing QueueGroup split a subject between them.
//
// JetStream stream names may not contain dots, so channels are published
// on the topic returned by Topic.
package watermill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/bjaus/mediatx"
)

// Metadata keys set on every message.
const (
	MetadataType          = "mediatx_type"
	MetadataKind          = "mediatx_kind"
	MetadataCorrelationID = "mediatx_correlation_id"
)

// Transport publishes and consumes envelopes through Watermill.
type Transport struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ mediatx.Transport = (*Transport)(nil)

// New wraps pub and sub. Close closes both.
func New(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		publisher:  pub,
		subscriber: sub,
		logger:     logger,
		subs:       make(map[*subscription]struct{}),
	}
}

// Publish sends env as one Watermill message on topic channel.
func (t *Transport) Publish(ctx context.Context, channel string, env *mediatx.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := Message(env, raw)
	msg.SetContext(ctx)
	if err := t.publisher.Publish(Topic(channel), msg); err != nil {
		return fmt.Errorf("watermill: publish to %s: %w", channel, err)
	}
	return nil
}

// Topic returns the Watermill topic a channel maps to.
func Topic(channel string) string {
	return strings.ReplaceAll(channel, ".", "_")
}

// Message builds the Watermill message carrying env.
func Message(env *mediatx.Envelope, raw []byte) *message.Message {
	id := env.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, raw)
	msg.Metadata.Set(MetadataType, env.Type)
	msg.Metadata.Set(MetadataKind, string(env.Kind))
	if env.CorrelationID != "" {
		msg.Metadata.Set(MetadataCorrelationID, env.CorrelationID)
	}
	return msg
}

// Subscribe consumes topic channel. A message is acked when fn returns nil
// and nacked otherwise.
func (t *Transport) Subscribe(ctx context.Context, channel string, fn mediatx.ReceiveFunc) (mediatx.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("watermill: transport closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := t.subscriber.Subscribe(subCtx, Topic(channel))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watermill: subscribe %s: %w", channel, err)
	}

	s := &subscription{
		transport: t,
		channel:   channel,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	go s.run(subCtx, messages, fn)

	t.logger.Info("mediatx subscription started", watermill.LogFields{"topic": channel})
	return s, nil
}

// Close stops every subscription and closes the publisher and subscriber.
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
	var errs []error
	if err := t.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("watermill: close subscriber: %w", err))
	}
	if err := t.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("watermill: close publisher: %w", err))
	}
	return errors.Join(errs...)
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

func (s *subscription) run(ctx context.Context, messages <-chan *message.Message, fn mediatx.ReceiveFunc) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := fn(ctx, msg.Payload); err != nil {
				s.transport.logger.Error("mediatx message not processed", err, watermill.LogFields{
					"topic":      s.channel,
					"message_id": msg.UUID,
				})
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

// JetStreamConfig configures NewJetStream.
type JetStreamConfig struct {
	URL string

	// QueueGroup load-balances subscribers that share it.
	QueueGroup string

	// DurablePrefix names durable consumers. Empty uses ephemeral ones.
	DurablePrefix string

	// SubscribersCount is the number of goroutines per subscription.
	// Default: 1.
	SubscribersCount int

	// AckWaitTimeout bounds how long JetStream waits for an ack before
	// redelivering.
	// Default: 30s.
	AckWaitTimeout time.Duration

	// CloseTimeout bounds subscriber shutdown.
	// Default: 10s.
	CloseTimeout time.Duration

	MaxReconnects int
	ReconnectWait time.Duration
}

func (c JetStreamConfig) applyDefaults() JetStreamConfig {
	if c.SubscribersCount <= 0 {
		c.SubscribersCount = 1
	}
	if c.AckWaitTimeout <= 0 {
		c.AckWaitTimeout = 30 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NewJetStream creates a Transport on NATS JetStream. Streams are
// provisioned on first use of each subject.
func NewJetStream(cfg JetStreamConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.applyDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("watermill: create jetstream publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			DurablePrefix: cfg.DurablePrefix,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
				natsgo.AckWait(cfg.AckWaitTimeout),
			},
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("watermill: create jetstream subscriber: %w", err)
	}

	return New(pub, sub, logger), nil
}
