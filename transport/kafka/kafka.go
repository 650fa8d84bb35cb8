// Package kafka provides a Kafka Transport built on segmentio/kafka-go.
//
// Each channel is a topic. Subscriptions read through a consumer group, so
// workers sharing Config.GroupID split a request topic between them while
// different groups each see every message. Offsets are committed after the
// receive callback returns.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/bjaus/mediatx"
)

// Header keys written on every message.
const (
	HeaderType          = "mediatx-type"
	HeaderKind          = "mediatx-kind"
	HeaderCorrelationID = "mediatx-correlation-id"
	HeaderReplyTo       = "mediatx-reply-to"
)

// Config configures the Kafka transport.
type Config struct {
	// Brokers lists bootstrap addresses. Required.
	Brokers []string

	// GroupID is the consumer group of every subscription. Required.
	GroupID string

	// StartOffset applies when the group has no committed offset.
	// Default: kafka.FirstOffset.
	StartOffset int64

	// CommitInterval batches offset commits. Zero commits synchronously.
	CommitInterval time.Duration

	// MaxWait bounds how long a fetch waits for new data.
	// Default: 250ms.
	MaxWait time.Duration

	// BatchTimeout bounds how long the writer buffers before flushing.
	// Kafka-go's 1s default adds a second to every remote request.
	// Default: 5ms.
	BatchTimeout time.Duration

	// RequiredAcks for produced messages.
	// Default: kafka.RequireAll.
	RequiredAcks kafka.RequiredAcks

	// AllowAutoTopicCreation lets the writer create missing topics.
	AllowAutoTopicCreation bool

	// RetryBackoff is the pause after a failed fetch.
	// Default: 500ms.
	RetryBackoff time.Duration

	Logger zerolog.Logger
}

func (c Config) applyDefaults() Config {
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 250 * time.Millisecond
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Millisecond
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group id is required")
	}
	return nil
}

// Transport publishes and consumes envelopes on Kafka topics.
type Transport struct {
	config Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	subs    map[*subscription]struct{}
	closed  bool
}

var _ mediatx.Transport = (*Transport)(nil)

// New creates a Kafka transport. No connection is made until the first
// Publish or Subscribe.
func New(config Config) (*Transport, error) {
	config = config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Transport{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		subs:    make(map[*subscription]struct{}),
	}, nil
}

// Publish writes env to the topic named channel, keyed by correlation id so
// a request and its retries land on one partition.
func (t *Transport) Publish(ctx context.Context, channel string, env *mediatx.Envelope) error {
	w, err := t.writer(channel)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, Message(env, raw)); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", channel, err)
	}
	return nil
}

// Message builds the Kafka message carrying env.
func Message(env *mediatx.Envelope, raw []byte) kafka.Message {
	key := env.CorrelationID
	if key == "" {
		key = env.ID
	}
	headers := []kafka.Header{
		{Key: HeaderType, Value: []byte(env.Type)},
		{Key: HeaderKind, Value: []byte(env.Kind)},
	}
	if env.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)})
	}
	if env.ReplyTo != "" {
		headers = append(headers, kafka.Header{Key: HeaderReplyTo, Value: []byte(env.ReplyTo)})
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   raw,
		Headers: headers,
		Time:    env.Timestamp,
	}
}

// Subscribe consumes the topic named channel in the configured group.
func (t *Transport) Subscribe(ctx context.Context, channel string, fn mediatx.ReceiveFunc) (mediatx.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("kafka: transport closed")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.config.Brokers,
		GroupID:        t.config.GroupID,
		Topic:          channel,
		StartOffset:    t.config.StartOffset,
		CommitInterval: t.config.CommitInterval,
		MaxWait:        t.config.MaxWait,
	})

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		transport: t,
		channel:   channel,
		reader:    reader,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.subs[s] = struct{}{}

	go s.run(subCtx, fn)

	t.config.Logger.Info().
		Str("topic", channel).
		Str("group", t.config.GroupID).
		Strs("brokers", t.config.Brokers).
		Msg("kafka subscription started")
	return s, nil
}

// Close stops every subscription and flushes the writers.
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
	writers := t.writers
	t.writers = nil
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: close writer %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) writer(topic string) (*kafka.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("kafka: transport closed")
	}
	if w, ok := t.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(t.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           t.config.BatchTimeout,
		RequiredAcks:           t.config.RequiredAcks,
		AllowAutoTopicCreation: t.config.AllowAutoTopicCreation,
	}
	t.writers[topic] = w
	return w, nil
}

type subscription struct {
	transport *Transport
	channel   string
	reader    *kafka.Reader
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	err       error
}

func (s *subscription) Channel() string { return s.channel }

// Unsubscribe stops the fetch loop and closes the reader.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.reader.Close()

		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return s.err
}

func (s *subscription) run(ctx context.Context, fn mediatx.ReceiveFunc) {
	defer close(s.done)
	log := s.transport.config.Logger

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("topic", s.channel).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.transport.config.RetryBackoff):
			}
			continue
		}

		if err := fn(ctx, msg.Value); err != nil {
			// Not committing only delays redelivery until the next
			// rebalance; later commits on the partition move past it.
			log.Warn().Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka message not acknowledged")
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error().Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka commit failed")
		}
	}
}
