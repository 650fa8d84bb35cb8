// Package memory provides an in-process Transport. Several mediators can
// share one Broker to exercise remote routing without a real broker.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bjaus/mediatx"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("memory broker is closed")
	// ErrSendTimeout is returned when a subscriber's buffer stays full for SendTimeout.
	ErrSendTimeout = errors.New("memory broker send timeout")
)

// Config configures the broker behavior.
type Config struct {
	// BufferSize is the per-subscription buffer.
	// Default: 128.
	BufferSize int

	// SendTimeout bounds how long Publish waits on a full subscriber buffer.
	// Zero waits until ctx ends.
	SendTimeout time.Duration
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	return cfg
}

// Broker routes published envelopes to subscriptions. For each channel it
// delivers one copy per consumer group, round-robin among the group's
// subscriptions.
type Broker struct {
	config Config

	mu       sync.RWMutex
	channels map[string]map[string]*group // channel -> group -> subscriptions
	closed   bool
}

type group struct {
	subs []*subscription
	next atomic.Uint64
}

// NewBroker creates an in-memory broker.
func NewBroker(config Config) *Broker {
	return &Broker{
		config:   config.defaults(),
		channels: make(map[string]map[string]*group),
	}
}

// Transport returns a Transport whose subscriptions join the given consumer
// group. Use one Transport per simulated process.
func (b *Broker) Transport(groupName string) *Transport {
	return &Transport{broker: b, group: groupName}
}

// Close closes every subscription. Later operations fail with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.closed = true
	var all []*subscription
	for _, groups := range b.channels {
		for _, g := range groups {
			all = append(all, g.subs...)
		}
	}
	b.channels = make(map[string]map[string]*group)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, channel string, raw []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	var targets []*subscription
	for _, g := range b.channels[channel] {
		if len(g.subs) == 0 {
			continue
		}
		i := g.next.Add(1) - 1
		targets = append(targets, g.subs[i%uint64(len(g.subs))])
	}
	b.mu.RUnlock()

	if b.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.SendTimeout)
		defer cancel()
	}

	for _, s := range targets {
		select {
		case s.ch <- raw:
		case <-s.done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrSendTimeout
			}
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) add(s *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	groups, ok := b.channels[s.channel]
	if !ok {
		groups = make(map[string]*group)
		b.channels[s.channel] = groups
	}
	g, ok := groups[s.group]
	if !ok {
		g = &group{}
		groups[s.group] = g
	}
	g.subs = append(g.subs, s)
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.channels[s.channel][s.group]
	if !ok {
		return
	}
	for i, cur := range g.subs {
		if cur == s {
			g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
			break
		}
	}
}

// Transport is one process's view of a Broker.
type Transport struct {
	broker *Broker
	group  string

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

var _ mediatx.Transport = (*Transport)(nil)

// Publish delivers env to every consumer group subscribed to channel.
// Envelopes published to a channel without subscribers are dropped.
func (t *Transport) Publish(ctx context.Context, channel string, env *mediatx.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return t.broker.publish(ctx, channel, raw)
}

// Subscribe delivers envelopes on channel to fn, one at a time, until ctx
// ends or the subscription is removed.
func (t *Transport) Subscribe(ctx context.Context, channel string, fn mediatx.ReceiveFunc) (mediatx.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrBrokerClosed
	}

	s := &subscription{
		broker:  t.broker,
		channel: channel,
		group:   t.group,
		ch:      make(chan []byte, t.broker.config.BufferSize),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if err := t.broker.add(s); err != nil {
		return nil, err
	}
	t.subs = append(t.subs, s)

	go s.run(ctx, fn)
	return s, nil
}

// Close removes every subscription made through this Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type subscription struct {
	broker  *Broker
	channel string
	group   string
	ch      chan []byte

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func (s *subscription) Channel() string { return s.channel }

// Unsubscribe stops delivery and waits for an in-progress fn call to return.
func (s *subscription) Unsubscribe() error {
	s.broker.remove(s)
	s.stop()
	<-s.exited
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run(ctx context.Context, fn mediatx.ReceiveFunc) {
	defer close(s.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case raw := <-s.ch:
			// Errors have nowhere to go: an in-memory broker does not redeliver.
			_ = fn(ctx, raw)
		}
	}
}
