package mediatx

import (
	"context"
	"errors"
	"fmt"
)

// Start seals the registry and subscribes to the channels this process
// consumes:
//   - its reply channel, when any request is routed remotely
//   - the request channel of every ListenForRequest type
//   - the notification channel of every Remote notification with local subscribers
//
// Without a transport Start only seals the registry.
func (m *Mediator) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrClosed
	}
	if m.started {
		return ErrStarted
	}
	m.registry.seal()
	m.started = true

	if m.transport == nil {
		return nil
	}

	needReplies := m.mode == ImplicitRemote
	var channels []string
	for _, e := range m.registry.Entries() {
		switch {
		case e.Kind == KindRequest && e.Route == Remote:
			needReplies = true
		case e.Kind == KindRequest && e.Listen:
			channels = append(channels, m.channels.Request(e.Name))
		case e.Kind == KindNotification && e.Route == Remote && len(e.subscribers) > 0:
			channels = append(channels, m.channels.Notification(e.Name))
		}
	}

	if needReplies {
		if err := m.subscribeRepliesLocked(); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub, err := m.subscribe(ch)
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}

	m.logger.Info().
		Int("channels", len(m.subs)).
		Bool("replies", m.replySub != nil).
		Msg("mediator started")
	return nil
}

// Stop unsubscribes from every channel, waits for in-flight inbound work and
// rejects pending remote requests with ErrClosed. A stopped mediator cannot
// be started again. The transport is not closed.
func (m *Mediator) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	subs := m.subs
	if m.replySub != nil {
		subs = append(subs, m.replySub)
	}
	m.subs, m.replySub = nil, nil
	m.mu.Unlock()

	// Cancel first: delivery callbacks blocked on a concurrency slot or the
	// rate limiter must return before Unsubscribe can.
	m.cancel()
	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Channel(), err))
		}
	}
	m.inflight.Wait()
	m.correlations.Close()

	m.logger.Info().Msg("mediator stopped")
	return errors.Join(errs...)
}

// Serve starts the mediator, sweeps overdue correlations until ctx ends and
// then stops. It fits supervisors that run Serve(ctx) error services.
func (m *Mediator) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = m.correlations.Serve(sweepCtx) }()

	<-ctx.Done()
	if err := m.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Mediator) String() string { return "mediatx-mediator" }

// ensureReplies subscribes to the reply channel on first remote Send.
func (m *Mediator) ensureReplies() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrClosed
	}
	return m.subscribeRepliesLocked()
}

func (m *Mediator) subscribeRepliesLocked() error {
	if m.replySub != nil {
		return nil
	}
	sub, err := m.subscribe(m.channels.Reply(m.instance))
	if err != nil {
		return err
	}
	m.replySub = sub
	return nil
}

func (m *Mediator) subscribe(channel string) (Subscription, error) {
	sub, err := m.transport.Subscribe(m.ctx, channel, func(ctx context.Context, raw []byte) error {
		return m.receive(ctx, channel, raw)
	})
	if err != nil {
		return nil, transportError("subscribe", channel, err)
	}
	m.logger.Debug().Str("channel", channel).Msg("subscribed")
	return sub, nil
}
