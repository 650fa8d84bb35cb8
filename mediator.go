package mediatx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds how long Send waits for a remote reply.
const DefaultTimeout = 30 * time.Second

// Mediator routes requests and notifications to local handlers or, through a
// Transport, to other processes.
//
// Usage:
//  1. Create a mediator with New
//  2. Register routes with SetAsLocalRequest, SetAsRemoteRequest,
//     ListenForRequest, ListenForNotification and SetAsRemoteNotification
//  3. Call Start (or run Serve) when a transport is configured
//  4. Dispatch with Send and Publish
//
// Send and Publish are safe for concurrent use.
type Mediator struct {
	registry     *Registry
	correlations *Correlations
	transport    Transport
	channels     Channels
	instance     string
	timeout      time.Duration
	behaviors    []Behavior
	hooks        hooks
	logger       zerolog.Logger
	inspector    Inspector

	mode        Mode
	sweep       time.Duration
	concurrency int64
	sem         *semaphore.Weighted
	limiter     *rate.Limiter

	// ctx bounds subscriptions and inbound work; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	subs     []Subscription
	replySub Subscription
	inflight sync.WaitGroup
}

// Option configures a Mediator.
type Option func(*Mediator)

// New creates a Mediator.
//
// Example:
//
//	m := mediatx.New(
//	    mediatx.WithTransport(kafkaTransport),
//	    mediatx.WithTimeout(5*time.Second),
//	    mediatx.WithBehaviors(mediatx.Logging(logger), mediatx.Validation(nil)),
//	)
func New(opts ...Option) *Mediator {
	m := &Mediator{
		instance:    uuid.NewString(),
		timeout:     DefaultTimeout,
		logger:      zerolog.Nop(),
		inspector:   JSONInspector(),
		concurrency: 64,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registry = NewRegistry(m.mode)
	m.correlations = NewCorrelations(
		WithSweepInterval(m.sweep),
		WithPendingObserver(m.hooks.pending),
	)
	m.sem = semaphore.NewWeighted(m.concurrency)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.logger = m.logger.With().Str("instance", m.instance).Logger()
	return m
}

// WithTransport sets the transport used for Remote routes.
func WithTransport(t Transport) Option {
	return func(m *Mediator) {
		m.transport = t
	}
}

// WithMode sets how unregistered message types are routed. The default is
// Explicit.
func WithMode(mode Mode) Option {
	return func(m *Mediator) {
		m.mode = mode
	}
}

// WithTimeout sets how long Send waits for a remote reply.
func WithTimeout(d time.Duration) Option {
	return func(m *Mediator) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithNamespace prefixes every channel name.
func WithNamespace(ns string) Option {
	return func(m *Mediator) {
		m.channels.Namespace = ns
	}
}

// WithInstanceID fixes the instance id used for the reply channel and to
// recognise this process's own notifications. It defaults to a random UUID.
func WithInstanceID(id string) Option {
	return func(m *Mediator) {
		if id != "" {
			m.instance = id
		}
	}
}

// WithBehaviors appends pipeline behaviors. The first behavior is outermost.
func WithBehaviors(bs ...Behavior) Option {
	return func(m *Mediator) {
		m.behaviors = append(m.behaviors, bs...)
	}
}

// WithLogger sets the logger for mediator events.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mediator) {
		m.logger = l
	}
}

// WithConcurrency bounds the number of inbound messages handled at once.
func WithConcurrency(n int) Option {
	return func(m *Mediator) {
		if n > 0 {
			m.concurrency = int64(n)
		}
	}
}

// WithRateLimit throttles inbound handling to r messages per second with the
// given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(m *Mediator) {
		m.limiter = rate.NewLimiter(r, burst)
	}
}

// WithCorrelationSweep sets how often Serve sweeps overdue correlations.
func WithCorrelationSweep(d time.Duration) Option {
	return func(m *Mediator) {
		m.sweep = d
	}
}

// Registry exposes the routing policy, mainly for diagnostics.
func (m *Mediator) Registry() *Registry { return m.registry }

// Correlations exposes the pending remote requests.
func (m *Mediator) Correlations() *Correlations { return m.correlations }

// InstanceID returns the id of this mediator instance.
func (m *Mediator) InstanceID() string { return m.instance }

// Channels returns the channel naming in use.
func (m *Mediator) Channels() Channels { return m.channels }

type timeoutKey struct{}

// WithRequestTimeout overrides the remote reply timeout for Sends made with
// the returned context.
func WithRequestTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

func (m *Mediator) timeoutFor(ctx context.Context) time.Duration {
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return m.timeout
}

// Send dispatches a request and returns its response. Local requests run the
// pipeline and handler in this process; Remote requests are published to the
// transport and the reply is awaited.
//
// R is the response type; T is inferred from req:
//
//	pong, err := mediatx.Send[string](ctx, m, PingRequest{})
func Send[R, T any](ctx context.Context, m *Mediator, req T) (R, error) {
	var zero R
	name := NameOf[T]()
	start := time.Now()

	entry, err := m.registry.Lookup(name, KindRequest)
	if err != nil {
		m.hooks.done(ctx, name, 0, err, time.Since(start))
		return zero, err
	}
	m.hooks.dispatch(ctx, name, entry.Route)

	var out any
	if entry.Route == Remote {
		out, err = sendRemote[R](ctx, m, name, req)
	} else {
		out, err = m.handleRequest(ctx, entry, &Invocation{Name: name, Kind: KindRequest, Message: req})
	}
	if err == nil {
		out, err = asResponse[R](name, out)
	}
	m.hooks.done(ctx, name, entry.Route, err, time.Since(start))
	if err != nil {
		return zero, err
	}
	res, _ := out.(R)
	return res, nil
}

// Publish delivers a notification to every local subscriber and, for Remote
// notifications, to the transport. A failing subscriber does not stop the
// others; their errors are returned together as a *FanOutError.
func Publish[T any](ctx context.Context, m *Mediator, n T) error {
	name := NameOf[T]()
	start := time.Now()

	entry, err := m.registry.Lookup(name, KindNotification)
	if err != nil {
		m.hooks.done(ctx, name, 0, err, time.Since(start))
		return err
	}
	m.hooks.dispatch(ctx, name, entry.Route)

	var errs []error
	if entry.Route == Remote {
		if err := m.publishRemote(ctx, name, n); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.fanOut(ctx, entry, &Invocation{Name: name, Kind: KindNotification, Message: n}); err != nil {
		errs = append(errs, err)
	}

	switch len(errs) {
	case 0:
		err = nil
	case 1:
		err = errs[0]
	default:
		err = errors.Join(errs...)
	}
	m.hooks.done(ctx, name, entry.Route, err, time.Since(start))
	return err
}

// handleRequest runs the local handler of entry through the pipeline.
func (m *Mediator) handleRequest(ctx context.Context, entry RoutingEntry, inv *Invocation) (any, error) {
	b := entry.request
	if b == nil {
		return nil, configError(entry.Name, ErrNoHandler)
	}
	inv.Handler = b.handler

	out, err := m.chain(func(ctx context.Context, inv *Invocation) (any, error) {
		return b.invoke(ctx, inv.Message)
	})(ctx, inv)
	if err != nil {
		return nil, &HandlerError{Message: entry.Name, Handler: b.handler, Err: err}
	}
	return out, nil
}

// fanOut runs every subscriber of entry in registration order.
func (m *Mediator) fanOut(ctx context.Context, entry RoutingEntry, inv *Invocation) error {
	var errs []error
	for _, sub := range entry.subscribers {
		call := *inv
		call.Handler = sub.name
		_, err := m.chain(func(ctx context.Context, inv *Invocation) (any, error) {
			return nil, sub.invoke(ctx, inv.Message)
		})(ctx, &call)
		if err != nil {
			errs = append(errs, &HandlerError{Message: entry.Name, Handler: sub.name, Err: err})
		}
	}
	if len(errs) > 0 {
		return &FanOutError{Message: entry.Name, Subscribers: len(entry.subscribers), Errors: errs}
	}
	return nil
}

func sendRemote[R any](ctx context.Context, m *Mediator, name string, req any) (any, error) {
	if m.transport == nil {
		return nil, configError(name, ErrNoTransport)
	}
	if err := m.ensureReplies(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}

	env := NewEnvelope(KindRequest, name)
	env.CorrelationID = uuid.NewString()
	env.ReplyTo = m.channels.Reply(m.instance)
	env.Origin = m.instance
	env.Payload = payload

	timeout := m.timeoutFor(ctx)
	pending, err := m.correlations.Register(env.CorrelationID, timeout)
	if err != nil {
		return nil, err
	}

	channel := m.channels.Request(name)
	if err := m.transport.Publish(ctx, channel, env); err != nil {
		m.correlations.Cancel(env.CorrelationID)
		return nil, transportError("publish", channel, err)
	}
	m.logger.Debug().
		Str("type", name).
		Str("correlation_id", env.CorrelationID).
		Str("channel", channel).
		Dur("timeout", timeout).
		Msg("request sent")

	raw, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}

	var res R
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode %s reply: %w", name, err)
		}
	}
	return res, nil
}

func (m *Mediator) publishRemote(ctx context.Context, name string, n any) error {
	if m.transport == nil {
		return configError(name, ErrNoTransport)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	env := NewEnvelope(KindNotification, name)
	env.Origin = m.instance
	env.Payload = payload

	channel := m.channels.Notification(name)
	if err := m.transport.Publish(ctx, channel, env); err != nil {
		return transportError("publish", channel, err)
	}
	return nil
}

// asResponse checks that a handler result has the type the caller asked for.
func asResponse[R any](name string, out any) (any, error) {
	if r, ok := out.(R); ok {
		return r, nil
	}
	var zero R
	if out == nil {
		return zero, nil
	}
	return nil, fmt.Errorf("%s: handler returned %T, caller expects %T", name, out, zero)
}
