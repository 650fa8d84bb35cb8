package mediatx

import (
	"context"
	"time"
)

// OnDispatchFunc is called when Send or Publish has resolved a route, before
// any handler runs or anything is published.
type OnDispatchFunc func(ctx context.Context, message string, route Route)

// OnSuccessFunc is called after Send or Publish completes without error.
type OnSuccessFunc func(ctx context.Context, message string, route Route, d time.Duration)

// OnFailureFunc is called after Send or Publish fails. Routing failures
// (unregistered types) are reported with a zero route.
type OnFailureFunc func(ctx context.Context, message string, route Route, err error, d time.Duration)

// OnDroppedReplyFunc is called when a reply arrives for a correlation id that
// is no longer pending: a duplicate delivery, or a reply after timeout or
// cancellation.
type OnDroppedReplyFunc func(ctx context.Context, correlationID string)

// OnReceiveErrorFunc is called when an inbound message cannot be processed
// or a reply cannot be published.
type OnReceiveErrorFunc func(ctx context.Context, channel string, err error)

// OnPendingFunc receives the number of pending remote requests after every
// change.
type OnPendingFunc func(n int)

type hooks struct {
	onDispatch     []OnDispatchFunc
	onSuccess      []OnSuccessFunc
	onFailure      []OnFailureFunc
	onDroppedReply []OnDroppedReplyFunc
	onReceiveError []OnReceiveErrorFunc
	onPending      []OnPendingFunc
}

// WithOnDispatch adds a hook called once a route is resolved.
//
// Example:
//
//	mediatx.WithOnDispatch(func(ctx context.Context, message string, route mediatx.Route) {
//	    log.Ctx(ctx).Debug().Str("type", message).Stringer("route", route).Msg("dispatch")
//	})
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(m *Mediator) {
		m.hooks.onDispatch = append(m.hooks.onDispatch, fn)
	}
}

// WithOnSuccess adds a hook called after a successful Send or Publish.
//
// Example:
//
//	mediatx.WithOnSuccess(func(ctx context.Context, message string, route mediatx.Route, d time.Duration) {
//	    latency.WithLabelValues(message, route.String()).Observe(d.Seconds())
//	})
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(m *Mediator) {
		m.hooks.onSuccess = append(m.hooks.onSuccess, fn)
	}
}

// WithOnFailure adds a hook called after a failed Send or Publish.
func WithOnFailure(fn OnFailureFunc) Option {
	return func(m *Mediator) {
		m.hooks.onFailure = append(m.hooks.onFailure, fn)
	}
}

// WithOnDroppedReply adds a hook called for duplicate or late replies.
func WithOnDroppedReply(fn OnDroppedReplyFunc) Option {
	return func(m *Mediator) {
		m.hooks.onDroppedReply = append(m.hooks.onDroppedReply, fn)
	}
}

// WithOnReceiveError adds a hook called for inbound failures that have no
// caller to return an error to.
func WithOnReceiveError(fn OnReceiveErrorFunc) Option {
	return func(m *Mediator) {
		m.hooks.onReceiveError = append(m.hooks.onReceiveError, fn)
	}
}

// WithOnPending adds an observer of the pending remote request count.
func WithOnPending(fn OnPendingFunc) Option {
	return func(m *Mediator) {
		m.hooks.onPending = append(m.hooks.onPending, fn)
	}
}

func (h *hooks) dispatch(ctx context.Context, message string, route Route) {
	for _, fn := range h.onDispatch {
		fn(ctx, message, route)
	}
}

func (h *hooks) done(ctx context.Context, message string, route Route, err error, d time.Duration) {
	if err != nil {
		for _, fn := range h.onFailure {
			fn(ctx, message, route, err, d)
		}
		return
	}
	for _, fn := range h.onSuccess {
		fn(ctx, message, route, d)
	}
}

func (h *hooks) droppedReply(ctx context.Context, correlationID string) {
	for _, fn := range h.onDroppedReply {
		fn(ctx, correlationID)
	}
}

func (h *hooks) receiveError(ctx context.Context, channel string, err error) {
	for _, fn := range h.onReceiveError {
		fn(ctx, channel, err)
	}
}

func (h *hooks) pending(n int) {
	for _, fn := range h.onPending {
		fn(n)
	}
}
