package mediatx

import (
	"context"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

// These are package-level functions (not methods) because methods cannot
// declare their own type parameters.

// SetAsLocalRequest registers the single in-process handler for requests of
// type T and routes T locally.
//
// Example:
//
//	mediatx.SetAsLocalRequest[PingRequest, string](m, PingHandler{})
func SetAsLocalRequest[T, R any](m *Mediator, h RequestHandler[T, R]) error {
	return registerRequest[T, R](m, h, false)
}

// SetAsLocalRequestFunc is SetAsLocalRequest for a plain function.
//
// Example:
//
//	mediatx.SetAsLocalRequestFunc(m, func(ctx context.Context, req PingRequest) (string, error) {
//	    return "pong", nil
//	})
func SetAsLocalRequestFunc[T, R any](m *Mediator, fn func(ctx context.Context, req T) (R, error)) error {
	return registerRequest[T, R](m, RequestHandlerFunc[T, R](fn), false)
}

// ListenForRequest registers the handler for T like SetAsLocalRequest and
// also consumes T from the transport once the mediator starts. This is the
// worker side of SetAsRemoteRequest.
func ListenForRequest[T, R any](m *Mediator, h RequestHandler[T, R]) error {
	return registerRequest[T, R](m, h, true)
}

// ListenForRequestFunc is ListenForRequest for a plain function.
func ListenForRequestFunc[T, R any](m *Mediator, fn func(ctx context.Context, req T) (R, error)) error {
	return registerRequest[T, R](m, RequestHandlerFunc[T, R](fn), true)
}

// SetAsRemoteRequest routes requests of type T to the transport. Send never
// runs a local handler for T in this process.
func SetAsRemoteRequest[T any](m *Mediator) error {
	return m.registry.update(NameOf[T](), KindRequest, func(e *RoutingEntry) error {
		if e.request != nil {
			return fmt.Errorf("%w: handler %s is registered locally", ErrRouteConflict, e.Handler)
		}
		return e.setRoute(Remote)
	})
}

// ListenForNotification subscribes h to notifications of type T. Subscribers
// run in registration order.
//
// Example:
//
//	mediatx.ListenForNotification[OrderPlaced](m, mediatx.NotificationHandlerFunc[OrderPlaced](
//	    func(ctx context.Context, n OrderPlaced) error { return mailer.Confirm(ctx, n.OrderID) },
//	), mediatx.WithSubscriberName("mailer"))
func ListenForNotification[T any](m *Mediator, h NotificationHandler[T], opts ...SubscriberOption) error {
	var so subscriberOptions
	for _, opt := range opts {
		opt(&so)
	}

	name := NameOf[T]()
	return m.registry.update(name, KindNotification, func(e *RoutingEntry) error {
		sub := so.name
		if sub == "" {
			sub = fmt.Sprintf("%s#%d", handlerName(h), len(e.subscribers)+1)
		}
		e.subscribers = append(e.subscribers, subscriberBinding{
			name: sub,
			invoke: func(ctx context.Context, msg any) error {
				n, err := assertMessage[T](name, msg)
				if err != nil {
					return err
				}
				return h.Handle(ctx, n)
			},
		})
		e.Subscribers = append(e.Subscribers, sub)
		e.decode = decoder[T]()
		return nil
	})
}

// ListenForNotificationFunc is ListenForNotification for a plain function.
func ListenForNotificationFunc[T any](m *Mediator, fn func(ctx context.Context, n T) error, opts ...SubscriberOption) error {
	return ListenForNotification[T](m, NotificationHandlerFunc[T](fn), opts...)
}

// SetAsRemoteNotification makes Publish also send T over the transport.
// Processes with local subscribers for T consume it from the transport once
// started; a process never redelivers its own notifications to itself.
func SetAsRemoteNotification[T any](m *Mediator) error {
	return m.registry.update(NameOf[T](), KindNotification, func(e *RoutingEntry) error {
		if e.decode == nil {
			e.decode = decoder[T]()
		}
		return e.setRoute(Remote)
	})
}

// SubscriberOption configures a notification subscriber.
type SubscriberOption func(*subscriberOptions)

type subscriberOptions struct {
	name string
}

// WithSubscriberName sets the identity reported in errors and logs.
func WithSubscriberName(name string) SubscriberOption {
	return func(o *subscriberOptions) {
		o.name = name
	}
}

func registerRequest[T, R any](m *Mediator, h RequestHandler[T, R], listen bool) error {
	name := NameOf[T]()
	b := &requestBinding{
		handler: handlerName(h),
		invoke: func(ctx context.Context, msg any) (any, error) {
			req, err := assertMessage[T](name, msg)
			if err != nil {
				return nil, err
			}
			return h.Handle(ctx, req)
		},
		decode: decoder[T](),
	}

	return m.registry.update(name, KindRequest, func(e *RoutingEntry) error {
		if e.request != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, e.Handler)
		}
		if err := e.setRoute(Local); err != nil {
			return err
		}
		e.request = b
		e.Handler = b.handler
		e.Listen = e.Listen || listen
		return nil
	})
}

// assertMessage recovers the typed message. A T handler accepts *T, and a
// handler taking a pointer type accepts the value it points to.
func assertMessage[T any](name string, msg any) (T, error) {
	if v, ok := msg.(T); ok {
		return v, nil
	}
	if p, ok := msg.(*T); ok && p != nil {
		return *p, nil
	}
	if rt := reflect.TypeFor[T](); rt.Kind() == reflect.Pointer {
		if v := reflect.ValueOf(msg); v.IsValid() && v.Type() == rt.Elem() {
			p := reflect.New(rt.Elem())
			p.Elem().Set(v)
			return p.Interface().(T), nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%s: unexpected message %T", name, msg)
}

func decoder[T any]() decodeFunc {
	return func(payload []byte) (any, error) {
		var msg T
		if len(payload) == 0 {
			return msg, nil
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}
