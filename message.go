package mediatx

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Unit is the response type for requests that carry no result.
type Unit struct{}

// RequestHandler handles one request type and returns its response.
// Exactly one handler may exist per request type in a process.
//
// Example:
//
//	type SumHandler struct{}
//
//	func (SumHandler) Handle(ctx context.Context, req SumRequest) (int, error) {
//	    return req.A + req.B, nil
//	}
type RequestHandler[T, R any] interface {
	Handle(ctx context.Context, req T) (R, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler.
type RequestHandlerFunc[T, R any] func(ctx context.Context, req T) (R, error)

// Handle implements the RequestHandler interface.
func (f RequestHandlerFunc[T, R]) Handle(ctx context.Context, req T) (R, error) {
	return f(ctx, req)
}

// NotificationHandler reacts to a notification. Any number of handlers may
// subscribe to the same notification type.
type NotificationHandler[T any] interface {
	Handle(ctx context.Context, n T) error
}

// NotificationHandlerFunc is a function adapter for NotificationHandler.
type NotificationHandlerFunc[T any] func(ctx context.Context, n T) error

// Handle implements the NotificationHandler interface.
func (f NotificationHandlerFunc[T]) Handle(ctx context.Context, n T) error {
	return f(ctx, n)
}

// Named lets a message type choose its wire name. Without it the name is
// derived from the Go type.
//
// Example:
//
//	func (PingRequest) MessageName() string { return "ping" }
type Named interface {
	MessageName() string
}

var names sync.Map // reflect.Type -> string

// NameOf returns the routing name of T. Pointer types share the name of
// their element type, so Send(ctx, m, &Req{}) and Send(ctx, m, Req{})
// resolve to the same entry.
func NameOf[T any]() string {
	return nameOfType(reflect.TypeFor[T]())
}

func nameOfType(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if v, ok := names.Load(t); ok {
		return v.(string)
	}

	var name string
	if n, ok := reflect.New(t).Interface().(Named); ok {
		name = n.MessageName()
	}
	if name == "" {
		switch {
		case t.Name() == "":
			name = t.String()
		case t.PkgPath() == "":
			name = t.Name()
		default:
			name = t.PkgPath() + "." + t.Name()
		}
	}

	names.Store(t, name)
	return name
}

// handlerName identifies a handler in errors and logs.
func handlerName(h any) string {
	return fmt.Sprintf("%T", h)
}
