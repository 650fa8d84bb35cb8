package mediatx

import (
	"context"
	"strings"
)

// ReceiveFunc is called by a Transport for every message delivered on a
// subscribed channel. Returning an error asks the broker to redeliver where
// it supports that.
type ReceiveFunc func(ctx context.Context, raw []byte) error

// Subscription is an active channel subscription.
type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// Transport moves envelopes between processes. Delivery is at-least-once.
//
// Subscribers of one channel that share a consumer group compete for
// messages; subscribers in different groups each receive a copy. Adapters
// take their group from their own configuration.
//
// The ctx passed to Subscribe bounds the lifetime of the subscription.
type Transport interface {
	Publish(ctx context.Context, channel string, env *Envelope) error
	Subscribe(ctx context.Context, channel string, fn ReceiveFunc) (Subscription, error)
	Close() error
}

// Channels derives broker channel names from message names.
type Channels struct {
	Namespace string
}

// Request returns the channel remote requests of name are sent on.
func (c Channels) Request(name string) string {
	return c.join("request", name)
}

// Notification returns the channel remote notifications of name are sent on.
func (c Channels) Notification(name string) string {
	return c.join("notification", name)
}

// Reply returns the reply channel of one mediator instance.
func (c Channels) Reply(instance string) string {
	return c.join("reply", instance)
}

func (c Channels) join(kind, name string) string {
	ns := c.Namespace
	if ns == "" {
		ns = "mediatx"
	}
	return SanitizeChannel(ns) + "." + kind + "." + SanitizeChannel(name)
}

// SanitizeChannel maps s onto the characters every supported broker accepts
// in a topic, subject, routing key or stream name: letters, digits, '.', '_'
// and '-'. Path separators become '.', anything else becomes '_'.
func SanitizeChannel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == '/':
			b.WriteByte('.')
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
