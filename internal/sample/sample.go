// Package sample holds the message types served by mediatx-worker and sent
// by mediatx-sender.
package sample

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/bjaus/mediatx"
)

// PingRequest is answered with "pong".
type PingRequest struct{}

func (PingRequest) MessageName() string { return "sample.ping" }

// SumRequest adds two integers.
type SumRequest struct {
	A int `json:"a" validate:"gte=-1000000,lte=1000000"`
	B int `json:"b" validate:"gte=-1000000,lte=1000000"`
}

func (SumRequest) MessageName() string { return "sample.sum" }

// OrderPlaced is published when an order is accepted.
type OrderPlaced struct {
	OrderID string  `json:"order_id" validate:"required"`
	Total   float64 `json:"total" validate:"gte=0"`
}

func (OrderPlaced) MessageName() string { return "sample.order_placed" }

// ErrEmptyOrder is returned by the audit subscriber for zero-value orders.
var ErrEmptyOrder = errors.New("order has no total")

// Ping answers a PingRequest.
func Ping(context.Context, PingRequest) (string, error) {
	return "pong", nil
}

// Sum answers a SumRequest.
func Sum(_ context.Context, req SumRequest) (int, error) {
	return req.A + req.B, nil
}

// RegisterWorker serves Ping and Sum from the transport and subscribes the
// OrderPlaced handlers.
func RegisterWorker(m *mediatx.Mediator, logger zerolog.Logger) error {
	return errors.Join(
		mediatx.ListenForRequestFunc(m, Ping),
		mediatx.ListenForRequestFunc(m, Sum),
		mediatx.ListenForNotificationFunc(m, func(ctx context.Context, n OrderPlaced) error {
			logger.Info().Str("order_id", n.OrderID).Float64("total", n.Total).Msg("order placed")
			return nil
		}, mediatx.WithSubscriberName("log")),
		mediatx.ListenForNotificationFunc(m, func(ctx context.Context, n OrderPlaced) error {
			if n.Total == 0 {
				return ErrEmptyOrder
			}
			return nil
		}, mediatx.WithSubscriberName("audit")),
		mediatx.SetAsRemoteNotification[OrderPlaced](m),
	)
}

// RegisterSender routes Ping, Sum and OrderPlaced to the transport.
func RegisterSender(m *mediatx.Mediator) error {
	return errors.Join(
		mediatx.SetAsRemoteRequest[PingRequest](m),
		mediatx.SetAsRemoteRequest[SumRequest](m),
		mediatx.SetAsRemoteNotification[OrderPlaced](m),
	)
}
