package mediatx

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records mediator activity as Prometheus metrics. Attach it with
// New(metrics.Options()...).
type Metrics struct {
	Dispatched      *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	DroppedReplies  prometheus.Counter
	ReceiveErrors   *prometheus.CounterVec
	PendingRequests prometheus.Gauge
}

// NewMetrics creates and registers the mediator metrics with reg. A nil reg
// creates unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediatx_dispatch_total",
				Help: "Send and Publish calls by message, route and outcome",
			},
			[]string{"message", "route", "outcome"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediatx_dispatch_duration_seconds",
				Help:    "Send and Publish latency, including the remote round trip",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"message", "route"},
		),
		DroppedReplies: f.NewCounter(prometheus.CounterOpts{
			Name: "mediatx_dropped_replies_total",
			Help: "Replies received for correlations that were no longer pending",
		}),
		ReceiveErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediatx_receive_errors_total",
				Help: "Inbound messages that could not be processed",
			},
			[]string{"channel"},
		),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediatx_pending_correlations",
			Help: "Remote requests awaiting a reply",
		}),
	}
}

// Options returns the hooks that feed these metrics.
func (mt *Metrics) Options() []Option {
	return []Option{
		WithOnSuccess(func(_ context.Context, message string, route Route, d time.Duration) {
			mt.Dispatched.WithLabelValues(message, route.String(), "ok").Inc()
			mt.Duration.WithLabelValues(message, route.String()).Observe(d.Seconds())
		}),
		WithOnFailure(func(_ context.Context, message string, route Route, _ error, d time.Duration) {
			mt.Dispatched.WithLabelValues(message, route.String(), "error").Inc()
			mt.Duration.WithLabelValues(message, route.String()).Observe(d.Seconds())
		}),
		WithOnDroppedReply(func(context.Context, string) {
			mt.DroppedReplies.Inc()
		}),
		WithOnReceiveError(func(_ context.Context, channel string, _ error) {
			mt.ReceiveErrors.WithLabelValues(channel).Inc()
		}),
		WithOnPending(func(n int) {
			mt.PendingRequests.Set(float64(n))
		}),
	}
}
