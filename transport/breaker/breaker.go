// Package breaker wraps a mediatx.Transport with a circuit breaker on
// Publish. While the breaker is open, Publish fails fast with ErrOpen
// instead of waiting on a broker that is down. Subscribe and Close pass
// through.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/bjaus/mediatx"
)

// ErrOpen is returned by Publish while the breaker rejects calls.
var ErrOpen = errors.New("transport circuit breaker open")

// Config configures the breaker.
type Config struct {
	// Name identifies the breaker in logs and state callbacks.
	// Default: "mediatx-transport".
	Name string

	// FailureThreshold is the number of consecutive publish failures that
	// opens the breaker.
	// Default: 5.
	FailureThreshold uint32

	// MaxRequests is the number of trial publishes allowed while half-open.
	// Default: 1.
	MaxRequests uint32

	// Interval is the cyclic reset period of the closed-state counts.
	// Zero never resets them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	// Default: 30s.
	Timeout time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to gobreaker.State)

	Logger zerolog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Name == "" {
		c.Name = "mediatx-transport"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Transport is a mediatx.Transport guarded by a circuit breaker.
type Transport struct {
	next mediatx.Transport
	cb   *gobreaker.CircuitBreaker[struct{}]
}

var _ mediatx.Transport = (*Transport)(nil)

// Wrap guards next with a breaker.
func Wrap(next mediatx.Transport, cfg Config) *Transport {
	cfg = cfg.applyDefaults()
	log := cfg.Logger
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A caller giving up is not a broker failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("transport circuit breaker state changed")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}
	return &Transport{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// State reports the breaker state.
func (t *Transport) State() gobreaker.State { return t.cb.State() }

// Counts reports the breaker's counts for the current generation.
func (t *Transport) Counts() gobreaker.Counts { return t.cb.Counts() }

func (t *Transport) Publish(ctx context.Context, channel string, env *mediatx.Envelope) error {
	_, err := t.cb.Execute(func() (struct{}, error) {
		return struct{}{}, t.next.Publish(ctx, channel, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return err
}

func (t *Transport) Subscribe(ctx context.Context, channel string, fn mediatx.ReceiveFunc) (mediatx.Subscription, error) {
	return t.next.Subscribe(ctx, channel, fn)
}

func (t *Transport) Close() error { return t.next.Close() }
