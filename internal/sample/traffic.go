package sample

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/bjaus/mediatx"
)

// Traffic sends one Ping, one Sum and one OrderPlaced per round.
type Traffic struct {
	Mediator *mediatx.Mediator
	Interval time.Duration

	// Count stops the loop after that many rounds and calls Done. Zero
	// runs until the context ends.
	Count int
	Done  func()

	Logger zerolog.Logger
}

// Round runs one round and returns the first failure.
func (t *Traffic) Round(ctx context.Context, n int) error {
	pong, err := mediatx.Send[string](ctx, t.Mediator, PingRequest{})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	sum, err := mediatx.Send[int](ctx, t.Mediator, SumRequest{A: n, B: n + 1})
	if err != nil {
		return fmt.Errorf("sum: %w", err)
	}
	order := OrderPlaced{OrderID: fmt.Sprintf("order-%d", n), Total: float64(sum)}
	if err := mediatx.Publish(ctx, t.Mediator, order); err != nil {
		return fmt.Errorf("publish order: %w", err)
	}
	t.Logger.Info().Int("round", n).Str("ping", pong).Int("sum", sum).Str("order_id", order.OrderID).Msg("round complete")
	return nil
}

// Serve implements suture.Service. Failed rounds are logged and the loop
// carries on.
func (t *Traffic) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for n := 1; t.Count == 0 || n <= t.Count; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := t.Round(ctx, n); err != nil {
			t.Logger.Warn().Err(err).Int("round", n).Msg("round failed")
		}
	}
	if t.Done != nil {
		t.Done()
	}
	return suture.ErrDoNotRestart
}

func (t *Traffic) String() string { return "sample-traffic" }
