package breaker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/transport/breaker"
	"github.com/bjaus/mediatx/transport/memory"
)

type flaky struct {
	mediatx.Transport
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flaky) Publish(ctx context.Context, channel string, env *mediatx.Envelope) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("broker down")
	}
	return f.Transport.Publish(ctx, channel, env)
}

func newFlaky() *flaky {
	return &flaky{Transport: memory.NewBroker(memory.Config{}).Transport("g")}
}

func publish(tr mediatx.Transport) error {
	return tr.Publish(context.Background(), "c", mediatx.NewEnvelope(mediatx.KindNotification, "x"))
}

func TestBreaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		next := newFlaky()
		next.fail.Store(true)
		tr := breaker.Wrap(next, breaker.Config{FailureThreshold: 3, Timeout: time.Minute})

		for range 3 {
			err := publish(tr)
			require.Error(t, err)
			assert.NotErrorIs(t, err, breaker.ErrOpen)
		}
		assert.Equal(t, gobreaker.StateOpen, tr.State())

		err := publish(tr)
		assert.ErrorIs(t, err, breaker.ErrOpen)
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int32(3), next.calls.Load(), "open breaker must not reach the transport")
	})

	t.Run("half-open trial closes it again", func(t *testing.T) {
		next := newFlaky()
		next.fail.Store(true)

		var transitions []gobreaker.State
		tr := breaker.Wrap(next, breaker.Config{
			FailureThreshold: 1,
			Timeout:          20 * time.Millisecond,
			OnStateChange: func(_ string, _, to gobreaker.State) {
				transitions = append(transitions, to)
			},
		})

		require.Error(t, publish(tr))
		require.Equal(t, gobreaker.StateOpen, tr.State())

		next.fail.Store(false)
		time.Sleep(40 * time.Millisecond)

		require.NoError(t, publish(tr))
		assert.Equal(t, gobreaker.StateClosed, tr.State())
		assert.Equal(t, []gobreaker.State{gobreaker.StateOpen, gobreaker.StateHalfOpen, gobreaker.StateClosed}, transitions)
	})

	t.Run("canceled publishes do not count", func(t *testing.T) {
		tr := breaker.Wrap(&cancelingTransport{Transport: newFlaky()}, breaker.Config{FailureThreshold: 1})

		assert.ErrorIs(t, publish(tr), context.Canceled)
		assert.Equal(t, gobreaker.StateClosed, tr.State())
	})

	t.Run("subscribe and close pass through", func(t *testing.T) {
		tr := breaker.Wrap(newFlaky(), breaker.Config{})

		got := make(chan struct{}, 1)
		sub, err := tr.Subscribe(context.Background(), "c", func(context.Context, []byte) error {
			got <- struct{}{}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "c", sub.Channel())

		require.NoError(t, publish(tr))
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("not delivered")
		}
		assert.NoError(t, tr.Close())
	})
}

type cancelingTransport struct {
	mediatx.Transport
}

func (cancelingTransport) Publish(context.Context, string, *mediatx.Envelope) error {
	return context.Canceled
}
