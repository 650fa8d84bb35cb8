package sample_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/internal/sample"
	"github.com/bjaus/mediatx/transport/memory"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func start(t *testing.T, m *mediatx.Mediator) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
}

func TestWorkerAndSender(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	t.Cleanup(func() { _ = broker.Close() })

	out := &lockedBuffer{}
	worker := mediatx.New(
		mediatx.WithTransport(broker.Transport("worker")),
		mediatx.WithBehaviors(mediatx.Validation(nil)),
	)
	require.NoError(t, sample.RegisterWorker(worker, zerolog.New(out)))
	start(t, worker)

	sender := mediatx.New(
		mediatx.WithTransport(broker.Transport("sender")),
		mediatx.WithTimeout(2*time.Second),
	)
	require.NoError(t, sample.RegisterSender(sender))
	start(t, sender)

	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		pong, err := mediatx.Send[string](ctx, sender, sample.PingRequest{})
		require.NoError(t, err)
		assert.Equal(t, "pong", pong)
	})

	t.Run("sum", func(t *testing.T) {
		sum, err := mediatx.Send[int](ctx, sender, sample.SumRequest{A: 2, B: 3})
		require.NoError(t, err)
		assert.Equal(t, 5, sum)
	})

	t.Run("sum out of range is rejected by the worker", func(t *testing.T) {
		_, err := mediatx.Send[int](ctx, sender, sample.SumRequest{A: 2_000_000, B: 1})
		require.ErrorIs(t, err, mediatx.ErrRemoteHandler)

		var rerr *mediatx.RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, mediatx.CodeValidation, rerr.Code)
	})

	t.Run("order placed reaches worker subscribers", func(t *testing.T) {
		require.NoError(t, mediatx.Publish(ctx, sender, sample.OrderPlaced{OrderID: "o-1", Total: 9.5}))
		assert.Eventually(t, func() bool {
			return strings.Contains(out.String(), `"order_id":"o-1"`)
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestRegisterWorkerRoutes(t *testing.T) {
	m := mediatx.New()
	require.NoError(t, sample.RegisterWorker(m, zerolog.Nop()))

	entries := m.Registry().Entries()
	require.Len(t, entries, 3)

	byName := make(map[string]mediatx.RoutingEntry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.True(t, byName["sample.ping"].Listen)
	assert.True(t, byName["sample.sum"].Listen)
	assert.Equal(t, mediatx.Remote, byName["sample.order_placed"].Route)
	assert.Equal(t, []string{"log", "audit"}, byName["sample.order_placed"].Subscribers)
}

func TestAuditRejectsEmptyOrder(t *testing.T) {
	m := mediatx.New()
	require.NoError(t, sample.RegisterWorker(m, zerolog.Nop()))

	// Without a transport the remote publish fails alongside the subscriber.
	err := mediatx.Publish(context.Background(), m, sample.OrderPlaced{OrderID: "o-2"})
	require.ErrorIs(t, err, sample.ErrEmptyOrder)
	require.ErrorIs(t, err, mediatx.ErrNoTransport)
}

func TestRegisterSenderTwiceConflicts(t *testing.T) {
	m := mediatx.New()
	require.NoError(t, sample.RegisterSender(m))
	require.NoError(t, sample.RegisterSender(m))

	err := mediatx.SetAsLocalRequestFunc(m, sample.Ping)
	require.ErrorIs(t, err, mediatx.ErrRouteConflict)
}

func TestTraffic(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	t.Cleanup(func() { _ = broker.Close() })

	worker := mediatx.New(mediatx.WithTransport(broker.Transport("worker")))
	require.NoError(t, sample.RegisterWorker(worker, zerolog.Nop()))
	start(t, worker)

	sender := mediatx.New(mediatx.WithTransport(broker.Transport("sender")), mediatx.WithTimeout(2*time.Second))
	require.NoError(t, sample.RegisterSender(sender))
	start(t, sender)

	out := &lockedBuffer{}
	done := false
	traffic := &sample.Traffic{
		Mediator: sender,
		Interval: 10 * time.Millisecond,
		Count:    2,
		Done:     func() { done = true },
		Logger:   zerolog.New(out),
	}

	err := traffic.Serve(context.Background())
	require.ErrorIs(t, err, suture.ErrDoNotRestart)
	assert.True(t, done)
	assert.Equal(t, 2, strings.Count(out.String(), "round complete"))
	assert.Contains(t, out.String(), `"sum":3`)
	assert.Contains(t, out.String(), `"sum":5`)
}

func TestTrafficStopsWithContext(t *testing.T) {
	traffic := &sample.Traffic{Mediator: mediatx.New(), Interval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, traffic.Serve(ctx), context.Canceled)
}

func TestTrafficRoundFailure(t *testing.T) {
	traffic := &sample.Traffic{Mediator: mediatx.New()}

	err := traffic.Round(context.Background(), 1)
	require.ErrorIs(t, err, mediatx.ErrNotRegistered)
	assert.Contains(t, err.Error(), "ping")
}
