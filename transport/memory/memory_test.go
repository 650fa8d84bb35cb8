package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/transport/memory"
	"github.com/bjaus/mediatx/transport/transporttest"
)

type MemorySuite struct {
	transporttest.Suite
	broker *memory.Broker
}

func (s *MemorySuite) SetupTest() {
	s.broker = memory.NewBroker(memory.Config{})
}

func (s *MemorySuite) TearDownTest() {
	_ = s.broker.Close()
}

func TestMemoryTransport(t *testing.T) {
	s := &MemorySuite{}
	s.Competing = true
	s.Wait = time.Second
	s.Settle = 50 * time.Millisecond
	s.New = func(group string) mediatx.Transport { return s.broker.Transport(group) }
	suite.Run(t, s)
}

func TestBroker(t *testing.T) {
	t.Run("publish without subscribers is dropped", func(t *testing.T) {
		b := memory.NewBroker(memory.Config{})
		defer b.Close()

		err := b.Transport("g").Publish(context.Background(), "nobody", mediatx.NewEnvelope(mediatx.KindNotification, "x"))
		assert.NoError(t, err)
	})

	t.Run("full buffer times out", func(t *testing.T) {
		b := memory.NewBroker(memory.Config{BufferSize: 1, SendTimeout: 20 * time.Millisecond})
		defer b.Close()
		tr := b.Transport("g")

		block := make(chan struct{})
		defer close(block)
		_, err := tr.Subscribe(context.Background(), "slow", func(context.Context, []byte) error {
			<-block
			return nil
		})
		require.NoError(t, err)

		var last error
		for range 4 {
			if last = tr.Publish(context.Background(), "slow", mediatx.NewEnvelope(mediatx.KindNotification, "x")); last != nil {
				break
			}
		}
		assert.ErrorIs(t, last, memory.ErrSendTimeout)
	})

	t.Run("closed broker rejects operations", func(t *testing.T) {
		b := memory.NewBroker(memory.Config{})
		tr := b.Transport("g")
		require.NoError(t, b.Close())

		err := tr.Publish(context.Background(), "c", mediatx.NewEnvelope(mediatx.KindNotification, "x"))
		assert.True(t, errors.Is(err, memory.ErrBrokerClosed))

		_, err = tr.Subscribe(context.Background(), "c", func(context.Context, []byte) error { return nil })
		assert.ErrorIs(t, err, memory.ErrBrokerClosed)

		assert.ErrorIs(t, b.Close(), memory.ErrBrokerClosed)
	})

	t.Run("subscription ends with its context", func(t *testing.T) {
		b := memory.NewBroker(memory.Config{})
		defer b.Close()
		tr := b.Transport("g")

		ctx, cancel := context.WithCancel(context.Background())
		sub, err := tr.Subscribe(ctx, "c", func(context.Context, []byte) error { return nil })
		require.NoError(t, err)
		cancel()

		done := make(chan struct{})
		go func() {
			_ = sub.Unsubscribe()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Unsubscribe did not return after context cancel")
		}
	})
}
