package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/transport/redis"
	"github.com/bjaus/mediatx/transport/transporttest"
)

type RedisSuite struct {
	transporttest.Suite
	mr     *miniredis.Miniredis
	client *goredis.Client
}

func (s *RedisSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = goredis.NewClient(&goredis.Options{Addr: s.mr.Addr()})
}

func (s *RedisSuite) TearDownTest() {
	_ = s.client.Close()
}

func TestRedisTransport(t *testing.T) {
	s := &RedisSuite{}
	s.Competing = true
	s.Wait = 2 * time.Second
	s.New = func(group string) mediatx.Transport {
		tr, err := redis.New(s.client, redis.Config{Group: group, Block: 50 * time.Millisecond})
		s.Require().NoError(err)
		return tr
	}
	suite.Run(t, s)
}

func TestNew(t *testing.T) {
	_, err := redis.New(nil, redis.Config{})
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	tr, err := redis.New(client, redis.Config{Group: "g", MaxLen: 100})
	require.NoError(t, err)
	defer tr.Close()

	env := mediatx.NewEnvelope(mediatx.KindRequest, "orders.Place")
	env.CorrelationID = "c-1"
	require.NoError(t, tr.Publish(ctx, "mediatx.request.orders.Place", env))

	entries, err := client.XRange(ctx, "mediatx.request.orders.Place", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "orders.Place", values[redis.FieldType])
	assert.Equal(t, "request", values[redis.FieldKind])
	assert.Equal(t, "c-1", values[redis.FieldCorrelationID])

	got, err := mediatx.DecodeEnvelope([]byte(values[redis.FieldPayload].(string)))
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
}

func TestSubscribeAcks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	tr, err := redis.New(client, redis.Config{Group: "g", Block: 50 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	got := make(chan struct{}, 1)
	_, err = tr.Subscribe(ctx, "s", func(context.Context, []byte) error {
		got <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "s", mediatx.NewEnvelope(mediatx.KindNotification, "e")))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("entry not delivered")
	}

	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "s", "g").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}
