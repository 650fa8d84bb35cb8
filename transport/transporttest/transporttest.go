// Package transporttest holds the behaviour every mediatx.Transport must
// show, as a testify suite that adapter packages run against their own
// backend.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediatx"
)

// Factory returns a transport whose subscriptions join group. The suite
// closes it when the test ends.
type Factory func(group string) mediatx.Transport

// Suite checks delivery, consumer-group semantics and unsubscription.
type Suite struct {
	suite.Suite

	// New creates transports under test.
	New Factory

	// Competing reports whether subscriptions in one group share messages.
	// Backends without consumer groups deliver to every subscription.
	Competing bool

	// Wait bounds how long a test waits for a delivery.
	// Default: 5s.
	Wait time.Duration

	// Settle is how long a test waits to be sure nothing arrives.
	// Default: 200ms.
	Settle time.Duration
}

func (s *Suite) wait() time.Duration {
	if s.Wait == 0 {
		return 5 * time.Second
	}
	return s.Wait
}

func (s *Suite) settle() time.Duration {
	if s.Settle == 0 {
		return 200 * time.Millisecond
	}
	return s.Settle
}

func (s *Suite) transport(group string) mediatx.Transport {
	t := s.New(group)
	s.T().Cleanup(func() { _ = t.Close() })
	return t
}

func (s *Suite) channel() string {
	return "mediatx.test." + uuid.NewString()[:8]
}

func (s *Suite) TestRoundTrip() {
	ctx := context.Background()
	tr := s.transport("g1")
	channel := s.channel()
	inbox := newInbox()

	sub, err := tr.Subscribe(ctx, channel, inbox.receive)
	s.Require().NoError(err)
	s.Equal(channel, sub.Channel())

	env := mediatx.NewEnvelope(mediatx.KindRequest, "test.Ping")
	env.CorrelationID = uuid.NewString()
	env.ReplyTo = "mediatx.reply.abc"
	env.Payload = []byte(`{"n":1}`)
	s.Require().NoError(tr.Publish(ctx, channel, env))

	got := inbox.next(s.T(), s.wait())
	s.Require().NotNil(got)
	s.Equal(env.ID, got.ID)
	s.Equal(env.Type, got.Type)
	s.Equal(env.CorrelationID, got.CorrelationID)
	s.Equal(env.ReplyTo, got.ReplyTo)
	s.JSONEq(`{"n":1}`, string(got.Payload))
}

func (s *Suite) TestGroupsEachReceive() {
	ctx := context.Background()
	channel := s.channel()
	a, b := newInbox(), newInbox()

	_, err := s.transport("group-a").Subscribe(ctx, channel, a.receive)
	s.Require().NoError(err)
	_, err = s.transport("group-b").Subscribe(ctx, channel, b.receive)
	s.Require().NoError(err)

	env := mediatx.NewEnvelope(mediatx.KindNotification, "test.Event")
	s.Require().NoError(s.transport("publisher").Publish(ctx, channel, env))

	s.NotNil(a.next(s.T(), s.wait()))
	s.NotNil(b.next(s.T(), s.wait()))
}

func (s *Suite) TestGroupMembersCompete() {
	if !s.Competing {
		s.T().Skip("backend has no consumer groups")
	}
	ctx := context.Background()
	channel := s.channel()
	shared := newInbox()

	_, err := s.transport("workers").Subscribe(ctx, channel, shared.receive)
	s.Require().NoError(err)
	_, err = s.transport("workers").Subscribe(ctx, channel, shared.receive)
	s.Require().NoError(err)

	pub := s.transport("publisher")
	const n = 10
	for range n {
		s.Require().NoError(pub.Publish(ctx, channel, mediatx.NewEnvelope(mediatx.KindRequest, "test.Work")))
	}

	seen := make(map[string]int)
	for range n {
		env := shared.next(s.T(), s.wait())
		s.Require().NotNil(env)
		seen[env.ID]++
	}
	s.Len(seen, n)
	s.Nil(shared.next(s.T(), s.settle()), "a message was delivered twice within one group")
}

func (s *Suite) TestUnsubscribeStopsDelivery() {
	ctx := context.Background()
	tr := s.transport("g1")
	channel := s.channel()
	inbox := newInbox()

	sub, err := tr.Subscribe(ctx, channel, inbox.receive)
	s.Require().NoError(err)
	s.Require().NoError(sub.Unsubscribe())

	_ = s.transport("publisher").Publish(ctx, channel, mediatx.NewEnvelope(mediatx.KindNotification, "test.Event"))
	s.Nil(inbox.next(s.T(), s.settle()))
}

func (s *Suite) TestCloseIsIdempotent() {
	tr := s.New("g1")
	s.NoError(tr.Close())
	s.NotPanics(func() { _ = tr.Close() })
}

type inbox struct {
	mu  sync.Mutex
	ch  chan *mediatx.Envelope
	bad []error
}

func newInbox() *inbox {
	return &inbox{ch: make(chan *mediatx.Envelope, 64)}
}

func (i *inbox) receive(_ context.Context, raw []byte) error {
	env, err := mediatx.DecodeEnvelope(raw)
	if err != nil {
		i.mu.Lock()
		i.bad = append(i.bad, err)
		i.mu.Unlock()
		return nil
	}
	i.ch <- env
	return nil
}

// next returns the next envelope, or nil if none arrives within d.
func (i *inbox) next(t interface{ Helper() }, d time.Duration) *mediatx.Envelope {
	t.Helper()
	select {
	case env := <-i.ch:
		return env
	case <-time.After(d):
		return nil
	}
}
