package mediatx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

type CorrelationsSuite struct {
	suite.Suite
	c *Correlations
}

func (s *CorrelationsSuite) SetupTest() {
	s.c = NewCorrelations()
}

func (s *CorrelationsSuite) TearDownTest() {
	s.c.Close()
}

func TestCorrelationsSuite(t *testing.T) {
	suite.Run(t, new(CorrelationsSuite))
}

func (s *CorrelationsSuite) register(id string, timeout time.Duration) *Pending {
	p, err := s.c.Register(id, timeout)
	s.Require().NoError(err)
	return p
}

func (s *CorrelationsSuite) TestResolve() {
	p := s.register("a", time.Minute)
	s.Equal(1, s.c.Len())

	s.True(s.c.Resolve("a", json.RawMessage(`"pong"`)))
	<-p.Done()

	raw, err := p.Result()
	s.NoError(err)
	s.JSONEq(`"pong"`, string(raw))
	s.Equal(0, s.c.Len())
}

func (s *CorrelationsSuite) TestReject() {
	p := s.register("a", time.Minute)
	boom := errors.New("boom")

	s.True(s.c.Reject("a", boom))
	_, err := p.Wait(context.Background())
	s.ErrorIs(err, boom)
}

func (s *CorrelationsSuite) TestDuplicateResolveIsNoop() {
	p := s.register("a", time.Minute)

	s.True(s.c.Resolve("a", json.RawMessage(`1`)))
	s.False(s.c.Resolve("a", json.RawMessage(`2`)))
	s.False(s.c.Reject("a", errors.New("late")))

	raw, err := p.Wait(context.Background())
	s.NoError(err)
	s.Equal("1", string(raw))
}

func (s *CorrelationsSuite) TestUnknownIDIsNoop() {
	s.False(s.c.Resolve("nope", nil))
	s.False(s.c.Reject("nope", errors.New("x")))
	s.False(s.c.Cancel("nope"))
}

func (s *CorrelationsSuite) TestDuplicateRegistration() {
	s.register("a", time.Minute)
	_, err := s.c.Register("a", time.Minute)
	s.ErrorIs(err, ErrDuplicateCorrelation)
}

func (s *CorrelationsSuite) TestEmptyID() {
	_, err := s.c.Register("", time.Minute)
	s.Error(err)
}

func (s *CorrelationsSuite) TestTimeout() {
	start := time.Now()
	p := s.register("a", 200*time.Millisecond)

	_, err := p.Wait(context.Background())
	elapsed := time.Since(start)

	s.ErrorIs(err, ErrTimeout)
	s.GreaterOrEqual(elapsed, 200*time.Millisecond)
	s.Less(elapsed, time.Second)
	s.Equal(0, s.c.Len())

	s.False(s.c.Resolve("a", json.RawMessage(`"late"`)), "a reply after the timeout is dropped")
}

func (s *CorrelationsSuite) TestCancelDeregisters() {
	p := s.register("a", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Wait(ctx)

	s.ErrorIs(err, context.Canceled)
	s.Equal(0, s.c.Len())
	s.False(s.c.Resolve("a", json.RawMessage(`1`)))
}

func (s *CorrelationsSuite) TestExpire() {
	now := time.Now()
	s.c.now = func() time.Time { return now }

	overdue := s.register("overdue", time.Hour)
	fresh := s.register("fresh", 3*time.Hour)
	forever := s.register("forever", 0)
	s.True(forever.Deadline().IsZero())

	s.Equal(1, s.c.Expire(now.Add(2*time.Hour)))
	_, err := overdue.Wait(context.Background())
	s.ErrorIs(err, ErrTimeout)

	select {
	case <-fresh.Done():
		s.Fail("fresh entry expired early")
	default:
	}
	s.Equal(2, s.c.Len())
	s.Equal(0, s.c.Expire(now.Add(2*time.Hour)))
}

func (s *CorrelationsSuite) TestClose() {
	p := s.register("a", 0)
	s.c.Close()

	_, err := p.Wait(context.Background())
	s.ErrorIs(err, ErrClosed)

	_, err = s.c.Register("b", 0)
	s.ErrorIs(err, ErrClosed)
	s.NotPanics(s.c.Close)
}

func (s *CorrelationsSuite) TestConcurrentCorrelationsNeverCross() {
	const n = 500
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := range n {
		id := fmt.Sprintf("req-%d", i)
		p := s.register(id, 5*time.Second)

		wg.Add(2)
		go func() {
			defer wg.Done()
			raw, err := p.Wait(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if string(raw) != fmt.Sprintf("%d", i) {
				errs <- fmt.Errorf("%s received %s", id, raw)
			}
		}()
		go func() {
			defer wg.Done()
			s.c.Resolve(id, json.RawMessage(fmt.Sprintf("%d", i)))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		s.Fail(err.Error())
	}
	s.Equal(0, s.c.Len())
}

func (s *CorrelationsSuite) TestRacingCompletionsCompleteOnce() {
	for i := range 200 {
		id := fmt.Sprintf("race-%d", i)
		p := s.register(id, time.Millisecond)

		var wg sync.WaitGroup
		wins := make(chan bool, 3)
		wg.Add(3)
		go func() { defer wg.Done(); wins <- s.c.Resolve(id, json.RawMessage(`1`)) }()
		go func() { defer wg.Done(); wins <- s.c.Reject(id, errors.New("x")) }()
		go func() { defer wg.Done(); wins <- s.c.Cancel(id) }()
		wg.Wait()
		close(wins)

		<-p.Done()
		count := 0
		for w := range wins {
			if w {
				count++
			}
		}
		s.LessOrEqual(count, 1, "more than one completion won for %s", id)
	}
}

func (s *CorrelationsSuite) TestPendingObserver() {
	var (
		mu     sync.Mutex
		counts []int
	)
	c := NewCorrelations(WithPendingObserver(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}))
	defer c.Close()

	_, _ = c.Register("a", 0)
	_, _ = c.Register("b", 0)
	c.Resolve("a", nil)
	c.Cancel("b")

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]int{1, 2, 1, 0}, counts)
}

func (s *CorrelationsSuite) TestServeSweeps() {
	c := NewCorrelations(WithSweepInterval(10 * time.Millisecond))
	defer c.Close()

	past := time.Now().Add(-time.Hour)
	c.now = func() time.Time { return past }
	p, err := c.Register("a", time.Hour)
	s.Require().NoError(err)
	p.timer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		s.Fail("sweep did not expire the entry")
	}
	_, err = p.Result()
	s.ErrorIs(err, ErrTimeout)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}
