package mediatx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Pending is the caller's handle on an outstanding remote request. It
// completes exactly once: with a reply payload, a rejection, a timeout or a
// cancellation, whichever happens first.
type Pending struct {
	id       string
	deadline time.Time
	owner    *Correlations
	timer    *time.Timer

	once    sync.Once
	done    chan struct{}
	payload json.RawMessage
	err     error
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.id }

// Deadline returns when the entry times out. It is zero for entries
// registered without a timeout.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the entry completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	return p.payload, p.err
}

// Wait blocks until the entry completes or ctx ends. When ctx ends first the
// entry is deregistered and ctx.Err() is returned; a reply that arrives
// later is dropped.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		if p.owner != nil && !p.owner.Cancel(p.id) {
			// Completed concurrently; the result wins over the cancellation.
			<-p.done
			return p.payload, p.err
		}
		return nil, ctx.Err()
	}
}

func (p *Pending) complete(payload json.RawMessage, err error) bool {
	completed := false
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// Correlations tracks in-flight remote requests by correlation id.
// All methods are safe for concurrent use.
type Correlations struct {
	mu      sync.Mutex
	pending map[string]*Pending
	closed  bool

	sweep    time.Duration
	now      func() time.Time
	onChange func(n int)
}

// CorrelationOption configures a Correlations.
type CorrelationOption func(*Correlations)

// WithSweepInterval sets how often Serve expires overdue entries.
func WithSweepInterval(d time.Duration) CorrelationOption {
	return func(c *Correlations) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// WithPendingObserver registers fn to receive the pending count after every
// change.
func WithPendingObserver(fn func(n int)) CorrelationOption {
	return func(c *Correlations) {
		c.onChange = fn
	}
}

// NewCorrelations creates an empty correlation manager.
func NewCorrelations(opts ...CorrelationOption) *Correlations {
	c := &Correlations{
		pending: make(map[string]*Pending),
		sweep:   time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register starts tracking id. A positive timeout arms a timer that rejects
// the entry with ErrTimeout.
func (c *Correlations) Register(id string, timeout time.Duration) (*Pending, error) {
	if id == "" {
		return nil, errors.New("empty correlation id")
	}

	p := &Pending{
		id:    id,
		owner: c,
		done:  make(chan struct{}),
	}
	if timeout > 0 {
		p.deadline = c.now().Add(timeout)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}
	c.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.finish(id, nil, timeoutError(id, timeout))
		})
	}
	n := len(c.pending)
	c.mu.Unlock()

	c.changed(n)
	return p, nil
}

// Resolve completes id with a reply payload. It returns false when id is
// unknown, already completed or expired.
func (c *Correlations) Resolve(id string, payload json.RawMessage) bool {
	return c.finish(id, payload, nil)
}

// Reject completes id with err. It returns false when id is unknown,
// already completed or expired.
func (c *Correlations) Reject(id string, err error) bool {
	return c.finish(id, nil, err)
}

// Cancel deregisters id, completing it with context.Canceled.
func (c *Correlations) Cancel(id string) bool {
	return c.finish(id, nil, context.Canceled)
}

// Expire rejects every entry whose deadline is not after now and returns how
// many were expired.
func (c *Correlations) Expire(now time.Time) int {
	c.mu.Lock()
	var overdue []*Pending
	for id, p := range c.pending {
		if !p.deadline.IsZero() && !p.deadline.After(now) {
			overdue = append(overdue, p)
			delete(c.pending, id)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if len(overdue) == 0 {
		return 0
	}
	for _, p := range overdue {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.complete(nil, fmt.Errorf("%w: correlation %s passed its deadline", ErrTimeout, p.id))
	}
	c.changed(n)
	return len(overdue)
}

// Len returns the number of pending entries.
func (c *Correlations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Serve expires overdue entries until ctx ends.
func (c *Correlations) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Expire(now)
		}
	}
}

func (c *Correlations) String() string { return "mediatx-correlations" }

// Close rejects every pending entry with ErrClosed. Later registrations fail.
func (c *Correlations) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	all := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.complete(nil, ErrClosed)
	}
	c.changed(0)
}

// finish removes id and completes it. Removal happens under the lock so only
// one caller can ever complete an entry.
func (c *Correlations) finish(id string, payload json.RawMessage, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	c.changed(n)
	return p.complete(payload, err)
}

func (c *Correlations) changed(n int) {
	if c.onChange != nil {
		c.onChange(n)
	}
}

func timeoutError(id string, after time.Duration) error {
	return fmt.Errorf("%w: correlation %s after %s", ErrTimeout, id, after)
}
