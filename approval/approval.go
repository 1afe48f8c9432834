// Package approval models "ask the operator" decisions as single-resolution
// futures. A Channel holds at most one outstanding request; opening a new one
// cancels whatever was still waiting.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is how a request was resolved.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Denied    Outcome = "denied"
	Cancelled Outcome = "cancelled"
	Expired   Outcome = "expired"
)

var (
	ErrUnknownRequest  = errors.New("approval: unknown request")
	ErrAlreadyResolved = errors.New("approval: request already resolved")
	ErrClosed          = errors.New("approval: channel closed")
)

// Result is the settled state of a Pending.
type Result[V any] struct {
	Outcome Outcome
	Value   V
}

// Pending is one outstanding request. It resolves exactly once; later
// resolutions are ignored.
type Pending[S, V any] struct {
	ID        string
	Subject   S
	CreatedAt time.Time

	mu       sync.Mutex
	resolved bool
	result   Result[V]
	done     chan struct{}
	timer    *time.Timer
}

func newPending[S, V any](id string, subject S, createdAt time.Time) *Pending[S, V] {
	return &Pending[S, V]{
		ID:        id,
		Subject:   subject,
		CreatedAt: createdAt,
		done:      make(chan struct{}),
	}
}

// Resolve settles the request. It reports false if it was already settled.
func (p *Pending[S, V]) Resolve(outcome Outcome, value V) bool {
	ok, _ := p.ResolveWith(outcome, func() (V, error) { return value, nil })
	return ok
}

// ResolveWith settles the request with a value built by build. build runs only
// if the request is still open, under the request's lock, so side effects in
// it happen at most once. If build fails the request stays open.
func (p *Pending[S, V]) ResolveWith(outcome Outcome, build func() (V, error)) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false, nil
	}
	value, err := build()
	if err != nil {
		return false, err
	}

	p.resolved = true
	p.result = Result[V]{Outcome: outcome, Value: value}
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	return true, nil
}

// Cancel resolves the request as Cancelled.
func (p *Pending[S, V]) Cancel() bool {
	var zero V
	return p.Resolve(Cancelled, zero)
}

// Done is closed once the request is resolved.
func (p *Pending[S, V]) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome and whether the request has been resolved.
func (p *Pending[S, V]) Result() (Result[V], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.resolved
}

// Wait blocks until the request resolves. If ctx ends first the request is
// cancelled, which is how a dropped connection withdraws its prompt.
func (p *Pending[S, V]) Wait(ctx context.Context) Result[V] {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel()
		<-p.done
	}
	result, _ := p.Result()
	return result
}

func (p *Pending[S, V]) expireAfter(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.timer = time.AfterFunc(timeout, func() {
		var zero V
		p.Resolve(Expired, zero)
	})
}

// Options configures a Channel.
type Options struct {
	// Timeout resolves an unanswered request as Expired. Zero disables it.
	Timeout time.Duration
	Now     func() time.Time
}

// Channel serializes operator prompts for one subsystem.
type Channel[S, V any] struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	current *Pending[S, V]
	closed  bool
	prompts chan *Pending[S, V]
}

// NewChannel creates an empty channel.
func NewChannel[S, V any](opts Options) *Channel[S, V] {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Channel[S, V]{
		timeout: opts.Timeout,
		now:     now,
		prompts: make(chan *Pending[S, V], 1),
	}
}

// Open supersedes any still-pending request, resolving it Cancelled, and then
// publishes a new one. The superseded request is settled before the new one
// becomes visible.
func (c *Channel[S, V]) Open(id string, subject S) (*Pending[S, V], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.current != nil {
		c.current.Cancel()
	}

	p := newPending[S, V](id, subject, c.now())
	p.expireAfter(c.timeout)
	c.current = p

	// Only the newest prompt is worth showing; drop one nobody picked up.
	select {
	case <-c.prompts:
	default:
	}
	c.prompts <- p

	return p, nil
}

// Prompts delivers newly opened requests to the operator interface. A
// received prompt may already be resolved by the time it is shown; check
// Done before asking.
func (c *Channel[S, V]) Prompts() <-chan *Pending[S, V] {
	return c.prompts
}

// Lookup finds the most recent request by ID, resolved or not.
func (c *Channel[S, V]) Lookup(id string) (*Pending[S, V], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.ID != id {
		return nil, ErrUnknownRequest
	}
	return c.current, nil
}

// Resolve settles the request with the given ID.
func (c *Channel[S, V]) Resolve(id string, outcome Outcome, value V) error {
	p, err := c.Lookup(id)
	if err != nil {
		return err
	}
	if !p.Resolve(outcome, value) {
		return ErrAlreadyResolved
	}
	return nil
}

// Close cancels the outstanding request and refuses new ones.
func (c *Channel[S, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.current != nil {
		c.current.Cancel()
	}
}
