// Package resilience provides reliability patterns for outbound calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State identifies the breaker's position in its open/closed cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker for calls to an external endpoint.
// It counts consecutive failures and opens after a threshold, rejecting
// calls until a timeout elapses; the first call after the timeout probes
// the endpoint and either closes the circuit or re-arms it.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing
	onChange    func(from, to State)
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before probing again.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// OnStateChange registers a hook invoked when the circuit opens or closes.
// The hook runs outside the breaker's lock. It must be set before the
// breaker is shared between goroutines.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.onChange = fn
}

// Execute runs fn when the circuit is closed or half-open and feeds the
// result back into the failure count. An open circuit fails fast with
// ErrCircuitOpen. A canceled context fails fast without running fn, and a
// fn error caused by cancellation is not held against the endpoint.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	from, to := b.state, b.state
	switch {
	case err == nil:
		from, to = b.onSuccess()
	case errors.Is(err, context.Canceled):
		// The caller went away; that says nothing about the endpoint.
	default:
		from, to = b.onFailure()
	}
	b.mu.Unlock()

	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
	return err
}

// State reports the current position. An elapsed open timeout reads as
// half-open without consuming the probe call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() (from, to State) {
	from = b.state
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
	return from, b.state
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() (from, to State) {
	from = b.state
	b.failures = 0
	b.state = StateClosed
	return from, b.state
}
