// Package resilience guards calls into code that may keep failing, such as
// tool handlers invoked by the model.
//
// A [Breaker] counts consecutive failures. Once the limit is hit it opens and
// rejects calls until a cooldown passes, then lets a single trial call through:
// success closes it again, failure restarts the cooldown.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state's name as used in logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
)

// Option configures a [Breaker].
type Option func(*Breaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithCooldown sets how long an open breaker rejects calls before trying.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trying   bool
}

// NewBreaker returns a closed breaker. name labels its log lines.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:        name,
		maxFailures: DefaultMaxFailures,
		cooldown:    DefaultCooldown,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn unless the breaker is open, in which case it returns [ErrOpen]
// without calling fn. The error from fn is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn()
	b.release(trial, err)
	return err
}

// State reports the current state. An open breaker whose cooldown has passed
// reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trying = false
}

func (b *Breaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		slog.Info("resilience: breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		// One trial at a time.
		if b.trying {
			return false, ErrOpen
		}
		b.trying = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trying = false
		if err != nil {
			b.trip()
			return
		}
		b.state = StateClosed
		b.failures = 0
		slog.Info("resilience: breaker closed", "name", b.name)
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.trip()
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("resilience: breaker opened", "name", b.name, "consecutive_failures", b.failures)
}
