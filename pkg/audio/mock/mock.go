// Package mock provides in-memory mock implementations of the
// [audio.CaptureSource] and [playback.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	sink := &mock.Sink{Rate: 24000}
//	sched := playback.New(sink)
//	_ = sched.Start(nil)
//	_ = sched.Enqueue(samples)
//	sink.Advance(50 * time.Millisecond)
//	sched.Render()
//	calls := sink.ScheduleCalls()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxnote/pkg/audio"
	"github.com/MrWong99/voxnote/pkg/audio/playback"
)

// ─── CaptureSource ───────────────────────────────────────────────────────────

// CaptureSource is a mock implementation of [audio.CaptureSource].
// Set the exported Result fields before use; call [CaptureSource.Emit] to
// simulate the device delivering samples.
type CaptureSource struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to [audio.DefaultCaptureRate].
	Rate int

	// StartError is returned by Start. When set, no callback is registered.
	StartError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
	onError   func(error)
	closed    bool
}

// Start implements [audio.CaptureSource]. Records the callbacks for Emit and
// Fail.
func (c *CaptureSource) Start(_ context.Context, onSamples func([]float32), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return c.StartError
	}
	c.onSamples = onSamples
	c.onError = onError
	c.closed = false
	return nil
}

// SampleRate implements [audio.CaptureSource].
func (c *CaptureSource) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Rate <= 0 {
		return audio.DefaultCaptureRate
	}
	return c.Rate
}

// Close implements [audio.CaptureSource]. After Close, Emit is a no-op.
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	c.onSamples = nil
	c.onError = nil
	return c.CloseError
}

// Emit delivers samples to the registered callback, as a device callback
// would. It reports whether a callback was registered.
func (c *CaptureSource) Emit(samples []float32) bool {
	c.mu.Lock()
	cb := c.onSamples
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Fail reports err through the registered error callback, as a device that
// died mid-stream would, and stops further Emit delivery. It reports whether
// a callback was registered.
func (c *CaptureSource) Fail(err error) bool {
	c.mu.Lock()
	cb := c.onError
	c.onSamples = nil
	c.onError = nil
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(err)
	return true
}

// Closed reports whether Close has been called since the last Start.
func (c *CaptureSource) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the buffer passed to Schedule.
	Samples []float32
	// At is the device time the buffer was scheduled to start.
	At time.Duration
}

// Sink is a mock implementation of [playback.Sink] with a manually advanced
// clock. It also implements [playback.Canceler].
type Sink struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to [audio.DefaultPlaybackRate].
	Rate int

	// OpenError is returned by Open.
	OpenError error

	// ScheduleError is returned by Schedule. The call is still recorded.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountCancel records how many times CancelScheduled was called.
	CallCountCancel int

	now   time.Duration
	calls []ScheduleCall
}

var (
	_ playback.Sink     = (*Sink)(nil)
	_ playback.Canceler = (*Sink)(nil)
)

// Open implements [playback.Sink].
func (s *Sink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	return s.OpenError
}

// Now implements [playback.Sink]. Returns the manual clock.
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SampleRate implements [playback.Sink].
func (s *Sink) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate <= 0 {
		return audio.DefaultPlaybackRate
	}
	return s.Rate
}

// Schedule implements [playback.Sink]. Records the call.
func (s *Sink) Schedule(samples []float32, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ScheduleCall{Samples: samples, At: at})
	return s.ScheduleError
}

// FailSchedule sets ScheduleError while the sink may be in use from another
// goroutine.
func (s *Sink) FailSchedule(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScheduleError = err
}

// CancelScheduled implements [playback.Canceler].
func (s *Sink) CancelScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCancel++
}

// Close implements [playback.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Advance moves the manual clock forward by d.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Set moves the manual clock to t.
func (s *Sink) Set(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// ScheduleCalls returns a copy of all recorded Schedule calls.
func (s *Sink) ScheduleCalls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.calls))
	copy(out, s.calls)
	return out
}
