// Package playback renders an asynchronously arriving stream of decoded audio
// frames through an output device without gaps or overlaps.
//
// The [Scheduler] owns an ordered frame queue and a cursor marking the end of
// everything already committed to the device. Frames are placed back to back
// on the device clock: frame n+1 starts exactly where frame n ends. A far-end
// interruption calls [Scheduler.Flush], which drops everything still queued
// and rewinds the cursor to "now".
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxnote/pkg/audio"
)

const (
	// DefaultLeadTime is the delay added before the first sample of a burst
	// to absorb delivery jitter.
	DefaultLeadTime = 100 * time.Millisecond

	// DefaultLookAhead bounds how far ahead of the device clock frames are
	// committed.
	DefaultLookAhead = 100 * time.Millisecond

	// DefaultPollInterval is how often the render cycle re-runs while frames
	// remain queued.
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrEmptyFrame is returned by Enqueue for frames without samples. The
	// frame is dropped; the scheduler keeps running.
	ErrEmptyFrame = errors.New("playback: empty frame")

	// ErrNotStarted is returned by Enqueue before Start or after Stop.
	ErrNotStarted = errors.New("playback: scheduler not started")
)

// Sink is an output device with its own monotonic clock.
//
// Schedule hands a mono buffer to the device to start playing at the given
// device time (the equivalent of a buffer source's start(atTime)). Buffers
// are never scheduled in the past and never overlap. An error matching
// [audio.ErrDevice] means the device is gone; any other error rejects only
// that buffer.
type Sink interface {
	Open() error
	Now() time.Duration
	SampleRate() int
	Schedule(samples []float32, at time.Duration) error
	Close() error
}

// Canceler is implemented by sinks that can discard audio that was scheduled
// but has not finished playing.
type Canceler interface {
	CancelScheduled()
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLeadTime sets the jitter buffer applied when playback starts from idle.
func WithLeadTime(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.lead = d
		}
	}
}

// WithLookAhead sets how far ahead of the device clock frames are committed.
func WithLookAhead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.lookAhead = d
		}
	}
}

// WithPollInterval sets the render timer period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithHardStop makes Flush also cancel audio already handed to the sink, if
// the sink implements [Canceler]. Without it, the buffer currently playing
// finishes naturally.
func WithHardStop(enabled bool) Option {
	return func(s *Scheduler) { s.hardStop = enabled }
}

// Scheduler queues decoded frames and commits them to a [Sink] contiguously.
//
// Enqueue never blocks on the device: it appends, renders what fits inside
// the look-ahead window, and leaves the rest to a poll timer that only runs
// while frames are queued.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	sink      Sink
	lead      time.Duration
	lookAhead time.Duration
	poll      time.Duration
	hardStop  bool

	mu      sync.Mutex
	queue   [][]float32
	started bool
	playing bool
	failed  error
	onError func(error)

	// The cursor is anchor plus the exact duration of anchored samples.
	// Counting samples instead of summing rounded durations keeps long
	// contiguous runs sample-accurate.
	anchor   time.Duration
	anchored int64

	timer *time.Timer
	gen   uint64 // invalidates ticks from timers that were stopped

	scheduled uint64
	flushed   uint64
}

// New creates a Scheduler rendering through sink. The sink is opened by
// [Scheduler.Start], not here.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:      sink,
		lead:      DefaultLeadTime,
		lookAhead: DefaultLookAhead,
		poll:      DefaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start acquires the output device. Calling Start on a started scheduler is
// a no-op.
//
// onError, which may be nil, receives a device failure hit by a render cycle
// the poll timer ran. Failures during Enqueue are returned by Enqueue. Either
// way the queue is dropped and later Enqueue calls return the same error
// until the scheduler is restarted.
func (s *Scheduler) Start(onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.sink.Open(); err != nil {
		return err
	}
	s.started = true
	s.failed = nil
	s.onError = onError
	s.resetLocked(s.sink.Now())
	return nil
}

// Stop drops all queued frames, cancels the render timer, and releases the
// output device. It is idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.onError = nil
	s.stopTimerLocked()
	s.queue = nil
	s.playing = false
	s.anchor, s.anchored = 0, 0
	return s.sink.Close()
}

// Enqueue appends a frame of mono samples at the sink's sample rate. When
// playback is idle the cursor is moved to at least now plus the lead time
// and a render cycle runs immediately.
//
// The scheduler takes ownership of samples.
func (s *Scheduler) Enqueue(samples []float32) error {
	if len(samples) == 0 {
		slog.Warn("playback: dropping empty frame")
		return ErrEmptyFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.failed != nil {
		return s.failed
	}

	s.queue = append(s.queue, samples)
	if s.playing {
		return nil
	}

	s.playing = true
	if start := s.sink.Now() + s.lead; s.cursorLocked() < start {
		s.anchor, s.anchored = start, 0
	}
	return s.renderLocked()
}

// Flush handles an interruption: the queue is cleared and the cursor is
// reset to the device's current time, so the next Enqueue starts from now
// rather than from the end of the abandoned response.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	dropped := len(s.queue)
	s.stopTimerLocked()
	s.resetLocked(s.sink.Now())
	s.flushed++

	if s.hardStop {
		if c, ok := s.sink.(Canceler); ok {
			c.CancelScheduled()
		}
	}
	slog.Debug("playback: flushed", "dropped_frames", dropped, "hard_stop", s.hardStop)
}

// Render runs one render cycle. The poll timer calls it automatically; it is
// exported for callers that drive the scheduler from their own clock. It
// returns a device failure hit while scheduling.
func (s *Scheduler) Render() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || !s.playing {
		return nil
	}
	return s.renderLocked()
}

// Stats is a snapshot of scheduler state.
type Stats struct {
	Queued    int
	Playing   bool
	Cursor    time.Duration
	Scheduled uint64
	Flushes   uint64
}

// Stats returns a snapshot of the queue and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    len(s.queue),
		Playing:   s.playing,
		Cursor:    s.cursorLocked(),
		Scheduled: s.scheduled,
		Flushes:   s.flushed,
	}
}

// renderLocked commits queued frames while the cursor lies inside the
// look-ahead window. A device failure stops playback and is returned. Must
// be called with s.mu held.
func (s *Scheduler) renderLocked() error {
	now := s.sink.Now()

	for len(s.queue) > 0 && s.cursorLocked() <= now+s.lookAhead {
		frame := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		if cursor := s.cursorLocked(); cursor < now {
			// Starved: the device clock overtook the cursor.
			s.anchor, s.anchored = now, 0
		}
		start := s.cursorLocked()
		if err := s.sink.Schedule(frame, start); err != nil {
			if errors.Is(err, audio.ErrDevice) {
				slog.Error("playback: device failed", "queued_frames", len(s.queue), "err", err)
				s.failed = err
				s.stopTimerLocked()
				s.queue = nil
				s.playing = false
				return err
			}
			slog.Warn("playback: sink rejected frame", "samples", len(frame), "at", start, "err", err)
			continue
		}
		s.anchored += int64(len(frame))
		s.scheduled++
	}

	if len(s.queue) == 0 {
		s.playing = false
		s.stopTimerLocked()
		return nil
	}
	s.armTimerLocked()
	return nil
}

// cursorLocked returns the end of all committed audio.
func (s *Scheduler) cursorLocked() time.Duration {
	rate := int64(s.sink.SampleRate())
	if rate <= 0 {
		return s.anchor
	}
	return s.anchor + time.Duration(s.anchored*int64(time.Second)/rate)
}

func (s *Scheduler) resetLocked(now time.Duration) {
	s.queue = nil
	s.playing = false
	s.anchor, s.anchored = now, 0
}

func (s *Scheduler) armTimerLocked() {
	if s.timer != nil {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.poll, func() { s.tick(gen) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// tick is the poll timer callback. onError runs after the lock is released.
func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	var err error
	if s.started && s.playing {
		err = s.renderLocked()
	}
	onError := s.onError
	s.mu.Unlock()

	if err != nil && onError != nil {
		onError(err)
	}
}
