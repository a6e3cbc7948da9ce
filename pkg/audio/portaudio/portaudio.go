// Package portaudio binds the capture and playback contracts to the host's
// default audio devices through PortAudio.
//
// Both directions use callback streams. Capture hands every device buffer to
// the registered callback; playback renders scheduled buffers from a sample
// timeline whose position doubles as the device clock. A stream whose
// callback stops firing for [DefaultStallTimeout] is treated as a failed
// device.
package portaudio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxnote/pkg/audio"
	"github.com/MrWong99/voxnote/pkg/audio/playback"
)

// DefaultFramesPerBuffer is the device callback size when none is configured.
const DefaultFramesPerBuffer = 512

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*Capture)(nil)
	_ playback.Sink       = (*Sink)(nil)
	_ playback.Canceler   = (*Sink)(nil)
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture reads mono float samples from the default input device.
type Capture struct {
	rate            int
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
	stop   context.CancelFunc
}

// NewCapture returns a capture source for the default input device at rate Hz.
// A non-positive framesPerBuffer selects [DefaultFramesPerBuffer].
func NewCapture(rate, framesPerBuffer int) *Capture {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Capture{rate: rate, framesPerBuffer: framesPerBuffer}
}

// SampleRate implements [audio.CaptureSource].
func (c *Capture) SampleRate() int { return c.rate }

// Start implements [audio.CaptureSource]. The device is released when ctx is
// cancelled or Close is called, whichever comes first. A stalled stream is
// reported to onError as a *audio.DeviceError wrapping [ErrStalled].
func (c *Capture) Start(ctx context.Context, onSamples func([]float32), onError func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return &audio.DeviceError{Device: "capture", Op: "initialize", Err: err}
	}

	wd := newWatchdog(DefaultStallTimeout)
	// PortAudio reuses the input buffer between callbacks.
	cb := func(in []float32) {
		wd.kick()
		buf := make([]float32, len(in))
		copy(buf, in)
		onSamples(buf)
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.rate), c.framesPerBuffer, cb)
	if err != nil {
		_ = portaudio.Terminate()
		return &audio.DeviceError{Device: "capture", Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return &audio.DeviceError{Device: "capture", Op: "start", Err: err}
	}
	c.stream = stream

	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	go wd.run(ctx, func() {
		err := &audio.DeviceError{Device: "capture", Op: "read", Err: ErrStalled}
		slog.Error("portaudio: capture stalled", "timeout", DefaultStallTimeout)
		if onError != nil {
			onError(err)
		}
	})
	return nil
}

// Close implements [audio.CaptureSource]. It is idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}
	stream := c.stream
	c.stream = nil
	c.stop()

	var firstErr error
	if err := stream.Stop(); err != nil {
		firstErr = &audio.DeviceError{Device: "capture", Op: "stop", Err: err}
	}
	if err := stream.Close(); err != nil && firstErr == nil {
		firstErr = &audio.DeviceError{Device: "capture", Op: "close", Err: err}
	}
	_ = portaudio.Terminate()
	return firstErr
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink plays scheduled buffers on the default output device.
type Sink struct {
	framesPerBuffer int
	tl              *timeline

	mu     sync.Mutex
	stream *portaudio.Stream
	stop   context.CancelFunc
	failed error
}

// NewSink returns a playback sink for the default output device at rate Hz.
// A non-positive framesPerBuffer selects [DefaultFramesPerBuffer].
func NewSink(rate, framesPerBuffer int) *Sink {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Sink{framesPerBuffer: framesPerBuffer, tl: newTimeline(rate)}
}

// Open implements [playback.Sink]. The timeline restarts at zero.
func (s *Sink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return &audio.DeviceError{Device: "playback", Op: "initialize", Err: err}
	}
	s.tl.reset()
	s.failed = nil

	wd := newWatchdog(DefaultStallTimeout)
	render := func(out []float32) {
		wd.kick()
		s.tl.render(out)
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.tl.rate), s.framesPerBuffer, render)
	if err != nil {
		_ = portaudio.Terminate()
		return &audio.DeviceError{Device: "playback", Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return &audio.DeviceError{Device: "playback", Op: "start", Err: err}
	}
	s.stream = stream

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go wd.run(ctx, func() {
		slog.Error("portaudio: playback stalled", "timeout", DefaultStallTimeout)
		s.mu.Lock()
		s.failed = &audio.DeviceError{Device: "playback", Op: "write", Err: ErrStalled}
		s.mu.Unlock()
	})
	return nil
}

// Now implements [playback.Sink]: the duration of audio rendered so far.
func (s *Sink) Now() time.Duration { return s.tl.now() }

// SampleRate implements [playback.Sink].
func (s *Sink) SampleRate() int { return s.tl.rate }

// Schedule implements [playback.Sink]. Once the output stream has stalled
// every call fails with a *audio.DeviceError wrapping [ErrStalled].
func (s *Sink) Schedule(samples []float32, at time.Duration) error {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed != nil {
		return failed
	}
	s.tl.schedule(samples, at)
	return nil
}

// CancelScheduled implements [playback.Canceler].
func (s *Sink) CancelScheduled() { s.tl.cancel() }

// Close implements [playback.Sink]. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream = nil
	s.stop()

	var firstErr error
	if err := stream.Stop(); err != nil {
		firstErr = &audio.DeviceError{Device: "playback", Op: "stop", Err: err}
	}
	if err := stream.Close(); err != nil && firstErr == nil {
		firstErr = &audio.DeviceError{Device: "playback", Op: "close", Err: err}
	}
	_ = portaudio.Terminate()
	s.tl.cancel()
	return firstErr
}
