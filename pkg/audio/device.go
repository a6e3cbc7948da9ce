// Package audio holds the sample-level building blocks of a live voice call:
// the PCM16 codec, the capture frame buffer, sample-rate helpers, and the
// device contracts that platform adapters implement.
//
// The primary abstractions are:
//
//   - [CaptureSource]: a microphone that delivers float sample chunks via
//     callback.
//   - [CaptureBuffer]: batches those chunks into fixed-size frames.
//   - [AudioFrame]: encoded PCM16 frames handed to the live transport.
//
// The playback half lives in the playback sub-package. Device adapters live
// in sub-packages such as audio/portaudio.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrDevice is matched by every [DeviceError] via errors.Is.
var ErrDevice = errors.New("audio: device error")

// DeviceError reports that a capture or playback device could not be opened,
// started, or kept running. It is fatal to the affected half of the session.
type DeviceError struct {
	// Device names the failing half: "capture" or "playback".
	Device string

	// Op is the operation that failed (e.g. "open", "start").
	Op string

	// Err is the underlying driver error.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s device: %s: %v", e.Device, e.Op, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *DeviceError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDevice].
func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// CaptureSource is a microphone (or any other live sample source).
//
// Start acquires the device and begins delivering mono float samples in
// [-1, 1] at the source's configured sample rate. onSamples is called from
// the audio subsystem's own thread with chunks of arbitrary length; it must
// return quickly. The slice is only valid for the duration of the call.
//
// onError, which may be nil, is called at most once per Start when the
// device fails after Start returned, typically with a [*DeviceError]. No
// samples are delivered after it.
//
// Close stops delivery and releases the device. It is idempotent and safe to
// call even when Start failed or was never called.
type CaptureSource interface {
	Start(ctx context.Context, onSamples func(samples []float32), onError func(error)) error
	SampleRate() int
	Close() error
}
