package audio

import "time"

// Default sample rates for the two halves of a live call. They are
// independent: the model accepts 16 kHz input and speaks at 24 kHz.
const (
	DefaultCaptureRate  = 16000
	DefaultPlaybackRate = 24000
)

// bytesPerSample is the width of one signed 16-bit PCM sample.
const bytesPerSample = 2

// AudioFrame is a single frame of audio flowing through the pipeline.
// Frames are the atomic unit of audio transport: cut by a [CaptureBuffer],
// encoded, chunked by the live client, and on the way back decoded and
// handed to the playback scheduler.
//
// A frame is owned by exactly one pipeline stage at a time. Once passed on,
// the sender must not modify Data.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback by default).
	SampleRate int

	// Channels is 1 for every stream voxnote handles today.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleCount returns the number of samples per channel in the frame.
func (f AudioFrame) SampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (bytesPerSample * ch)
}

// Duration returns the playback duration of the frame. Zero when the sample
// rate is unset.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.SampleCount(), f.SampleRate)
}

// Valid reports whether the frame can be emitted: non-empty, even byte
// length, and a positive sample rate.
func (f AudioFrame) Valid() bool {
	return len(f.Data) > 0 && len(f.Data)%bytesPerSample == 0 && f.SampleRate > 0
}

// SamplesDuration returns the exact duration of n samples at rate Hz.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
