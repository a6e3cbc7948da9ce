package audio

import "sync"

// DefaultFrameSamples is the capture frame size: 2048 samples, 128 ms at
// 16 kHz.
const DefaultFrameSamples = 2048

// CaptureBuffer assembles sample chunks of arbitrary, device-determined
// length into frames of a fixed size. Each full frame is handed to the emit
// callback exactly once; a partial remainder is held until more samples
// arrive or [CaptureBuffer.Flush] is called.
//
// The emit callback runs while the buffer's lock is held so frames leave in
// capture order even when Push and Flush race. It must be quick and must not
// call back into the buffer. Every emitted slice is freshly allocated and
// owned by the callee.
//
// All methods are safe for concurrent use.
type CaptureBuffer struct {
	size int
	emit func([]float32)

	mu  sync.Mutex
	buf []float32
}

// NewCaptureBuffer returns a buffer that emits frames of frameSamples
// samples. A non-positive frameSamples selects [DefaultFrameSamples].
func NewCaptureBuffer(frameSamples int, emit func(frame []float32)) *CaptureBuffer {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &CaptureBuffer{
		size: frameSamples,
		emit: emit,
		buf:  make([]float32, 0, frameSamples),
	}
}

// FrameSamples returns the target frame size.
func (b *CaptureBuffer) FrameSamples() int { return b.size }

// Push appends samples and emits every frame that becomes full.
func (b *CaptureBuffer) Push(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(samples) > 0 {
		n := min(b.size-len(b.buf), len(samples))
		b.buf = append(b.buf, samples[:n]...)
		samples = samples[n:]

		if len(b.buf) == b.size {
			frame := b.buf
			b.buf = make([]float32, 0, b.size)
			b.emit(frame)
		}
	}
}

// Pending returns the number of samples held for the next frame.
func (b *CaptureBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush emits the held partial frame, if any, and reports whether a frame
// was emitted. Used at end of capture so the tail of an utterance is not
// lost.
func (b *CaptureBuffer) Flush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 {
		return false
	}
	frame := b.buf
	b.buf = make([]float32, 0, b.size)
	b.emit(frame)
	return true
}

// Reset discards any held samples without emitting them.
func (b *CaptureBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}
