package portaudio

import (
	"sync"
	"time"
)

// segment is a buffer placed at an absolute sample index.
type segment struct {
	start   int64
	samples []float32
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

// timeline mixes scheduled segments into device buffers. Its rendered
// position is the playback clock.
type timeline struct {
	rate int

	mu       sync.Mutex
	pos      int64
	segments []segment // ordered by start
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

func (t *timeline) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = 0
	t.segments = nil
}

func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

// schedule places samples at the sample index nearest to at. Segments that
// start in the past are trimmed to the current position.
func (t *timeline) schedule(samples []float32, at time.Duration) {
	start := t.toIndex(at)

	t.mu.Lock()
	defer t.mu.Unlock()

	if start < t.pos {
		skip := t.pos - start
		if skip >= int64(len(samples)) {
			return
		}
		samples = samples[skip:]
		start = t.pos
	}
	seg := segment{start: start, samples: samples}

	i := len(t.segments)
	for i > 0 && t.segments[i-1].start > start {
		i--
	}
	t.segments = append(t.segments, segment{})
	copy(t.segments[i+1:], t.segments[i:])
	t.segments[i] = seg
}

func (t *timeline) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = nil
}

// render is the device callback. Overlapping segments are summed and the
// mix is clipped to [-1, 1]; gaps render as silence.
func (t *timeline) render(out []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.segments[:0]
	for _, seg := range t.segments {
		if seg.end() > t.pos {
			live = append(live, seg)
		}
	}
	clear(t.segments[len(live):])
	t.segments = live

	for i := range out {
		idx := t.pos + int64(i)
		var v float32
		for _, seg := range t.segments {
			if seg.start > idx {
				break
			}
			if idx < seg.end() {
				v += seg.samples[idx-seg.start]
			}
		}
		out[i] = min(max(v, -1), 1)
	}
	t.pos += int64(len(out))
}

func (t *timeline) toDuration(samples int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(samples * int64(time.Second) / int64(t.rate))
}

// toIndex rounds to the nearest sample so durations produced by toDuration
// (which truncate) map back to the same index.
func (t *timeline) toIndex(d time.Duration) int64 {
	if t.rate <= 0 {
		return 0
	}
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}
