package portaudio

import (
	"testing"
	"time"
)

func TestTimeline_RendersContiguousSegments(t *testing.T) {
	t.Parallel()
	tl := newTimeline(1000) // 1 ms per sample

	tl.schedule([]float32{0.1, 0.1, 0.1}, 2*time.Millisecond)
	tl.schedule([]float32{0.2, 0.2}, 5*time.Millisecond)

	out := make([]float32, 8)
	tl.render(out)

	want := []float32{0, 0, 0.1, 0.1, 0.1, 0.2, 0.2, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
	if got := tl.now(); got != 8*time.Millisecond {
		t.Errorf("now = %v, want 8ms", got)
	}
}

func TestTimeline_SpansCallbacks(t *testing.T) {
	t.Parallel()
	tl := newTimeline(1000)
	tl.schedule([]float32{0.1, 0.2, 0.3, 0.4}, 0)

	a := make([]float32, 3)
	b := make([]float32, 3)
	tl.render(a)
	tl.render(b)

	if a[0] != 0.1 || a[2] != 0.3 || b[0] != 0.4 || b[1] != 0 {
		t.Fatalf("a = %v, b = %v", a, b)
	}
}

func TestTimeline_PastStartIsTrimmed(t *testing.T) {
	t.Parallel()
	tl := newTimeline(1000)
	tl.render(make([]float32, 5))

	tl.schedule([]float32{0.1, 0.2, 0.3, 0.4}, 3*time.Millisecond)
	out := make([]float32, 2)
	tl.render(out)
	if out[0] != 0.3 || out[1] != 0.4 {
		t.Fatalf("out = %v, want [0.3 0.4]", out)
	}

	// Entirely in the past.
	tl.schedule([]float32{0.9}, 0)
	tl.render(out)
	if out[0] != 0 {
		t.Fatalf("stale segment rendered: %v", out)
	}
}

func TestTimeline_Cancel(t *testing.T) {
	t.Parallel()
	tl := newTimeline(1000)
	tl.schedule([]float32{0.5, 0.5, 0.5, 0.5}, 0)

	out := make([]float32, 2)
	tl.render(out)
	tl.cancel()
	tl.render(out)
	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("cancelled audio still rendered: %v", out)
	}
}

func TestTimeline_MixesOverlap(t *testing.T) {
	t.Parallel()
	tl := newTimeline(1000)

	// A soft flush leaves the old tail playing while the next burst starts.
	tl.schedule([]float32{0.25, 0.25, 0.25, 0.25}, 0)
	tl.schedule([]float32{0.5, 0.5, 0.5}, 2*time.Millisecond)

	out := make([]float32, 6)
	tl.render(out)

	want := []float32{0.25, 0.25, 0.75, 0.75, 0.5, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestTimeline_ClipsMix(t *testing.T) {
	t.Parallel()
	tl := newTimeline(1000)
	tl.schedule([]float32{0.75, -0.75}, 0)
	tl.schedule([]float32{0.75, -0.75}, 0)

	out := make([]float32, 2)
	tl.render(out)
	if out[0] != 1 || out[1] != -1 {
		t.Fatalf("out = %v, want [1 -1]", out)
	}
}

func TestTimeline_IndexRoundTrip(t *testing.T) {
	t.Parallel()
	tl := newTimeline(24000)
	for _, n := range []int64{0, 1, 7, 2400, 24001, 1234567} {
		if got := tl.toIndex(tl.toDuration(n)); got != n {
			t.Errorf("toIndex(toDuration(%d)) = %d", n, got)
		}
	}
}
