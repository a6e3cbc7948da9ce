package portaudio

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrStalled reports that a stream stopped invoking its callback, which is
// how an unplugged or seized device shows up.
var ErrStalled = errors.New("portaudio: stream stalled")

// DefaultStallTimeout is how long a running stream may go without a
// callback before it is reported as failed.
const DefaultStallTimeout = 2 * time.Second

// watchdog fires once when kick has not been called for timeout.
type watchdog struct {
	timeout time.Duration
	last    atomic.Int64 // unix nanoseconds of the last kick
}

func newWatchdog(timeout time.Duration) *watchdog {
	w := &watchdog{timeout: timeout}
	w.kick()
	return w
}

// kick is called from the device callback.
func (w *watchdog) kick() { w.last.Store(time.Now().UnixNano()) }

// run polls until ctx ends or a stall is seen, in which case onStall runs
// once before run returns.
func (w *watchdog) run(ctx context.Context, onStall func()) {
	t := time.NewTicker(max(w.timeout/4, time.Millisecond))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(time.Unix(0, w.last.Load())) >= w.timeout {
				onStall()
				return
			}
		}
	}
}
