package portaudio

import (
	"context"
	"testing"
	"time"
)

func TestWatchdog_FiresWithoutKicks(t *testing.T) {
	t.Parallel()
	w := newWatchdog(20 * time.Millisecond)

	stalled := make(chan struct{})
	go w.run(context.Background(), func() { close(stalled) })

	select {
	case <-stalled:
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestWatchdog_KicksKeepItQuiet(t *testing.T) {
	t.Parallel()
	w := newWatchdog(200 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	stalled := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(ctx, func() { stalled <- struct{}{} })
	}()

	for range 30 {
		w.kick()
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	select {
	case <-stalled:
		t.Fatal("watchdog fired while the stream was alive")
	default:
	}
}
