package orchestrator_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/orchestrator"
	"github.com/MrWong99/voxnote/internal/resilience"
	"github.com/MrWong99/voxnote/pkg/audio"
	audiomock "github.com/MrWong99/voxnote/pkg/audio/mock"
	"github.com/MrWong99/voxnote/pkg/audio/playback"
	"github.com/MrWong99/voxnote/pkg/live"
	livemock "github.com/MrWong99/voxnote/pkg/live/mock"
)

type harness struct {
	tr     *livemock.Client
	mic    *audiomock.CaptureSource
	sink   *audiomock.Sink
	sched  *playback.Scheduler
	reader *sdkmetric.ManualReader
	orch   *orchestrator.Orchestrator
}

func newHarness(t *testing.T, opts ...orchestrator.Option) *harness {
	t.Helper()
	return buildHarness(t, &livemock.Client{}, nil, opts...)
}

// buildHarness wires tr into the orchestrator. h.tr is only set when tr is a
// mock. A non-nil wrap decorates the scheduler before it is handed over.
func buildHarness(t *testing.T, tr orchestrator.Transport, wrap func(orchestrator.Player) orchestrator.Player, opts ...orchestrator.Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		mic:    &audiomock.CaptureSource{Rate: 16000},
		sink:   &audiomock.Sink{Rate: 24000},
		reader: reader,
	}
	// The poll timer never fires during a test; renders happen on enqueue.
	h.sched = playback.New(h.sink, playback.WithPollInterval(time.Hour))
	h.tr, _ = tr.(*livemock.Client)
	var player orchestrator.Player = h.sched
	if wrap != nil {
		player = wrap(player)
	}
	cfg := live.SessionConfig{Model: "gemini-2.0-flash-exp", Voice: "Puck"}
	h.orch = orchestrator.New(tr, h.mic, player, cfg,
		append([]orchestrator.Option{orchestrator.WithMetrics(m)}, opts...)...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.orch.Stop(context.Background()) })
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stalledEndpoint accepts TCP connections and never answers the WebSocket
// upgrade.
func stalledEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "ws://" + ln.Addr().String()
}

func stalledClient(t *testing.T) *live.Client {
	t.Helper()
	c := live.New(live.WithAPIKey("k"), live.WithBaseURL(stalledEndpoint(t)), live.WithKeepalive(0))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// closingPlayer reports a remote close while playback is being started,
// before Start has marked the session running.
type closingPlayer struct {
	orchestrator.Player
	tr *livemock.Client
}

func (p closingPlayer) Start(onError func(error)) error {
	p.tr.EmitClosed(errors.New("connection reset"))
	return p.Player.Start(onError)
}

func pcm(n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.EncodePCM16LE(samples)
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestStart_ConnectsThenStartsDevices(t *testing.T) {
	h := newHarness(t, orchestrator.WithTools(orchestrator.Tool{
		Declaration: live.FunctionDeclaration{Name: "set_notes"},
		Handler:     func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
	}))
	h.start(t)

	if len(h.tr.ConnectCalls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(h.tr.ConnectCalls))
	}
	cfg := h.tr.ConnectCalls[0]
	if cfg.Model != "gemini-2.0-flash-exp" || len(cfg.Tools) != 1 || cfg.Tools[0].Name != "set_notes" {
		t.Errorf("session config = %+v, want model and set_notes declared", cfg)
	}
	if h.mic.CallCountStart != 1 || h.sink.CallCountOpen != 1 {
		t.Errorf("capture starts = %d, sink opens = %d, want 1 each", h.mic.CallCountStart, h.sink.CallCountOpen)
	}
	if !h.orch.Running() || h.orch.SessionID() == "" {
		t.Errorf("Running = %v, SessionID = %q", h.orch.Running(), h.orch.SessionID())
	}
	if err := h.orch.Start(context.Background()); !errors.Is(err, orchestrator.ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}
	if got := h.counter(t, "voxnote.active_sessions"); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
}

func TestStart_Failures(t *testing.T) {
	deviceErr := &audio.DeviceError{Device: "playback", Op: "open", Err: errors.New("no device")}

	tests := []struct {
		name           string
		setup          func(h *harness)
		check          func(t *testing.T, err error)
		wantCapture    int
		wantDisconnect int
		wantSinkClose  int
	}{
		{
			name: "connect",
			setup: func(h *harness) {
				h.tr.ConnectErr = &live.ConnectError{Op: "credential", Err: live.ErrNoCredential}
			},
			check: func(t *testing.T, err error) {
				var ce *live.ConnectError
				if !errors.As(err, &ce) || !errors.Is(err, live.ErrNoCredential) {
					t.Errorf("err = %v, want ConnectError wrapping ErrNoCredential", err)
				}
			},
		},
		{
			name:  "playback device",
			setup: func(h *harness) { h.sink.OpenError = deviceErr },
			check: func(t *testing.T, err error) {
				if !errors.Is(err, audio.ErrDevice) {
					t.Errorf("err = %v, want ErrDevice", err)
				}
			},
			wantDisconnect: 1,
		},
		{
			name: "capture device",
			setup: func(h *harness) {
				h.mic.StartError = &audio.DeviceError{Device: "capture", Op: "open", Err: errors.New("busy")}
			},
			check: func(t *testing.T, err error) {
				var de *audio.DeviceError
				if !errors.As(err, &de) || de.Device != "capture" {
					t.Errorf("err = %v, want capture DeviceError", err)
				}
			},
			wantCapture:    1,
			wantDisconnect: 1,
			wantSinkClose:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			err := h.orch.Start(context.Background())
			if err == nil {
				t.Fatal("Start succeeded, want error")
			}
			tt.check(t, err)

			if h.mic.CallCountStart != tt.wantCapture {
				t.Errorf("capture starts = %d, want %d", h.mic.CallCountStart, tt.wantCapture)
			}
			if h.tr.CallCountDisconnect != tt.wantDisconnect {
				t.Errorf("disconnects = %d, want %d", h.tr.CallCountDisconnect, tt.wantDisconnect)
			}
			if h.sink.CallCountClose != tt.wantSinkClose {
				t.Errorf("sink closes = %d, want %d", h.sink.CallCountClose, tt.wantSinkClose)
			}
			if h.orch.Running() {
				t.Error("orchestrator running after failed Start")
			}
			select {
			case <-h.orch.Done():
			default:
				t.Error("Done not closed after failed Start")
			}
			if h.orch.Err() == nil {
				t.Error("Err() = nil after failed Start")
			}
			if got := h.counter(t, "voxnote.sessions"); got != 1 {
				t.Errorf("sessions = %d, want 1", got)
			}
		})
	}
}

func TestStop_NotRunning(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Stop(context.Background()); !errors.Is(err, orchestrator.ErrNotRunning) {
		t.Errorf("Stop = %v, want ErrNotRunning", err)
	}
}

func TestStart_HandshakeHonoursContext(t *testing.T) {
	h := buildHarness(t, stalledClient(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- h.orch.Start(ctx) }()

	select {
	case err := <-errc:
		var ce *live.ConnectError
		if !errors.As(err, &ce) {
			t.Errorf("Start = %v, want ConnectError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start ignored the caller deadline")
	}
	if h.orch.Running() {
		t.Error("running after interrupted Start")
	}
	if h.mic.CallCountStart != 0 || h.sink.CallCountOpen != 0 {
		t.Errorf("devices touched: capture starts = %d, sink opens = %d", h.mic.CallCountStart, h.sink.CallCountOpen)
	}
	select {
	case <-h.orch.Done():
	default:
		t.Error("Done not closed after interrupted Start")
	}
}

func TestStop_CancelsPendingStart(t *testing.T) {
	tr := stalledClient(t)
	h := buildHarness(t, tr, nil)

	errc := make(chan error, 1)
	go func() { errc <- h.orch.Start(context.Background()) }()
	waitFor(t, "handshake in flight", func() bool { return tr.State() == live.StateConnecting })

	stopped := make(chan error, 1)
	go func() { stopped <- h.orch.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind the handshake")
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("Start succeeded after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if h.orch.Running() {
		t.Error("running after Stop")
	}
}

func TestStart_RemoteCloseWhileStarting(t *testing.T) {
	tr := &livemock.Client{}
	h := buildHarness(t, tr, func(p orchestrator.Player) orchestrator.Player {
		return closingPlayer{Player: p, tr: tr}
	})

	err := h.orch.Start(context.Background())
	if !errors.Is(err, orchestrator.ErrRemoteClosed) {
		t.Fatalf("Start = %v, want ErrRemoteClosed", err)
	}
	if h.orch.Running() {
		t.Error("running on a closed transport")
	}
	select {
	case <-h.orch.Done():
	default:
		t.Error("Done not closed")
	}
	if !errors.Is(h.orch.Err(), orchestrator.ErrRemoteClosed) {
		t.Errorf("Err() = %v, want ErrRemoteClosed", h.orch.Err())
	}
	if h.tr.CallCountDisconnect != 1 {
		t.Errorf("disconnects = %d, want 1", h.tr.CallCountDisconnect)
	}
	if !h.mic.Closed() || h.sink.CallCountClose != 1 {
		t.Errorf("devices not released: capture closed = %v, sink closes = %d", h.mic.Closed(), h.sink.CallCountClose)
	}
	if got := h.counter(t, "voxnote.active_sessions"); got != 0 {
		t.Errorf("active_sessions = %d, want 0", got)
	}
}

// ─── Capture path ────────────────────────────────────────────────────────────

func TestCapture_FramesAndTail(t *testing.T) {
	tests := []struct {
		name        string
		flushOnStop bool
		wantFrames  []int // bytes per frame
	}{
		{"flush tail", true, []int{4096, 4096, 1808}},
		{"drop tail", false, []int{4096, 4096}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, orchestrator.WithFlushOnStop(tt.flushOnStop))
			if err := h.orch.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}

			// 5000 samples in uneven device chunks: two full frames, 904 held.
			for _, n := range []int{1000, 3000, 1000} {
				if !h.mic.Emit(make([]float32, n)) {
					t.Fatal("capture callback not registered")
				}
			}
			if got := len(h.tr.Frames()); got != 2 {
				t.Fatalf("frames before stop = %d, want 2", got)
			}

			if err := h.orch.Stop(context.Background()); err != nil {
				t.Fatalf("Stop: %v", err)
			}

			frames := h.tr.Frames()
			if len(frames) != len(tt.wantFrames) {
				t.Fatalf("frames = %d, want %d", len(frames), len(tt.wantFrames))
			}
			for i, f := range frames {
				if len(f.Data) != tt.wantFrames[i] {
					t.Errorf("frame %d bytes = %d, want %d", i, len(f.Data), tt.wantFrames[i])
				}
				if f.SampleRate != 16000 || f.Channels != 1 {
					t.Errorf("frame %d format = %d Hz x %d", i, f.SampleRate, f.Channels)
				}
				if want := time.Duration(i) * 128 * time.Millisecond; f.Timestamp != want {
					t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
				}
			}

			if h.tr.CallCountFlushAudio != 1 || h.tr.CallCountDrain != 1 || h.tr.CallCountDisconnect != 1 {
				t.Errorf("flush=%d drain=%d disconnect=%d, want 1 each",
					h.tr.CallCountFlushAudio, h.tr.CallCountDrain, h.tr.CallCountDisconnect)
			}
			if !h.mic.Closed() || h.sink.CallCountClose != 1 {
				t.Errorf("capture closed = %v, sink closes = %d", h.mic.Closed(), h.sink.CallCountClose)
			}
			select {
			case <-h.orch.Done():
			default:
				t.Error("Done not closed after Stop")
			}
			if err := h.orch.Err(); err != nil {
				t.Errorf("Err() = %v, want nil", err)
			}
		})
	}
}

// ─── Playback path ───────────────────────────────────────────────────────────

func TestAudio_Enqueued(t *testing.T) {
	tests := []struct {
		name        string
		mimeType    string
		samples     int
		wantSamples int
	}{
		{"native rate", "audio/pcm;rate=24000", 480, 480},
		{"resampled", "audio/pcm;rate=16000", 320, 480},
		{"no rate", "audio/pcm", 240, 240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t)

			h.tr.EmitAudio(live.Audio{Data: pcm(tt.samples), MIMEType: tt.mimeType})

			calls := h.sink.ScheduleCalls()
			if len(calls) != 1 {
				t.Fatalf("scheduled = %d, want 1", len(calls))
			}
			if got := len(calls[0].Samples); got != tt.wantSamples {
				t.Errorf("samples = %d, want %d", got, tt.wantSamples)
			}
			if calls[0].At != playback.DefaultLeadTime {
				t.Errorf("start = %v, want %v", calls[0].At, playback.DefaultLeadTime)
			}
			if got := h.counter(t, "voxnote.audio.frames.played"); got != 1 {
				t.Errorf("frames.played = %d, want 1", got)
			}
		})
	}
}

func TestAudio_MalformedDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.tr.EmitAudio(live.Audio{Data: []byte{1, 2, 3}, MIMEType: "audio/pcm;rate=24000"})

	if got := len(h.sink.ScheduleCalls()); got != 0 {
		t.Errorf("scheduled = %d, want 0", got)
	}
	if st := h.sched.Stats(); st.Queued != 0 {
		t.Errorf("queued = %d, want 0", st.Queued)
	}
	if got := h.counter(t, "voxnote.audio.dropped"); got != 1 {
		t.Errorf("audio.dropped = %d, want 1", got)
	}
	if !h.orch.Running() {
		t.Error("malformed audio stopped the session")
	}
}

func TestInterrupted_FlushesPlayback(t *testing.T) {
	h := newHarness(t, orchestrator.WithPlaybackRate(24000))
	h.start(t)

	// The first frame fills the look-ahead window; the rest stay queued.
	for range 3 {
		h.tr.EmitAudio(live.Audio{Data: pcm(2400), MIMEType: "audio/pcm;rate=24000"})
	}
	if st := h.sched.Stats(); st.Queued != 2 {
		t.Fatalf("queued = %d, want 2", st.Queued)
	}

	h.sink.Set(40 * time.Millisecond)
	h.tr.EmitInterrupted()

	st := h.sched.Stats()
	if st.Queued != 0 || st.Cursor != 40*time.Millisecond {
		t.Errorf("after interrupt: queued = %d, cursor = %v; want 0, 40ms", st.Queued, st.Cursor)
	}
	if got := h.counter(t, "voxnote.playback.interruptions"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}

	// The next response starts from now plus lead, not after the abandoned one.
	h.tr.EmitAudio(live.Audio{Data: pcm(480), MIMEType: "audio/pcm;rate=24000"})
	calls := h.sink.ScheduleCalls()
	if last := calls[len(calls)-1].At; last != 140*time.Millisecond {
		t.Errorf("next frame at %v, want 140ms", last)
	}
}

// ─── Tools ───────────────────────────────────────────────────────────────────

func TestToolCalls_Dispatch(t *testing.T) {
	var (
		mu    sync.Mutex
		notes []string
	)
	setNotes := orchestrator.Tool{
		Declaration: live.FunctionDeclaration{Name: "set_notes"},
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			notes = append(notes, args["notes"].(string))
			return map[string]any{"status": "ok"}, nil
		},
	}
	failing := orchestrator.Tool{
		Declaration: live.FunctionDeclaration{Name: "lookup"},
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("index offline")
		},
	}

	h := newHarness(t, orchestrator.WithTools(setNotes, failing))
	h.start(t)

	h.tr.EmitToolCall(
		live.ToolCall{ID: "c1", Name: "set_notes", Args: map[string]any{"notes": "# Agenda"}},
		live.ToolCall{ID: "c2", Name: "unknown_tool"},
		live.ToolCall{ID: "c3", Name: "lookup"},
	)

	waitFor(t, "tool responses", func() bool { return len(h.tr.ToolResponses()) == 2 })

	resp := h.tr.ToolResponses()
	if resp[0].ID != "c1" || resp[0].Name != "set_notes" || resp[0].Response["status"] != "ok" {
		t.Errorf("response[0] = %+v", resp[0])
	}
	if resp[1].ID != "c3" || resp[1].Response["error"] != "index offline" {
		t.Errorf("response[1] = %+v", resp[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notes) != 1 || notes[0] != "# Agenda" {
		t.Errorf("set_notes invocations = %v, want exactly one", notes)
	}
	if got := h.counter(t, "voxnote.tool.calls"); got != 3 {
		t.Errorf("tool.calls = %d, want 3", got)
	}
}

func TestToolCalls_NoneMatching(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.tr.EmitToolCall(live.ToolCall{ID: "x", Name: "set_notes"})
	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(h.tr.ToolResponses()); got != 0 {
		t.Errorf("responses = %d, want 0", got)
	}
}

func TestToolCalls_BreakerRejectsAfterFailures(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	flaky := orchestrator.Tool{
		Declaration: live.FunctionDeclaration{Name: "lookup"},
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, errors.New("index offline")
		},
	}
	h := newHarness(t,
		orchestrator.WithTools(flaky),
		orchestrator.WithToolBreaker(resilience.WithMaxFailures(1), resilience.WithCooldown(time.Hour)),
	)
	h.start(t)

	h.tr.EmitToolCall(
		live.ToolCall{ID: "a", Name: "lookup"},
		live.ToolCall{ID: "b", Name: "lookup"},
	)
	waitFor(t, "tool responses", func() bool { return len(h.tr.ToolResponses()) == 2 })

	resp := h.tr.ToolResponses()
	if resp[0].Response["error"] != "index offline" {
		t.Errorf("response[0] = %+v", resp[0])
	}
	if resp[1].ID != "b" || resp[1].Response["error"] != "tool temporarily unavailable" {
		t.Errorf("response[1] = %+v", resp[1])
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

// ─── Remote close ────────────────────────────────────────────────────────────

func TestRemoteClose_EndsSession(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := h.orch.Done()

	h.tr.EmitClosed(errors.New("going away"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after remote close")
	}
	if err := h.orch.Err(); !errors.Is(err, orchestrator.ErrRemoteClosed) {
		t.Errorf("Err() = %v, want ErrRemoteClosed", err)
	}
	if h.orch.Running() {
		t.Error("still running after remote close")
	}
	if !h.mic.Closed() || h.sink.CallCountClose != 1 {
		t.Errorf("devices not released: capture closed = %v, sink closes = %d", h.mic.Closed(), h.sink.CallCountClose)
	}
	if h.tr.CallCountDrain != 0 {
		t.Errorf("drain calls = %d, want 0 on remote close", h.tr.CallCountDrain)
	}
	if got := h.counter(t, "voxnote.active_sessions"); got != 0 {
		t.Errorf("active_sessions = %d, want 0", got)
	}
}

// ─── Device failure ──────────────────────────────────────────────────────────

func TestDeviceFailure_AbortsSession(t *testing.T) {
	tests := []struct {
		name   string
		device string
		fail   func(t *testing.T, h *harness)
	}{
		{
			name:   "capture",
			device: "capture",
			fail: func(t *testing.T, h *harness) {
				if !h.mic.Fail(&audio.DeviceError{Device: "capture", Op: "read", Err: errors.New("unplugged")}) {
					t.Fatal("no capture error callback registered")
				}
			},
		},
		{
			name:   "playback",
			device: "playback",
			fail: func(t *testing.T, h *harness) {
				h.sink.FailSchedule(&audio.DeviceError{Device: "playback", Op: "write", Err: errors.New("unplugged")})
				h.tr.EmitAudio(live.Audio{Data: pcm(480), MIMEType: "audio/pcm;rate=24000"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t)
			done := h.orch.Done()

			tt.fail(t, h)

			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("session did not end after device failure")
			}
			var de *audio.DeviceError
			if err := h.orch.Err(); !errors.As(err, &de) || de.Device != tt.device {
				t.Errorf("Err() = %v, want %s DeviceError", err, tt.device)
			}
			if h.orch.Running() {
				t.Error("still running after device failure")
			}
			if !h.mic.Closed() || h.sink.CallCountClose != 1 || h.tr.CallCountDisconnect != 1 {
				t.Errorf("not released: capture closed = %v, sink closes = %d, disconnects = %d",
					h.mic.Closed(), h.sink.CallCountClose, h.tr.CallCountDisconnect)
			}
			if h.tr.CallCountDrain != 0 {
				t.Errorf("drain calls = %d, want 0 on device failure", h.tr.CallCountDrain)
			}
		})
	}
}
