// Package orchestrator runs one live voice session end to end.
//
// An [Orchestrator] wires the three halves of a call together:
//
//   - capture: microphone chunks are cut into fixed frames by an
//     [audio.CaptureBuffer], encoded as PCM16 and handed to the transport;
//   - playback: inbound model audio is decoded, resampled to the playback
//     rate when needed, and enqueued on a [Player];
//   - control: interruptions flush playback and tool calls are dispatched to
//     registered [Tool] handlers whose results go back to the model.
//
// One Orchestrator serves one call at a time. It may be started again after
// it has stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/resilience"
	"github.com/MrWong99/voxnote/pkg/audio"
	"github.com/MrWong99/voxnote/pkg/audio/playback"
	"github.com/MrWong99/voxnote/pkg/live"
)

var (
	// ErrRunning is returned by Start while a session is active.
	ErrRunning = errors.New("orchestrator: session already running")

	// ErrNotRunning is returned by Stop when no session is active.
	ErrNotRunning = errors.New("orchestrator: no active session")

	// ErrRemoteClosed is the terminal error of a session whose connection
	// was closed by the far end.
	ErrRemoteClosed = errors.New("orchestrator: connection closed by remote")
)

// Transport is the live session surface the orchestrator drives. It is
// satisfied by [*live.Client].
type Transport interface {
	Connect(ctx context.Context, cfg live.SessionConfig) error
	Disconnect() error
	State() live.ConnectionState
	Stats() live.Stats

	SendAudioFrame(frame audio.AudioFrame) error
	FlushAudio()
	Drain(ctx context.Context) error
	SendToolResponse(responses ...live.ToolResponse) error

	OnLog(fn func(live.LogEntry)) func()
	OnSetupComplete(fn func()) func()
	OnToolCall(fn func([]live.ToolCall)) func()
	OnInterrupted(fn func()) func()
	OnTurnComplete(fn func()) func()
	OnAudio(fn func(live.Audio)) func()
	OnContent(fn func(string)) func()
	OnTranscript(fn func(live.Transcript)) func()
	OnClosed(fn func(error)) func()
}

// Player renders decoded mono frames. It is satisfied by
// [*playback.Scheduler]. onError receives device failures detected after
// Start returned.
type Player interface {
	Start(onError func(error)) error
	Stop() error
	Enqueue(samples []float32) error
	Flush()
}

var (
	_ Transport = (*live.Client)(nil)
	_ Player    = (*playback.Scheduler)(nil)
)

// ToolHandler executes one tool call. The returned map is sent back to the
// model as the function response. A non-nil error is reported to the model
// as {"error": err.Error()}.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool couples a function declaration with its handler.
type Tool struct {
	Declaration live.FunctionDeclaration
	Handler     ToolHandler
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithTools registers tool handlers. A tool whose name is missing from the
// session's declarations is declared automatically.
func WithTools(tools ...Tool) Option {
	return func(o *Orchestrator) {
		for _, t := range tools {
			o.tools[t.Declaration.Name] = t
		}
	}
}

// WithToolBreaker tunes the circuit breaker placed in front of every tool
// handler. A tool whose breaker is open is answered with an error without
// running the handler.
func WithToolBreaker(opts ...resilience.Option) Option {
	return func(o *Orchestrator) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPlaybackRate sets the rate the Player expects. Inbound audio at any
// other rate is resampled.
func WithPlaybackRate(rate int) Option {
	return func(o *Orchestrator) {
		if rate > 0 {
			o.playbackRate = rate
		}
	}
}

// WithFrameSamples sets the capture frame size.
func WithFrameSamples(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.frameSamples = n
		}
	}
}

// WithFlushOnStop controls whether the trailing partial capture frame is
// sent when the session stops. Enabled by default.
func WithFlushOnStop(enabled bool) Option {
	return func(o *Orchestrator) { o.flushOnStop = enabled }
}

// WithDrainTimeout bounds how long Stop waits for queued audio to be sent.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.drainTimeout = d
		}
	}
}

// WithTranscriptHandler receives model text and transcriptions. By default
// they are logged.
func WithTranscriptHandler(fn func(live.Transcript)) Option {
	return func(o *Orchestrator) { o.onTranscript = fn }
}

// Orchestrator composes a [Transport], an [audio.CaptureSource] and a
// [Player] into a running session. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	tr      Transport
	capture audio.CaptureSource
	player  Player
	cfg     live.SessionConfig
	tools   map[string]Tool
	metrics *observe.Metrics

	breakers    map[string]*resilience.Breaker
	breakerOpts []resilience.Option

	playbackRate int
	frameSamples int
	flushOnStop  bool
	drainTimeout time.Duration
	onTranscript func(live.Transcript)

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	mu        sync.Mutex
	running   bool
	stopping  bool
	starting  bool
	halt      context.CancelFunc // cancels an in-flight Start
	startErr  error              // terminal event seen before Start finished
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	buf       *audio.CaptureBuffer
	unsubs    []func()
	unobserve func() error
	done      chan struct{}
	err       error

	captured    int // samples sent this session; guarded by the capture buffer
	tasks       sync.WaitGroup
	toolsClosed bool
}

// New creates an Orchestrator. cfg is the handshake sent on every Start.
func New(tr Transport, capture audio.CaptureSource, player Player, cfg live.SessionConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tr:           tr,
		capture:      capture,
		player:       player,
		cfg:          cfg,
		tools:        make(map[string]Tool),
		playbackRate: audio.DefaultPlaybackRate,
		frameSamples: audio.DefaultFrameSamples,
		flushOnStop:  true,
		drainTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.breakers = make(map[string]*resilience.Breaker, len(o.tools))
	for name := range o.tools {
		o.breakers[name] = resilience.NewBreaker("tool "+name, o.breakerOpts...)
	}
	o.cfg.Tools = o.declarations()
	return o
}

// declarations returns the configured declarations plus one for every
// registered tool not already declared.
func (o *Orchestrator) declarations() []live.FunctionDeclaration {
	decls := append([]live.FunctionDeclaration(nil), o.cfg.Tools...)
	declared := make(map[string]bool, len(decls))
	for _, d := range decls {
		declared[d.Name] = true
	}
	for name, t := range o.tools {
		if !declared[name] {
			decls = append(decls, t.Declaration)
		}
	}
	return decls
}

// SessionID returns the identifier of the current or last session.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// Running reports whether a session is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Done returns a channel closed when the current session ends, whether by
// Stop, remote close, or a device failure. Before the first Start it returns
// nil.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Err returns the reason the last session ended: nil after Stop or a clean
// remote close.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Start connects the transport, then starts playback and capture. Any
// failure releases everything acquired so far. A *live.ConnectError or an
// *audio.DeviceError is returned unchanged in the chain.
//
// The handshake and device start honour ctx and a concurrent Stop. Once
// Start has returned, the session no longer depends on ctx.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	startCtx, halt := context.WithCancel(observe.WithSessionID(ctx, id))
	o.id = id
	o.ctx, o.cancel = sctx, cancel
	o.err = nil
	o.stopping = false
	o.starting = true
	o.halt = halt
	o.startErr = nil
	o.toolsClosed = false
	o.captured = 0
	o.done = make(chan struct{})
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.starting = false
		o.halt = nil
		o.mu.Unlock()
		halt()
	}()

	log := observe.Logger(sctx)
	o.subscribe()

	fail := func(err error, release ...func()) error {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
		o.unsubscribe()
		cancel()
		o.metrics.RecordSession(sctx, "error")
		o.mu.Lock()
		o.err = err
		close(o.done)
		o.mu.Unlock()
		log.Error("orchestrator: start failed", "err", err)
		return err
	}

	if err := o.connect(startCtx); err != nil {
		return fail(err)
	}
	disconnect := func() { _ = o.tr.Disconnect() }

	if err := o.player.Start(o.deviceFailed); err != nil {
		return fail(fmt.Errorf("orchestrator: start playback: %w", err), disconnect)
	}
	stopPlayer := func() { _ = o.player.Stop() }

	buf := audio.NewCaptureBuffer(o.frameSamples, o.sendFrame)
	o.mu.Lock()
	o.buf = buf
	o.mu.Unlock()
	closeCapture := func() { _ = o.capture.Close() }
	if err := o.capture.Start(sctx, buf.Push, o.deviceFailed); err != nil {
		return fail(fmt.Errorf("orchestrator: start capture: %w", err), disconnect, stopPlayer, closeCapture)
	}

	// Callbacks that fired while the devices were starting were parked in
	// startErr. From here on they see running and abort instead.
	o.mu.Lock()
	cause := o.startErr
	if cause == nil && startCtx.Err() != nil {
		cause = fmt.Errorf("orchestrator: start interrupted: %w", context.Cause(startCtx))
	}
	if cause == nil {
		o.running = true
	}
	o.mu.Unlock()
	if cause != nil {
		return fail(cause, disconnect, stopPlayer, closeCapture)
	}

	unobserve, err := o.metrics.ObserveTransport(o.tr.Stats)
	if err != nil {
		log.Warn("orchestrator: transport stats unavailable", "err", err)
	}
	o.mu.Lock()
	o.unobserve = unobserve
	o.mu.Unlock()

	o.metrics.RecordSession(sctx, "ok")
	o.metrics.ActiveSessions.Add(sctx, 1)
	log.Info("session started",
		"model", o.cfg.Model,
		"capture_rate", o.capture.SampleRate(),
		"playback_rate", o.playbackRate,
		"tools", len(o.tools),
	)
	return nil
}

func (o *Orchestrator) connect(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "live.connect",
		trace.WithAttributes(attribute.String("live.model", o.cfg.Model)))
	defer span.End()

	start := time.Now()
	err := o.tr.Connect(ctx, o.cfg)
	o.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("orchestrator: connect: %w", err)
	}
	return nil
}

// Stop ends the session: capture is halted, the trailing partial frame and
// chunk are sent (unless disabled), queued audio is drained for at most the
// drain timeout, in-flight tool calls finish, and the transport disconnects
// before playback releases its device.
//
// Stop called while Start is still connecting cancels that attempt, waits for
// Start to unwind, and returns nil.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	halt := o.halt
	o.mu.Unlock()
	if halt != nil {
		halt()
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	err := o.teardown(ctx, nil)
	if halt != nil && errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// abort tears down a session that failed or was closed remotely. It runs on
// its own goroutine because it is triggered from transport callbacks.
func (o *Orchestrator) abort(cause error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if !o.running || o.stopping {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	_ = o.teardown(context.Background(), cause)
}

// teardown must be called with o.lifecycle held.
func (o *Orchestrator) teardown(ctx context.Context, cause error) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.stopping = true
	sctx, buf := o.ctx, o.buf
	o.mu.Unlock()

	log := observe.Logger(sctx)
	var errs []error

	if err := o.capture.Close(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: close capture: %w", err))
	}

	if cause == nil && o.tr.State() == live.StateOpen {
		if o.flushOnStop && buf.Flush() {
			log.Debug("orchestrator: sent trailing capture frame")
		}
		o.tr.FlushAudio()

		dctx, cancel := context.WithTimeout(ctx, o.drainTimeout)
		if err := o.tr.Drain(dctx); err != nil {
			log.Warn("orchestrator: drain incomplete", "err", err)
		}
		cancel()
	}
	buf.Reset()

	o.unsubscribe()
	o.mu.Lock()
	o.toolsClosed = true
	o.mu.Unlock()
	o.tasks.Wait()
	if err := o.tr.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: disconnect: %w", err))
	}
	if err := o.player.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: stop playback: %w", err))
	}

	o.mu.Lock()
	unobserve, cancel, done := o.unobserve, o.cancel, o.done
	o.running = false
	o.stopping = false
	o.unobserve = nil
	o.buf = nil
	o.err = cause
	o.mu.Unlock()

	if unobserve != nil {
		_ = unobserve()
	}
	cancel()
	o.metrics.ActiveSessions.Add(sctx, -1)
	close(done)

	if cause != nil {
		log.Error("session aborted", "err", cause)
	} else {
		log.Info("session stopped")
	}
	return errors.Join(errs...)
}

// ─── Capture path ────────────────────────────────────────────────────────────

// sendFrame is the CaptureBuffer emit callback. The buffer serialises calls,
// which also guards o.captured.
func (o *Orchestrator) sendFrame(samples []float32) {
	rate := o.capture.SampleRate()
	frame := audio.AudioFrame{
		Data:       audio.EncodePCM16LE(samples),
		SampleRate: rate,
		Channels:   1,
		Timestamp:  audio.SamplesDuration(o.captured, rate),
	}
	o.captured += len(samples)

	if err := o.tr.SendAudioFrame(frame); err != nil {
		slog.Debug("orchestrator: capture frame not sent", "err", err)
		return
	}
	o.metrics.FramesCaptured.Add(context.Background(), 1)
}

// ─── Inbound events ──────────────────────────────────────────────────────────

func (o *Orchestrator) subscribe() {
	unsubs := []func(){
		o.tr.OnLog(o.handleLog),
		o.tr.OnSetupComplete(func() { observe.Logger(o.sessionCtx()).Info("setup complete") }),
		o.tr.OnToolCall(o.handleToolCalls),
		o.tr.OnInterrupted(o.handleInterrupted),
		o.tr.OnTurnComplete(o.handleTurnComplete),
		o.tr.OnAudio(o.handleAudio),
		o.tr.OnContent(func(text string) {
			o.transcript(live.Transcript{Source: live.TranscriptOutput, Text: text})
		}),
		o.tr.OnTranscript(o.transcript),
		o.tr.OnClosed(o.handleClosed),
	}
	o.mu.Lock()
	o.unsubs = unsubs
	o.mu.Unlock()
}

func (o *Orchestrator) unsubscribe() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (o *Orchestrator) sessionCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

func (o *Orchestrator) handleLog(e live.LogEntry) {
	log := observe.Logger(o.sessionCtx())
	if e.Err != nil {
		log.Log(context.Background(), e.Level, e.Message, "err", e.Err)
		return
	}
	log.Log(context.Background(), e.Level, e.Message)
}

func (o *Orchestrator) handleAudio(a live.Audio) {
	ctx := o.sessionCtx()
	samples, err := audio.DecodePCM16LE(a.Data)
	if err != nil {
		observe.Logger(ctx).Warn("orchestrator: dropping malformed audio", "mime_type", a.MIMEType, "err", err)
		o.metrics.RecordAudioDropped(ctx, "malformed")
		return
	}
	if rate, ok := audio.ParsePCMRate(a.MIMEType); ok && rate != o.playbackRate {
		samples = audio.Resample(samples, rate, o.playbackRate)
	}

	if err := o.player.Enqueue(samples); err != nil {
		switch {
		case errors.Is(err, playback.ErrEmptyFrame):
			o.metrics.RecordAudioDropped(ctx, "empty")
		case errors.Is(err, audio.ErrDevice):
			o.deviceFailed(err)
		default:
			observe.Logger(ctx).Debug("orchestrator: audio not enqueued", "err", err)
			o.metrics.RecordAudioDropped(ctx, "not_playing")
		}
		return
	}
	o.metrics.FramesPlayed.Add(ctx, 1)
}

func (o *Orchestrator) handleInterrupted() {
	ctx := o.sessionCtx()
	o.player.Flush()
	o.metrics.Interruptions.Add(ctx, 1)
	observe.Logger(ctx).Debug("orchestrator: interrupted, playback flushed")
}

func (o *Orchestrator) handleTurnComplete() {
	ctx := o.sessionCtx()
	o.metrics.TurnsCompleted.Add(ctx, 1)
	observe.Logger(ctx).Debug("orchestrator: turn complete")
}

func (o *Orchestrator) transcript(tr live.Transcript) {
	if o.onTranscript != nil {
		o.onTranscript(tr)
		return
	}
	observe.Logger(o.sessionCtx()).Info("transcript", "source", string(tr.Source), "text", tr.Text)
}

func (o *Orchestrator) handleClosed(err error) {
	cause := ErrRemoteClosed
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrRemoteClosed, err)
	}
	o.terminate(cause)
}

// deviceFailed is the error callback handed to the capture source and the
// player.
func (o *Orchestrator) deviceFailed(err error) {
	observe.Logger(o.sessionCtx()).Error("orchestrator: audio device failed", "err", err)
	o.terminate(err)
}

// terminate ends the session because of cause. A running session is aborted
// on a new goroutine, since callers are device or transport callbacks. While
// Start is in progress the first cause is parked for Start to fail with.
func (o *Orchestrator) terminate(cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.running && !o.stopping:
		go o.abort(cause)
	case o.starting && o.startErr == nil:
		o.startErr = cause
	}
}

// ─── Tools ───────────────────────────────────────────────────────────────────

// handleToolCalls dispatches a batch off the receive loop so slow handlers
// do not stall inbound audio. Results for the batch are sent together.
func (o *Orchestrator) handleToolCalls(calls []live.ToolCall) {
	o.mu.Lock()
	if o.toolsClosed || o.ctx == nil {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	o.tasks.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.tasks.Done()
		var responses []live.ToolResponse
		for _, call := range calls {
			if resp, ok := o.runTool(ctx, call); ok {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return
		}
		if err := o.tr.SendToolResponse(responses...); err != nil {
			observe.Logger(ctx).Warn("orchestrator: tool response not sent", "calls", len(responses), "err", err)
		}
	}()
}

// runTool invokes the handler registered for call.Name. Unknown tools are
// logged and produce no response.
func (o *Orchestrator) runTool(ctx context.Context, call live.ToolCall) (live.ToolResponse, bool) {
	tool, ok := o.tools[call.Name]
	if !ok || tool.Handler == nil {
		observe.Logger(ctx).Warn("orchestrator: ignoring call to unknown tool", "tool", call.Name, "call_id", call.ID)
		o.metrics.RecordToolCall(ctx, call.Name, "unknown")
		return live.ToolResponse{}, false
	}

	ctx, span := observe.StartSpan(ctx, "tool "+call.Name,
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	var result map[string]any
	err := o.breakers[call.Name].Do(func() error {
		start := time.Now()
		var herr error
		result, herr = tool.Handler(ctx, call.Args)
		o.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", call.Name)))
		return herr
	})

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrOpen):
		status = "rejected"
		span.SetStatus(codes.Error, "breaker open")
		observe.Logger(ctx).Warn("orchestrator: tool disabled after repeated failures", "tool", call.Name)
		result = map[string]any{"error": "tool temporarily unavailable"}
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("orchestrator: tool failed", "tool", call.Name, "err", err)
		result = map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}
	o.metrics.RecordToolCall(ctx, call.Name, status)
	return live.ToolResponse{ID: call.ID, Name: call.Name, Response: result}, true
}
