// Package app wires the voxnote subsystems into a running application.
//
// The App owns the full lifecycle: New builds the live client, audio devices,
// playback scheduler, note board and orchestrator from the config; Run starts
// the session and the optional status server and blocks until the context is
// cancelled or the session ends; Shutdown tears everything down.
//
// For testing, inject doubles via functional options (WithTransport,
// WithCapture, WithSink, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxnote/internal/config"
	"github.com/MrWong99/voxnote/internal/health"
	"github.com/MrWong99/voxnote/internal/notes"
	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/orchestrator"
	"github.com/MrWong99/voxnote/pkg/audio"
	"github.com/MrWong99/voxnote/pkg/audio/playback"
	"github.com/MrWong99/voxnote/pkg/audio/portaudio"
	"github.com/MrWong99/voxnote/pkg/live"
)

// shutdownGrace bounds the status server's graceful shutdown.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	tr       orchestrator.Transport
	capture  audio.CaptureSource
	sink     playback.Sink
	notesOut io.Writer
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar

	board  *notes.Board
	sched  *playback.Scheduler
	orch   *orchestrator.Orchestrator
	status http.Handler

	mu       sync.Mutex
	listener net.Listener
	watcher  *config.Watcher

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a live transport instead of a [live.Client].
func WithTransport(tr orchestrator.Transport) Option {
	return func(a *App) { a.tr = tr }
}

// WithCapture injects a capture source instead of the default microphone.
func WithCapture(c audio.CaptureSource) Option {
	return func(a *App) { a.capture = c }
}

// WithSink injects a playback sink instead of the default output device.
func WithSink(s playback.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithNotesOutput sets where note updates are written. Default: stdout.
func WithNotesOutput(w io.Writer) Option {
	return func(a *App) { a.notesOut = w }
}

// WithMetrics injects the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets config reloads change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App from cfg. The session is not started until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.notesOut == nil {
		a.notesOut = os.Stdout
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	ac := cfg.Audio
	if a.tr == nil {
		a.tr = live.New(
			live.WithBaseURL(cfg.Live.BaseURL),
			live.WithAPIVersion(cfg.Live.APIVersion),
			live.WithCredentials(config.Credentials(cfg.Live)),
			live.WithChunkBytes(ac.ChunkBytes),
			live.WithSendInterval(ac.SendInterval),
			live.WithPendingLimit(ac.PendingFrameLimit),
			live.WithCaptureRate(ac.CaptureSampleRate),
		)
	}
	if a.capture == nil {
		a.capture = portaudio.NewCapture(ac.CaptureSampleRate, ac.DeviceBufferFrames)
	}
	if a.sink == nil {
		a.sink = portaudio.NewSink(ac.PlaybackSampleRate, ac.DeviceBufferFrames)
	}
	if rate := a.capture.SampleRate(); rate != ac.CaptureSampleRate {
		return nil, fmt.Errorf("app: capture source runs at %d Hz, config wants %d Hz", rate, ac.CaptureSampleRate)
	}

	a.board = notes.NewBoard(a.notesOut)
	a.sched = playback.New(a.sink,
		playback.WithLeadTime(ac.LeadTime),
		playback.WithLookAhead(ac.LookAhead),
		playback.WithPollInterval(ac.PollInterval),
		playback.WithHardStop(ac.HardStopOnInterrupt),
	)
	a.orch = orchestrator.New(a.tr, a.capture, a.sched, cfg.Live.SessionConfig(),
		orchestrator.WithTools(orchestrator.Tool{
			Declaration: notes.Declaration(),
			Handler:     a.board.Handle,
		}),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithPlaybackRate(a.sink.SampleRate()),
		orchestrator.WithFrameSamples(ac.CaptureFrameSamples),
		orchestrator.WithFlushOnStop(ac.FlushOnStop()),
		orchestrator.WithDrainTimeout(ac.DrainTimeout),
	)

	mux := http.NewServeMux()
	health.New(health.SessionChecker(a.tr.State)).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	a.status = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// Board returns the note board updated by the set_notes tool.
func (a *App) Board() *notes.Board { return a.board }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// StatusHandler serves /healthz, /readyz and /metrics.
func (a *App) StatusHandler() http.Handler { return a.status }

// StatusAddr returns the bound status server address, or "" when the
// server is not listening.
func (a *App) StatusAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// WatchConfig reloads path on change. Only the log level is applied live;
// other changes are reported and take effect on restart. Stopped by Shutdown.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.onConfigChange, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
	return nil
}

func (a *App) onConfigChange(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StatusAddrChanged || len(d.LiveChanged) > 0 || d.AudioChanged {
		slog.Warn("config changed; restart to apply",
			"status_addr", d.StatusAddrChanged,
			"live", d.LiveChanged,
			"audio", d.AudioChanged,
		)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session and, when configured, the status server. It blocks
// until ctx is cancelled (returning ctx.Err()) or the session ends on its own
// (returning the orchestrator's terminal error).
func (a *App) Run(ctx context.Context) error {
	var ln net.Listener
	if addr := a.cfg.Server.StatusAddr; addr != "" {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("app: status listener: %w", err)
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		slog.Info("status server listening", "addr", ln.Addr().String())
	}

	if err := a.orch.Start(ctx); err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		if ctx.Err() != nil {
			// Interrupted while connecting.
			return ctx.Err()
		}
		return fmt.Errorf("app: start session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if ln != nil {
		srv := &http.Server{Handler: a.status, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-a.orch.Done():
			if err := a.orch.Err(); err != nil {
				return fmt.Errorf("app: session ended: %w", err)
			}
			return nil
		}
	})

	slog.Info("app running", "session_id", a.orch.SessionID())
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the config watcher and ends the session, draining queued
// audio within ctx. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.mu.Lock()
		w := a.watcher
		a.mu.Unlock()
		if w != nil {
			w.Stop()
		}

		if err := a.orch.Stop(ctx); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
			shutdownErr = err
		}
		if _, rev := a.board.Notes(); rev > 0 {
			slog.Info("final notes", "revision", rev)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
