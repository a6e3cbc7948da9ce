// Package live is a client for the Gemini Live BidiGenerateContent protocol.
//
// A [Client] owns one duplex WebSocket session at a time. It sends a setup
// handshake on open, streams captured PCM audio as paced realtimeInput chunks,
// and turns inbound server messages into typed events (audio, content, tool
// calls, interruptions). Event listeners are registered with the On* methods
// and called synchronously, in arrival order, from the receive goroutine.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxnote/pkg/audio"
)

const (
	DefaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	DefaultAPIVersion = "v1alpha"

	// DefaultChunkBytes is the outbound realtimeInput payload size before
	// base64: 2048 samples of 16-bit PCM.
	DefaultChunkBytes = 4096

	// DefaultSendInterval is the delay between two outbound audio chunks.
	DefaultSendInterval = 50 * time.Millisecond

	// DefaultPendingLimit bounds the number of frames held before the
	// connection opens.
	DefaultPendingLimit = 256

	DefaultKeepalive = 20 * time.Second
	keepaliveTimeout = 5 * time.Second
)

// CredentialFunc resolves the API key at connect time.
type CredentialFunc func() (string, error)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIVersion sets the API version path segment (default "v1alpha").
func WithAPIVersion(v string) Option {
	return func(c *Client) { c.apiVersion = v }
}

// WithAPIKey sets a static API key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.credential = func() (string, error) { return key, nil }
	}
}

// WithCredentials sets a function that resolves the API key on each Connect.
func WithCredentials(fn CredentialFunc) Option {
	return func(c *Client) { c.credential = fn }
}

// WithChunkBytes sets the outbound audio chunk size in bytes. Odd sizes are
// rounded down so a chunk never splits a sample.
func WithChunkBytes(n int) Option {
	return func(c *Client) {
		if n >= 2 {
			c.chunkBytes = n &^ 1
		}
	}
}

// WithSendInterval sets the delay between outbound audio chunks.
func WithSendInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.sendInterval = d
		}
	}
}

// WithPendingLimit bounds the pre-open frame queue.
func WithPendingLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pendingLimit = n
		}
	}
}

// WithCaptureRate sets the sample rate announced in outbound chunk MIME types.
func WithCaptureRate(rate int) Option {
	return func(c *Client) {
		if rate > 0 {
			c.captureRate = rate
		}
	}
}

// WithKeepalive sets the WebSocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.keepalive = d
		}
	}
}

// ── Stats ──────────────────────────────────────────────────────────────────────

// Stats are cumulative counters over the client's lifetime.
type Stats struct {
	ChunksSent      uint64
	BytesSent       uint64
	SendErrors      uint64
	FramesQueued    uint64 // held before open
	FramesDropped   uint64 // pre-open overflow or sent while closed
	MessagesDropped uint64 // unroutable inbound messages
	MalformedAudio  uint64 // inline audio that failed to decode
}

type counters struct {
	chunksSent      atomic.Uint64
	bytesSent       atomic.Uint64
	sendErrors      atomic.Uint64
	framesQueued    atomic.Uint64
	framesDropped   atomic.Uint64
	messagesDropped atomic.Uint64
	malformedAudio  atomic.Uint64
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a single-session Gemini Live client. One Client serves one
// logical call; nothing is shared between clients.
//
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	apiVersion   string
	credential   CredentialFunc
	chunkBytes   int
	sendInterval time.Duration
	pendingLimit int
	captureRate  int
	keepalive    time.Duration

	ev    events
	stats counters

	mu          sync.Mutex
	state       ConnectionState
	cfg         SessionConfig
	conn        *websocket.Conn
	ctx         context.Context // session scope, cancelled on close
	cancel      context.CancelFunc
	dialCancel  context.CancelFunc
	connectDone chan struct{}
	connectErr  error

	pending  []audio.AudioFrame // pre-open
	acc      []byte             // partial outbound chunk
	outbound [][]byte
	inflight bool
	wake     chan struct{}
	drained  chan struct{} // closed when outbound empties
}

// New creates a Client. The connection is opened by [Client.Connect].
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		apiVersion:   DefaultAPIVersion,
		credential:   func() (string, error) { return "", nil },
		chunkBytes:   DefaultChunkBytes,
		sendInterval: DefaultSendInterval,
		pendingLimit: DefaultPendingLimit,
		captureRate:  audio.DefaultCaptureRate,
		keepalive:    DefaultKeepalive,
		state:        StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		ChunksSent:      c.stats.chunksSent.Load(),
		BytesSent:       c.stats.bytesSent.Load(),
		SendErrors:      c.stats.sendErrors.Load(),
		FramesQueued:    c.stats.framesQueued.Load(),
		FramesDropped:   c.stats.framesDropped.Load(),
		MessagesDropped: c.stats.messagesDropped.Load(),
		MalformedAudio:  c.stats.malformedAudio.Load(),
	}
}

// Connect opens the WebSocket and sends exactly one setup message built from
// cfg. It returns once the transport is open; setupComplete arrives later as
// an event. Calling Connect while a dial is in flight waits for that attempt
// and returns its result; calling it while Open returns nil.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateClosing:
		c.mu.Unlock()
		return &ConnectError{Op: "dial", Err: ErrClosing}
	}

	key, err := c.credential()
	if err == nil && key == "" {
		err = ErrNoCredential
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if err != nil {
		c.mu.Unlock()
		c.logf(slog.LevelError, "no credential", err)
		return &ConnectError{Op: "credential", Err: err}
	}

	dialCtx, dialCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = StateConnecting
	c.cfg = cfg.clone()
	c.dialCancel = dialCancel
	c.connectDone = done
	c.connectErr = nil
	setup := c.cfg.setup()
	c.mu.Unlock()

	conn, err := c.dial(dialCtx, key, setup)
	dialCancel()

	c.mu.Lock()
	if c.connectDone != done {
		// Disconnect raced the dial and already settled this attempt.
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "disconnected")
		}
		return &ConnectError{Op: "dial", Err: ErrDisconnected}
	}
	if err != nil {
		// Frames queued for this attempt must not leak into the next one.
		c.state = StateClosed
		c.clearQueuesLocked()
		c.finishConnectLocked(err)
		c.mu.Unlock()
		c.logf(slog.LevelError, "connect failed", err)
		return err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.ctx = sessCtx
	c.cancel = sessCancel
	c.state = StateOpen
	c.wake = make(chan struct{}, 1)
	c.acc = c.acc[:0]
	c.outbound = nil

	// Frames captured before the socket opened go out first, in order.
	replayed := len(c.pending)
	for _, f := range c.pending {
		c.appendAudioLocked(f.Data)
	}
	c.pending = nil

	go c.receiveLoop(sessCtx, conn)
	go c.sendLoop(sessCtx, conn, c.wake)
	if c.keepalive > 0 {
		go c.keepaliveLoop(sessCtx, conn)
	}

	c.finishConnectLocked(nil)
	model := c.cfg.Model
	c.mu.Unlock()

	c.logf(slog.LevelInfo, "connection open", nil, "model", model, "replayed_frames", replayed)
	return nil
}

// dial opens the socket and writes the setup handshake.
func (c *Client) dial(ctx context.Context, key string, setup setupMessage) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiVersion, url.QueryEscape(key),
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &ConnectError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(-1)

	if err := writeJSON(ctx, conn, setup); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &ConnectError{Op: "setup", Err: err}
	}
	return conn, nil
}

func (c *Client) finishConnectLocked(err error) {
	c.connectErr = err
	c.dialCancel = nil
	if c.connectDone != nil {
		close(c.connectDone)
		c.connectDone = nil
	}
}

// Disconnect closes the session. It is idempotent and safe at any point,
// including mid-handshake and mid-send. Every queue is left empty.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		if c.dialCancel != nil {
			c.dialCancel()
		}
		c.state = StateClosed
		c.finishConnectLocked(&ConnectError{Op: "dial", Err: ErrDisconnected})
		c.clearQueuesLocked()
		c.mu.Unlock()
		return nil
	case StateOpen:
	default:
		c.clearQueuesLocked()
		c.mu.Unlock()
		return nil
	}

	c.state = StateClosing
	conn := c.conn
	c.cancel()
	c.conn = nil
	c.clearQueuesLocked()
	c.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "session closed")

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.logf(slog.LevelInfo, "connection closed", nil)
	return nil
}

func (c *Client) clearQueuesLocked() {
	if n := len(c.pending); n > 0 {
		c.stats.framesDropped.Add(uint64(n))
	}
	c.pending = nil
	c.acc = nil
	c.outbound = nil
	c.signalDrainedLocked()
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// SendText sends text as a complete user turn. When the connection is not
// open the text is dropped with a warning and [ErrNotOpen] is returned.
func (c *Client) SendText(text string) error {
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return c.sendDirect("text", msg)
}

// SendToolResponse returns tool results to the model.
func (c *Client) SendToolResponse(responses ...ToolResponse) error {
	if len(responses) == 0 {
		return nil
	}
	msg := toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: responses}}
	return c.sendDirect("tool response", msg)
}

func (c *Client) sendDirect(what string, msg any) error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		c.logf(slog.LevelWarn, "dropping "+what, ErrNotOpen, "state", state.String())
		return ErrNotOpen
	}
	ctx, conn := c.ctx, c.conn
	c.mu.Unlock()

	if err := writeJSON(ctx, conn, msg); err != nil {
		return fmt.Errorf("live: send %s: %w", what, err)
	}
	return nil
}

// SendAudioFrame submits captured PCM. Before the connection opens, frames
// are held in a bounded queue (oldest dropped on overflow) and replayed in
// order once open. While open, frames are accumulated and cut into chunks
// for the paced sender. While closing or closed, frames are dropped and
// [ErrNotOpen] is returned.
func (c *Client) SendAudioFrame(frame audio.AudioFrame) error {
	if !frame.Valid() {
		c.logf(slog.LevelWarn, "dropping invalid audio frame", audio.ErrMalformedAudio, "bytes", len(frame.Data))
		return audio.ErrMalformedAudio
	}

	c.mu.Lock()
	switch c.state {
	case StateIdle, StateConnecting:
		overflow := len(c.pending) >= c.pendingLimit
		if overflow {
			c.pending[0] = audio.AudioFrame{}
			c.pending = c.pending[1:]
			c.stats.framesDropped.Add(1)
		}
		c.pending = append(c.pending, frame)
		c.stats.framesQueued.Add(1)
		c.mu.Unlock()
		if overflow {
			c.logf(slog.LevelWarn, "pre-open queue full, dropped oldest frame", nil, "limit", c.pendingLimit)
		}
		return nil
	case StateOpen:
		c.appendAudioLocked(frame.Data)
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.stats.framesDropped.Add(1)
		return ErrNotOpen
	}
}

// FlushAudio submits the residual partial chunk, if any. Call it at the end
// of capture so the tail is not lost.
func (c *Client) FlushAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || len(c.acc) == 0 {
		return
	}
	chunk := make([]byte, len(c.acc))
	copy(chunk, c.acc)
	c.acc = c.acc[:0]
	c.submitLocked(chunk)
}

// Drain blocks until every submitted chunk has been written or ctx is done.
// It returns immediately when the connection is not open.
func (c *Client) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state != StateOpen || (len(c.outbound) == 0 && !c.inflight) {
			c.mu.Unlock()
			return nil
		}
		if c.drained == nil {
			c.drained = make(chan struct{})
		}
		ch := c.drained
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// appendAudioLocked grows the accumulator and cuts every full chunk.
func (c *Client) appendAudioLocked(data []byte) {
	c.acc = append(c.acc, data...)
	for len(c.acc) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.acc)
		c.acc = append(c.acc[:0], c.acc[c.chunkBytes:]...)
		c.submitLocked(chunk)
	}
}

func (c *Client) submitLocked(chunk []byte) {
	c.outbound = append(c.outbound, chunk)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) signalDrainedLocked() {
	if c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// sendLoop writes one chunk at a time with a fixed delay after each write.
// It sleeps on wake while the queue is empty.
func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn, wake <-chan struct{}) {
	mime := audio.PCMMIMEType(c.captureRate)

	for {
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		if len(c.outbound) == 0 {
			c.signalDrainedLocked()
			c.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		chunk := c.outbound[0]
		c.outbound[0] = nil
		c.outbound = c.outbound[1:]
		c.inflight = true
		c.mu.Unlock()

		msg := realtimeInputMessage{
			RealtimeInput: realtimeInput{
				MediaChunks: []inlineData{{MIMEType: mime, Data: audio.EncodeTransport(chunk)}},
			},
		}
		err := writeJSON(ctx, conn, msg)
		if err == nil {
			c.stats.chunksSent.Add(1)
			c.stats.bytesSent.Add(uint64(len(chunk)))
		}

		c.mu.Lock()
		c.inflight = false
		if len(c.outbound) == 0 {
			c.signalDrainedLocked()
		}
		c.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.stats.sendErrors.Add(1)
			c.logf(slog.LevelWarn, "audio chunk send failed", err, "bytes", len(chunk))
		}

		select {
		case <-time.After(c.sendInterval):
		case <-ctx.Done():
			return
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (c *Client) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				c.logf(slog.LevelWarn, "keepalive ping failed", err)
			}
			cancel()
		}
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// receiveLoop reads and routes messages until the connection ends, then
// fires OnClosed once.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			break
		}
		c.route(data)
	}

	if ctx.Err() != nil {
		// Disconnect closed the socket.
		c.ev.closed.emit(nil)
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.cancel()
		c.conn = nil
		c.state = StateClosed
		c.clearQueuesLocked()
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")

	if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure {
		readErr = nil
	}
	c.logf(slog.LevelInfo, "connection closed by remote", readErr)
	c.ev.closed.emit(readErr)
}

// route classifies one inbound message and emits the matching events.
func (c *Client) route(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.dropUnroutable(err, len(data))
		return
	}

	switch {
	case msg.SetupComplete != nil:
		c.ev.setupComplete.emit(struct{}{})
	case msg.ToolCall != nil:
		c.ev.toolCall.emit(msg.ToolCall.FunctionCalls)
	case msg.ServerContent != nil:
		c.routeServerContent(msg.ServerContent)
	case msg.ToolCallCancellation != nil:
		c.logf(slog.LevelInfo, "tool calls cancelled", nil, "ids", msg.ToolCallCancellation.IDs)
	case msg.GoAway != nil:
		c.logf(slog.LevelWarn, "server going away", nil, "time_left", msg.GoAway.TimeLeft)
	case msg.Error != nil:
		c.logf(slog.LevelError, "server error", fmt.Errorf("live: server: %d %s", msg.Error.Code, msg.Error.Message), "status", msg.Error.Status)
	default:
		c.dropUnroutable(errors.New("no known message tag"), len(data))
	}
}

func (c *Client) routeServerContent(sc *serverContent) {
	if sc.Interrupted {
		c.ev.interrupted.emit(struct{}{})
		return
	}
	if sc.TurnComplete {
		c.ev.turnComplete.emit(struct{}{})
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		c.ev.transcript.emit(Transcript{Source: TranscriptInput, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		c.ev.transcript.emit(Transcript{Source: TranscriptOutput, Text: t.Text})
	}
	if sc.ModelTurn == nil {
		return
	}

	var texts []string
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData != nil && audio.IsPCMMIMEType(p.InlineData.MIMEType) {
			pcm, err := audio.DecodeTransport(p.InlineData.Data)
			if err != nil {
				c.stats.malformedAudio.Add(1)
				c.logf(slog.LevelWarn, "dropping malformed audio part", err, "mime_type", p.InlineData.MIMEType)
				continue
			}
			c.ev.audio.emit(Audio{Data: pcm, MIMEType: p.InlineData.MIMEType})
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) > 0 {
		c.ev.content.emit(strings.Join(texts, " "))
	}
}

func (c *Client) dropUnroutable(cause error, size int) {
	c.stats.messagesDropped.Add(1)
	c.logf(slog.LevelWarn, "dropping inbound message", fmt.Errorf("%w: %w", ErrUnroutableMessage, cause), "bytes", size)
}

// logf writes to slog and to OnLog listeners.
func (c *Client) logf(level slog.Level, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "err", err)
	}
	slog.Log(context.Background(), level, "live: "+msg, args...)
	c.ev.log.emit(LogEntry{Time: time.Now(), Level: level, Message: msg, Err: err})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
