// Package mock provides a test double for [live.Client].
//
// Client records every outbound call and lets tests drive inbound events
// through the Emit* methods, which invoke registered listeners synchronously
// in registration order, as the real receive loop does.
//
// Example:
//
//	tr := &mock.Client{}
//	orch := orchestrator.New(tr, capture, sched)
//	_ = orch.Start(ctx)
//	tr.EmitToolCall(live.ToolCall{ID: "1", Name: "set_notes", Args: args})
//	resp := tr.ToolResponses()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxnote/pkg/audio"
	"github.com/MrWong99/voxnote/pkg/live"
)

// Client is a mock implementation of the transport surface of [live.Client].
type Client struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect and the state stays idle.
	ConnectErr error

	// SendAudioErr, if non-nil, is returned by SendAudioFrame.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by SendText.
	SendTextErr error

	// DrainErr, if non-nil, is returned by Drain.
	DrainErr error

	// StatsResult is returned by Stats.
	StatsResult live.Stats

	// ConnectCalls records the SessionConfig of every Connect call.
	ConnectCalls []live.SessionConfig

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountFlushAudio records how many times FlushAudio was called.
	CallCountFlushAudio int

	// CallCountDrain records how many times Drain was called.
	CallCountDrain int

	state     live.ConnectionState
	frames    []audio.AudioFrame
	texts     []string
	responses []live.ToolResponse

	logs          []func(live.LogEntry)
	setupComplete []func()
	toolCall      []func([]live.ToolCall)
	interrupted   []func()
	turnComplete  []func()
	audioFns      []func(live.Audio)
	content       []func(string)
	transcript    []func(live.Transcript)
	closed        []func(error)
}

// Connect records cfg and moves to Open unless ConnectErr is set.
func (c *Client) Connect(_ context.Context, cfg live.SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = append(c.ConnectCalls, cfg)
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.state = live.StateOpen
	return nil
}

// Disconnect records the call and moves to Closed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	c.state = live.StateClosed
	return nil
}

// State returns the simulated connection state.
func (c *Client) State() live.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns StatsResult.
func (c *Client) Stats() live.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StatsResult
}

// SendAudioFrame records frame.
func (c *Client) SendAudioFrame(frame audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

// FlushAudio records the call.
func (c *Client) FlushAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountFlushAudio++
}

// Drain records the call and returns DrainErr.
func (c *Client) Drain(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDrain++
	return c.DrainErr
}

// SendText records text.
func (c *Client) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendTextErr != nil {
		return c.SendTextErr
	}
	c.texts = append(c.texts, text)
	return nil
}

// SendToolResponse records responses.
func (c *Client) SendToolResponse(responses ...live.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
	return nil
}

// Frames returns a copy of all recorded audio frames.
func (c *Client) Frames() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.AudioFrame(nil), c.frames...)
}

// Texts returns a copy of all recorded text turns.
func (c *Client) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// ToolResponses returns a copy of all recorded tool responses.
func (c *Client) ToolResponses() []live.ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.ToolResponse(nil), c.responses...)
}

// ── Listener registration ─────────────────────────────────────────────────────
//
// Unsubscribe functions returned here are no-ops; mocks live for one test.

func (c *Client) OnLog(fn func(live.LogEntry)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, fn)
	return func() {}
}

func (c *Client) OnSetupComplete(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setupComplete = append(c.setupComplete, fn)
	return func() {}
}

func (c *Client) OnToolCall(fn func([]live.ToolCall)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCall = append(c.toolCall, fn)
	return func() {}
}

func (c *Client) OnInterrupted(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = append(c.interrupted, fn)
	return func() {}
}

func (c *Client) OnTurnComplete(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnComplete = append(c.turnComplete, fn)
	return func() {}
}

func (c *Client) OnAudio(fn func(live.Audio)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioFns = append(c.audioFns, fn)
	return func() {}
}

func (c *Client) OnContent(fn func(string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = append(c.content, fn)
	return func() {}
}

func (c *Client) OnTranscript(fn func(live.Transcript)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, fn)
	return func() {}
}

func (c *Client) OnClosed(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, fn)
	return func() {}
}

// ── Event injection ───────────────────────────────────────────────────────────

// EmitSetupComplete calls every OnSetupComplete listener.
func (c *Client) EmitSetupComplete() {
	c.mu.Lock()
	fns := append([]func(){}, c.setupComplete...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EmitToolCall calls every OnToolCall listener with calls.
func (c *Client) EmitToolCall(calls ...live.ToolCall) {
	c.mu.Lock()
	fns := append([]func([]live.ToolCall){}, c.toolCall...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(calls)
	}
}

// EmitInterrupted calls every OnInterrupted listener.
func (c *Client) EmitInterrupted() {
	c.mu.Lock()
	fns := append([]func(){}, c.interrupted...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EmitTurnComplete calls every OnTurnComplete listener.
func (c *Client) EmitTurnComplete() {
	c.mu.Lock()
	fns := append([]func(){}, c.turnComplete...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EmitAudio calls every OnAudio listener with a.
func (c *Client) EmitAudio(a live.Audio) {
	c.mu.Lock()
	fns := append([]func(live.Audio){}, c.audioFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}

// EmitContent calls every OnContent listener with text.
func (c *Client) EmitContent(text string) {
	c.mu.Lock()
	fns := append([]func(string){}, c.content...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(text)
	}
}

// EmitTranscript calls every OnTranscript listener with tr.
func (c *Client) EmitTranscript(tr live.Transcript) {
	c.mu.Lock()
	fns := append([]func(live.Transcript){}, c.transcript...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(tr)
	}
}

// EmitLog calls every OnLog listener with e.
func (c *Client) EmitLog(e live.LogEntry) {
	c.mu.Lock()
	fns := append([]func(live.LogEntry){}, c.logs...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// EmitClosed moves to Closed and calls every OnClosed listener with err.
func (c *Client) EmitClosed(err error) {
	c.mu.Lock()
	c.state = live.StateClosed
	fns := append([]func(error){}, c.closed...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
