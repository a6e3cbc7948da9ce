package live

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is a diagnostic emitted through [Client.OnLog].
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Err     error
}

// Audio is a decoded inline audio part from a model turn.
type Audio struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// MIMEType is the part's declared type, e.g. "audio/pcm;rate=24000".
	MIMEType string
}

// TranscriptSource tells which side of the conversation a transcript is for.
type TranscriptSource string

const (
	TranscriptInput  TranscriptSource = "input"
	TranscriptOutput TranscriptSource = "output"
)

// Transcript is a speech recognition result for either side of the call.
type Transcript struct {
	Source TranscriptSource
	Text   string
}

// listeners is an ordered, concurrency-safe set of callbacks.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns a function that removes it.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.fns = append(l.fns, listener[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.fns {
			if e.id == id {
				l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
				return
			}
		}
	}
}

// emit calls every listener in registration order. Listeners run without the
// lock held so they may register or unregister.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]listener[T], len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()
	for _, e := range fns {
		e.fn(v)
	}
}

// events groups the client's listener sets.
type events struct {
	log           listeners[LogEntry]
	setupComplete listeners[struct{}]
	toolCall      listeners[[]ToolCall]
	interrupted   listeners[struct{}]
	turnComplete  listeners[struct{}]
	audio         listeners[Audio]
	content       listeners[string]
	transcript    listeners[Transcript]
	closed        listeners[error]
}

// OnLog registers a listener for diagnostics. The returned function removes
// it.
func (c *Client) OnLog(fn func(LogEntry)) func() { return c.ev.log.add(fn) }

// OnSetupComplete registers a listener for the server's handshake
// acknowledgement.
func (c *Client) OnSetupComplete(fn func()) func() {
	return c.ev.setupComplete.add(func(struct{}) { fn() })
}

// OnToolCall registers a listener for tool call batches.
func (c *Client) OnToolCall(fn func([]ToolCall)) func() { return c.ev.toolCall.add(fn) }

// OnInterrupted registers a listener for far-end interruptions.
func (c *Client) OnInterrupted(fn func()) func() {
	return c.ev.interrupted.add(func(struct{}) { fn() })
}

// OnTurnComplete registers a listener for the end of a model turn.
func (c *Client) OnTurnComplete(fn func()) func() {
	return c.ev.turnComplete.add(func(struct{}) { fn() })
}

// OnAudio registers a listener for decoded model audio.
func (c *Client) OnAudio(fn func(Audio)) func() { return c.ev.audio.add(fn) }

// OnContent registers a listener for the space-joined text parts of a model
// turn.
func (c *Client) OnContent(fn func(string)) func() { return c.ev.content.add(fn) }

// OnTranscript registers a listener for input and output transcriptions.
func (c *Client) OnTranscript(fn func(Transcript)) func() { return c.ev.transcript.add(fn) }

// OnClosed registers a listener called once each time an open connection
// ends. The error is nil for a normal closure or Disconnect.
func (c *Client) OnClosed(fn func(error)) func() { return c.ev.closed.add(fn) }
