// Package notes implements the set_notes tool: the model keeps a markdown
// note board up to date by replacing its whole content on every call.
//
// The board holds the latest notes in memory and writes each update to an
// [io.Writer] (stdout in the voxnote binary). Rendering and persistence are
// left to whoever reads that stream.
package notes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxnote/pkg/live"
)

// ToolName is the function name the model calls.
const ToolName = "set_notes"

// ErrMissingNotes is returned when a call carries no string "notes" argument.
var ErrMissingNotes = errors.New("notes: missing string argument \"notes\"")

// Declaration returns the function declaration advertised in the session
// setup.
func Declaration() live.FunctionDeclaration {
	return live.FunctionDeclaration{
		Name:        ToolName,
		Description: "Sets meeting notes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"notes": map[string]any{
					"type":        "string",
					"description": "Meeting notes to set",
				},
			},
			"required": []any{"notes"},
		},
	}
}

// Board holds the current notes. It is safe for concurrent use.
type Board struct {
	out io.Writer
	now func() time.Time

	mu        sync.Mutex
	notes     string
	updated   time.Time
	revisions int
}

// Option configures a [Board].
type Option func(*Board)

// WithClock overrides the time source used to stamp updates.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// NewBoard creates a Board that writes every update to out. A nil out keeps
// updates in memory only.
func NewBoard(out io.Writer, opts ...Option) *Board {
	if out == nil {
		out = io.Discard
	}
	b := &Board{out: out, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Set replaces the notes and writes them to the board's writer.
func (b *Board) Set(notes string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.notes = notes
	b.updated = b.now()
	b.revisions++

	if _, err := fmt.Fprintf(b.out, "--- notes rev %d (%s) ---\n%s\n",
		b.revisions, b.updated.Format(time.TimeOnly), notes); err != nil {
		return fmt.Errorf("notes: write: %w", err)
	}
	return nil
}

// Notes returns the current notes and the revision they belong to. Revision
// 0 means no notes have been set.
func (b *Board) Notes() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notes, b.revisions
}

// Handle is the set_notes tool handler. The response reports the stored
// revision so the model can tell the update landed.
func (b *Board) Handle(_ context.Context, args map[string]any) (map[string]any, error) {
	notes, ok := args["notes"].(string)
	if !ok {
		return nil, ErrMissingNotes
	}
	if err := b.Set(notes); err != nil {
		return nil, err
	}
	_, rev := b.Notes()
	slog.Debug("notes: updated", "revision", rev, "bytes", len(notes))
	return map[string]any{"status": "ok", "revision": rev}, nil
}
