// Package message defines the values carried by the bus: commands, their
// results, events and scheduled events.
//
// Concrete messages embed CommandMeta or EventMeta and declare their Kind
// with a pointer receiver that does not dereference, for example:
//
//	type Ping struct {
//		message.CommandMeta
//	}
//
//	func (*Ping) Kind() message.Kind { return "ping" }
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags a message type. Handlers are registered per (session, kind).
type Kind string

const (
	// RootSession is the fallback scope consulted when a session has no
	// handler of its own.
	RootSession = "ROOT"
	// GlobalSession event handlers receive every event of their kind,
	// whatever session it was published in.
	GlobalSession = "GLOBAL"
)

// NewID returns a fresh message or session identifier.
func NewID() string { return uuid.NewString() }

// CommandMeta is the header shared by all commands.
type CommandMeta struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *CommandMeta) Meta() *CommandMeta { return m }

// Command is a request expecting exactly one handler.
type Command interface {
	Kind() Kind
	Meta() *CommandMeta
}

// EventMeta is the header shared by all events.
type EventMeta struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *EventMeta) Meta() *EventMeta { return m }

// Event is a fact with zero or more subscribers.
type Event interface {
	Kind() Kind
	Meta() *EventMeta
}

// StampCommand fills a missing id and timestamp.
func StampCommand(cmd Command) {
	meta := cmd.Meta()
	if meta.ID == "" {
		meta.ID = NewID()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
}

// StampEvent fills a missing id and timestamp.
func StampEvent(evt Event) {
	meta := evt.Meta()
	if meta.ID == "" {
		meta.ID = NewID()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
}

// CommandResult is what Execute hands back for every resolved command.
type CommandResult struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Err keeps the typed failure for errors.Is/As; Error carries its text.
	Err     error   `json:"-"`
	Command Command `json:"-"`
}

// Succeeded builds a successful result for cmd.
func Succeeded(cmd Command, result any) CommandResult {
	return CommandResult{Success: true, Result: result, Command: cmd}
}

// Failed builds a failed result for cmd.
func Failed(cmd Command, err error) CommandResult {
	if err == nil {
		err = fmt.Errorf("command failed")
	}

	return CommandResult{
		Success:  false,
		Error:    err.Error(),
		Err:      err,
		Command:  cmd,
		Metadata: map[string]any{"error_type": fmt.Sprintf("%T", err)},
	}
}

// SetMetadata stores key on the result, allocating the map when needed.
func (r *CommandResult) SetMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}
