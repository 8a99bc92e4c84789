package bus

import (
	"errors"
	"fmt"
	"strings"

	"sessionbus/pkg/message"
)

var (
	ErrNoHandler         = errors.New("no handler registered")
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrInvalidHandler    = errors.New("invalid handler")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrUnexpectedMessage = errors.New("unexpected message type")
	ErrSessionInactive   = errors.New("session is not active")
	ErrSessionEntered    = errors.New("session was already entered")
	ErrApprovalDenied    = errors.New("approval denied")
	ErrApprovalExpired   = errors.New("approval expired")
)

// NoHandlerError is returned by Execute when neither the command's session
// nor ROOT has a handler for its kind.
type NoHandlerError struct {
	SessionID string
	Kind      message.Kind
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler for command %q in session %q or %s", e.Kind, e.SessionID, message.RootSession)
}

func (e *NoHandlerError) Unwrap() error { return ErrNoHandler }

// DuplicateHandlerError is returned when a (session, kind) command slot is
// already occupied.
type DuplicateHandlerError struct {
	SessionID string
	Kind      message.Kind
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("command handler for %q already registered in session %q", e.Kind, e.SessionID)
}

func (e *DuplicateHandlerError) Unwrap() error { return ErrDuplicateHandler }

// HandlerExecutionError wraps a command handler failure. It is only ever
// surfaced through CommandResult.Err.
type HandlerExecutionError struct {
	CommandID string
	Kind      message.Kind
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("command %q (%s) failed: %v", e.Kind, e.CommandID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// HandlerFailure is one failed event handler or hook.
type HandlerFailure struct {
	Handler string
	Hook    bool
	Err     error
}

func (f HandlerFailure) Error() string {
	role := "handler"
	if f.Hook {
		role = "hook"
	}

	return fmt.Sprintf("%s %s: %v", role, f.Handler, f.Err)
}

func (f HandlerFailure) Unwrap() error { return f.Err }

// EventHandlerError aggregates the failures of one event dispatch.
type EventHandlerError struct {
	EventID  string
	Kind     message.Kind
	Failures []HandlerFailure
}

func (e *EventHandlerError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.Error())
	}

	return fmt.Sprintf("event %q (%s): %d handler(s) failed: %s", e.Kind, e.EventID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *EventHandlerError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure)
	}

	return errs
}
