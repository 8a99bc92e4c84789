package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sessionbus/pkg/message"
)

type SessionState int

const (
	SessionCreated SessionState = iota
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session_state(%d)", int(s))
	}
}

// Session groups the handlers registered for one conversation or job. It is
// inert until Begin and releases everything it registered on End.
type Session struct {
	bus *Bus
	id  string

	mu    sync.Mutex
	state SessionState
}

// CreateSession returns an inert session. An empty id allocates a new one.
func (b *Bus) CreateSession(id string) *Session {
	if id == "" {
		id = message.NewID()
	}

	return &Session{bus: b, id: id}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Begin activates the session, publishes SessionStarted and returns a
// context carrying the session as ambient identity.
func (s *Session) Begin(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != SessionCreated {
		s.mu.Unlock()
		return ctx, fmt.Errorf("%w: %s", ErrSessionEntered, s.id)
	}
	s.state = SessionActive
	s.mu.Unlock()

	ctx = message.ContextWithSession(ctx, s.id)
	started := &message.SessionStarted{}
	started.SessionID = s.id
	if err := s.bus.Publish(ctx, started); err != nil {
		return ctx, fmt.Errorf("publish session start: %w", err)
	}

	return ctx, nil
}

// End closes the session for good: its handlers are removed and
// SessionEnded is published with cause, the error that ended the scope if
// any. Calling End again is a no-op.
func (s *Session) End(ctx context.Context, cause error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosed
	s.bus.UnregisterSessionHandlers(s.id)
	s.mu.Unlock()

	ended := &message.SessionEnded{}
	ended.SessionID = s.id
	if cause != nil {
		ended.Error = cause.Error()
	}
	if err := s.bus.Publish(message.ContextWithSession(ctx, s.id), ended); err != nil {
		return fmt.Errorf("publish session end: %w", err)
	}

	return nil
}

// Run begins the session, calls fn with the session context and always
// ends the session afterwards, also when fn panics. The panic is re-raised
// after End.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	sessionCtx, err := s.Begin(ctx)
	if errors.Is(err, ErrSessionEntered) {
		return err
	}
	if err != nil {
		_ = s.End(ctx, err)
		return err
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			_ = s.End(ctx, &PanicError{Value: recovered})
			panic(recovered)
		}
	}()

	err = fn(sessionCtx)
	if endErr := s.End(ctx, err); err == nil {
		err = endErr
	}

	return err
}

func (s *Session) RegisterCommandHandler(kind message.Kind, handler CommandHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionActive {
		return fmt.Errorf("%w: %s is %s", ErrSessionInactive, s.id, s.state)
	}

	return s.bus.RegisterCommandHandler(s.id, kind, handler)
}

func (s *Session) RegisterEventHandler(kind message.Kind, handler EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionActive {
		return fmt.Errorf("%w: %s is %s", ErrSessionInactive, s.id, s.state)
	}

	return s.bus.RegisterEventHandler(s.id, kind, handler)
}

// ExecuteWithSession stamps the session id on cmd before executing it. Use
// it for commands built outside the session's context.
func (s *Session) ExecuteWithSession(ctx context.Context, cmd message.Command) (message.CommandResult, error) {
	if cmd == nil {
		return message.CommandResult{}, fmt.Errorf("%w: nil command", ErrInvalidMessage)
	}

	cmd.Meta().SessionID = s.id
	return s.bus.Execute(message.ContextWithSession(ctx, s.id), cmd)
}

// Publish stamps the session id on evt and publishes it.
func (s *Session) Publish(ctx context.Context, evt message.Event, opts ...PublishOption) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidMessage)
	}

	evt.Meta().SessionID = s.id
	return s.bus.Publish(message.ContextWithSession(ctx, s.id), evt, opts...)
}
