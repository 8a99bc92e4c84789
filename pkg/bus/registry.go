package bus

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"sessionbus/pkg/message"
)

// CommandHandler resolves a command. A returned error becomes a failed
// CommandResult; it never escapes Execute.
type CommandHandler func(ctx context.Context, cmd message.Command) (message.CommandResult, error)

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, evt message.Event) error

// SyncCommand adapts a handler that does not take a context.
func SyncCommand(fn func(message.Command) (message.CommandResult, error)) CommandHandler {
	if fn == nil {
		return nil
	}

	return func(_ context.Context, cmd message.Command) (message.CommandResult, error) {
		return fn(cmd)
	}
}

// SyncEvent adapts a handler that does not take a context.
func SyncEvent(fn func(message.Event) error) EventHandler {
	if fn == nil {
		return nil
	}

	return func(_ context.Context, evt message.Event) error {
		return fn(evt)
	}
}

type eventEntry struct {
	name string
	fn   EventHandler
}

type registry struct {
	mu       sync.RWMutex
	commands map[string]map[message.Kind]CommandHandler
	events   map[string]map[message.Kind][]eventEntry
}

func newRegistry() *registry {
	return &registry{
		commands: make(map[string]map[message.Kind]CommandHandler),
		events:   make(map[string]map[message.Kind][]eventEntry),
	}
}

func (r *registry) registerCommand(sessionID string, kind message.Kind, handler CommandHandler) error {
	if handler == nil || kind == "" {
		return fmt.Errorf("%w: command handler for %q", ErrInvalidHandler, kind)
	}
	if sessionID == "" {
		sessionID = message.RootSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byKind, ok := r.commands[sessionID]
	if !ok {
		byKind = make(map[message.Kind]CommandHandler)
		r.commands[sessionID] = byKind
	}
	if _, exists := byKind[kind]; exists {
		return &DuplicateHandlerError{SessionID: sessionID, Kind: kind}
	}

	byKind[kind] = handler
	return nil
}

func (r *registry) registerEvent(sessionID string, kind message.Kind, handler EventHandler) error {
	if handler == nil || kind == "" {
		return fmt.Errorf("%w: event handler for %q", ErrInvalidHandler, kind)
	}
	if sessionID == "" {
		sessionID = message.RootSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byKind, ok := r.events[sessionID]
	if !ok {
		byKind = make(map[message.Kind][]eventEntry)
		r.events[sessionID] = byKind
	}

	byKind[kind] = append(byKind[kind], eventEntry{name: handlerName(handler), fn: handler})
	return nil
}

func (r *registry) unregisterCommand(sessionID string, kind message.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKind, ok := r.commands[sessionID]
	if !ok {
		return false
	}
	if _, ok := byKind[kind]; !ok {
		return false
	}

	delete(byKind, kind)
	if len(byKind) == 0 {
		delete(r.commands, sessionID)
	}
	return true
}

func (r *registry) unregisterEvents(sessionID string, kind message.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKind, ok := r.events[sessionID]
	if !ok {
		return 0
	}

	removed := len(byKind[kind])
	delete(byKind, kind)
	if len(byKind) == 0 {
		delete(r.events, sessionID)
	}
	return removed
}

// unregisterSession drops every handler registered under sessionID and
// reports how many command and event handlers were removed.
func (r *registry) unregisterSession(sessionID string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	commands := len(r.commands[sessionID])
	events := 0
	for _, entries := range r.events[sessionID] {
		events += len(entries)
	}

	delete(r.commands, sessionID)
	delete(r.events, sessionID)
	return commands, events
}

// lookup returns the value stored for kind in the first scope holding one,
// together with that scope.
func lookup[T any](scopes map[string]map[message.Kind]T, kind message.Kind, order ...string) (T, string, bool) {
	for _, scope := range order {
		if value, ok := scopes[scope][kind]; ok {
			return value, scope, true
		}
	}

	var zero T
	return zero, "", false
}

// resolutionOrder is session then ROOT.
func resolutionOrder(sessionID string) []string {
	switch sessionID {
	case "", message.RootSession:
		return []string{message.RootSession}
	default:
		return []string{sessionID, message.RootSession}
	}
}

func (r *registry) resolveCommand(sessionID string, kind message.Kind) (CommandHandler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lookup(r.commands, kind, resolutionOrder(sessionID)...)
}

// resolveEvent returns the handlers for an event published in sessionID:
// the session's own handlers, else ROOT's, plus every GLOBAL handler.
// fellBack is set when a session other than ROOT used ROOT's handlers.
func (r *registry) resolveEvent(sessionID string, kind message.Kind) ([]eventEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order := resolutionOrder(sessionID)
	entries, scope, found := lookup(r.events, kind, order...)
	fellBack := found && scope != order[0]

	resolved := make([]eventEntry, 0, len(entries)+len(r.events[message.GlobalSession][kind]))
	resolved = append(resolved, entries...)
	if scope != message.GlobalSession {
		resolved = append(resolved, r.events[message.GlobalSession][kind]...)
	}

	return resolved, fellBack
}

func (r *registry) hasSession(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, commands := r.commands[sessionID]
	_, events := r.events[sessionID]
	return commands || events
}

type registryCounts struct {
	commands int
	events   int
	sessions []string
}

func (r *registry) counts() registryCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var counts registryCounts
	for sessionID, byKind := range r.commands {
		counts.commands += len(byKind)
		seen[sessionID] = struct{}{}
	}
	for sessionID, byKind := range r.events {
		for _, entries := range byKind {
			counts.events += len(entries)
		}
		seen[sessionID] = struct{}{}
	}

	for sessionID := range seen {
		counts.sessions = append(counts.sessions, sessionID)
	}
	sort.Strings(counts.sessions)
	return counts
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = make(map[string]map[message.Kind]CommandHandler)
	r.events = make(map[string]map[message.Kind][]eventEntry)
}

func handlerName(fn any) string {
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func || value.IsNil() {
		return fmt.Sprintf("%T", fn)
	}
	if f := runtime.FuncForPC(value.Pointer()); f != nil {
		return f.Name()
	}

	return fmt.Sprintf("%T", fn)
}
