// Package bus routes commands to exactly one handler and events to any
// number of subscribers, scoped by session.
//
// A Bus is an explicit instance owned by the application. Handlers are
// resolved per (session, kind) with ROOT as the fallback scope; GLOBAL
// event handlers see every event of their kind. Scheduled events that are
// still pending on Stop are saved to the configured store and restored by
// the next Start.
//
// Delivery order is FIFO with one exception: a scheduled event that is not
// due yet is skipped, so it never blocks events published after it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sessionbus/pkg/message"
)

const (
	defaultPollInterval = time.Second
	defaultStopTimeout  = 2 * time.Second
)

// ErrStopped is reported to publishers whose event was dropped by Stop.
var ErrStopped = errors.New("bus stopped before the event was dispatched")

type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeferredStore persists scheduled events across a Stop/Start cycle.
// Whatever Save accepted is returned exactly once by the next LoadAndClear.
type DeferredStore interface {
	Save(ctx context.Context, events []message.Scheduled) error
	LoadAndClear(ctx context.Context) ([]message.Scheduled, error)
}

type Option func(*Bus)

func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

func WithStore(store DeferredStore) Option {
	return func(b *Bus) { b.store = store }
}

// WithSuppressHandlerErrors controls event handler failures. When true (the
// default) they are logged and reported as EventHandlerFailed events; when
// false Publish returns them.
func WithSuppressHandlerErrors(suppress bool) Option {
	return func(b *Bus) { b.suppress = suppress }
}

func WithPollInterval(interval time.Duration) Option {
	return func(b *Bus) {
		if interval > 0 {
			b.pollInterval = interval
		}
	}
}

func WithStopTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		if timeout > 0 {
			b.stopTimeout = timeout
		}
	}
}

// WithMaxConcurrentHandlers bounds the fan-out of a single event. Zero
// means unbounded.
func WithMaxConcurrentHandlers(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.maxConcurrent = n
		}
	}
}

func WithApprover(approver Approver) Option {
	return func(b *Bus) { b.approver = approver }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

type Bus struct {
	log           *slog.Logger
	store         DeferredStore
	approver      Approver
	now           func() time.Time
	suppress      bool
	pollInterval  time.Duration
	stopTimeout   time.Duration
	maxConcurrent int

	registry *registry
	queue    *queue

	hooksMu    sync.RWMutex
	hooks      map[uint64]hookEntry
	nextHookID uint64

	lifecycle sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		log:          slog.Default(),
		now:          time.Now,
		suppress:     true,
		pollInterval: defaultPollInterval,
		stopTimeout:  defaultStopTimeout,
		registry:     newRegistry(),
		queue:        newQueue(),
		hooks:        make(map[uint64]hookEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "bus")

	return b
}

func (b *Bus) State() State {
	return State(b.state.Load())
}

func (b *Bus) setState(state State) {
	b.state.Store(int32(state))
}

// Start restores persisted scheduled events and launches the dispatch
// loop. It is a no-op on a running bus. A store failure is returned but the
// bus still starts; the events stay in the store for the next attempt.
func (b *Bus) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State() == StateRunning {
		return nil
	}

	var loadErr error
	if b.store != nil {
		events, err := b.store.LoadAndClear(ctx)
		if err != nil {
			loadErr = fmt.Errorf("load scheduled events: %w", err)
			b.log.ErrorContext(ctx, "failed to restore scheduled events", "error", err)
		}
		for _, evt := range events {
			b.queue.push(newQueueItem(evt))
		}
		if len(events) > 0 {
			b.log.InfoContext(ctx, "restored scheduled events", "count", len(events))
		}
	}

	// Handlers must outlive Stop, so dispatch uses a context that is never
	// cancelled by it.
	dispatchCtx := context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(dispatchCtx)
	done := make(chan struct{})

	b.cancel = cancel
	b.loopDone = done
	b.setState(StateRunning)
	go b.loop(loopCtx, dispatchCtx, done)

	b.log.DebugContext(ctx, "bus started", "poll_interval", b.pollInterval.String())
	return loadErr
}

// Stop ends the dispatch loop and saves every scheduled event still queued.
// Other queued events are dropped. Handlers already running are not
// cancelled. Stop is a no-op unless the bus is running.
func (b *Bus) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State() != StateRunning {
		return nil
	}

	b.cancel()
	timer := time.NewTimer(b.stopTimeout)
	select {
	case <-b.loopDone:
	case <-timer.C:
		b.log.WarnContext(ctx, "dispatch loop did not stop in time", "timeout", b.stopTimeout.String())
	case <-ctx.Done():
		b.log.WarnContext(ctx, "stop interrupted before dispatch loop exited", "error", ctx.Err())
	}
	timer.Stop()

	b.setState(StateStopped)
	b.cancel = nil
	b.loopDone = nil

	return b.persistQueued(ctx)
}

func (b *Bus) persistQueued(ctx context.Context) error {
	items := b.queue.takeAll()

	var (
		scheduled      []message.Scheduled
		scheduledItems []*queueItem
		dropped        int
	)
	for _, item := range items {
		if evt, ok := item.event.(message.Scheduled); ok {
			scheduled = append(scheduled, evt)
			scheduledItems = append(scheduledItems, item)
			continue
		}

		dropped++
		item.finish(ErrStopped)
	}

	if dropped > 0 {
		b.log.DebugContext(ctx, "dropped queued events on stop", "count", dropped)
	}
	if len(scheduled) == 0 {
		return nil
	}

	if b.store == nil {
		// Without a store they survive only for this process.
		for _, item := range scheduledItems {
			b.queue.push(item)
		}
		b.log.DebugContext(ctx, "kept scheduled events in memory", "count", len(scheduled))
		return nil
	}

	if err := b.store.Save(ctx, scheduled); err != nil {
		for _, item := range scheduledItems {
			b.queue.push(item)
		}
		b.log.ErrorContext(ctx, "failed to save scheduled events", "count", len(scheduled), "error", err)
		return fmt.Errorf("save scheduled events: %w", err)
	}

	for _, item := range scheduledItems {
		item.finish(nil)
	}
	b.log.InfoContext(ctx, "saved scheduled events", "count", len(scheduled))
	return nil
}

// Reset stops the bus and clears every handler, hook and queued event. It
// exists for test isolation and leaves the bus unstarted.
func (b *Bus) Reset(ctx context.Context) error {
	err := b.Stop(ctx)

	for _, item := range b.queue.takeAll() {
		item.finish(ErrStopped)
	}
	b.registry.reset()

	b.hooksMu.Lock()
	b.hooks = make(map[uint64]hookEntry)
	b.hooksMu.Unlock()

	b.lifecycle.Lock()
	b.setState(StateUnstarted)
	b.lifecycle.Unlock()

	return err
}

func (b *Bus) loop(ctx context.Context, dispatchCtx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(b.pollInterval)
	defer timer.Stop()

	for {
		b.drain(dispatchCtx, ctx.Done())

		wait := b.pollInterval
		if at, ok := b.queue.nextScheduled(); ok {
			if until := at.Sub(b.now()); until < wait {
				wait = max(until, time.Millisecond)
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-b.queue.wakeChannel():
		case <-timer.C:
		}
	}
}

// drain dispatches every due event until the queue has none left or stop
// is closed. Each popped item is dispatched by exactly one drainer.
func (b *Bus) drain(ctx context.Context, stop <-chan struct{}) {
	for {
		if stop != nil {
			select {
			case <-stop:
				return
			default:
			}
		}

		item, ok := b.queue.popDue(b.now())
		if !ok {
			return
		}

		err := b.dispatch(ctx, item.event)
		if err != nil {
			b.log.ErrorContext(ctx, "event dispatch failed",
				"event_kind", string(item.event.Kind()),
				"event_id", item.event.Meta().ID,
				"error", err,
			)
		}
		item.finish(err)
	}
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	State            string   `json:"state"`
	QueueDepth       int      `json:"queue_depth"`
	PendingScheduled int      `json:"pending_scheduled"`
	CommandHandlers  int      `json:"command_handlers"`
	EventHandlers    int      `json:"event_handlers"`
	Hooks            int      `json:"hooks"`
	Sessions         []string `json:"sessions"`
}

func (b *Bus) Stats() Stats {
	depth, scheduled := b.queue.depth()
	counts := b.registry.counts()

	b.hooksMu.RLock()
	hooks := len(b.hooks)
	b.hooksMu.RUnlock()

	return Stats{
		State:            b.State().String(),
		QueueDepth:       depth,
		PendingScheduled: scheduled,
		CommandHandlers:  counts.commands,
		EventHandlers:    counts.events,
		Hooks:            hooks,
		Sessions:         counts.sessions,
	}
}

// HasSessionHandlers reports whether any handler is still registered under
// sessionID.
func (b *Bus) HasSessionHandlers(sessionID string) bool {
	return b.registry.hasSession(sessionID)
}

func (b *Bus) RegisterCommandHandler(sessionID string, kind message.Kind, handler CommandHandler) error {
	return b.registry.registerCommand(sessionID, kind, handler)
}

func (b *Bus) RegisterEventHandler(sessionID string, kind message.Kind, handler EventHandler) error {
	return b.registry.registerEvent(sessionID, kind, handler)
}

func (b *Bus) UnregisterCommandHandler(sessionID string, kind message.Kind) bool {
	return b.registry.unregisterCommand(sessionID, kind)
}

func (b *Bus) UnregisterEventHandlers(sessionID string, kind message.Kind) int {
	return b.registry.unregisterEvents(sessionID, kind)
}

// UnregisterSessionHandlers removes every command and event handler owned
// by sessionID.
func (b *Bus) UnregisterSessionHandlers(sessionID string) {
	commands, events := b.registry.unregisterSession(sessionID)
	if commands > 0 || events > 0 {
		b.log.Debug("unregistered session handlers", "session", sessionID, "commands", commands, "events", events)
	}
}

// Registrar registers handlers into one scope.
type Registrar interface {
	RegisterCommandHandler(kind message.Kind, handler CommandHandler) error
	RegisterEventHandler(kind message.Kind, handler EventHandler) error
}

type scope struct {
	bus       *Bus
	sessionID string
}

// Scope returns a Registrar bound to sessionID, typically ROOT or GLOBAL.
func (b *Bus) Scope(sessionID string) Registrar {
	return scope{bus: b, sessionID: sessionID}
}

func (s scope) RegisterCommandHandler(kind message.Kind, handler CommandHandler) error {
	return s.bus.RegisterCommandHandler(s.sessionID, kind, handler)
}

func (s scope) RegisterEventHandler(kind message.Kind, handler EventHandler) error {
	return s.bus.RegisterEventHandler(s.sessionID, kind, handler)
}
