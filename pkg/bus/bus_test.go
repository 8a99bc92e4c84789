package bus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sessionbus/pkg/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type ping struct {
	message.CommandMeta
	Fail  bool
	Panic bool
}

func (*ping) Kind() message.Kind { return "ping" }

type greeted struct {
	message.EventMeta
	Name string
}

func (*greeted) Kind() message.Kind { return "greeted" }

type eventX struct {
	message.EventMeta
}

func (*eventX) Kind() message.Kind { return "event_x" }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	events  []message.Scheduled
	saves   int
	saveErr error
	loadErr error
}

func (s *fakeStore) Save(_ context.Context, events []message.Scheduled) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) LoadAndClear(context.Context) ([]message.Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	events := s.events
	s.events = nil
	return events, nil
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))),
		WithPollInterval(10 * time.Millisecond),
		WithStopTimeout(time.Second),
	}
	b := New(append(base, opts...)...)
	t.Cleanup(func() {
		_ = b.Stop(context.Background())
	})

	return b
}

func TestStartStopIsIdempotentAndRestartable(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	if got := b.State(); got != StateUnstarted {
		t.Fatalf("state = %s, want unstarted", got)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop() on unstarted bus error = %v", err)
	}

	for range 2 {
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if got := b.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	for range 2 {
		if err := b.Stop(ctx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	}
	if got := b.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if got := b.State(); got != StateRunning {
		t.Fatalf("state after restart = %s, want running", got)
	}
}

func TestPublishNoWaitIsDeliveredByLoop(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int32
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := b.Publish(ctx, &greeted{}, NoWait()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishAwaitDispatchesBeforeReturning(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	b.AddHook(HookFunc(func(_ context.Context, evt message.Event) error {
		record("hook:" + string(evt.Kind()))
		return nil
	}))
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		record("handler")
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	if err := b.Publish(ctx, &greeted{Name: "ada"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "hook:greeted" || order[1] != "handler" {
		t.Fatalf("order = %v, want hook before handler", order)
	}
}

func TestPublishStampsAmbientSession(t *testing.T) {
	b := newTestBus(t)

	var seen string
	if err := b.RegisterEventHandler(message.GlobalSession, "greeted", func(_ context.Context, evt message.Event) error {
		seen = evt.Meta().SessionID
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	if err := b.Publish(context.Background(), &greeted{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if seen != message.RootSession {
		t.Fatalf("session = %q, want ROOT", seen)
	}

	ctx := message.ContextWithSession(context.Background(), "ambient")
	evt := &greeted{}
	if err := b.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if seen != "ambient" || evt.ID == "" || evt.Timestamp.IsZero() {
		t.Fatalf("unexpected stamping: session=%q id=%q", seen, evt.ID)
	}
}

func TestNestedPublishFromHandler(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var inner atomic.Int32
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(ctx context.Context, _ message.Event) error {
		return b.Publish(ctx, &eventX{})
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.RegisterEventHandler(message.RootSession, "event_x", func(context.Context, message.Event) error {
		inner.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	for range 5 {
		if err := b.Publish(ctx, &greeted{}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if got := inner.Load(); got != 5 {
		t.Fatalf("nested deliveries = %d, want 5", got)
	}
}

func TestEventHandlersRunConcurrently(t *testing.T) {
	b := newTestBus(t, WithSuppressHandlerErrors(false))

	first := make(chan struct{})
	second := make(chan struct{})
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		close(first)
		select {
		case <-second:
			return nil
		case <-time.After(time.Second):
			return errors.New("sibling did not run")
		}
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		close(second)
		select {
		case <-first:
			return nil
		case <-time.After(time.Second):
			return errors.New("sibling did not run")
		}
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	if err := b.Publish(context.Background(), &greeted{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestSuppressedFailureIsReportedAsEvent(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var sibling atomic.Int32
	var reports []*message.EventHandlerFailed
	var mu sync.Mutex

	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		sibling.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := HandleEvent(b.Scope(message.RootSession), func(_ context.Context, evt *message.EventHandlerFailed) error {
		mu.Lock()
		reports = append(reports, evt)
		mu.Unlock()
		return errors.New("failure handlers failing must not loop")
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	evt := &greeted{}
	if err := b.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v, want suppressed", err)
	}
	if sibling.Load() != 1 {
		t.Fatal("expected sibling handler to run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].FailedEventID != evt.ID || reports[0].FailedEventKind != "greeted" || reports[0].Error != "boom" {
		t.Fatalf("unexpected report: %+v", reports[0])
	}
}

func TestUnsuppressedFailureIsReturned(t *testing.T) {
	b := newTestBus(t, WithSuppressHandlerErrors(false))

	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	err := b.Publish(context.Background(), &greeted{})
	var handlerErr *EventHandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("Publish() error = %v, want EventHandlerError", err)
	}
	if len(handlerErr.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(handlerErr.Failures))
	}
	var panicErr *PanicError
	if !errors.As(err, &panicErr) || panicErr.Value != "kaboom" {
		t.Fatalf("expected panic to be wrapped, got %v", err)
	}
}

func TestUnsuppressedHookFailureStopsDispatch(t *testing.T) {
	b := newTestBus(t, WithSuppressHandlerErrors(false))

	var handled atomic.Int32
	b.AddHook(HookFunc(func(context.Context, message.Event) error {
		return errors.New("hook down")
	}))
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	err := b.Publish(context.Background(), &greeted{})
	var handlerErr *EventHandlerError
	if !errors.As(err, &handlerErr) || !handlerErr.Failures[0].Hook {
		t.Fatalf("Publish() error = %v, want hook failure", err)
	}
	if handled.Load() != 0 {
		t.Fatal("handlers must not run after a hook failure")
	}
}

func TestRemovedHookIsNotCalled(t *testing.T) {
	b := newTestBus(t)

	var calls atomic.Int32
	remove := b.AddHook(HookFunc(func(context.Context, message.Event) error {
		calls.Add(1)
		return nil
	}))

	if err := b.Publish(context.Background(), &greeted{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	remove()
	remove()
	if err := b.Publish(context.Background(), &greeted{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("hook calls = %d, want 1", got)
	}
}

func TestGlobalHandlersScenario(t *testing.T) {
	logs := &syncBuffer{}
	b := newTestBus(t, WithLogger(slog.New(slog.NewTextHandler(logs, nil))))
	ctx := context.Background()

	var globalA, globalB, sessionB atomic.Int32
	count := func(counter *atomic.Int32) EventHandler {
		return func(context.Context, message.Event) error {
			counter.Add(1)
			return nil
		}
	}
	for _, reg := range []struct {
		session string
		counter *atomic.Int32
	}{
		{message.GlobalSession, &globalA},
		{message.GlobalSession, &globalB},
		{"B", &sessionB},
	} {
		if err := b.RegisterEventHandler(reg.session, "event_x", count(reg.counter)); err != nil {
			t.Fatalf("register error = %v", err)
		}
	}

	inB := &eventX{}
	inB.SessionID = "B"
	if err := b.Publish(ctx, inB); err != nil {
		t.Fatalf("Publish(B) error = %v", err)
	}
	if globalA.Load() != 1 || globalB.Load() != 1 || sessionB.Load() != 1 {
		t.Fatalf("after B: globalA=%d globalB=%d sessionB=%d", globalA.Load(), globalB.Load(), sessionB.Load())
	}

	inC := &eventX{}
	inC.SessionID = "C"
	if err := b.Publish(ctx, inC); err != nil {
		t.Fatalf("Publish(C) error = %v", err)
	}
	if globalA.Load() != 2 || globalB.Load() != 2 || sessionB.Load() != 1 {
		t.Fatalf("after C: globalA=%d globalB=%d sessionB=%d", globalA.Load(), globalB.Load(), sessionB.Load())
	}

	require.Contains(t, logs.String(), "falling back to ROOT")
	require.Contains(t, logs.String(), "event_session=C")
}

func TestGlobalHandlersReceiveRootEvents(t *testing.T) {
	b := newTestBus(t)

	var global, root atomic.Int32
	if err := b.RegisterEventHandler(message.GlobalSession, "greeted", func(context.Context, message.Event) error {
		global.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		root.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	if err := b.Publish(context.Background(), &greeted{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if global.Load() != 1 || root.Load() != 1 {
		t.Fatalf("global=%d root=%d, want 1 each", global.Load(), root.Load())
	}
}

func TestSessionEventFallsBackToRootHandlers(t *testing.T) {
	b := newTestBus(t)

	var root atomic.Int32
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		root.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	evt := &greeted{}
	evt.SessionID = "lonely"
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if root.Load() != 1 {
		t.Fatalf("root handler calls = %d, want 1", root.Load())
	}
}

func TestGlobalSessionEventFallsBackToRootHandlers(t *testing.T) {
	b := newTestBus(t)

	var root atomic.Int32
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		root.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	evt := &greeted{}
	evt.SessionID = message.GlobalSession
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if root.Load() != 1 {
		t.Fatalf("root handler calls = %d, want 1", root.Load())
	}

	var global atomic.Int32
	if err := b.RegisterEventHandler(message.GlobalSession, "greeted", func(context.Context, message.Event) error {
		global.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	evt = &greeted{}
	evt.SessionID = message.GlobalSession
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if global.Load() != 1 || root.Load() != 1 {
		t.Fatalf("global=%d root=%d, want the GLOBAL handler to run once and shadow ROOT", global.Load(), root.Load())
	}
}

func TestScheduledEventIsNotDeliveredEarly(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, WithClock(clock.Now))
	ctx := context.Background()

	var delivered atomic.Int32
	if err := HandleEvent(b.Scope(message.RootSession), func(context.Context, *message.ScheduledEvent) error {
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	var plain atomic.Int32
	if err := b.RegisterEventHandler(message.RootSession, "greeted", func(context.Context, message.Event) error {
		plain.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := b.Publish(ctx, message.NewScheduledEvent(clock.Now().Add(time.Minute), "later", nil)); err != nil {
		t.Fatalf("Publish(scheduled) error = %v", err)
	}
	if err := b.Publish(ctx, &greeted{}); err != nil {
		t.Fatalf("Publish(plain) error = %v", err)
	}
	if plain.Load() != 1 {
		t.Fatal("pending scheduled event must not block later events")
	}

	time.Sleep(50 * time.Millisecond)
	if delivered.Load() != 0 {
		t.Fatal("scheduled event delivered before its time")
	}
	if stats := b.Stats(); stats.PendingScheduled != 1 {
		t.Fatalf("pending scheduled = %d, want 1", stats.PendingScheduled)
	}

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduledEventSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	b := newTestBus(t, WithClock(clock.Now), WithStore(store))
	ctx := context.Background()

	var delivered atomic.Int32
	if err := HandleEvent(b.Scope(message.RootSession), func(context.Context, *message.ScheduledEvent) error {
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	evt := message.NewScheduledEvent(clock.Now().Add(60*time.Second), "reminder", map[string]any{"n": 1})
	if err := b.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Publish(ctx, &greeted{}, NoWait()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := store.len(); got != 1 {
		t.Fatalf("saved events = %d, want only the scheduled one", got)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := store.len(); got != 0 {
		t.Fatalf("store still holds %d events after start", got)
	}

	time.Sleep(50 * time.Millisecond)
	if delivered.Load() != 0 {
		t.Fatal("scheduled event delivered before its time")
	}

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	if got := delivered.Load(); got != 1 {
		t.Fatalf("deliveries = %d, want exactly one", got)
	}
}

func TestStartReportsLoadFailureButRuns(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("disk gone")}
	b := newTestBus(t, WithStore(store))

	err := b.Start(context.Background())
	if err == nil {
		t.Fatal("expected load error")
	}
	if got := b.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestStopKeepsEventsWhenSaveFails(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{saveErr: errors.New("read-only")}
	b := newTestBus(t, WithClock(clock.Now), WithStore(store))
	ctx := context.Background()

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Publish(ctx, message.NewScheduledEvent(clock.Now().Add(time.Hour), "x", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := b.Stop(ctx); err == nil {
		t.Fatal("expected save error")
	}
	if stats := b.Stats(); stats.PendingScheduled != 1 {
		t.Fatalf("pending scheduled = %d, want 1", stats.PendingScheduled)
	}
}

func TestStopReleasesWaitingPublisherWithErrStopped(t *testing.T) {
	b := newTestBus(t, WithSuppressHandlerErrors(true))

	item := newQueueItem(&greeted{})
	b.queue.push(item)
	if err := b.persistQueued(context.Background()); err != nil {
		t.Fatalf("persistQueued() error = %v", err)
	}

	select {
	case <-item.done:
	default:
		t.Fatal("dropped event did not release its publisher")
	}
	if !errors.Is(item.err, ErrStopped) {
		t.Fatalf("item error = %v, want ErrStopped", item.err)
	}
}

func TestResetClearsEverything(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	b.AddHook(HookFunc(func(context.Context, message.Event) error { return nil }))
	if err := b.RegisterCommandHandler(message.RootSession, "ping", func(_ context.Context, cmd message.Command) (message.CommandResult, error) {
		return message.Succeeded(cmd, nil), nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Publish(ctx, message.NewScheduledEvent(time.Now().Add(time.Hour), "x", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	stats := b.Stats()
	if stats.State != "unstarted" || stats.QueueDepth != 0 || stats.CommandHandlers != 0 || stats.Hooks != 0 {
		t.Fatalf("unexpected stats after reset: %+v", stats)
	}
	if _, err := b.Execute(ctx, &ping{}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Execute() error = %v, want ErrNoHandler", err)
	}
}

func TestStats(t *testing.T) {
	b := newTestBus(t)

	if err := b.RegisterCommandHandler("s1", "ping", func(_ context.Context, cmd message.Command) (message.CommandResult, error) {
		return message.Succeeded(cmd, nil), nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.RegisterEventHandler(message.GlobalSession, "greeted", func(context.Context, message.Event) error { return nil }); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.Publish(context.Background(), &greeted{}, NoWait()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	stats := b.Stats()
	if stats.CommandHandlers != 1 || stats.EventHandlers != 1 || stats.QueueDepth != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.Sessions) != 2 || stats.Sessions[0] != message.GlobalSession || stats.Sessions[1] != "s1" {
		t.Fatalf("sessions = %v", stats.Sessions)
	}
}
