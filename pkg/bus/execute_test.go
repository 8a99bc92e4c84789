package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sessionbus/pkg/message"
)

func pingHandler(_ context.Context, cmd message.Command) (message.CommandResult, error) {
	p := cmd.(*ping)
	if p.Panic {
		panic("handler exploded")
	}
	if p.Fail {
		return message.CommandResult{}, errors.New("ping failed")
	}

	return message.Succeeded(cmd, "pong"), nil
}

func TestDuplicateCommandHandler(t *testing.T) {
	b := newTestBus(t)

	if err := b.RegisterCommandHandler(message.RootSession, "ping", pingHandler); err != nil {
		t.Fatalf("first register error = %v", err)
	}

	err := b.RegisterCommandHandler(message.RootSession, "ping", pingHandler)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("second register error = %v, want ErrDuplicateHandler", err)
	}
	var dup *DuplicateHandlerError
	if !errors.As(err, &dup) || dup.SessionID != message.RootSession || dup.Kind != "ping" {
		t.Fatalf("unexpected duplicate error: %v", err)
	}

	if err := b.RegisterCommandHandler("other", "ping", pingHandler); err != nil {
		t.Fatalf("register in other session error = %v", err)
	}
}

func TestRegisterRejectsInvalidHandlers(t *testing.T) {
	b := newTestBus(t)

	if err := b.RegisterCommandHandler(message.RootSession, "ping", nil); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("nil command handler error = %v", err)
	}
	if err := b.RegisterEventHandler(message.RootSession, "", func(context.Context, message.Event) error { return nil }); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("empty kind error = %v", err)
	}
}

func TestExecuteWithoutHandler(t *testing.T) {
	b := newTestBus(t)

	cmd := &ping{}
	cmd.SessionID = "session-1"
	_, err := b.Execute(context.Background(), cmd)
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Execute() error = %v, want ErrNoHandler", err)
	}

	var noHandler *NoHandlerError
	if !errors.As(err, &noHandler) || noHandler.SessionID != "session-1" || noHandler.Kind != "ping" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecuteConvertsHandlerFailures(t *testing.T) {
	b := newTestBus(t)
	if err := b.RegisterCommandHandler(message.RootSession, "ping", pingHandler); err != nil {
		t.Fatalf("register error = %v", err)
	}

	cases := []struct {
		name string
		cmd  *ping
	}{
		{name: "error", cmd: &ping{Fail: true}},
		{name: "panic", cmd: &ping{Panic: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := b.Execute(context.Background(), tc.cmd)
			if err != nil {
				t.Fatalf("Execute() error = %v, want failed result", err)
			}
			if result.Success {
				t.Fatal("expected failed result")
			}
			if result.Command != tc.cmd {
				t.Fatal("expected original command on result")
			}

			var execErr *HandlerExecutionError
			if !errors.As(result.Err, &execErr) || execErr.CommandID != tc.cmd.ID {
				t.Fatalf("result error = %v, want HandlerExecutionError", result.Err)
			}
			if result.Error == "" {
				t.Fatal("expected error text on result")
			}
		})
	}
}

func TestPingScenario(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	if err := b.RegisterCommandHandler(message.RootSession, "ping", pingHandler); err != nil {
		t.Fatalf("register error = %v", err)
	}

	result, err := b.Execute(ctx, &ping{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success || result.Result != "pong" {
		t.Fatalf("result = %+v, want pong", result)
	}

	if !b.UnregisterCommandHandler(message.RootSession, "ping") {
		t.Fatal("expected handler to be removed")
	}

	if _, err := b.Execute(ctx, &ping{}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Execute() after unregister error = %v, want ErrNoHandler", err)
	}
}

func TestExecutePrefersSessionHandler(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	if err := b.RegisterCommandHandler(message.RootSession, "ping", func(_ context.Context, cmd message.Command) (message.CommandResult, error) {
		return message.Succeeded(cmd, "root"), nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if err := b.RegisterCommandHandler("tenant-a", "ping", func(_ context.Context, cmd message.Command) (message.CommandResult, error) {
		return message.Succeeded(cmd, "tenant-a"), nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	cases := []struct {
		name    string
		ctx     context.Context
		session string
		want    string
	}{
		{name: "explicit session", ctx: ctx, session: "tenant-a", want: "tenant-a"},
		{name: "ambient session", ctx: message.ContextWithSession(ctx, "tenant-a"), want: "tenant-a"},
		{name: "fallback to root", ctx: ctx, session: "tenant-b", want: "root"},
		{name: "root", ctx: ctx, want: "root"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &ping{}
			cmd.SessionID = tc.session

			result, err := b.Execute(tc.ctx, cmd)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.Result != tc.want {
				t.Fatalf("result = %v, want %s", result.Result, tc.want)
			}
		})
	}
}

func TestExecuteInGlobalSessionFallsBackToRoot(t *testing.T) {
	b := newTestBus(t)

	if err := b.RegisterCommandHandler(message.RootSession, "ping", pingHandler); err != nil {
		t.Fatalf("register error = %v", err)
	}

	cmd := &ping{}
	cmd.SessionID = message.GlobalSession
	result, err := b.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success || result.Result != "pong" {
		t.Fatalf("result = %+v, want pong", result)
	}
}

func TestExecuteLifecycleEventsWrapHandler(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		order  []string
		finish *message.CommandFinished
	)
	record := func(entry string) {
		mu.Lock()
		order = append(order, entry)
		mu.Unlock()
	}

	b.AddHook(HookFunc(func(_ context.Context, evt message.Event) error {
		record(string(evt.Kind()))
		if done, ok := evt.(*message.CommandFinished); ok {
			mu.Lock()
			finish = done
			mu.Unlock()
		}
		return nil
	}))
	if err := b.RegisterCommandHandler(message.RootSession, "ping", func(_ context.Context, cmd message.Command) (message.CommandResult, error) {
		record("handler")
		return message.Succeeded(cmd, "pong"), nil
	}); err != nil {
		t.Fatalf("register error = %v", err)
	}

	cmd := &ping{}
	if _, err := b.Execute(ctx, cmd); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"command_started", "handler", "command_finished"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if finish == nil || finish.CommandID != cmd.ID || !finish.Success || finish.Result != "pong" {
		t.Fatalf("unexpected finish event: %+v", finish)
	}
}

func TestTypedHelpers(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	root := b.Scope(message.RootSession)

	if err := HandleCommand(root, func(_ context.Context, cmd *ping) (message.CommandResult, error) {
		return message.Succeeded(cmd, "typed"), nil
	}); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	var names []string
	if err := HandleEvent(root, func(_ context.Context, evt *greeted) error {
		names = append(names, evt.Name)
		return nil
	}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	result, err := b.Execute(ctx, &ping{})
	if err != nil || result.Result != "typed" {
		t.Fatalf("Execute() = %+v, %v", result, err)
	}
	if err := b.Publish(ctx, &greeted{Name: "grace"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(names) != 1 || names[0] != "grace" {
		t.Fatalf("names = %v", names)
	}

	if err := HandleCommand[message.Command](root, func(context.Context, message.Command) (message.CommandResult, error) {
		return message.CommandResult{}, nil
	}); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("interface-typed handler error = %v, want ErrInvalidHandler", err)
	}
}

func TestSyncAdapters(t *testing.T) {
	b := newTestBus(t)

	if err := b.RegisterCommandHandler(message.RootSession, "ping", SyncCommand(func(cmd message.Command) (message.CommandResult, error) {
		return message.Succeeded(cmd, 7), nil
	})); err != nil {
		t.Fatalf("register error = %v", err)
	}

	called := false
	if err := b.RegisterEventHandler(message.RootSession, "greeted", SyncEvent(func(message.Event) error {
		called = true
		return nil
	})); err != nil {
		t.Fatalf("register error = %v", err)
	}

	result, err := b.Execute(context.Background(), &ping{})
	if err != nil || result.Result != 7 {
		t.Fatalf("Execute() = %+v, %v", result, err)
	}
	if err := b.Publish(context.Background(), &greeted{}); err != nil || !called {
		t.Fatalf("Publish() error = %v, called = %v", err, called)
	}
}
