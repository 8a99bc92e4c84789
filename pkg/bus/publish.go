package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"sessionbus/pkg/message"
)

type publishOptions struct {
	noWait bool
}

type PublishOption func(*publishOptions)

// NoWait enqueues the event and returns without dispatching it; the
// dispatch loop picks it up.
func NoWait() PublishOption {
	return func(o *publishOptions) { o.noWait = true }
}

// Publish enqueues evt. Unless NoWait is given or evt is scheduled, every
// due event is dispatched in the calling goroutine and Publish returns once
// evt itself has been handled. An event without a session id inherits the
// ambient session of ctx, else ROOT.
//
// With error suppression enabled Publish only fails for invalid input, a
// cancelled ctx, or ErrStopped when Stop drops the event before dispatch.
func (b *Bus) Publish(ctx context.Context, evt message.Event, opts ...PublishOption) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidMessage)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	message.StampEvent(evt)
	meta := evt.Meta()
	if meta.SessionID == "" {
		meta.SessionID = ambientSession(ctx)
	}

	item := newQueueItem(evt)
	b.queue.push(item)

	if _, scheduled := evt.(message.Scheduled); scheduled || options.noWait {
		return nil
	}

	b.drain(ctx, ctx.Done())

	select {
	case <-item.done:
		return item.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ambientSession(ctx context.Context) string {
	if id, ok := message.SessionFromContext(ctx); ok {
		return id
	}

	return message.RootSession
}

// dispatch runs the hooks and then the handlers resolved for evt.
func (b *Bus) dispatch(ctx context.Context, evt message.Event) error {
	meta := evt.Meta()
	kind := evt.Kind()
	ctx = message.ContextWithSession(ctx, meta.SessionID)

	var failures []HandlerFailure
	for _, hook := range b.snapshotHooks() {
		err := safeCall(func() error { return hook.hook.Handle(ctx, evt) })
		if err == nil {
			continue
		}

		failure := HandlerFailure{Handler: hook.name, Hook: true, Err: err}
		if !b.suppress {
			return &EventHandlerError{EventID: meta.ID, Kind: kind, Failures: []HandlerFailure{failure}}
		}
		failures = append(failures, failure)
	}

	entries, fellBack := b.registry.resolveEvent(meta.SessionID, kind)
	if fellBack && !message.IsLifecycle(kind) {
		b.log.WarnContext(ctx, "no session handlers, falling back to ROOT",
			"event_kind", string(kind),
			"event_session", meta.SessionID,
		)
	}

	failures = append(failures, b.runHandlers(ctx, evt, entries)...)
	if len(failures) == 0 {
		return nil
	}

	handlerErr := &EventHandlerError{EventID: meta.ID, Kind: kind, Failures: failures}
	if !b.suppress {
		return handlerErr
	}

	b.log.ErrorContext(ctx, "event handlers failed", "event_kind", string(kind), "event_id", meta.ID, "error", handlerErr)
	if kind == message.KindEventHandlerFailed {
		return nil
	}

	for _, failure := range failures {
		report := &message.EventHandlerFailed{
			FailedEventID:   meta.ID,
			FailedEventKind: kind,
			Handler:         failure.Handler,
			Hook:            failure.Hook,
			Error:           failure.Err.Error(),
		}
		report.SessionID = meta.SessionID
		if err := b.Publish(ctx, report, NoWait()); err != nil {
			b.log.ErrorContext(ctx, "failed to report handler failure", "error", err)
		}
	}

	return nil
}

// runHandlers fans evt out to entries. A failing handler never stops its
// siblings.
func (b *Bus) runHandlers(ctx context.Context, evt message.Event, entries []eventEntry) []HandlerFailure {
	if len(entries) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		failures []HandlerFailure
		group    errgroup.Group
	)
	if b.maxConcurrent > 0 {
		group.SetLimit(b.maxConcurrent)
	}

	for _, entry := range entries {
		group.Go(func() error {
			if err := safeCall(func() error { return entry.fn(ctx, evt) }); err != nil {
				mu.Lock()
				failures = append(failures, HandlerFailure{Handler: entry.name, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	return failures
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered, Stack: debug.Stack()}
		}
	}()

	return fn()
}
