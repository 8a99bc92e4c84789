package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sessionbus/pkg/message"
)

const tracerName = "sessionbus/pkg/observe"

// Tracer turns bus lifecycle events into spans. A session becomes a span
// from SessionStarted to SessionEnded; each command becomes a child span
// from CommandStarted to CommandFinished. Other events in an open session
// are recorded as span events.
type Tracer struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]trace.Span
	commands map[string]trace.Span
}

// NewTracer uses tp, or the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Tracer{
		tracer:   tp.Tracer(tracerName),
		sessions: make(map[string]trace.Span),
		commands: make(map[string]trace.Span),
	}
}

func (t *Tracer) Handle(ctx context.Context, evt message.Event) error {
	meta := evt.Meta()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch typed := evt.(type) {
	case *message.SessionStarted:
		_, span := t.tracer.Start(ctx, "session",
			trace.WithTimestamp(meta.Timestamp),
			trace.WithAttributes(attribute.String("session.id", meta.SessionID)),
		)
		t.sessions[meta.SessionID] = span

	case *message.SessionEnded:
		span, ok := t.sessions[meta.SessionID]
		if !ok {
			return nil
		}
		delete(t.sessions, meta.SessionID)
		if typed.Error != "" {
			span.SetStatus(codes.Error, typed.Error)
		}
		span.End(trace.WithTimestamp(meta.Timestamp))

	case *message.CommandStarted:
		parent := ctx
		if session, ok := t.sessions[meta.SessionID]; ok {
			parent = trace.ContextWithSpan(ctx, session)
		}
		_, span := t.tracer.Start(parent, "command "+string(typed.CommandKind),
			trace.WithTimestamp(meta.Timestamp),
			trace.WithAttributes(
				attribute.String("command.id", typed.CommandID),
				attribute.String("command.kind", string(typed.CommandKind)),
				attribute.String("session.id", meta.SessionID),
			),
		)
		t.commands[typed.CommandID] = span

	case *message.CommandFinished:
		span, ok := t.commands[typed.CommandID]
		if !ok {
			return nil
		}
		delete(t.commands, typed.CommandID)
		span.SetAttributes(
			attribute.Bool("command.success", typed.Success),
			attribute.Int64("command.duration_ms", typed.Duration.Milliseconds()),
		)
		if !typed.Success {
			span.SetStatus(codes.Error, typed.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End(trace.WithTimestamp(meta.Timestamp))

	default:
		span, ok := t.sessions[meta.SessionID]
		if !ok {
			return nil
		}
		span.AddEvent(string(evt.Kind()), trace.WithTimestamp(meta.Timestamp),
			trace.WithAttributes(attribute.String("event.id", meta.ID)))
	}

	return nil
}

// OpenSpans reports sessions and commands whose closing event has not been
// seen yet.
func (t *Tracer) OpenSpans() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions) + len(t.commands)
}
