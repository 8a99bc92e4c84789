// Package observe holds bus hooks that watch every event without taking
// part in routing: logs, a JSONL event file, prometheus metrics, otel spans
// and a channel stream for live viewers.
package observe

import (
	"context"
	"log/slog"
	"time"

	"sessionbus/pkg/message"
)

// LogHook writes one log line per event.
type LogHook struct {
	log *slog.Logger
}

func NewLogHook(log *slog.Logger) *LogHook {
	if log == nil {
		log = slog.Default()
	}

	return &LogHook{log: log.With("component", "bus.events")}
}

func (h *LogHook) Handle(ctx context.Context, evt message.Event) error {
	meta := evt.Meta()
	// Stable attribute set so lines can be grepped by session or id.
	attrs := []any{
		"event_kind", string(evt.Kind()),
		"event_id", meta.ID,
		"event_session", meta.SessionID,
		"timestamp", meta.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	switch typed := evt.(type) {
	case *message.EventHandlerFailed:
		h.log.ErrorContext(ctx, "Bus event", append(attrs,
			"failed_event_kind", string(typed.FailedEventKind),
			"failed_event_id", typed.FailedEventID,
			"handler", typed.Handler,
			"error", typed.Error,
		)...)
	case *message.CommandFinished:
		attrs = append(attrs,
			"command_kind", string(typed.CommandKind),
			"command_id", typed.CommandID,
			"duration", typed.Duration.String(),
		)
		if !typed.Success {
			h.log.WarnContext(ctx, "Bus event", append(attrs, "error", typed.Error)...)
			return nil
		}
		h.log.InfoContext(ctx, "Bus event", attrs...)
	case *message.CommandStarted:
		h.log.InfoContext(ctx, "Bus event", append(attrs,
			"command_kind", string(typed.CommandKind),
			"command_id", typed.CommandID,
		)...)
	case *message.SessionEnded:
		if typed.Error != "" {
			h.log.WarnContext(ctx, "Bus event", append(attrs, "error", typed.Error)...)
			return nil
		}
		h.log.InfoContext(ctx, "Bus event", attrs...)
	default:
		if message.IsLifecycle(evt.Kind()) {
			h.log.InfoContext(ctx, "Bus event", attrs...)
			return nil
		}
		h.log.DebugContext(ctx, "Bus event", attrs...)
	}

	return nil
}
