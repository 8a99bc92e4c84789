// Package store persists pending scheduled events between a bus Stop and
// the next Start.
//
// Every backend honours the same contract: whatever Save accepted is
// returned exactly once by the next LoadAndClear. Peek lists the saved
// events without consuming them.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sessionbus/pkg/config"
	"sessionbus/pkg/message"
)

type Store interface {
	Save(ctx context.Context, events []message.Scheduled) error
	LoadAndClear(ctx context.Context) ([]message.Scheduled, error)
	Peek(ctx context.Context) ([]message.Scheduled, error)
	Close() error
}

// Record is the persisted form of one scheduled event. Payload holds the
// whole event encoded with the store's codec.
type Record struct {
	Kind          message.Kind `json:"kind"`
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id,omitempty"`
	ScheduledTime time.Time    `json:"scheduled_time"`
	Payload       []byte       `json:"payload"`
}

type Options struct {
	Codec  Codec
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", "store")

	return o
}

func encodeRecords(codec Codec, events []message.Scheduled) ([]Record, error) {
	records := make([]Record, 0, len(events))
	for _, evt := range events {
		if evt == nil {
			continue
		}

		payload, err := codec.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("encode %s event %s: %w", evt.Kind(), evt.Meta().ID, err)
		}

		meta := evt.Meta()
		records = append(records, Record{
			Kind:          evt.Kind(),
			ID:            meta.ID,
			SessionID:     meta.SessionID,
			ScheduledTime: evt.ScheduledAt().UTC(),
			Payload:       payload,
		})
	}

	return records, nil
}

// decodeRecords rebuilds events through the scheduled-kind registry.
// Records of unknown kinds or with corrupt payloads are skipped with a
// warning.
func decodeRecords(ctx context.Context, log *slog.Logger, codec Codec, records []Record) []message.Scheduled {
	events := make([]message.Scheduled, 0, len(records))
	for _, record := range records {
		evt, err := message.NewScheduled(record.Kind)
		if err != nil {
			log.WarnContext(ctx, "skipping scheduled event of unknown kind", "kind", string(record.Kind), "event_id", record.ID)
			continue
		}
		if err := codec.Unmarshal(record.Payload, evt); err != nil {
			log.WarnContext(ctx, "skipping undecodable scheduled event", "kind", string(record.Kind), "event_id", record.ID, "error", err)
			continue
		}

		events = append(events, evt)
	}

	return events
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := Options{Codec: codec, Logger: log}

	switch cfg.Driver {
	case "", "memory":
		return NewMemory(opts), nil
	case "file":
		return OpenFile(cfg.Path, opts)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, opts)
	case "badger":
		return OpenBadger(cfg.Path, opts)
	case "redis":
		return OpenRedis(ctx, cfg.Redis, opts)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
