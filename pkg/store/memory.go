package store

import (
	"context"
	"sync"

	"sessionbus/pkg/message"
)

// Memory keeps encoded records in process. It survives a bus restart but
// not a process restart.
type Memory struct {
	opts Options

	mu      sync.Mutex
	records []Record
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults()}
}

func (m *Memory) Save(_ context.Context, events []message.Scheduled) error {
	records, err := encodeRecords(m.opts.Codec, events)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, records...)
	return nil
}

func (m *Memory) LoadAndClear(ctx context.Context) ([]message.Scheduled, error) {
	m.mu.Lock()
	records := m.records
	m.records = nil
	m.mu.Unlock()

	return decodeRecords(ctx, m.opts.Logger, m.opts.Codec, records), nil
}

func (m *Memory) Peek(ctx context.Context) ([]message.Scheduled, error) {
	m.mu.Lock()
	records := make([]Record, len(m.records))
	copy(records, m.records)
	m.mu.Unlock()

	return decodeRecords(ctx, m.opts.Logger, m.opts.Codec, records), nil
}

func (m *Memory) Close() error { return nil }
