package message

import (
	"fmt"
	"sync"
	"time"
)

// ScheduleMeta is embedded by events that must not be dispatched before a
// given time.
type ScheduleMeta struct {
	EventMeta
	ScheduledTime time.Time `json:"scheduled_time"`
}

func (m *ScheduleMeta) ScheduledAt() time.Time { return m.ScheduledTime }

// Scheduled is an event carrying a delivery time. Pending scheduled events
// are the only messages persisted across a bus stop/start cycle.
type Scheduled interface {
	Event
	ScheduledAt() time.Time
}

// IsDue reports whether evt may be dispatched at now. Events without a
// schedule are always due.
func IsDue(evt Event, now time.Time) bool {
	scheduled, ok := evt.(Scheduled)
	if !ok {
		return true
	}

	return !now.Before(scheduled.ScheduledAt())
}

// ScheduledEvent is a general purpose scheduled event with a free-form
// payload.
type ScheduledEvent struct {
	ScheduleMeta
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (*ScheduledEvent) Kind() Kind { return KindScheduledEvent }

// NewScheduledEvent returns a ScheduledEvent due at at.
func NewScheduledEvent(at time.Time, name string, payload map[string]any) *ScheduledEvent {
	evt := &ScheduledEvent{Name: name, Payload: payload}
	evt.ScheduledTime = at.UTC()
	return evt
}

var (
	scheduledMu    sync.RWMutex
	scheduledKinds = make(map[Kind]func() Scheduled)
)

func init() {
	RegisterScheduled(func() Scheduled { return &ScheduledEvent{} })
}

// RegisterScheduled makes a scheduled event type restorable from a store.
// newFn must return a fresh, empty value on every call.
func RegisterScheduled(newFn func() Scheduled) {
	if newFn == nil {
		panic("message: RegisterScheduled with nil constructor")
	}

	kind := newFn().Kind()
	if kind == "" {
		panic("message: RegisterScheduled with empty kind")
	}

	scheduledMu.Lock()
	defer scheduledMu.Unlock()
	scheduledKinds[kind] = newFn
}

// NewScheduled returns an empty scheduled event of kind for decoding.
func NewScheduled(kind Kind) (Scheduled, error) {
	scheduledMu.RLock()
	newFn, ok := scheduledKinds[kind]
	scheduledMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scheduled event kind %q is not registered", kind)
	}

	return newFn(), nil
}
