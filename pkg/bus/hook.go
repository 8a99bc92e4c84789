package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sessionbus/pkg/message"
)

// Hook observes every event, whatever its kind or session. Hooks run
// sequentially, in registration order, before any typed handler.
type Hook interface {
	Handle(ctx context.Context, evt message.Event) error
}

type HookFunc func(ctx context.Context, evt message.Event) error

func (f HookFunc) Handle(ctx context.Context, evt message.Event) error {
	return f(ctx, evt)
}

type hookEntry struct {
	id   uint64
	name string
	hook Hook
}

// AddHook registers hook and returns a function removing it again.
func (b *Bus) AddHook(hook Hook) func() {
	if hook == nil {
		return func() {}
	}

	name := fmt.Sprintf("%T", hook)
	if fn, ok := hook.(HookFunc); ok {
		name = handlerName(fn)
	}

	b.hooksMu.Lock()
	id := b.nextHookID
	b.nextHookID++
	b.hooks[id] = hookEntry{id: id, name: name, hook: hook}
	b.hooksMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.hooksMu.Lock()
			delete(b.hooks, id)
			b.hooksMu.Unlock()
		})
	}
}

func (b *Bus) snapshotHooks() []hookEntry {
	b.hooksMu.RLock()
	hooks := make([]hookEntry, 0, len(b.hooks))
	for _, entry := range b.hooks {
		hooks = append(hooks, entry)
	}
	b.hooksMu.RUnlock()

	sort.Slice(hooks, func(i, j int) bool { return hooks[i].id < hooks[j].id })
	return hooks
}
