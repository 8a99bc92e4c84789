package demo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"sessionbus/pkg/message"
)

// Collector records the events it sees, grouped by session. It works as a
// bus hook or as an event handler.
type Collector struct {
	name string
	log  *slog.Logger

	mu        sync.Mutex
	total     int
	bySession map[string]map[message.Kind]int
	sessions  []string
}

func NewCollector(name string, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}

	return &Collector{
		name:      name,
		log:       log.With("component", "demo.collector", "collector", name),
		bySession: make(map[string]map[message.Kind]int),
	}
}

func (c *Collector) Handle(ctx context.Context, evt message.Event) error {
	session := evt.Meta().SessionID

	c.mu.Lock()
	c.total++
	kinds, ok := c.bySession[session]
	if !ok {
		kinds = make(map[message.Kind]int)
		c.bySession[session] = kinds
		c.sessions = append(c.sessions, session)
	}
	kinds[evt.Kind()]++
	c.mu.Unlock()

	switch typed := evt.(type) {
	case *Greeting:
		c.log.InfoContext(ctx, "Greeting received", "message", typed.Message)
	case *Notification:
		c.log.InfoContext(ctx, "Notification received", "importance", string(typed.Importance), "message", typed.Message)
	default:
		c.log.DebugContext(ctx, "Event received", "event_kind", string(evt.Kind()))
	}

	return nil
}

func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Count returns how many events of kind were seen in session.
func (c *Collector) Count(session string, kind message.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySession[session][kind]
}

// Summary writes the per-session totals in first-seen session order.
func (c *Collector) Summary(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(w, "\n=== %s Event Summary ===\n", c.name)
	fmt.Fprintf(w, "Total events collected: %d\n", c.total)
	fmt.Fprintln(w, "\nEvents by session:")
	for _, session := range c.sessions {
		kinds := c.bySession[session]
		count := 0
		names := make([]string, 0, len(kinds))
		for kind, n := range kinds {
			count += n
			names = append(names, string(kind))
		}
		slices.Sort(names)

		fmt.Fprintf(w, "  Session %s: %d events\n", session, count)
		for _, name := range names {
			fmt.Fprintf(w, "    - %s: %d\n", name, kinds[message.Kind(name)])
		}
	}
}
