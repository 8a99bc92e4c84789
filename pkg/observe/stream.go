package observe

import (
	"context"
	"sync"
	"sync/atomic"

	"sessionbus/pkg/message"
)

const defaultStreamBuffer = 64

// Stream fans events out to channel subscribers. A full subscriber misses
// the event instead of blocking dispatch.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan message.Event
	nextID      uint64

	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

func NewStream() *Stream {
	return &Stream{
		subscribers: make(map[uint64]chan message.Event),
		done:        make(chan struct{}),
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it. The subscription also ends when ctx is done or the stream
// is closed.
func (s *Stream) Subscribe(ctx context.Context, buffer int) (<-chan message.Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}

	ch := make(chan message.Event, buffer)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := s.nextID
	s.nextID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			s.mu.Lock()
			if eventCh, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(eventCh)
			}
			s.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-s.done:
			unsubscribe()
		case <-stop:
		}
	}()

	return ch, unsubscribe
}

func (s *Stream) Handle(_ context.Context, evt message.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}

	return nil
}

// Dropped counts deliveries skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.subscribers)
}

// Close ends every subscription.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
