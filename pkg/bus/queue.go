package bus

import (
	"sync"
	"time"

	"sessionbus/pkg/message"
)

type queueItem struct {
	event message.Event
	done  chan struct{}
	err   error
}

func newQueueItem(evt message.Event) *queueItem {
	return &queueItem{event: evt, done: make(chan struct{})}
}

// finish records the dispatch outcome and releases any waiting publisher.
// It must be called exactly once per item.
func (i *queueItem) finish(err error) {
	i.err = err
	close(i.done)
}

// queue is the FIFO of pending events. popDue skips scheduled events that
// are not due yet, so a future event never holds back the ones behind it.
type queue struct {
	mu    sync.Mutex
	items []*queueItem
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(item *queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) popDue(now time.Time) (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for idx, item := range q.items {
		if !message.IsDue(item.event, now) {
			continue
		}

		q.items = append(q.items[:idx], q.items[idx+1:]...)
		return item, true
	}

	return nil, false
}

// nextScheduled returns the earliest due time among waiting scheduled
// events.
func (q *queue) nextScheduled() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, item := range q.items {
		scheduled, ok := item.event.(message.Scheduled)
		if !ok {
			continue
		}
		if at := scheduled.ScheduledAt(); !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}

	return earliest, found
}

func (q *queue) takeAll() []*queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *queue) depth() (total int, scheduled int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if _, ok := item.event.(message.Scheduled); ok {
			scheduled++
		}
	}

	return len(q.items), scheduled
}

func (q *queue) wakeChannel() <-chan struct{} {
	return q.wake
}
