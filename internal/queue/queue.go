// Package queue provides the durable broker-event FIFO and the delayed task
// set used to schedule order flushes.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/atmx/prediction-engine/internal/model"
)

var (
	ErrQueueEmpty  = errors.New("event queue empty")
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a FIFO of broker events.
type Queue interface {
	// Push appends an event at the tail.
	Push(ctx context.Context, ev model.BrokerEvent) error

	// Pop removes the head event, or returns ErrQueueEmpty.
	Pop(ctx context.Context) (*model.BrokerEvent, error)

	Len(ctx context.Context) (int64, error)
}

// DelayQueue is a set of task ids each due at a time. Scheduling an id that
// is already pending keeps the original due time.
type DelayQueue interface {
	Schedule(ctx context.Context, id string, at time.Time) error

	// Due returns up to limit ids whose due time is at or before now, oldest
	// first. Ids stay pending until Complete.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)

	Complete(ctx context.Context, id string) error
}

// MemoryQueue is a bounded in-process Queue.
type MemoryQueue struct {
	mu       sync.Mutex
	events   []model.BrokerEvent
	capacity int
	closed   bool
}

// NewMemoryQueue allocates a queue. capacity <= 0 means unbounded.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{capacity: capacity}
}

func (q *MemoryQueue) Push(_ context.Context, ev model.BrokerEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.events) >= q.capacity {
		return ErrQueueFull
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (*model.BrokerEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, ErrQueueEmpty
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return &ev, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.events)), nil
}

// Close stops the queue from accepting new events. Queued events can still
// be popped.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// MemoryDelayQueue is an in-process DelayQueue.
type MemoryDelayQueue struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewMemoryDelayQueue creates an empty delay queue.
func NewMemoryDelayQueue() *MemoryDelayQueue {
	return &MemoryDelayQueue{pending: make(map[string]time.Time)}
}

func (q *MemoryDelayQueue) Schedule(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; !ok {
		q.pending[id] = at
	}
	return nil
}

func (q *MemoryDelayQueue) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type task struct {
		id string
		at time.Time
	}
	var due []task
	for id, at := range q.pending {
		if !at.After(now) {
			due = append(due, task{id, at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})

	ids := make([]string, 0, len(due))
	for _, t := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, t.id)
	}
	return ids, nil
}

func (q *MemoryDelayQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
	return nil
}

// Pending returns the number of scheduled tasks.
func (q *MemoryDelayQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
