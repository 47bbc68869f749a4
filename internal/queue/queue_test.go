package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/queue"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := queue.NewMemoryQueue(0)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3"} {
		if err := q.Push(ctx, model.BrokerEvent{Kind: model.EventOrderStatus, OrderID: id}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("expected len 3, got %d", n)
	}

	for _, want := range []string{"o1", "o2", "o3"} {
		ev, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if ev.OrderID != want {
			t.Errorf("expected %s, got %s", want, ev.OrderID)
		}
	}

	if _, err := q.Pop(ctx); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestMemoryQueue_CapacityAndClose(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	ctx := context.Background()

	q.Push(ctx, model.BrokerEvent{OrderID: "o1"})
	if err := q.Push(ctx, model.BrokerEvent{OrderID: "o2"}); !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	q.Close()
	q.Pop(ctx)
	if err := q.Push(ctx, model.BrokerEvent{OrderID: "o3"}); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestMemoryDelayQueue_Due(t *testing.T) {
	q := queue.NewMemoryDelayQueue()
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

	q.Schedule(ctx, "late", base.Add(2*time.Minute))
	q.Schedule(ctx, "early", base.Add(time.Minute))
	q.Schedule(ctx, "later", base.Add(time.Hour))

	due, _ := q.Due(ctx, base.Add(5*time.Minute), 0)
	if len(due) != 2 || due[0] != "early" || due[1] != "late" {
		t.Fatalf("expected [early late], got %v", due)
	}

	due, _ = q.Due(ctx, base.Add(5*time.Minute), 1)
	if len(due) != 1 || due[0] != "early" {
		t.Errorf("expected limit to apply, got %v", due)
	}

	// Ids stay pending until completed.
	q.Complete(ctx, "early")
	due, _ = q.Due(ctx, base.Add(5*time.Minute), 0)
	if len(due) != 1 || due[0] != "late" {
		t.Errorf("expected [late], got %v", due)
	}
}

func TestMemoryDelayQueue_RescheduleKeepsOriginal(t *testing.T) {
	q := queue.NewMemoryDelayQueue()
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

	q.Schedule(ctx, "o1", base.Add(time.Minute))
	q.Schedule(ctx, "o1", base.Add(time.Hour))

	if q.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Pending())
	}
	due, _ := q.Due(ctx, base.Add(2*time.Minute), 0)
	if len(due) != 1 {
		t.Errorf("expected original due time to hold, got %v", due)
	}
}
