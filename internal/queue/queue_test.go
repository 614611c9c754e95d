package queue

import (
	"context"
	"testing"
	"time"
)

func TestNew_InvalidCapacity(t *testing.T) {
	t.Parallel()

	if q, err := New(0); err == nil || q != nil {
		t.Fatalf("expected error for capacity 0, got q=%v err=%v", q, err)
	}
}

func TestEnqueueDequeue_PreservesOrder(t *testing.T) {
	t.Parallel()

	q, err := New(4)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(ctx, Entry{MessageID: i, TeamID: 9}); err != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, err)
		}
	}

	for i := int64(1); i <= 3; i++ {
		e, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error: %v", err)
		}
		if e.MessageID != i || e.TeamID != 9 {
			t.Fatalf("expected entry %d/9, got %+v", i, e)
		}
	}
}

func TestEnqueue_BlocksWhenFull(t *testing.T) {
	t.Parallel()

	q, err := New(1)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, Entry{MessageID: 1}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, Entry{MessageID: 2})
	}()

	select {
	case err := <-blocked:
		t.Fatalf("expected producer to block on full queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
		// Still blocked: backpressure is working.
	}

	// Draining one entry releases the producer.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("expected enqueue to succeed after drain, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("producer still blocked after drain")
	}
}

func TestEnqueue_CanceledContext(t *testing.T) {
	t.Parallel()

	q, err := New(1)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := q.Enqueue(context.Background(), Entry{MessageID: 1}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Enqueue(ctx, Entry{MessageID: 2}); err == nil {
		t.Fatalf("expected context error on full queue, got nil")
	}
}

func TestDequeue_CanceledContext(t *testing.T) {
	t.Parallel()

	q, err := New(1)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected context error on empty queue, got nil")
	}
}
