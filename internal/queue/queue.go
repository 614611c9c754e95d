// Package queue is the bounded in-process delivery queue. Entries are just
// pointers into the messages table: the queue can always be rebuilt by
// re-scanning for queued rows, so nothing here is persisted.
package queue

import (
	"context"
	"errors"
)

// Entry identifies one queued message and the team that owns it.
type Entry struct {
	MessageID int64
	TeamID    int64
}

type Queue struct {
	ch chan Entry
}

func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be > 0")
	}
	return &Queue{ch: make(chan Entry, capacity)}, nil
}

// Enqueue blocks when the queue is full: producers get backpressure
// instead of dropped work. It returns the context error on cancellation.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an entry is available or the context is done.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }
