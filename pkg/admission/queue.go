package admission

import (
	"context"
	"sync"
)

// LazyQueue holds the ids of parked LOW-tier tasks until the drainer
// promotes them. Push is the capacity gate: at the configured limit it
// returns ErrQueueFull instead of blocking or growing.
type LazyQueue interface {
	Push(ctx context.Context, taskID string) error
	// Pop returns "" when the queue is empty.
	Pop(ctx context.Context) (string, error)
	// Remove drops one occurrence of taskID; unparking compensation when a
	// submit fails after the capacity slot was taken.
	Remove(ctx context.Context, taskID string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue is the in-process LazyQueue used in lite mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []string
	capacity int
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{capacity: capacity}
}

func (q *MemoryQueue) Push(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, taskID)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", nil
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, nil
}

func (q *MemoryQueue) Remove(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.items {
		if id == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Close() error { return nil }
