package sched

import (
	"context"
	"fmt"
	"sync"
)

// Counts is the queue_status breakdown. Failed counts tasks currently in
// FAILED, which is transient; Dead is the terminal bucket.
type Counts struct {
	Pending       int          `json:"pending"`
	Claimed       int          `json:"claimed"`
	InProgress    int          `json:"in_progress"`
	Completed     int          `json:"completed"`
	Failed        int          `json:"failed"`
	Dead          int          `json:"dead"`
	PendingByTier map[Tier]int `json:"by_tier"`
}

// TaskStore is the durable task table. The scheduler's in-memory index is
// authoritative for selection; the store is authoritative across restarts.
type TaskStore interface {
	Insert(ctx context.Context, task *Task) error
	Update(ctx context.Context, task *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	// Active returns every non-terminal task, for boot reload.
	Active(ctx context.Context) ([]*Task, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// MemoryTaskStore backs tests and ephemeral nodes.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*Task)}
}

func (s *MemoryTaskStore) Insert(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("sched: task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryTaskStore) Update(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		return ErrNotFound
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryTaskStore) Active(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			out = append(out, cloneTask(task))
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Counts{PendingByTier: make(map[Tier]int)}
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending:
			c.Pending++
			c.PendingByTier[task.Tier]++
		case StatusClaimed:
			c.Claimed++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusDead:
			c.Dead++
		}
	}
	return c, nil
}

func (s *MemoryTaskStore) Close() error { return nil }
