// Package sched owns Task state. Every transition goes through the
// Scheduler, which holds the single claim mutex and writes the matching
// ledger event; no other component mutates a Task.
package sched

import (
	"encoding/json"
	"errors"
	"time"
)

// Tier is the routing tier assigned at admission. Ordering: HIGH is
// served before MEDIUM before LOW. BLOCKED requests never become tasks.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

func tierRank(t Tier) int {
	switch t {
	case TierHigh:
		return 0
	case TierMedium:
		return 1
	default:
		return 2
	}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusClaimed    Status = "CLAIMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDead       Status = "DEAD"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Task is a unit of work admitted by the router and dispatched by the
// scheduler. PlacementRank is an opaque, totally-ordered key from the
// external placement collaborator; the scheduler compares it and never
// interprets it.
type Task struct {
	ID            string          `json:"task_id"`
	AgentID       string          `json:"agent_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Tier          Tier            `json:"routing_tier"`
	PlacementRank string          `json:"placement_rank"`
	UserPriority  int             `json:"user_priority"`
	Status        Status          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	MaxRetries    int             `json:"max_retries"`
	RequestID     string          `json:"request_id,omitempty"`

	// Parked tasks exist (persisted, TASK_CREATED on the chain) but sit in
	// the admission lazy queue, invisible to get_next_task until promoted.
	Parked bool `json:"parked,omitempty"`

	// Seq is a scheduler-assigned monotonic tie-break so equal-priority
	// tasks pop in a stable order.
	Seq uint64 `json:"seq"`

	CreatedAt   time.Time  `json:"created_at"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LeaseExpiresAt bounds CLAIMED: a claim not started by then is
	// reclaimed. ExecDeadline bounds IN_PROGRESS the same way.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	ExecDeadline   *time.Time `json:"exec_deadline,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// urgentBefore is the composite total order over PENDING tasks, most
// urgent first: tier, then placement rank, then user priority descending,
// then age, then assignment order.
func urgentBefore(a, b *Task) bool {
	if ra, rb := tierRank(a.Tier), tierRank(b.Tier); ra != rb {
		return ra < rb
	}
	if a.PlacementRank != b.PlacementRank {
		return a.PlacementRank < b.PlacementRank
	}
	if a.UserPriority != b.UserPriority {
		return a.UserPriority > b.UserPriority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	cp.NotBefore = cloneTime(t.NotBefore)
	cp.ClaimedAt = cloneTime(t.ClaimedAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	cp.ExecDeadline = cloneTime(t.ExecDeadline)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Scheduling errors. NotOwner and InvalidState mean the caller's view is
// stale: re-fetch and retry. NotSworn means the gate has no standing oath
// for the calling agent.
var (
	ErrNotFound     = errors.New("sched: task not found")
	ErrNotOwner     = errors.New("sched: task not owned by calling agent")
	ErrInvalidState = errors.New("sched: task not in a claimable or reportable state")
	ErrNotSworn     = errors.New("sched: agent not sworn, no task will be dispatched")
	ErrClosed       = errors.New("sched: scheduler closed")
)
