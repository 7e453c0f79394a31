// Package admission turns raw inbound requests into prioritized, queued, or
// rejected work items. A request passes four stages: a security filter, intent
// classification, the HIGH synchronous path, and the bounded LOW lazy queue.
// Every outcome, including a rejection, lands on the ledger.
package admission

import (
	"errors"
	"time"
)

// Tier is the coarse classification assigned to an inbound request. BLOCKED
// exists only here; a blocked request never becomes a task.
type Tier string

const (
	TierBlocked Tier = "BLOCKED"
	TierLow     Tier = "LOW"
	TierMedium  Tier = "MEDIUM"
	TierHigh    Tier = "HIGH"
)

// ReasonQueueSaturated is the rejection reason when the lazy queue is at
// capacity. Callers match on it to distinguish overload from hostile input.
const ReasonQueueSaturated = "queue_saturated"

// RoutingDecision is the write-once outcome of Admit. Replays inside the
// idempotency window return the stored decision unchanged.
type RoutingDecision struct {
	RequestID string    `json:"request_id"`
	Tier      Tier      `json:"tier"`
	Reason    string    `json:"reason,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// AdmitRequest carries one inbound unit of work.
type AdmitRequest struct {
	Input        []byte `json:"input"`
	SourceAgent  string `json:"source_agent"`
	UserPriority int    `json:"user_priority"`
}

var (
	// ErrQueueFull is returned by a LazyQueue push at capacity.
	ErrQueueFull = errors.New("admission: lazy queue at capacity")
)
