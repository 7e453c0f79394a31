// Package ledger implements the append-only, hash-chained event store every
// kernel component writes through. Each event's hash covers the previous
// event's hash, so any mutation of recorded history is detectable; on
// detection the ledger halts all writes until an operator intervenes.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wardenlabs/warden/pkg/canonical"
)

// EventType discriminates ledger event payloads.
type EventType string

const (
	EventOathSworn       EventType = "OATH_SWORN"
	EventOathRejected    EventType = "OATH_REJECTED"
	EventRequestAdmitted EventType = "REQUEST_ADMITTED"
	EventRequestBlocked  EventType = "REQUEST_BLOCKED"
	EventTaskCreated     EventType = "TASK_CREATED"
	EventTaskClaimed     EventType = "TASK_CLAIMED"
	EventTaskStarted     EventType = "TASK_STARTED"
	EventTaskCompleted   EventType = "TASK_COMPLETED"
	EventTaskFailed      EventType = "TASK_FAILED"
	EventTaskDead        EventType = "TASK_DEAD"
	EventTaskReclaimed   EventType = "TASK_RECLAIMED"
)

// SystemActor is recorded for events the kernel emits on its own behalf.
const SystemActor = "SYSTEM"

// GenesisHash seeds the chain before the first event exists.
const GenesisHash = "genesis"

// Event is one link of the hash chain. Immutable once appended.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Type      EventType       `json:"type"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// envelope is the hashed portion of an event. The timestamp is pinned to
// RFC 3339 nanosecond form so a stored event re-derives the same bytes.
type envelope struct {
	Sequence  uint64          `json:"sequence"`
	Type      EventType       `json:"type"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// computeHash returns sha256(prevHash || canonical(envelope)), prefixed.
func computeHash(prevHash string, ev *Event) (string, error) {
	canon, err := canonical.Marshal(envelope{
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Actor:     ev.Actor,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("event %d: %w", ev.Sequence, err)
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canon)
	return canonical.HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

var (
	// ErrHalted is returned by Append after corruption was detected or
	// persistence retries were exhausted. Reads remain available.
	ErrHalted = errors.New("ledger: halted, writes rejected")

	// ErrPersistence wraps storage I/O failures that survived the retry
	// schedule.
	ErrPersistence = errors.New("ledger: persistence failure")

	// ErrInvalidPayload is returned when an event payload cannot be
	// serialized.
	ErrInvalidPayload = errors.New("ledger: invalid event payload")
)

// CorruptionError reports the first chain position whose stored bytes no
// longer re-derive their recorded hash.
type CorruptionError struct {
	Sequence uint64
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger: chain corrupt at sequence %d: %s", e.Sequence, e.Reason)
}
