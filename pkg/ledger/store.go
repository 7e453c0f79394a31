package ledger

import (
	"context"
	"sync"
)

// Store persists chained events. Append must be durable when it returns:
// the ledger relies on this for its crash guarantee. Implementations must
// be safe for one writer and many concurrent readers.
type Store interface {
	// Append persists a fully-formed event.
	Append(ctx context.Context, ev *Event) error
	// Last returns the highest-sequence event. ok is false when empty.
	Last(ctx context.Context) (*Event, bool, error)
	// Page returns up to limit events with Sequence >= from, ascending.
	Page(ctx context.Context, from uint64, limit int) ([]*Event, error)
	// Count returns the number of persisted events.
	Count(ctx context.Context) (uint64, error)
	Close() error
}

// MemoryStore keeps the chain in process memory. Used by tests and by
// ephemeral nodes that accept losing history on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, false, nil
	}
	cp := *s.events[len(s.events)-1]
	return &cp, true, nil
}

func (s *MemoryStore) Page(_ context.Context, from uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, limit)
	for _, ev := range s.events {
		if ev.Sequence < from {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

func (s *MemoryStore) Close() error { return nil }

// Corrupt flips one byte of a stored event's payload. Test hook for chain
// verification; not part of the Store contract.
func (s *MemoryStore) Corrupt(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Sequence == seq && len(ev.Payload) > 2 {
			ev.Payload[len(ev.Payload)/2] ^= 0x01
			return true
		}
	}
	return false
}
