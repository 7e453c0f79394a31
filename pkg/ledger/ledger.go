package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/warden/pkg/retry"
)

const cursorPageSize = 256

// Ledger serializes appends onto a hash chain backed by a Store. It is the
// chain's single writer: components request appends through it and never
// touch the store directly. Readers run concurrently with writes and observe
// a consistent prefix.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	nextSeq  uint64
	headHash string

	halted     atomic.Bool
	haltReason atomic.Value // string

	clock  func() time.Time
	policy retry.Policy
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects a time source. Tests use this for deterministic chains.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithRetryPolicy overrides the persistence retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Open loads the chain tail from the store and resumes the chain from it.
// The tail's hash is re-derived before any write is accepted: a ledger never
// silently starts a new chain on top of history it cannot verify.
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		headHash: GenesisHash,
		clock:    time.Now,
		policy:   retry.DefaultPolicy,
		logger:   slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}

	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tail: %v", ErrPersistence, err)
	}
	if ok {
		derived, err := computeHash(last.PrevHash, last)
		if err != nil {
			return nil, &CorruptionError{Sequence: last.Sequence, Reason: err.Error()}
		}
		if derived != last.Hash {
			return nil, &CorruptionError{Sequence: last.Sequence, Reason: "tail hash mismatch"}
		}
		l.nextSeq = last.Sequence + 1
		l.headHash = last.Hash
	}

	l.logger.Info("ledger opened", "next_sequence", l.nextSeq, "head", l.headHash)
	return l, nil
}

// Append serializes payload, links it to the chain head, persists it
// durably, and returns the stored event. Exactly one append wins at a time.
// After a halt every call fails with ErrHalted.
func (l *Ledger) Append(ctx context.Context, typ EventType, actor string, payload any) (*Event, error) {
	if l.halted.Load() {
		return nil, ErrHalted
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted.Load() {
		return nil, ErrHalted
	}

	ev := &Event{
		Sequence:  l.nextSeq,
		Type:      typ,
		Actor:     actor,
		Payload:   raw,
		Timestamp: l.clock().UTC(),
		PrevHash:  l.headHash,
	}
	hash, err := computeHash(ev.PrevHash, ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.Hash = hash

	key := fmt.Sprintf("ledger-append-%d", ev.Sequence)
	err = retry.Do(ctx, key, l.policy, func() error {
		return l.store.Append(ctx, ev)
	})
	if err != nil {
		l.halt(fmt.Sprintf("append of sequence %d failed after retries: %v", ev.Sequence, err))
		return nil, fmt.Errorf("%w: sequence %d: %v", ErrPersistence, ev.Sequence, err)
	}

	l.nextSeq = ev.Sequence + 1
	l.headHash = ev.Hash
	return ev, nil
}

// EventsSince returns one page of events with Sequence >= from, in order.
// limit is clamped to [1, 1000]. Callers resume by passing the sequence
// after the last event they received.
func (l *Ledger) EventsSince(ctx context.Context, from uint64, limit int) ([]*Event, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	events, err := l.store.Page(ctx, from, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: page from %d: %v", ErrPersistence, from, err)
	}
	return events, nil
}

// Cursor starts a lazy, restartable walk of the chain from a sequence
// number. Pages are fetched on demand.
func (l *Ledger) Cursor(from uint64) *Cursor {
	return &Cursor{ledger: l, next: from}
}

// Cursor iterates events in sequence order, fetching store pages lazily.
type Cursor struct {
	ledger *Ledger
	next   uint64
	buf    []*Event
	done   bool
}

// Next returns the next event, or ok=false at the end of the chain.
func (c *Cursor) Next(ctx context.Context) (*Event, bool, error) {
	if len(c.buf) == 0 {
		if c.done {
			return nil, false, nil
		}
		page, err := c.ledger.EventsSince(ctx, c.next, cursorPageSize)
		if err != nil {
			return nil, false, err
		}
		if len(page) == 0 {
			c.done = true
			return nil, false, nil
		}
		if len(page) < cursorPageSize {
			c.done = true
		}
		c.buf = page
	}
	ev := c.buf[0]
	c.buf = c.buf[1:]
	c.next = ev.Sequence + 1
	return ev, true, nil
}

// Seq returns the sequence number the cursor will read next. Persist it to
// resume a walk later.
func (c *Cursor) Seq() uint64 { return c.next }

// VerifyChain re-derives every hash from genesis. The first event whose
// stored bytes do not reproduce their recorded hash is reported in a
// CorruptionError, and the ledger halts: continuing atop an unverifiable
// history is worse than stopping.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	prevHash := GenesisHash
	var expectSeq uint64

	cur := l.Cursor(0)
	for {
		ev, ok, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if ev.Sequence != expectSeq {
			return l.corrupt(expectSeq, fmt.Sprintf("sequence gap: expected %d, found %d", expectSeq, ev.Sequence))
		}
		if ev.PrevHash != prevHash {
			return l.corrupt(ev.Sequence, "prev_hash does not match preceding event")
		}
		derived, err := computeHash(ev.PrevHash, ev)
		if err != nil {
			return l.corrupt(ev.Sequence, err.Error())
		}
		if derived != ev.Hash {
			return l.corrupt(ev.Sequence, "stored hash does not re-derive")
		}

		prevHash = ev.Hash
		expectSeq++
	}
}

func (l *Ledger) corrupt(seq uint64, reason string) error {
	err := &CorruptionError{Sequence: seq, Reason: reason}
	l.halt(err.Error())
	return err
}

// Head returns the sequence and hash of the most recent event. ok is false
// on an empty chain.
func (l *Ledger) Head() (seq uint64, hash string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextSeq == 0 {
		return 0, GenesisHash, false
	}
	return l.nextSeq - 1, l.headHash, true
}

// Len returns the number of chained events.
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Halted reports whether writes are rejected.
func (l *Ledger) Halted() bool { return l.halted.Load() }

// HaltReason returns the recorded cause of the halt, or "".
func (l *Ledger) HaltReason() string {
	if r, ok := l.haltReason.Load().(string); ok {
		return r
	}
	return ""
}

func (l *Ledger) halt(reason string) {
	if l.halted.CompareAndSwap(false, true) {
		l.haltReason.Store(reason)
		l.logger.Error("LEDGER HALTED, all writes fail closed", "reason", reason)
	}
}
