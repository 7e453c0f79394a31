package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenlabs/warden/pkg/retry"
)

func fastRetryPolicy() retry.Policy {
	return retry.Policy{BaseMs: 1, MaxMs: 2, MaxAttempts: 2}
}

func testClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func openTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := Open(context.Background(), store, WithClock(testClock()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, store
}

func TestAppend_BuildsChain(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	var prev string = GenesisHash
	for i := 0; i < 5; i++ {
		ev, err := l.Append(ctx, EventTaskCreated, SystemActor, map[string]int{"n": i})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if ev.Sequence != uint64(i) {
			t.Errorf("sequence = %d, want %d", ev.Sequence, i)
		}
		if ev.PrevHash != prev {
			t.Errorf("prev_hash = %q, want %q", ev.PrevHash, prev)
		}
		if !strings.HasPrefix(ev.Hash, "sha256:") {
			t.Errorf("hash %q missing algorithm prefix", ev.Hash)
		}
		prev = ev.Hash
	}

	seq, head, ok := l.Head()
	if !ok || seq != 4 || head != prev {
		t.Errorf("Head() = (%d, %q, %v), want (4, %q, true)", seq, head, ok, prev)
	}
	if l.Len() != 5 {
		t.Errorf("Len() = %d, want 5", l.Len())
	}
}

func TestVerifyChain_CleanChainPasses(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := l.Append(ctx, EventRequestAdmitted, "agent-a", map[string]string{"request": fmt.Sprintf("r-%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain on clean chain: %v", err)
	}
	if l.Halted() {
		t.Fatal("clean verification must not halt the ledger")
	}
}

func TestVerifyChain_DetectsTamperingAtExactSequence(t *testing.T) {
	l, store := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.Append(ctx, EventTaskCompleted, "agent-b", map[string]string{"task": fmt.Sprintf("t-%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if !store.Corrupt(6) {
		t.Fatal("failed to corrupt stored event")
	}

	err := l.VerifyChain(ctx)
	var corr *CorruptionError
	if !errors.As(err, &corr) {
		t.Fatalf("VerifyChain = %v, want CorruptionError", err)
	}
	if corr.Sequence != 6 {
		t.Errorf("corruption reported at %d, want 6", corr.Sequence)
	}
	if !l.Halted() {
		t.Fatal("corruption must halt the ledger")
	}

	// Writes fail closed after the halt.
	if _, err := l.Append(ctx, EventTaskCreated, SystemActor, nil); !errors.Is(err, ErrHalted) {
		t.Fatalf("Append after halt = %v, want ErrHalted", err)
	}
}

func TestEventsSince_PagesAndResumes(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, err := l.Append(ctx, EventTaskClaimed, "agent-c", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, err := l.EventsSince(ctx, 10, 5)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(page) != 5 || page[0].Sequence != 10 || page[4].Sequence != 14 {
		t.Fatalf("page = %d events starting %d", len(page), page[0].Sequence)
	}

	// Resume from where the last page ended.
	page, err = l.EventsSince(ctx, page[4].Sequence+1, 100)
	if err != nil {
		t.Fatalf("EventsSince resume: %v", err)
	}
	if len(page) != 15 || page[0].Sequence != 15 {
		t.Fatalf("resumed page = %d events starting %d", len(page), page[0].Sequence)
	}
}

func TestCursor_LazyWalkAndRestart(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	const total = 600 // forces multiple internal pages
	for i := 0; i < total; i++ {
		if _, err := l.Append(ctx, EventTaskCreated, SystemActor, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	cur := l.Cursor(0)
	var seen uint64
	for {
		ev, ok, err := cur.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if ev.Sequence != seen {
			t.Fatalf("out of order: got %d, want %d", ev.Sequence, seen)
		}
		seen++
		if seen == 100 {
			break
		}
	}

	// Restart a fresh cursor from the persisted position.
	resumed := l.Cursor(cur.Seq())
	ev, ok, err := resumed.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("resumed Next: %v ok=%v", err, ok)
	}
	if ev.Sequence != 100 {
		t.Fatalf("resumed at %d, want 100", ev.Sequence)
	}
}

func TestAppend_ConcurrentWritersKeepChainIntact(t *testing.T) {
	l, _ := openTestLedger(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(ctx, EventTaskCreated, fmt.Sprintf("agent-%d", w), map[string]int{"i": i}); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if l.Len() != writers*perWriter {
		t.Fatalf("Len() = %d, want %d", l.Len(), writers*perWriter)
	}
	if err := l.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain after concurrent writes: %v", err)
	}
}

func TestOpen_ResumesExistingChain(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l1, err := Open(ctx, store, WithClock(testClock()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := l1.Append(ctx, EventOathSworn, "agent-x", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_, head1, _ := l1.Head()

	// Simulated restart over the same store.
	l2, err := Open(ctx, store, WithClock(testClock()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	seq, head2, ok := l2.Head()
	if !ok || seq != 6 || head2 != head1 {
		t.Fatalf("reopened head = (%d, %q), want (6, %q)", seq, head2, head1)
	}

	ev, err := l2.Append(ctx, EventOathSworn, "agent-y", nil)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if ev.Sequence != 7 || ev.PrevHash != head1 {
		t.Fatalf("chain did not resume: seq=%d prev=%q", ev.Sequence, ev.PrevHash)
	}
	if err := l2.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain after resume: %v", err)
	}
}

func TestOpen_RejectsTamperedTail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l, err := Open(ctx, store, WithClock(testClock()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, EventTaskFailed, "agent-z", map[string]string{"reason": "boom"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	store.Corrupt(2)

	_, err = Open(ctx, store)
	var corr *CorruptionError
	if !errors.As(err, &corr) {
		t.Fatalf("Open over tampered tail = %v, want CorruptionError", err)
	}
	if corr.Sequence != 2 {
		t.Errorf("reported sequence %d, want 2", corr.Sequence)
	}
}

func TestAppend_RejectsUnserializablePayload(t *testing.T) {
	l, _ := openTestLedger(t)

	_, err := l.Append(context.Background(), EventTaskCreated, SystemActor, map[string]any{"ch": make(chan int)})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if l.Len() != 0 {
		t.Fatal("failed append must not advance the chain")
	}
}

type failingStore struct {
	MemoryStore
	fail bool
}

func (s *failingStore) Append(ctx context.Context, ev *Event) error {
	if s.fail {
		return errors.New("disk detached")
	}
	return s.MemoryStore.Append(ctx, ev)
}

func TestAppend_PersistenceFailureHaltsAfterRetries(t *testing.T) {
	store := &failingStore{}
	ctx := context.Background()

	l, err := Open(ctx, store,
		WithClock(testClock()),
		WithRetryPolicy(fastRetryPolicy()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := l.Append(ctx, EventTaskCreated, SystemActor, nil); err != nil {
		t.Fatalf("healthy append: %v", err)
	}

	store.fail = true
	_, err = l.Append(ctx, EventTaskCreated, SystemActor, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if !l.Halted() {
		t.Fatal("exhausted persistence retries must halt the ledger")
	}
	if l.HaltReason() == "" {
		t.Fatal("halt reason must be recorded")
	}

	// Recovery requires operator intervention, not a lucky retry.
	store.fail = false
	if _, err := l.Append(ctx, EventTaskCreated, SystemActor, nil); !errors.Is(err, ErrHalted) {
		t.Fatalf("append after halt = %v, want ErrHalted", err)
	}
}

func TestHashCoversPriorHistory(t *testing.T) {
	// Two chains with identical events except one byte early on must
	// diverge in every subsequent hash.
	build := func(marker string) []string {
		store := NewMemoryStore()
		l, err := Open(context.Background(), store, WithClock(testClock()))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		var hashes []string
		for i := 0; i < 4; i++ {
			payload := map[string]string{"v": "same"}
			if i == 0 {
				payload["v"] = marker
			}
			ev, err := l.Append(context.Background(), EventTaskCreated, SystemActor, payload)
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			hashes = append(hashes, ev.Hash)
		}
		return hashes
	}

	a := build("a")
	b := build("b")
	for i := range a {
		if a[i] == b[i] {
			t.Errorf("hash %d identical across diverged histories", i)
		}
	}
}
