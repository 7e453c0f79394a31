package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_AppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	require.NoError(t, err)

	l, err := Open(ctx, store, WithClock(testClock()))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, EventTaskCreated, "agent-f", map[string]int{"i": i})
		require.NoError(t, err)
	}
	_, head, _ := l.Head()
	require.NoError(t, store.Close())

	// Reopen: the chain resumes where it left off.
	store2, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()

	n, err := store2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	l2, err := Open(ctx, store2, WithClock(testClock()))
	require.NoError(t, err)
	seq, head2, ok := l2.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, head, head2)
	assert.NoError(t, l2.VerifyChain(ctx))
}

func TestFileStore_DropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	l, err := Open(ctx, store, WithClock(testClock()))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, EventTaskCreated, "agent-t", nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// Simulate a crash mid-append: a partial record with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":3,"type":"TASK_CRE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store2, err := OpenFileStore(path)
	require.NoError(t, err, "torn tail must be recoverable")
	defer func() { _ = store2.Close() }()

	n, err := store2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n, "the torn record is dropped")

	// The chain still verifies and accepts new writes.
	l2, err := Open(ctx, store2, WithClock(testClock()))
	require.NoError(t, err)
	require.NoError(t, l2.VerifyChain(ctx))
	ev, err := l2.Append(ctx, EventTaskCreated, "agent-t", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Sequence)
}

func TestFileStore_MidFileGarbageIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	l, err := Open(ctx, store, WithClock(testClock()))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := l.Append(ctx, EventTaskCreated, "agent-g", nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// A complete but unreadable line is not a crash artifact.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":3}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenFileStore(path)
	var corr *CorruptionError
	require.True(t, errors.As(err, &corr), "got %v", err)
}

func TestFileStore_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, ok, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
