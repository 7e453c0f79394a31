package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/wardenlabs/warden/pkg/ledger"
)

var exportClock = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// seededLedger appends seven events: an oath at sequence 0, task-1's
// lifecycle at 1..4, and task-2's admission at 5..6.
func seededLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l, err := ledger.Open(ctx, ledger.NewMemoryStore())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	type ref struct {
		TaskID string `json:"task_id"`
	}
	seed := []struct {
		typ    ledger.EventType
		actor  string
		taskID string
	}{
		{ledger.EventOathSworn, "agent-a", ""},
		{ledger.EventRequestAdmitted, "agent-a", "task-1"},
		{ledger.EventTaskCreated, "SYSTEM", "task-1"},
		{ledger.EventTaskClaimed, "agent-b", "task-1"},
		{ledger.EventTaskCompleted, "agent-b", "task-1"},
		{ledger.EventRequestAdmitted, "agent-a", "task-2"},
		{ledger.EventTaskCreated, "SYSTEM", "task-2"},
	}
	for _, s := range seed {
		var payload any
		if s.taskID != "" {
			payload = ref{TaskID: s.taskID}
		}
		if _, err := l.Append(ctx, s.typ, s.actor, payload); err != nil {
			t.Fatalf("Append %s: %v", s.typ, err)
		}
	}
	return l
}

func exportFixture(t *testing.T) (*Exporter, *FSStore) {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	exp := NewExporter(seededLedger(t), store, "node-test",
		WithClock(func() time.Time { return exportClock }))
	return exp, store
}

func packFile(t *testing.T, pack []byte, name string) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		t.Fatalf("open pack: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return data
	}
	t.Fatalf("pack has no %s", name)
	return nil
}

func TestExporter_FullRangeRoundTrip(t *testing.T) {
	exp, store := exportFixture(t)
	ctx := context.Background()

	res, err := exp.Export(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.EventCount != 7 || res.FromSeq != 0 || res.ToSeq != 6 {
		t.Fatalf("unexpected result: %+v", res)
	}

	pack, err := store.Get(ctx, res.PackHash)
	if err != nil {
		t.Fatalf("Get pack: %v", err)
	}
	if len(pack) != res.SizeBytes {
		t.Fatalf("pack is %d bytes, result says %d", len(pack), res.SizeBytes)
	}

	manifest, err := Verify(pack)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if manifest.Version != manifestVersion {
		t.Fatalf("manifest version %q", manifest.Version)
	}
	if manifest.NodeID != "node-test" {
		t.Fatalf("manifest node %q", manifest.NodeID)
	}
	if !manifest.GeneratedAt.Equal(exportClock) {
		t.Fatalf("manifest generated_at %v", manifest.GeneratedAt)
	}
	if manifest.EventCount != 7 || manifest.FromSeq != 0 || manifest.ToSeq != 6 {
		t.Fatalf("manifest range: %+v", manifest)
	}
	if manifest.ChainHead.Sequence != 6 || manifest.ChainHead.Hash == "" {
		t.Fatalf("manifest chain head: %+v", manifest.ChainHead)
	}
	for _, name := range []string{"events.jsonl", "README.txt"} {
		if manifest.FileHashes[name] == "" {
			t.Fatalf("manifest has no hash for %s", name)
		}
	}

	lines := strings.Split(strings.TrimSuffix(string(packFile(t, pack, "events.jsonl")), "\n"), "\n")
	if len(lines) != 7 {
		t.Fatalf("events.jsonl has %d lines", len(lines))
	}
	for i, line := range lines {
		var ev ledger.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d does not parse: %v", i, err)
		}
		if ev.Sequence != uint64(i) {
			t.Fatalf("line %d carries sequence %d", i, ev.Sequence)
		}
	}
}

func TestExporter_RangeFilter(t *testing.T) {
	exp, store := exportFixture(t)
	ctx := context.Background()

	res, err := exp.Export(ctx, 2, 4)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.EventCount != 3 || res.FromSeq != 2 || res.ToSeq != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}

	pack, err := store.Get(ctx, res.PackHash)
	if err != nil {
		t.Fatalf("Get pack: %v", err)
	}
	manifest, err := Verify(pack)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	// The export stops at 4 but the chain head stays at 6.
	if manifest.ChainHead.Sequence != 6 {
		t.Fatalf("chain head sequence %d", manifest.ChainHead.Sequence)
	}
}

func TestExporter_TaskPack(t *testing.T) {
	exp, store := exportFixture(t)
	ctx := context.Background()

	res, err := exp.ExportTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("ExportTask: %v", err)
	}
	if res.EventCount != 4 || res.FromSeq != 1 || res.ToSeq != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}

	pack, err := store.Get(ctx, res.PackHash)
	if err != nil {
		t.Fatalf("Get pack: %v", err)
	}
	manifest, err := Verify(pack)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if manifest.TaskID != "task-1" {
		t.Fatalf("manifest task id %q", manifest.TaskID)
	}
}

func TestExporter_EmptyRange(t *testing.T) {
	exp, _ := exportFixture(t)
	ctx := context.Background()

	if _, err := exp.Export(ctx, 50, 0); !errors.Is(err, ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
	if _, err := exp.ExportTask(ctx, "task-nope"); !errors.Is(err, ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents for unknown task, got %v", err)
	}
	if _, err := exp.Export(ctx, 5, 2); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestVerify_DetectsTamper(t *testing.T) {
	exp, store := exportFixture(t)
	ctx := context.Background()

	res, err := exp.Export(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	pack, err := store.Get(ctx, res.PackHash)
	if err != nil {
		t.Fatalf("Get pack: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		t.Fatalf("open pack: %v", err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		data := packFile(t, pack, f.Name)
		if f.Name == "events.jsonl" {
			data = append(data, []byte(`{"sequence":99}`+"\n")...)
		}
		w, err := zw.Create(f.Name)
		if err != nil {
			t.Fatalf("rezip %s: %v", f.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("rezip write %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("rezip close: %v", err)
	}

	if _, err := Verify(buf.Bytes()); err == nil {
		t.Fatal("Verify accepted a tampered pack")
	}
}

func TestVerify_RejectsPackWithoutManifest(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("events.jsonl")
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	if _, err := w.Write([]byte("{}\n")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	if _, err := Verify(buf.Bytes()); err == nil {
		t.Fatal("Verify accepted a pack without manifest.json")
	}
}
