package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/wardenlabs/warden/pkg/ledger"
)

const manifestVersion = "1.0"

var (
	// ErrNoEvents is returned when the requested range or task has nothing
	// to export. An empty evidence pack proves nothing.
	ErrNoEvents = errors.New("archive: no events in requested range")
	// ErrInvalidRange is returned when from exceeds to.
	ErrInvalidRange = errors.New("archive: from exceeds to")
)

// Manifest is written as manifest.json inside every pack. FileHashes maps
// each other file in the pack to its sha256, so the pack self-describes
// what an intact copy looks like.
type Manifest struct {
	Version     string            `json:"version"`
	NodeID      string            `json:"node_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	FromSeq     uint64            `json:"from_sequence"`
	ToSeq       uint64            `json:"to_sequence"`
	EventCount  int               `json:"event_count"`
	ChainHead   ChainHead         `json:"chain_head"`
	TaskID      string            `json:"task_id,omitempty"`
	FileHashes  map[string]string `json:"file_hashes"`
}

// ChainHead pins the chain position at export time. The exported range may
// end before the head; the head still anchors when the export was cut.
type ChainHead struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// Result describes one stored pack.
type Result struct {
	PackHash   string `json:"pack_hash"`
	SizeBytes  int    `json:"size_bytes"`
	EventCount int    `json:"event_count"`
	FromSeq    uint64 `json:"from_sequence"`
	ToSeq      uint64 `json:"to_sequence"`
}

// Exporter reads ledger ranges and writes evidence packs to a BlobStore.
type Exporter struct {
	led    *ledger.Ledger
	blobs  BlobStore
	nodeID string
	clock  func() time.Time
	logger *slog.Logger
}

type ExporterOption func(*Exporter)

func WithClock(clock func() time.Time) ExporterOption {
	return func(e *Exporter) { e.clock = clock }
}

func WithLogger(logger *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.logger = logger }
}

func NewExporter(led *ledger.Ledger, blobs BlobStore, nodeID string, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		led:    led,
		blobs:  blobs,
		nodeID: nodeID,
		clock:  time.Now,
		logger: slog.Default().With("component", "archive"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export packs the inclusive sequence range [from, to]. to of zero means
// through the current head.
func (e *Exporter) Export(ctx context.Context, from, to uint64) (*Result, error) {
	if to > 0 && from > to {
		return nil, ErrInvalidRange
	}

	var events []*ledger.Event
	cur := e.led.Cursor(from)
	for {
		ev, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: reading chain: %w", err)
		}
		if !ok {
			break
		}
		if to > 0 && ev.Sequence > to {
			break
		}
		events = append(events, ev)
	}
	return e.pack(ctx, events, "")
}

// ExportTask packs every event correlated to one task: its admission, its
// lifecycle transitions, and its terminal outcome.
func (e *Exporter) ExportTask(ctx context.Context, taskID string) (*Result, error) {
	events, err := e.led.TaskHistory(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("archive: task history: %w", err)
	}
	return e.pack(ctx, events, taskID)
}

func (e *Exporter) pack(ctx context.Context, events []*ledger.Event, taskID string) (*Result, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	var lines bytes.Buffer
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("archive: encode event %d: %w", ev.Sequence, err)
		}
		lines.Write(b)
		lines.WriteByte('\n')
	}

	first, last := events[0].Sequence, events[len(events)-1].Sequence
	headSeq, headHash, _ := e.led.Head()

	files := map[string][]byte{
		"events.jsonl": lines.Bytes(),
		"README.txt":   e.readme(first, last, len(events), headSeq, headHash),
	}

	manifest := Manifest{
		Version:     manifestVersion,
		NodeID:      e.nodeID,
		GeneratedAt: e.clock().UTC(),
		FromSeq:     first,
		ToSeq:       last,
		EventCount:  len(events),
		ChainHead:   ChainHead{Sequence: headSeq, Hash: headHash},
		TaskID:      taskID,
		FileHashes:  make(map[string]string, len(files)),
	}
	for name, data := range files {
		_, raw := contentAddress(data)
		manifest.FileHashes[name] = raw
	}

	packBytes, err := writePack(manifest, files)
	if err != nil {
		return nil, err
	}

	hash, err := e.blobs.Put(ctx, packBytes)
	if err != nil {
		return nil, fmt.Errorf("archive: store pack: %w", err)
	}

	e.logger.Info("evidence pack stored",
		"pack_hash", hash, "events", len(events), "from", first, "to", last)
	return &Result{
		PackHash:   hash,
		SizeBytes:  len(packBytes),
		EventCount: len(events),
		FromSeq:    first,
		ToSeq:      last,
	}, nil
}

func (e *Exporter) readme(from, to uint64, count int, headSeq uint64, headHash string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "warden evidence pack\n")
	fmt.Fprintf(&b, "node:  %s\n", e.nodeID)
	fmt.Fprintf(&b, "range: sequences %d through %d (%d events)\n", from, to, count)
	fmt.Fprintf(&b, "head:  sequence %d, hash %s\n\n", headSeq, headHash)
	b.WriteString("events.jsonl holds one ledger event per line, exactly as chained.\n")
	b.WriteString("manifest.json lists a sha256 for every other file in this pack;\n")
	b.WriteString("recompute them to check integrity, and re-derive the chain\n")
	b.WriteString("hashes to check history.\n")
	return b.Bytes()
}

// writePack zips manifest.json first, then the files in sorted order.
func writePack(manifest Manifest, files map[string][]byte) ([]byte, error) {
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode manifest: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("archive: zip entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("archive: zip write %s: %w", name, err)
		}
		return nil
	}

	if err := write("manifest.json", manifestBytes); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := write(name, files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close pack: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify re-reads a pack and checks every file against the manifest.
// Returns the manifest on success.
func Verify(pack []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		return nil, fmt.Errorf("archive: open pack: %w", err)
	}

	var manifest *Manifest
	hashes := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("archive: open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("archive: read %s: %w", f.Name, err)
		}

		if f.Name == "manifest.json" {
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("archive: decode manifest: %w", err)
			}
			manifest = &m
			continue
		}
		_, raw := contentAddress(data)
		hashes[f.Name] = raw
	}

	if manifest == nil {
		return nil, errors.New("archive: manifest.json missing from pack")
	}
	for name, want := range manifest.FileHashes {
		got, ok := hashes[name]
		if !ok {
			return nil, fmt.Errorf("archive: %s listed in manifest but missing", name)
		}
		if got != want {
			return nil, fmt.Errorf("archive: %s does not match its manifest hash", name)
		}
	}
	return manifest, nil
}
