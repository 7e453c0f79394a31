package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wardenlabs/warden/pkg/archive"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/ledger"
)

// runExport implements `warden export`.
//
// Builds a content-addressed evidence pack from the chain and stores it in
// the configured archive. --task exports one task's timeline; --from/--to
// export a sequence range (--to 0 means through the head).
func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath string
		dbURL      string
		taskID     string
		from       uint64
		to         uint64
		outPath    string
		jsonOutput bool
	)

	cmd.StringVar(&ledgerPath, "ledger", "", "Chain file to export from (default: LEDGER_PATH)")
	cmd.StringVar(&dbURL, "db", "", "Database DSN holding the chain (default: DATABASE_URL)")
	cmd.StringVar(&taskID, "task", "", "Export the timeline of one task")
	cmd.Uint64Var(&from, "from", 0, "First sequence to include")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to include (0 = chain head)")
	cmd.StringVar(&outPath, "out", "", "Also write the pack to this file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	kind, source := resolveChain(ledgerPath, dbURL)
	store, err := openChainStore(ctx, kind, source)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	led, err := ledger.Open(ctx, store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg := config.Load()
	blobs, err := archive.NewBlobStore(ctx, cfg.ArchiveDriver, cfg.ArchiveDir, cfg.ArchiveBucket)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	exp := archive.NewExporter(led, blobs, nodeName())
	var res *archive.Result
	if taskID != "" {
		res, err = exp.ExportTask(ctx, taskID)
	} else {
		res, err = exp.Export(ctx, from, to)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		if errors.Is(err, archive.ErrNoEvents) || errors.Is(err, archive.ErrInvalidRange) {
			return 1
		}
		return 2
	}

	if outPath != "" {
		data, getErr := blobs.Get(ctx, res.PackHash)
		if getErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read back pack: %v\n", getErr)
			return 2
		}
		if writeErr := os.WriteFile(outPath, data, 0644); writeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write %s: %v\n", outPath, writeErr)
			return 2
		}
	}

	if jsonOutput {
		out := map[string]any{
			"address":     res.PackHash,
			"size_bytes":  res.SizeBytes,
			"event_count": res.EventCount,
			"from":        res.FromSeq,
			"to":          res.ToSeq,
		}
		if outPath != "" {
			out["file"] = outPath
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "✅ evidence pack exported\n")
	_, _ = fmt.Fprintf(stdout, "Address: %s\n", res.PackHash)
	_, _ = fmt.Fprintf(stdout, "Events: %d (sequences %d..%d)\n", res.EventCount, res.FromSeq, res.ToSeq)
	_, _ = fmt.Fprintf(stdout, "Size: %d bytes\n", res.SizeBytes)
	if outPath != "" {
		_, _ = fmt.Fprintf(stdout, "Written: %s\n", outPath)
	}
	return 0
}

func nodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "warden-cli"
}
