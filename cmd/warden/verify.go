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
	"github.com/wardenlabs/warden/pkg/ledger"
)

// runVerify implements `warden verify`.
//
// With no flags it re-derives every hash in the node's chain from genesis.
// With --pack it checks a previously exported evidence pack instead.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath string
		dbURL      string
		packPath   string
		jsonOutput bool
	)

	cmd.StringVar(&ledgerPath, "ledger", "", "Chain file to verify (default: LEDGER_PATH)")
	cmd.StringVar(&dbURL, "db", "", "Database DSN holding the chain (default: DATABASE_URL)")
	cmd.StringVar(&packPath, "pack", "", "Verify an exported evidence pack instead of the chain")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if packPath != "" {
		return verifyPack(packPath, jsonOutput, stdout, stderr)
	}
	return verifyChain(context.Background(), ledgerPath, dbURL, jsonOutput, stdout, stderr)
}

type chainReport struct {
	Verified     bool    `json:"verified"`
	Source       string  `json:"source"`
	Events       uint64  `json:"events"`
	HeadSequence uint64  `json:"head_sequence"`
	HeadHash     string  `json:"head_hash,omitempty"`
	CorruptAt    *uint64 `json:"corrupt_at,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

func verifyChain(ctx context.Context, ledgerPath, dbURL string, jsonOutput bool, stdout, stderr io.Writer) int {
	kind, source := resolveChain(ledgerPath, dbURL)
	report := chainReport{Source: source}

	store, err := openChainStore(ctx, kind, source)
	if err == nil {
		defer func() { _ = store.Close() }()
		var led *ledger.Ledger
		led, err = ledger.Open(ctx, store)
		if err == nil {
			err = led.VerifyChain(ctx)
			report.Events = led.Len()
			if seq, hash, ok := led.Head(); ok {
				report.HeadSequence = seq
				report.HeadHash = hash
			}
		}
	}
	if err != nil {
		var corrupt *ledger.CorruptionError
		if !errors.As(err, &corrupt) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report.CorruptAt = &corrupt.Sequence
		report.Reason = corrupt.Reason
	} else {
		report.Verified = true
	}
	return printChainReport(stdout, jsonOutput, report)
}

func printChainReport(stdout io.Writer, jsonOutput bool, r chainReport) int {
	if jsonOutput {
		data, _ := json.MarshalIndent(r, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if r.Verified {
		_, _ = fmt.Fprintf(stdout, "✅ chain verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Source: %s\n", r.Source)
		_, _ = fmt.Fprintf(stdout, "Events: %d\n", r.Events)
		if r.HeadHash != "" {
			_, _ = fmt.Fprintf(stdout, "Head: %d %s\n", r.HeadSequence, r.HeadHash)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ chain verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Source: %s\n", r.Source)
		if r.CorruptAt != nil {
			_, _ = fmt.Fprintf(stdout, "  - corrupt at sequence %d: %s\n", *r.CorruptAt, r.Reason)
		}
	}
	if !r.Verified {
		return 1
	}
	return 0
}

func verifyPack(path string, jsonOutput bool, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	manifest, err := archive.Verify(data)
	if err != nil {
		if jsonOutput {
			out, _ := json.MarshalIndent(map[string]any{"verified": false, "pack": path, "reason": err.Error()}, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(out))
		} else {
			_, _ = fmt.Fprintf(stdout, "❌ evidence pack verification FAILED\n")
			_, _ = fmt.Fprintf(stdout, "Pack: %s\n", path)
			_, _ = fmt.Fprintf(stdout, "  - %v\n", err)
		}
		return 1
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{"verified": true, "pack": path, "manifest": manifest}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "✅ evidence pack verification PASSED\n")
	_, _ = fmt.Fprintf(stdout, "Pack: %s\n", path)
	_, _ = fmt.Fprintf(stdout, "Node: %s\n", manifest.NodeID)
	if manifest.TaskID != "" {
		_, _ = fmt.Fprintf(stdout, "Task: %s\n", manifest.TaskID)
	}
	_, _ = fmt.Fprintf(stdout, "Events: %d (sequences %d..%d)\n", manifest.EventCount, manifest.FromSeq, manifest.ToSeq)
	_, _ = fmt.Fprintf(stdout, "Chain head at export: %d %s\n", manifest.ChainHead.Sequence, manifest.ChainHead.Hash)
	return 0
}
