package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/kernel"
)

// runStatus implements `warden status`: queries a running node over HTTP.
func runStatus(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr       string
		jsonOutput bool
	)
	cmd.StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the node")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the raw status document")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/v1/status")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Status check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Status check failed: %v\n", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Status check failed: HTTP %d\n", resp.StatusCode)
		return 1
	}

	if jsonOutput {
		_, _ = fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
		return 0
	}

	var st kernel.Status
	if err := json.Unmarshal(body, &st); err != nil {
		_, _ = fmt.Fprintf(stderr, "Status check failed: bad response: %v\n", err)
		return 1
	}

	switch {
	case st.Degraded:
		_, _ = fmt.Fprintf(stdout, "%s⚠️  warden degraded%s\n", ColorBold+ColorYellow, ColorReset)
	case st.Ready:
		_, _ = fmt.Fprintf(stdout, "%s✅ warden ready%s\n", ColorBold+ColorGreen, ColorReset)
	default:
		_, _ = fmt.Fprintf(stdout, "%s❌ warden not ready%s\n", ColorBold+ColorRed, ColorReset)
	}
	_, _ = fmt.Fprintf(stdout, "Node: %s (v%s)\n", st.NodeID, st.Version)
	if st.Ledger.Halted {
		_, _ = fmt.Fprintf(stdout, "Ledger: %sHALTED%s: %s\n", ColorBold+ColorRed, ColorReset, st.Ledger.HaltReason)
	} else {
		_, _ = fmt.Fprintf(stdout, "Ledger: %d events, head %d %s\n", st.Ledger.Events, st.Ledger.HeadSequence, st.Ledger.HeadHash)
	}
	_, _ = fmt.Fprintf(stdout, "Tasks: %d pending / %d claimed / %d in progress / %d completed / %d failed / %d dead\n",
		st.Tasks.Pending, st.Tasks.Claimed, st.Tasks.InProgress, st.Tasks.Completed, st.Tasks.Failed, st.Tasks.Dead)
	_, _ = fmt.Fprintf(stdout, "Queue depth: %d\n", st.QueueDepth)
	return 0
}
