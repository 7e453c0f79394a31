package kernel

import (
	"context"

	"github.com/wardenlabs/warden/pkg/observability"
	"github.com/wardenlabs/warden/pkg/sched"
)

// LedgerStatus summarizes the chain head.
type LedgerStatus struct {
	Events       uint64 `json:"events"`
	HeadSequence uint64 `json:"head_sequence"`
	HeadHash     string `json:"head_hash,omitempty"`
	Halted       bool   `json:"halted"`
	HaltReason   string `json:"halt_reason,omitempty"`
}

// Status is the operator view of one node. Degraded means the ledger halted
// on an append or recovery failure: reads still work, admission does not.
type Status struct {
	Ready        bool                            `json:"ready"`
	Degraded     bool                            `json:"degraded"`
	NodeID       string                          `json:"node_id"`
	Version      string                          `json:"version"`
	Capabilities Capabilities                    `json:"capabilities"`
	Ledger       LedgerStatus                    `json:"ledger"`
	Tasks        sched.Counts                    `json:"tasks"`
	QueueDepth   int                             `json:"queue_depth"`
	Objectives   []observability.ObjectiveStatus `json:"objectives,omitempty"`
}

// Status reports the current node state. Before Init completes it returns
// identity and capabilities only.
func (k *Kernel) Status(ctx context.Context) (*Status, error) {
	k.mu.Lock()
	ready := k.started
	k.mu.Unlock()

	st := &Status{
		Ready:        ready,
		NodeID:       k.nodeID,
		Version:      Version,
		Capabilities: k.caps,
	}
	if !ready {
		return st, nil
	}

	seq, hash, _ := k.ledger.Head()
	st.Degraded = k.ledger.Halted()
	st.Ledger = LedgerStatus{
		Events:       k.ledger.Len(),
		HeadSequence: seq,
		HeadHash:     hash,
		Halted:       k.ledger.Halted(),
		HaltReason:   k.ledger.HaltReason(),
	}

	counts, err := k.sched.Counts(ctx)
	if err != nil {
		return nil, err
	}
	st.Tasks = counts

	depth, err := k.router.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	st.QueueDepth = depth

	st.Objectives = k.objectives.StatusAll()
	return st, nil
}
