package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wardenlabs/warden/pkg/admission"
	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/gate"
	"github.com/wardenlabs/warden/pkg/ledger"
	"github.com/wardenlabs/warden/pkg/observability"
	"github.com/wardenlabs/warden/pkg/sched"
)

// Register admits an agent through the governance gate. The agent swears
// over the current policy document; a bad oath is rejected and recorded.
func (k *Kernel) Register(ctx context.Context, req gate.RegisterRequest) (*gate.Agent, error) {
	ctx, finish := k.telemetry.TrackOperation(ctx, "gate.register",
		observability.AttrAgentID.String(req.AgentID))
	agent, err := k.gate.Register(ctx, req)
	finish(err)
	return agent, err
}

// Admit routes one inbound request through the admission pipeline and
// returns the write-once decision.
func (k *Kernel) Admit(ctx context.Context, req admission.AdmitRequest) (*admission.RoutingDecision, error) {
	start := time.Now()
	ctx, finish := k.telemetry.TrackOperation(ctx, "admission.admit",
		observability.AttrAgentID.String(req.SourceAgent))

	dec, err := k.router.Admit(ctx, req)
	if dec != nil {
		observability.AddSpanEvent(ctx, "admission.decision",
			observability.AttrRequestID.String(dec.RequestID),
			observability.AttrRequestTier.String(string(dec.Tier)))
	}
	k.objectives.Record(observability.OpAdmit, time.Since(start), err == nil)
	finish(err)
	return dec, err
}

// NextTask hands the most urgent dispatchable task to agentID, or nil when
// nothing is ready. Unsworn agents get sched.ErrNotSworn.
func (k *Kernel) NextTask(ctx context.Context, agentID string) (*sched.Task, error) {
	start := time.Now()
	ctx, finish := k.telemetry.TrackOperation(ctx, "sched.next_task",
		observability.AttrAgentID.String(agentID))

	task, err := k.sched.NextTask(ctx, agentID)
	switch {
	case err != nil:
		k.objectives.Record(observability.OpDispatch, time.Since(start), false)
	case task != nil:
		observability.AddSpanEvent(ctx, "task.claimed",
			observability.TaskOperation(task.ID, string(task.Tier), string(task.Status), task.AttemptCount)...)
		k.objectives.Record(observability.OpDispatch, time.Since(start), true)
	}
	finish(err)
	return task, err
}

// StartTask moves a claimed task to IN_PROGRESS under its execution lease.
func (k *Kernel) StartTask(ctx context.Context, taskID, agentID string) error {
	ctx, finish := k.telemetry.TrackOperation(ctx, "sched.start",
		observability.AttrTaskID.String(taskID),
		observability.AttrAgentID.String(agentID))
	err := k.sched.Start(ctx, taskID, agentID)
	finish(err)
	return err
}

// ReportResult records a terminal outcome from the owning agent. The
// completion objective measures claim-to-report time.
func (k *Kernel) ReportResult(ctx context.Context, taskID, agentID string, outcome sched.Status, result json.RawMessage) error {
	ctx, finish := k.telemetry.TrackOperation(ctx, "sched.report_result",
		observability.AttrTaskID.String(taskID),
		observability.AttrAgentID.String(agentID),
		observability.AttrTaskStatus.String(string(outcome)))

	var claimedAt *time.Time
	if t, gerr := k.sched.Get(ctx, taskID); gerr == nil {
		claimedAt = t.ClaimedAt
	}
	err := k.sched.ReportResult(ctx, taskID, agentID, outcome, result)
	if err == nil && claimedAt != nil {
		k.objectives.Record(observability.OpComplete, time.Since(*claimedAt), outcome == sched.StatusCompleted)
	}
	finish(err)
	return err
}

// EventsSince pages the ledger from a sequence number, inclusive.
func (k *Kernel) EventsSince(ctx context.Context, from uint64, limit int) ([]*ledger.Event, error) {
	return k.ledger.EventsSince(ctx, from, limit)
}

// VerifyChain re-walks the full chain and reports the first corruption.
func (k *Kernel) VerifyChain(ctx context.Context) error {
	ctx, finish := k.telemetry.TrackOperation(ctx, "ledger.verify_chain")
	err := k.ledger.VerifyChain(ctx)
	finish(err)
	return err
}

// TaskHistory replays the ledger slice correlated to one task.
func (k *Kernel) TaskHistory(ctx context.Context, taskID string) ([]*ledger.Event, error) {
	return k.ledger.TaskHistory(ctx, taskID)
}

// Task returns a snapshot of one task.
func (k *Kernel) Task(ctx context.Context, taskID string) (*sched.Task, error) {
	return k.sched.Get(ctx, taskID)
}

// PolicyHash is the sha256 of the policy document agents currently swear
// over.
func (k *Kernel) PolicyHash(ctx context.Context) (string, error) {
	return k.gate.CurrentPolicyHash(ctx)
}

func (k *Kernel) Ledger() *ledger.Ledger                      { return k.ledger }
func (k *Kernel) Gate() *gate.Gate                            { return k.gate }
func (k *Kernel) Scheduler() *sched.Scheduler                 { return k.sched }
func (k *Kernel) Router() *admission.Router                   { return k.router }
func (k *Kernel) Keyring() *crypto.Keyring                    { return k.keyring }
func (k *Kernel) Telemetry() *observability.Provider          { return k.telemetry }
func (k *Kernel) Objectives() *observability.ObjectiveTracker { return k.objectives }
func (k *Kernel) Capabilities() Capabilities                  { return k.caps }
func (k *Kernel) NodeID() string                              { return k.nodeID }
