package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kernel semantic convention attributes.
var (
	// Admission attributes
	AttrRequestID   = attribute.Key("warden.request.id")
	AttrRequestTier = attribute.Key("warden.request.tier")
	AttrStage       = attribute.Key("warden.admission.stage")

	// Scheduler attributes
	AttrTaskID     = attribute.Key("warden.task.id")
	AttrTaskStatus = attribute.Key("warden.task.status")
	AttrAttempt    = attribute.Key("warden.task.attempt")

	// Governance gate attributes
	AttrAgentID     = attribute.Key("warden.agent.id")
	AttrPolicyHash  = attribute.Key("warden.policy.hash")
	AttrOathOutcome = attribute.Key("warden.oath.outcome")

	// Ledger attributes
	AttrEventType = attribute.Key("warden.ledger.event_type")
	AttrLedgerSeq = attribute.Key("warden.ledger.sequence")
)

// AdmissionOperation creates attributes for admission pipeline operations.
func AdmissionOperation(requestID, tier, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrRequestTier.String(tier),
		AttrStage.String(stage),
	}
}

// TaskOperation creates attributes for scheduler operations.
func TaskOperation(taskID, tier, status string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrRequestTier.String(tier),
		AttrTaskStatus.String(status),
		AttrAttempt.Int(attempt),
	}
}

// OathOperation creates attributes for governance gate decisions.
func OathOperation(agentID, policyHash, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrPolicyHash.String(policyHash),
		AttrOathOutcome.String(outcome),
	}
}

// LedgerOperation creates attributes for ledger appends and scans.
func LedgerOperation(eventType string, sequence uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(eventType),
		AttrLedgerSeq.Int64(int64(sequence)),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span and marks it failed. A nil
// err leaves the span status untouched.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
