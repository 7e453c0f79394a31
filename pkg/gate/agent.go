// Package gate implements the governance gate agents must pass before they
// can receive work. An agent registers by swearing an oath: an Ed25519
// signature over the hash of the governing policy document. The gate owns
// all Agent and OathRecord mutation; other components only read through it.
package gate

import (
	"errors"
	"time"
)

// OathStatus tracks where an agent stands with the governing policy.
type OathStatus string

const (
	OathUnsworn     OathStatus = "unsworn"
	OathSworn       OathStatus = "sworn"
	OathInvalidated OathStatus = "invalidated"
)

// Agent is an identity record. Created on first registration attempt and
// mutated only by the gate. Never deleted: revocation marks it invalidated
// and keeps the history.
type Agent struct {
	ID             string     `json:"agent_id"`
	PublicKey      string     `json:"public_key"`
	Capabilities   []string   `json:"capabilities"`
	OathStatus     OathStatus `json:"oath_status"`
	OathEventID    uint64     `json:"oath_event_id"`
	RuntimeVersion string     `json:"runtime_version,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
}

// OathRecord binds an agent to one policy version. Immutable once created;
// a policy change never rewrites records, their validity is recomputed
// against the current policy hash on demand.
type OathRecord struct {
	AgentID       string     `json:"agent_id"`
	PolicyHash    string     `json:"policy_hash"`
	Signature     string     `json:"signature"`
	SwornAt       time.Time  `json:"sworn_at"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
}

// Valid reports whether the record still binds to the current policy.
func (o *OathRecord) Valid(currentPolicyHash string) bool {
	return o.InvalidatedAt == nil && o.PolicyHash == currentPolicyHash
}

// Governance errors are terminal for the attempt that produced them. They
// are never retried automatically; the caller must re-register.
var (
	ErrInvalidSignature   = errors.New("gate: oath signature does not verify against the current policy")
	ErrOathStale          = errors.New("gate: policy changed since the oath was sworn, re-registration required")
	ErrAlreadyRegistered  = errors.New("gate: agent already registered and sworn")
	ErrUnknownAgent       = errors.New("gate: unknown agent")
	ErrAgentNotSworn      = errors.New("gate: agent has not sworn the current policy")
	ErrUnsupportedRuntime = errors.New("gate: agent runtime version not permitted by policy")
)
