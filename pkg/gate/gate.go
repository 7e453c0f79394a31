package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/ledger"
)

// VerifyFunc checks a signature over a message under a public key. The
// default is Ed25519 via pkg/crypto; tests inject their own.
type VerifyFunc func(publicKeyHex, signatureHex string, message []byte) (bool, error)

// Gate guards registration. Registration is all-or-nothing: any failed
// precondition leaves the registry untouched but still produces an
// OATH_REJECTED ledger event, because a rejection is itself an auditable
// fact.
type Gate struct {
	mu     sync.Mutex
	store  AgentStore
	ledger *ledger.Ledger
	policy PolicySource
	verify VerifyFunc
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithVerify swaps the signature verifier.
func WithVerify(v VerifyFunc) Option {
	return func(g *Gate) { g.verify = v }
}

// WithClock injects a time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func New(store AgentStore, led *ledger.Ledger, policy PolicySource, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		ledger: led,
		policy: policy,
		verify: crypto.Verify,
		clock:  time.Now,
		logger: slog.Default().With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterRequest carries an agent's registration attempt. The oath
// signature is an Ed25519 signature over the ASCII bytes of the prefixed
// policy hash (e.g. "sha256:ab12...").
type RegisterRequest struct {
	AgentID        string   `json:"agent_id"`
	PublicKey      string   `json:"public_key"`
	Capabilities   []string `json:"capabilities"`
	OathSignature  string   `json:"oath_signature"`
	RuntimeVersion string   `json:"runtime_version,omitempty"`
}

type oathEventPayload struct {
	AgentID        string   `json:"agent_id"`
	PolicyHash     string   `json:"policy_hash"`
	Capabilities   []string `json:"capabilities,omitempty"`
	RuntimeVersion string   `json:"runtime_version,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// Register runs the oath ceremony. The signature must verify against the
// hash of the policy as it stands right now. Success appends OATH_SWORN and
// inserts the agent; any governance failure appends OATH_REJECTED and
// inserts nothing.
func (g *Gate) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("gate: agent_id required")
	}
	if req.PublicKey == "" {
		return nil, fmt.Errorf("gate: public_key required")
	}
	if req.OathSignature == "" {
		return nil, fmt.Errorf("gate: oath_signature required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Step 1: hash the current policy document.
	raw, err := g.policy.Bytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("gate: policy unavailable: %w", err)
	}
	policyHash := HashPolicy(raw)

	// Step 2: an agent with a standing valid oath cannot re-register.
	// A stale or invalidated oath does not block: re-swearing is exactly
	// what a policy change demands.
	existing, existingOath, err := g.store.Get(ctx, req.AgentID)
	if err != nil && !errors.Is(err, ErrUnknownAgent) {
		return nil, fmt.Errorf("gate: lookup %s: %w", req.AgentID, err)
	}
	if existing != nil && existing.OathStatus == OathSworn &&
		existingOath != nil && existingOath.Valid(policyHash) {
		return nil, g.reject(ctx, req.AgentID, policyHash, "already registered and sworn", ErrAlreadyRegistered)
	}

	if err := g.checkRuntime(raw, req.RuntimeVersion); err != nil {
		return nil, g.reject(ctx, req.AgentID, policyHash, err.Error(), err)
	}

	// Step 3: the oath must verify. A malformed key or signature is an
	// invalid oath, not an internal error.
	ok, err := g.verify(req.PublicKey, req.OathSignature, []byte(policyHash))
	if err != nil {
		return nil, g.reject(ctx, req.AgentID, policyHash,
			fmt.Sprintf("malformed oath: %v", err),
			fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	if !ok {
		return nil, g.reject(ctx, req.AgentID, policyHash,
			"signature does not verify against current policy hash", ErrInvalidSignature)
	}

	// Step 4: record the oath, then admit. Ledger first: an agent exists
	// in the registry only if its swearing is on the chain.
	now := g.clock().UTC()
	ev, err := g.ledger.Append(ctx, ledger.EventOathSworn, req.AgentID, oathEventPayload{
		AgentID:        req.AgentID,
		PolicyHash:     policyHash,
		Capabilities:   req.Capabilities,
		RuntimeVersion: req.RuntimeVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("gate: recording oath: %w", err)
	}

	agent := &Agent{
		ID:             req.AgentID,
		PublicKey:      req.PublicKey,
		Capabilities:   append([]string(nil), req.Capabilities...),
		OathStatus:     OathSworn,
		OathEventID:    ev.Sequence,
		RuntimeVersion: req.RuntimeVersion,
		RegisteredAt:   now,
	}
	oath := &OathRecord{
		AgentID:    req.AgentID,
		PolicyHash: policyHash,
		Signature:  req.OathSignature,
		SwornAt:    now,
	}
	if err := g.store.Put(ctx, agent, oath); err != nil {
		// The chain says sworn but the registry write failed. Surface
		// loudly; the ledger remains the source of truth.
		g.logger.Error("registry write failed after OATH_SWORN", "agent", req.AgentID, "error", err)
		return nil, fmt.Errorf("gate: persisting agent %s: %w", req.AgentID, err)
	}

	g.logger.Info("agent sworn", "agent", req.AgentID, "policy_hash", policyHash, "oath_event", ev.Sequence)
	return cloneAgent(agent), nil
}

func (g *Gate) checkRuntime(rawPolicy []byte, runtimeVersion string) error {
	doc, err := ParseDocument(rawPolicy)
	if err != nil {
		// An unparseable policy still hashes and still binds oaths;
		// it just cannot constrain runtimes.
		return nil
	}
	constraint, err := doc.RuntimeConstraint()
	if err != nil || constraint == nil {
		return nil
	}
	if runtimeVersion == "" {
		return fmt.Errorf("%w: policy requires runtime >= %s, none declared", ErrUnsupportedRuntime, doc.MinRuntime)
	}
	v, err := semver.NewVersion(runtimeVersion)
	if err != nil {
		return fmt.Errorf("%w: unparseable runtime version %q", ErrUnsupportedRuntime, runtimeVersion)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: runtime %s below required %s", ErrUnsupportedRuntime, runtimeVersion, doc.MinRuntime)
	}
	return nil
}

// reject records the governance rejection and returns cause. If the ledger
// refuses the audit event (halted), that failure dominates: the system is
// failing closed.
func (g *Gate) reject(ctx context.Context, agentID, policyHash, reason string, cause error) error {
	_, err := g.ledger.Append(ctx, ledger.EventOathRejected, agentID, oathEventPayload{
		AgentID:    agentID,
		PolicyHash: policyHash,
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("gate: recording rejection of %s: %w", agentID, err)
	}
	g.logger.Warn("registration rejected", "agent", agentID, "reason", reason)
	return cause
}

// Verify recomputes the current policy hash and compares it to the agent's
// stored oath. A changed policy yields ErrOathStale even though the stored
// signature is still mathematically valid: changing the policy invalidates
// every standing oath and forces re-registration.
func (g *Gate) Verify(ctx context.Context, agentID string) error {
	agent, oath, err := g.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.OathStatus != OathSworn || oath == nil {
		return ErrAgentNotSworn
	}

	raw, err := g.policy.Bytes(ctx)
	if err != nil {
		return fmt.Errorf("gate: policy unavailable: %w", err)
	}
	if !oath.Valid(HashPolicy(raw)) {
		return ErrOathStale
	}
	return nil
}

// IsSworn reports whether the agent is registered and sworn. The scheduler
// consults this before handing out any task.
func (g *Gate) IsSworn(ctx context.Context, agentID string) bool {
	agent, _, err := g.store.Get(ctx, agentID)
	return err == nil && agent.OathStatus == OathSworn
}

// Get returns the agent record and its latest oath.
func (g *Gate) Get(ctx context.Context, agentID string) (*Agent, *OathRecord, error) {
	return g.store.Get(ctx, agentID)
}

// List returns all registered agents.
func (g *Gate) List(ctx context.Context) ([]*Agent, error) {
	return g.store.List(ctx)
}

// Revoke invalidates an agent's standing. The agent record survives with
// status invalidated; re-registration with a fresh oath is allowed.
func (g *Gate) Revoke(ctx context.Context, agentID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, _, err := g.store.Get(ctx, agentID); err != nil {
		return err
	}

	_, err := g.ledger.Append(ctx, ledger.EventOathRejected, ledger.SystemActor, oathEventPayload{
		AgentID: agentID,
		Reason:  "revoked: " + reason,
	})
	if err != nil {
		return fmt.Errorf("gate: recording revocation of %s: %w", agentID, err)
	}

	if err := g.store.SetStatus(ctx, agentID, OathInvalidated, g.clock().UTC()); err != nil {
		return fmt.Errorf("gate: invalidating %s: %w", agentID, err)
	}
	g.logger.Warn("agent revoked", "agent", agentID, "reason", reason)
	return nil
}

// CurrentPolicyHash exposes the hash agents must sign. The keygen tooling
// and the HTTP surface use it to tell prospective agents what to swear.
func (g *Gate) CurrentPolicyHash(ctx context.Context) (string, error) {
	raw, err := g.policy.Bytes(ctx)
	if err != nil {
		return "", fmt.Errorf("gate: policy unavailable: %w", err)
	}
	return HashPolicy(raw), nil
}

// CurrentDocument parses the current policy document.
func (g *Gate) CurrentDocument(ctx context.Context) (*Document, error) {
	raw, err := g.policy.Bytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("gate: policy unavailable: %w", err)
	}
	return ParseDocument(raw)
}
