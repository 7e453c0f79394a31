package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/ledger"
	"github.com/wardenlabs/warden/pkg/sched"
)

// PlacementSource supplies the opaque rank the scheduler uses as a
// tie-break. The router stores the value verbatim and never interprets it.
type PlacementSource interface {
	Rank(ctx context.Context, sourceAgent string) (string, error)
}

// StaticPlacement ranks every request with the same fixed value.
type StaticPlacement string

func (p StaticPlacement) Rank(context.Context, string) (string, error) {
	return string(p), nil
}

// Config bounds the router's two time-dependent behaviors.
type Config struct {
	// ClassifyTimeout caps stage 1; on expiry the request falls back to LOW.
	ClassifyTimeout time.Duration
	// IdempotencyWindow quantizes request ids: identical input inside one
	// window maps to one id and replays the stored decision.
	IdempotencyWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClassifyTimeout:   2 * time.Second,
		IdempotencyWindow: time.Minute,
	}
}

// Router is the four-stage admission pipeline. Stages run on the caller's
// goroutine; only classification may suspend, and only under its timeout.
type Router struct {
	filter     *SecurityFilter
	classifier Classifier
	queue      LazyQueue
	cache      *decisionCache
	sched      *sched.Scheduler
	ledger     *ledger.Ledger
	placement  PlacementSource
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger
}

type Option func(*Router)

func WithConfig(cfg Config) Option {
	return func(r *Router) { r.cfg = cfg }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithPlacement(src PlacementSource) Option {
	return func(r *Router) { r.placement = src }
}

func NewRouter(filter *SecurityFilter, classifier Classifier, queue LazyQueue, s *sched.Scheduler, led *ledger.Ledger, opts ...Option) *Router {
	r := &Router{
		filter:     filter,
		classifier: classifier,
		queue:      queue,
		sched:      s,
		ledger:     led,
		placement:  StaticPlacement(""),
		cfg:        DefaultConfig(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "admission"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = newDecisionCache(r.cfg.IdempotencyWindow, r.clock)
	return r
}

// Close stops the idempotency sweeper. In-flight Admit calls finish.
func (r *Router) Close() {
	r.cache.Stop()
}

const (
	stageFilter = "security_filter"
	stageQueue  = "lazy_queue"
)

type admittedPayload struct {
	RequestID   string   `json:"request_id"`
	SourceAgent string   `json:"source_agent"`
	Tier        Tier     `json:"tier"`
	Concepts    []string `json:"concepts,omitempty"`
	TaskID      string   `json:"task_id"`
	Reason      string   `json:"reason,omitempty"`
}

type blockedPayload struct {
	RequestID   string `json:"request_id"`
	SourceAgent string `json:"source_agent"`
	Stage       string `json:"stage"`
	Reason      string `json:"reason"`
}

// taskPayload is the JSON envelope the created task carries.
type taskPayload struct {
	Input    string   `json:"input"`
	Concepts []string `json:"concepts,omitempty"`
}

// requestKey feeds the request id hash. Arrival participates through the
// window start, so the same input re-submitted inside one window collides
// on purpose.
type requestKey struct {
	InputDigest string `json:"input_digest"`
	WindowStart string `json:"window_start"`
}

func computeRequestID(input []byte, now time.Time, window time.Duration) (string, error) {
	start := now
	if window > 0 {
		start = now.Truncate(window)
	}
	return canonical.Hash(requestKey{
		InputDigest: canonical.HashBytes(input),
		WindowStart: start.UTC().Format(time.RFC3339Nano),
	})
}

// Admit runs the pipeline for one request. Rejections are decisions, not
// errors: a BLOCKED decision with a reason comes back with err == nil. An
// error means the kernel could not record an outcome at all.
func (r *Router) Admit(ctx context.Context, req AdmitRequest) (*RoutingDecision, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("admission: input required")
	}
	if req.SourceAgent == "" {
		return nil, errors.New("admission: source agent required")
	}

	now := r.clock().UTC()
	requestID, err := computeRequestID(req.Input, now, r.cfg.IdempotencyWindow)
	if err != nil {
		return nil, fmt.Errorf("admission: request id: %w", err)
	}

	if prior, ok := r.cache.Get(requestID); ok {
		r.logger.Debug("replaying admission decision", "request_id", requestID)
		return prior, nil
	}

	if reason := r.filter.Check(req.Input); reason != "" {
		return r.block(ctx, req, requestID, stageFilter, reason, now)
	}

	cls, fallbackReason := r.classify(ctx, req.Input)

	taskID := uuid.NewString()
	parked := cls.Tier == TierLow
	if parked {
		if err := r.queue.Push(ctx, taskID); err != nil {
			if errors.Is(err, ErrQueueFull) {
				return r.block(ctx, req, requestID, stageQueue, ReasonQueueSaturated, now)
			}
			return nil, fmt.Errorf("admission: lazy queue: %w", err)
		}
	}

	if _, err := r.ledger.Append(ctx, ledger.EventRequestAdmitted, req.SourceAgent, admittedPayload{
		RequestID:   requestID,
		SourceAgent: req.SourceAgent,
		Tier:        cls.Tier,
		Concepts:    cls.Concepts,
		TaskID:      taskID,
		Reason:      fallbackReason,
	}); err != nil {
		if parked {
			_ = r.queue.Remove(ctx, taskID)
		}
		return nil, fmt.Errorf("admission: recording admission: %w", err)
	}

	rank, err := r.placement.Rank(ctx, req.SourceAgent)
	if err != nil {
		// Rank is advisory ordering input; a dead placement service must
		// not turn admitted work away.
		r.logger.Warn("placement source failed, using empty rank", "error", err)
		rank = ""
	}

	payload, err := json.Marshal(taskPayload{Input: string(req.Input), Concepts: cls.Concepts})
	if err != nil {
		return nil, fmt.Errorf("admission: task payload: %w", err)
	}

	task, err := r.sched.Submit(ctx, sched.TaskSpec{
		ID:            taskID,
		Payload:       payload,
		Tier:          sched.Tier(cls.Tier),
		PlacementRank: rank,
		UserPriority:  req.UserPriority,
		RequestID:     requestID,
		Actor:         req.SourceAgent,
		Parked:        parked,
	})
	if err != nil {
		if parked {
			_ = r.queue.Remove(ctx, taskID)
		}
		r.logger.Error("task creation failed after REQUEST_ADMITTED",
			"request_id", requestID, "task_id", taskID, "error", err)
		return nil, fmt.Errorf("admission: creating task: %w", err)
	}

	decision := &RoutingDecision{
		RequestID: requestID,
		Tier:      cls.Tier,
		Reason:    fallbackReason,
		TaskID:    task.ID,
		DecidedAt: now,
	}
	r.cache.Put(requestID, decision)
	r.logger.Info("request admitted",
		"request_id", requestID, "tier", cls.Tier, "task_id", task.ID, "parked", parked)
	return decision, nil
}

func (r *Router) block(ctx context.Context, req AdmitRequest, requestID, stage, reason string, now time.Time) (*RoutingDecision, error) {
	if _, err := r.ledger.Append(ctx, ledger.EventRequestBlocked, req.SourceAgent, blockedPayload{
		RequestID:   requestID,
		SourceAgent: req.SourceAgent,
		Stage:       stage,
		Reason:      reason,
	}); err != nil {
		// Rejection is an auditable fact; if it cannot be recorded the
		// call fails rather than the block going unledgered.
		return nil, fmt.Errorf("admission: recording block: %w", err)
	}

	decision := &RoutingDecision{
		RequestID: requestID,
		Tier:      TierBlocked,
		Reason:    reason,
		DecidedAt: now,
	}
	r.cache.Put(requestID, decision)
	r.logger.Warn("request blocked", "request_id", requestID, "stage", stage, "reason", reason)
	return decision, nil
}

type classifyResult struct {
	cls Classification
	err error
}

// classify bounds stage 1. The result channel is buffered so an overdue
// classifier finishing late does not leak its goroutine.
func (r *Router) classify(ctx context.Context, input []byte) (Classification, string) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ClassifyTimeout)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		cls, err := r.classifier.Classify(cctx, input)
		done <- classifyResult{cls: cls, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Warn("classifier failed, defaulting to LOW", "error", res.err)
			return Classification{Tier: TierLow}, "classifier unavailable, defaulted to LOW"
		}
		switch res.cls.Tier {
		case TierLow, TierMedium, TierHigh:
			return res.cls, ""
		default:
			r.logger.Warn("classifier returned unknown tier, defaulting to LOW", "tier", res.cls.Tier)
			return Classification{Tier: TierLow}, "classifier unavailable, defaulted to LOW"
		}
	case <-cctx.Done():
		r.logger.Warn("classification timed out, defaulting to LOW", "timeout", r.cfg.ClassifyTimeout)
		return Classification{Tier: TierLow}, "classification timed out, defaulted to LOW"
	}
}

// QueueDepth reports the lazy queue's current length for queue_status.
func (r *Router) QueueDepth(ctx context.Context) (int, error) {
	return r.queue.Len(ctx)
}
