package sched

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/ledger"
	"github.com/wardenlabs/warden/pkg/retry"
)

// AgentGate answers whether an agent may be handed work. Backed by the
// governance gate; tests stub it.
type AgentGate interface {
	IsSworn(ctx context.Context, agentID string) bool
}

// Config bounds claims and retries.
type Config struct {
	// ClaimTimeout reclaims a CLAIMED task whose agent never started it.
	ClaimTimeout time.Duration
	// ExecTimeout marks an IN_PROGRESS task failed after its deadline.
	// Cancellation stays cooperative: the agent is not preempted.
	ExecTimeout time.Duration
	// MaxRetries is the default re-enqueue budget per task.
	MaxRetries int
	// RetryPolicy shapes the NotBefore backoff on requeue.
	RetryPolicy retry.Policy
}

func DefaultConfig() Config {
	return Config{
		ClaimTimeout: 30 * time.Second,
		ExecTimeout:  5 * time.Minute,
		MaxRetries:   3,
		RetryPolicy:  retry.DefaultPolicy,
	}
}

// Scheduler dispatches tasks in the composite priority order. The mutex is
// the single serialization point: selection and claim happen under it as
// one atomic step, so no two concurrent get_next_task calls can win the
// same task.
type Scheduler struct {
	mu      sync.Mutex
	pending pendingHeap
	tasks   map[string]*Task
	nextSeq uint64
	closed  bool

	store  TaskStore
	ledger *ledger.Ledger
	gate   AgentGate
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func New(store TaskStore, led *ledger.Ledger, gate AgentGate, opts ...Option) *Scheduler {
	s := &Scheduler{
		pending: make(pendingHeap, 0),
		tasks:   make(map[string]*Task),
		nextSeq: 1,
		store:   store,
		ledger:  led,
		gate:    gate,
		cfg:     DefaultConfig(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "sched"),
	}
	for _, opt := range opts {
		opt(s)
	}
	heap.Init(&s.pending)
	return s
}

// Load rebuilds the in-memory index from the store after a restart.
// PENDING tasks return to the heap; parked tasks are handed back so the
// admission queue can re-adopt them; CLAIMED and IN_PROGRESS tasks keep
// their leases and fall to the reaper if their agents are gone.
func (s *Scheduler) Load(ctx context.Context) ([]*Task, error) {
	active, err := s.store.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("sched: loading active tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var parked []*Task
	for _, task := range active {
		if task.Seq >= s.nextSeq {
			s.nextSeq = task.Seq + 1
		}
		s.tasks[task.ID] = task
		switch {
		case task.Status == StatusPending && task.Parked:
			parked = append(parked, cloneTask(task))
		case task.Status == StatusPending:
			heap.Push(&s.pending, task)
		}
	}
	s.logger.Info("task index reloaded",
		"active", len(active), "pending", s.pending.Len(), "parked", len(parked))
	return parked, nil
}

// TaskSpec describes a task to create. Actor attributes the TASK_CREATED
// event, defaulting to SYSTEM.
type TaskSpec struct {
	// ID is assigned when empty. Callers that reserve downstream capacity
	// under a task id before submitting pass their own.
	ID            string
	Payload       json.RawMessage
	Tier          Tier
	PlacementRank string
	UserPriority  int
	MaxRetries    int
	RequestID     string
	Actor         string
	// Parked creates the task outside the dispatch index; Activate makes
	// it claimable later.
	Parked bool
}

type taskCreatedPayload struct {
	TaskID        string `json:"task_id"`
	RequestID     string `json:"request_id,omitempty"`
	Tier          Tier   `json:"routing_tier"`
	PlacementRank string `json:"placement_rank,omitempty"`
	UserPriority  int    `json:"user_priority"`
	MaxRetries    int    `json:"max_retries"`
	Parked        bool   `json:"parked,omitempty"`
}

type taskClaimedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Attempt int    `json:"attempt"`
}

type taskStartedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

type taskCompletedPayload struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Attempt int             `json:"attempt"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type taskFailedPayload struct {
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	Attempt    int        `json:"attempt"`
	MaxRetries int        `json:"max_retries"`
	Requeued   bool       `json:"requeued"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

type taskDeadPayload struct {
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

type taskReclaimedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Submit creates a PENDING task, records TASK_CREATED, persists it, and
// (unless parked) makes it claimable.
func (s *Scheduler) Submit(ctx context.Context, spec TaskSpec) (*Task, error) {
	if len(spec.Payload) > 0 && !json.Valid(spec.Payload) {
		return nil, fmt.Errorf("sched: task payload is not valid JSON")
	}
	if spec.Tier != TierHigh && spec.Tier != TierMedium && spec.Tier != TierLow {
		return nil, fmt.Errorf("sched: unknown routing tier %q", spec.Tier)
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	actor := spec.Actor
	if actor == "" {
		actor = ledger.SystemActor
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	task := &Task{
		ID:            id,
		Payload:       append(json.RawMessage(nil), spec.Payload...),
		Tier:          spec.Tier,
		PlacementRank: spec.PlacementRank,
		UserPriority:  spec.UserPriority,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		RequestID:     spec.RequestID,
		Parked:        spec.Parked,
		Seq:           seq,
		CreatedAt:     s.clock().UTC(),
	}

	if _, err := s.ledger.Append(ctx, ledger.EventTaskCreated, actor, taskCreatedPayload{
		TaskID:        task.ID,
		RequestID:     task.RequestID,
		Tier:          task.Tier,
		PlacementRank: task.PlacementRank,
		UserPriority:  task.UserPriority,
		MaxRetries:    task.MaxRetries,
		Parked:        task.Parked,
	}); err != nil {
		return nil, fmt.Errorf("sched: recording creation: %w", err)
	}
	if err := s.store.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("sched: persisting task %s: %w", task.ID, err)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	if !task.Parked {
		heap.Push(&s.pending, task)
	}
	s.mu.Unlock()

	return cloneTask(task), nil
}

// Activate moves a parked task into the dispatch index. Queue mechanics,
// not a state transition: the task stays PENDING and no event is written.
func (s *Scheduler) Activate(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status != StatusPending || !task.Parked {
		return ErrInvalidState
	}
	task.Parked = false
	if err := s.store.Update(ctx, task); err != nil {
		task.Parked = true
		return fmt.Errorf("sched: unparking task %s: %w", taskID, err)
	}
	heap.Push(&s.pending, task)
	return nil
}

// NextTask claims the most urgent eligible PENDING task for agentID.
// Returns (nil, nil) when nothing is eligible. Exactly one concurrent
// caller can claim a given task.
func (s *Scheduler) NextTask(ctx context.Context, agentID string) (*Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("sched: agent_id required")
	}
	if !s.gate.IsSworn(ctx, agentID) {
		return nil, ErrNotSworn
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.clock().UTC()
	var skipped []*Task
	var picked *Task
	for s.pending.Len() > 0 {
		top := heap.Pop(&s.pending).(*Task)
		if top.NotBefore != nil && now.Before(*top.NotBefore) {
			skipped = append(skipped, top)
			continue
		}
		picked = top
		break
	}
	for _, t := range skipped {
		heap.Push(&s.pending, t)
	}
	if picked == nil {
		return nil, nil
	}

	if _, err := s.ledger.Append(ctx, ledger.EventTaskClaimed, agentID, taskClaimedPayload{
		TaskID:  picked.ID,
		AgentID: agentID,
		Attempt: picked.AttemptCount,
	}); err != nil {
		heap.Push(&s.pending, picked)
		return nil, fmt.Errorf("sched: recording claim of %s: %w", picked.ID, err)
	}

	lease := now.Add(s.cfg.ClaimTimeout)
	picked.Status = StatusClaimed
	picked.AgentID = agentID
	picked.ClaimedAt = &now
	picked.LeaseExpiresAt = &lease
	picked.NotBefore = nil
	if err := s.store.Update(ctx, picked); err != nil {
		// The chain records the claim; the lease reaper recovers the task
		// if this agent never surfaces again.
		s.logger.Error("task update failed after TASK_CLAIMED",
			"task", picked.ID, "agent", agentID, "error", err)
		return nil, fmt.Errorf("sched: persisting claim of %s: %w", picked.ID, err)
	}
	return cloneTask(picked), nil
}

// lookup resolves taskID against the live index, falling back to the store
// so callers get InvalidState (not NotFound) for finished tasks.
func (s *Scheduler) lookup(ctx context.Context, taskID string) (*Task, error) {
	if task, ok := s.tasks[taskID]; ok {
		return task, nil
	}
	_, err := s.store.Get(ctx, taskID)
	switch {
	case err == nil:
		return nil, ErrInvalidState
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("sched: looking up task %s: %w", taskID, err)
	}
}

// Start transitions a claimed task to IN_PROGRESS on behalf of its owner.
func (s *Scheduler) Start(ctx context.Context, taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusClaimed {
		return ErrInvalidState
	}
	if task.AgentID != agentID {
		return ErrNotOwner
	}

	if _, err := s.ledger.Append(ctx, ledger.EventTaskStarted, agentID, taskStartedPayload{
		TaskID:  taskID,
		AgentID: agentID,
	}); err != nil {
		return fmt.Errorf("sched: recording start of %s: %w", taskID, err)
	}

	now := s.clock().UTC()
	deadline := now.Add(s.cfg.ExecTimeout)
	task.Status = StatusInProgress
	task.StartedAt = &now
	task.LeaseExpiresAt = nil
	task.ExecDeadline = &deadline
	if err := s.store.Update(ctx, task); err != nil {
		return fmt.Errorf("sched: persisting start of %s: %w", taskID, err)
	}
	return nil
}

// ReportResult ends an attempt. outcome must be COMPLETED or FAILED; a
// failed attempt re-enqueues with backoff while retries remain, otherwise
// the task is DEAD. Wrong owner or state reports have no side effects.
func (s *Scheduler) ReportResult(ctx context.Context, taskID, agentID string, outcome Status, result json.RawMessage) error {
	if outcome != StatusCompleted && outcome != StatusFailed {
		return fmt.Errorf("sched: outcome must be %s or %s, got %q", StatusCompleted, StatusFailed, outcome)
	}
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("sched: result payload is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusClaimed && task.Status != StatusInProgress {
		return ErrInvalidState
	}
	if task.AgentID != agentID {
		return ErrNotOwner
	}

	if outcome == StatusCompleted {
		return s.completeLocked(ctx, task, agentID, result)
	}
	reason := failureReason(result)
	return s.failLocked(ctx, task, agentID, reason)
}

func (s *Scheduler) completeLocked(ctx context.Context, task *Task, agentID string, result json.RawMessage) error {
	if _, err := s.ledger.Append(ctx, ledger.EventTaskCompleted, agentID, taskCompletedPayload{
		TaskID:  task.ID,
		AgentID: agentID,
		Attempt: task.AttemptCount,
		Result:  result,
	}); err != nil {
		return fmt.Errorf("sched: recording completion of %s: %w", task.ID, err)
	}

	now := s.clock().UTC()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.LeaseExpiresAt = nil
	task.ExecDeadline = nil
	if err := s.store.Update(ctx, task); err != nil {
		return fmt.Errorf("sched: persisting completion of %s: %w", task.ID, err)
	}
	delete(s.tasks, task.ID)
	return nil
}

// failLocked applies the retry decision for one failed attempt. The caller
// holds the mutex and has verified the task is CLAIMED or IN_PROGRESS.
func (s *Scheduler) failLocked(ctx context.Context, task *Task, actor, reason string) error {
	requeue := task.AttemptCount < task.MaxRetries
	attempt := task.AttemptCount
	var notBefore *time.Time
	if requeue {
		attempt++
		nb := s.clock().UTC().Add(retry.Backoff(task.ID, attempt, s.cfg.RetryPolicy))
		notBefore = &nb
	}

	if _, err := s.ledger.Append(ctx, ledger.EventTaskFailed, actor, taskFailedPayload{
		TaskID:     task.ID,
		AgentID:    task.AgentID,
		Attempt:    attempt,
		MaxRetries: task.MaxRetries,
		Requeued:   requeue,
		NotBefore:  notBefore,
		Reason:     reason,
	}); err != nil {
		return fmt.Errorf("sched: recording failure of %s: %w", task.ID, err)
	}

	if requeue {
		task.Status = StatusPending
		task.AgentID = ""
		task.AttemptCount = attempt
		task.NotBefore = notBefore
		task.ClaimedAt = nil
		task.StartedAt = nil
		task.LeaseExpiresAt = nil
		task.ExecDeadline = nil
		task.LastError = reason
		if err := s.store.Update(ctx, task); err != nil {
			return fmt.Errorf("sched: persisting requeue of %s: %w", task.ID, err)
		}
		heap.Push(&s.pending, task)
		return nil
	}

	if _, err := s.ledger.Append(ctx, ledger.EventTaskDead, ledger.SystemActor, taskDeadPayload{
		TaskID:   task.ID,
		Attempts: task.AttemptCount + 1,
		Reason:   reason,
	}); err != nil {
		return fmt.Errorf("sched: recording death of %s: %w", task.ID, err)
	}
	task.Status = StatusDead
	task.LeaseExpiresAt = nil
	task.ExecDeadline = nil
	task.LastError = reason
	if err := s.store.Update(ctx, task); err != nil {
		return fmt.Errorf("sched: persisting death of %s: %w", task.ID, err)
	}
	delete(s.tasks, task.ID)
	return nil
}

// ReapExpired recovers lost work: CLAIMED tasks past their lease return to
// PENDING, IN_PROGRESS tasks past their deadline fail and follow the retry
// path. Returns how many tasks changed state.
func (s *Scheduler) ReapExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	var expired []*Task
	for _, task := range s.tasks {
		switch task.Status {
		case StatusClaimed:
			if task.LeaseExpiresAt != nil && !now.Before(*task.LeaseExpiresAt) {
				expired = append(expired, task)
			}
		case StatusInProgress:
			if task.ExecDeadline != nil && !now.Before(*task.ExecDeadline) {
				expired = append(expired, task)
			}
		}
	}

	reclaimed := 0
	for _, task := range expired {
		if task.Status == StatusInProgress {
			if err := s.failLocked(ctx, task, ledger.SystemActor, "execution deadline exceeded"); err != nil {
				return reclaimed, err
			}
			reclaimed++
			continue
		}

		lostAgent := task.AgentID
		if _, err := s.ledger.Append(ctx, ledger.EventTaskReclaimed, ledger.SystemActor, taskReclaimedPayload{
			TaskID:  task.ID,
			AgentID: lostAgent,
			Reason:  "claim timeout",
		}); err != nil {
			return reclaimed, fmt.Errorf("sched: recording reclaim of %s: %w", task.ID, err)
		}
		task.Status = StatusPending
		task.AgentID = ""
		task.ClaimedAt = nil
		task.LeaseExpiresAt = nil
		if err := s.store.Update(ctx, task); err != nil {
			return reclaimed, fmt.Errorf("sched: persisting reclaim of %s: %w", task.ID, err)
		}
		heap.Push(&s.pending, task)
		s.logger.Warn("task reclaimed from silent agent", "task", task.ID, "agent", lostAgent)
		reclaimed++
	}
	return reclaimed, nil
}

// RunReaper drives ReapExpired on a fixed interval until ctx is done.
func (s *Scheduler) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReapExpired(ctx)
			if err != nil {
				s.logger.Error("lease reap failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("leases reaped", "count", n)
			}
		}
	}
}

// Get returns a snapshot of one task, live or finished.
func (s *Scheduler) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	if task, ok := s.tasks[taskID]; ok {
		cp := cloneTask(task)
		s.mu.Unlock()
		return cp, nil
	}
	s.mu.Unlock()
	return s.store.Get(ctx, taskID)
}

// Counts reports the queue_status breakdown straight from the store.
func (s *Scheduler) Counts(ctx context.Context) (Counts, error) {
	return s.store.Counts(ctx)
}

// PendingLen is the number of immediately dispatchable tasks.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Close stops new submissions and claims. In-flight tasks keep their
// state; a later Load resumes them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func failureReason(result json.RawMessage) string {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(result, &body); err == nil {
		if body.Error != "" {
			return truncate(body.Error, 512)
		}
		if body.Reason != "" {
			return truncate(body.Reason, 512)
		}
	}
	if len(result) > 0 {
		return truncate(string(result), 512)
	}
	return "agent reported failure"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
