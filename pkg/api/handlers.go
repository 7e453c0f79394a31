package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wardenlabs/warden/pkg/admission"
	"github.com/wardenlabs/warden/pkg/gate"
	"github.com/wardenlabs/warden/pkg/kernel"
	"github.com/wardenlabs/warden/pkg/ledger"
	"github.com/wardenlabs/warden/pkg/sched"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Handlers binds the v1 endpoints to a running kernel.
type Handlers struct {
	kernel *kernel.Kernel
	issuer *TokenIssuer
	logger *slog.Logger
}

func NewHandlers(k *kernel.Kernel, issuer *TokenIssuer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{kernel: k, issuer: issuer, logger: logger.With("component", "api")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeLedgerError maps a halted or unreachable ledger to 503. Returns
// false when err is not a ledger failure.
func writeLedgerError(w http.ResponseWriter, err error) bool {
	if errors.Is(err, ledger.ErrHalted) || errors.Is(err, ledger.ErrPersistence) {
		WriteServiceUnavailable(w, "ledger unavailable, writes are rejected")
		return true
	}
	return false
}

// RegisterResponse is the 201 body for a successful registration.
type RegisterResponse struct {
	Agent      *gate.Agent `json:"agent"`
	Token      string      `json:"token,omitempty"`
	PolicyHash string      `json:"policy_hash"`
}

// HandleRegister handles POST /v1/agents.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req gate.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AgentID == "" || req.PublicKey == "" || req.OathSignature == "" {
		WriteBadRequest(w, "Missing required fields: agent_id, public_key, oath_signature")
		return
	}

	agent, err := h.kernel.Register(r.Context(), req)
	if err != nil {
		switch {
		case writeLedgerError(w, err):
		case errors.Is(err, gate.ErrAlreadyRegistered):
			WriteConflict(w, err.Error())
		case errors.Is(err, gate.ErrInvalidSignature),
			errors.Is(err, gate.ErrUnsupportedRuntime):
			WriteForbidden(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}

	resp := RegisterResponse{Agent: agent}
	hash, err := h.kernel.PolicyHash(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	resp.PolicyHash = hash
	if h.issuer != nil {
		token, err := h.issuer.Issue(agent.ID, hash, agent.Capabilities)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		resp.Token = token
	}
	writeJSON(w, http.StatusCreated, resp)
}

// AdmitBody is the POST /v1/admit request. Input accepts any JSON value;
// a JSON string is admitted as its text, anything else as its raw bytes.
type AdmitBody struct {
	Input        json.RawMessage `json:"input"`
	SourceAgent  string          `json:"source_agent"`
	UserPriority int             `json:"user_priority"`
}

// HandleAdmit handles POST /v1/admit. A queue-saturated rejection comes
// back as 429 with the decision in the body; every other decision,
// BLOCKED included, is a 200.
func (h *Handlers) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body AdmitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(body.Input) == 0 || body.SourceAgent == "" {
		WriteBadRequest(w, "Missing required fields: input, source_agent")
		return
	}
	if err := MatchAgent(r.Context(), body.SourceAgent); err != nil {
		WriteForbidden(w, err.Error())
		return
	}

	input := []byte(body.Input)
	var text string
	if err := json.Unmarshal(body.Input, &text); err == nil {
		input = []byte(text)
	}

	dec, err := h.kernel.Admit(r.Context(), admission.AdmitRequest{
		Input:        input,
		SourceAgent:  body.SourceAgent,
		UserPriority: body.UserPriority,
	})
	if err != nil {
		if !writeLedgerError(w, err) {
			WriteInternal(w, err)
		}
		return
	}

	status := http.StatusOK
	if dec.Tier == admission.TierBlocked && dec.Reason == admission.ReasonQueueSaturated {
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, dec)
}

type agentBody struct {
	AgentID string `json:"agent_id"`
}

// HandleNextTask handles POST /v1/tasks/next. 204 when nothing is
// dispatchable.
func (h *Handlers) HandleNextTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body agentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if body.AgentID == "" {
		WriteBadRequest(w, "Missing required field: agent_id")
		return
	}
	if err := MatchAgent(r.Context(), body.AgentID); err != nil {
		WriteForbidden(w, err.Error())
		return
	}

	task, err := h.kernel.NextTask(r.Context(), body.AgentID)
	if err != nil {
		switch {
		case writeLedgerError(w, err):
		case errors.Is(err, sched.ErrNotSworn):
			WriteForbidden(w, err.Error())
		case errors.Is(err, sched.ErrClosed):
			WriteServiceUnavailable(w, "scheduler is shutting down")
		default:
			WriteInternal(w, err)
		}
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleStartTask handles POST /v1/tasks/{id}/start.
func (h *Handlers) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body agentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if body.AgentID == "" {
		WriteBadRequest(w, "Missing required field: agent_id")
		return
	}
	if err := MatchAgent(r.Context(), body.AgentID); err != nil {
		WriteForbidden(w, err.Error())
		return
	}

	if err := h.kernel.StartTask(r.Context(), taskID, body.AgentID); err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeTaskSnapshot(w, r, taskID)
}

// ResultBody is the POST /v1/tasks/{id}/result request.
type ResultBody struct {
	AgentID string          `json:"agent_id"`
	Status  sched.Status    `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// HandleReportResult handles POST /v1/tasks/{id}/result.
func (h *Handlers) HandleReportResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body ResultBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if body.AgentID == "" {
		WriteBadRequest(w, "Missing required field: agent_id")
		return
	}
	if body.Status != sched.StatusCompleted && body.Status != sched.StatusFailed {
		WriteBadRequest(w, "status must be COMPLETED or FAILED")
		return
	}
	if err := MatchAgent(r.Context(), body.AgentID); err != nil {
		WriteForbidden(w, err.Error())
		return
	}

	if err := h.kernel.ReportResult(r.Context(), taskID, body.AgentID, body.Status, body.Result); err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeTaskSnapshot(w, r, taskID)
}

func (h *Handlers) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case writeLedgerError(w, err):
	case errors.Is(err, sched.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, sched.ErrNotOwner):
		WriteForbidden(w, err.Error())
	case errors.Is(err, sched.ErrInvalidState):
		WriteConflict(w, err.Error())
	case errors.Is(err, sched.ErrClosed):
		WriteServiceUnavailable(w, "scheduler is shutting down")
	default:
		WriteInternal(w, err)
	}
}

func (h *Handlers) writeTaskSnapshot(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.kernel.Task(r.Context(), taskID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleTask handles GET /v1/tasks/{id}.
func (h *Handlers) HandleTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.kernel.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sched.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// TaskHistoryResponse is the GET /v1/tasks/{id}/history body.
type TaskHistoryResponse struct {
	TaskID string          `json:"task_id"`
	Events []*ledger.Event `json:"events"`
}

// HandleTaskHistory handles GET /v1/tasks/{id}/history.
func (h *Handlers) HandleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := h.kernel.Task(r.Context(), taskID); err != nil {
		if errors.Is(err, sched.ErrNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	events, err := h.kernel.TaskHistory(r.Context(), taskID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskHistoryResponse{TaskID: taskID, Events: events})
}

// EventsResponse pages the ledger. NextSince resumes the walk.
type EventsResponse struct {
	Events    []*ledger.Event `json:"events"`
	NextSince uint64          `json:"next_since"`
}

// HandleEvents handles GET /v1/events?since=N&limit=M.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			WriteBadRequest(w, "since must be a non-negative integer")
			return
		}
		since = v
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = v
	}

	events, err := h.kernel.EventsSince(r.Context(), since, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	resp := EventsResponse{Events: events, NextSince: since}
	if n := len(events); n > 0 {
		resp.NextSince = events[n-1].Sequence + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

// IntegrityResponse is the GET /v1/integrity body.
type IntegrityResponse struct {
	OK              bool   `json:"ok"`
	Events          uint64 `json:"events"`
	HeadSequence    uint64 `json:"head_sequence"`
	HeadHash        string `json:"head_hash,omitempty"`
	CorruptSequence uint64 `json:"corrupt_sequence,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// HandleIntegrity handles GET /v1/integrity: a full chain re-derivation.
func (h *Handlers) HandleIntegrity(w http.ResponseWriter, r *http.Request) {
	resp := IntegrityResponse{OK: true}
	if err := h.kernel.VerifyChain(r.Context()); err != nil {
		var corrupt *ledger.CorruptionError
		if !errors.As(err, &corrupt) {
			WriteInternal(w, err)
			return
		}
		resp.OK = false
		resp.CorruptSequence = corrupt.Sequence
		resp.Reason = corrupt.Reason
	}

	led := h.kernel.Ledger()
	resp.Events = led.Len()
	if seq, hash, ok := led.Head(); ok {
		resp.HeadSequence = seq
		resp.HeadHash = hash
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.kernel.Status(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleHealthz handles GET /healthz. A halted ledger reports 503: the
// node still serves reads but cannot accept work.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	st, err := h.kernel.Status(r.Context())
	if err != nil {
		WriteServiceUnavailable(w, "status unavailable")
		return
	}
	switch {
	case !st.Ready:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	case st.Degraded:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": st.Ledger.HaltReason,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
