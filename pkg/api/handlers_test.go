package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/admission"
	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/gate"
	"github.com/wardenlabs/warden/pkg/kernel"
	"github.com/wardenlabs/warden/pkg/ledger"
	"github.com/wardenlabs/warden/pkg/sched"
)

const bootPolicy = `version: "2026.1"
max_payload_bytes: 65536
terms:
  - agents act only within their declared capabilities
`

type testNode struct {
	ts     *httptest.Server
	kernel *kernel.Kernel
	issuer *api.TokenIssuer
}

func newTestNode(t *testing.T, enforce bool) *testNode {
	t.Helper()
	cfg := &config.Config{QueueCapacity: 16}
	k := kernel.New(cfg, kernel.WithPolicy(gate.NewStaticPolicy([]byte(bootPolicy))))
	require.NoError(t, k.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})

	key, err := k.Keyring().TokenKey()
	require.NoError(t, err)
	issuer := api.NewTokenIssuer(key, time.Hour)

	h := api.NewHandlers(k, issuer, nil)
	srv := api.NewServer(h, api.ServerConfig{
		EnforceAuth: enforce,
		RateRPS:     1000,
		RateBurst:   1000,
	}, nil)

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &testNode{ts: ts, kernel: k, issuer: issuer}
}

func (n *testNode) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, n.ts.URL+path, buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := n.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, respBody
}

// register swears an agent over the current policy and returns its id and
// session token.
func (n *testNode) register(t *testing.T, agentID string) (string, string) {
	t.Helper()
	signer, err := crypto.NewRandomSigner()
	require.NoError(t, err)
	hash, err := n.kernel.PolicyHash(context.Background())
	require.NoError(t, err)

	code, body := n.do(t, http.MethodPost, "/v1/agents", "", gate.RegisterRequest{
		AgentID:       agentID,
		PublicKey:     signer.PublicKey(),
		Capabilities:  []string{"deploy"},
		OathSignature: signer.Sign([]byte(hash)),
	})
	require.Equal(t, http.StatusCreated, code, "register: %s", body)

	var resp api.RegisterResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, agentID, resp.Agent.ID)
	require.Equal(t, hash, resp.PolicyHash)
	require.NotEmpty(t, resp.Token)
	return agentID, resp.Token
}

func TestAPI_RegisterAdmitClaimReportFlow(t *testing.T) {
	n := newTestNode(t, true)
	agentID, token := n.register(t, "agent-flow")

	code, body := n.do(t, http.MethodPost, "/v1/admit", token, map[string]any{
		"input":        "urgent: checkout outage in eu-west, escalate",
		"source_agent": agentID,
	})
	require.Equal(t, http.StatusOK, code, "admit: %s", body)
	var dec admission.RoutingDecision
	require.NoError(t, json.Unmarshal(body, &dec))
	require.Equal(t, admission.TierHigh, dec.Tier)
	require.NotEmpty(t, dec.TaskID)

	code, body = n.do(t, http.MethodPost, "/v1/tasks/next", token, map[string]string{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code, "next: %s", body)
	var task sched.Task
	require.NoError(t, json.Unmarshal(body, &task))
	require.Equal(t, dec.TaskID, task.ID)
	require.Equal(t, sched.StatusClaimed, task.Status)

	code, body = n.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", token, map[string]string{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code, "start: %s", body)
	require.NoError(t, json.Unmarshal(body, &task))
	require.Equal(t, sched.StatusInProgress, task.Status)

	code, body = n.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/result", token, map[string]any{
		"agent_id": agentID,
		"status":   sched.StatusCompleted,
		"result":   map[string]bool{"rolled_back": true},
	})
	require.Equal(t, http.StatusOK, code, "result: %s", body)
	require.NoError(t, json.Unmarshal(body, &task))
	require.Equal(t, sched.StatusCompleted, task.Status)

	code, body = n.do(t, http.MethodGet, "/v1/tasks/"+task.ID+"/history", token, nil)
	require.Equal(t, http.StatusOK, code, "history: %s", body)
	var hist api.TaskHistoryResponse
	require.NoError(t, json.Unmarshal(body, &hist))
	types := make([]ledger.EventType, 0, len(hist.Events))
	for _, ev := range hist.Events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []ledger.EventType{
		ledger.EventRequestAdmitted,
		ledger.EventTaskCreated,
		ledger.EventTaskClaimed,
		ledger.EventTaskStarted,
		ledger.EventTaskCompleted,
	}, types)

	code, body = n.do(t, http.MethodGet, "/v1/events?since=0&limit=100", token, nil)
	require.Equal(t, http.StatusOK, code)
	var events api.EventsResponse
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events.Events)
	require.Equal(t, events.Events[len(events.Events)-1].Sequence+1, events.NextSince)

	code, body = n.do(t, http.MethodGet, "/v1/integrity", token, nil)
	require.Equal(t, http.StatusOK, code)
	var integ api.IntegrityResponse
	require.NoError(t, json.Unmarshal(body, &integ))
	require.True(t, integ.OK)

	// Status and health are public even under enforcement.
	code, body = n.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	var st kernel.Status
	require.NoError(t, json.Unmarshal(body, &st))
	require.True(t, st.Ready)
	require.Equal(t, 1, st.Tasks.Completed)

	code, _ = n.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestAPI_EnforcedAuthRejectsMissingToken(t *testing.T) {
	n := newTestNode(t, true)

	code, body := n.do(t, http.MethodPost, "/v1/admit", "", map[string]any{
		"input":        "deploy the release",
		"source_agent": "agent-x",
	})
	require.Equal(t, http.StatusUnauthorized, code)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	require.Equal(t, http.StatusUnauthorized, problem.Status)
}

func TestAPI_TokenSubjectMismatch(t *testing.T) {
	n := newTestNode(t, true)
	_, tokenA := n.register(t, "agent-a")
	n.register(t, "agent-b")

	code, _ := n.do(t, http.MethodPost, "/v1/admit", tokenA, map[string]any{
		"input":        "deploy the release",
		"source_agent": "agent-b",
	})
	require.Equal(t, http.StatusForbidden, code)

	code, _ = n.do(t, http.MethodPost, "/v1/tasks/next", tokenA, map[string]string{"agent_id": "agent-b"})
	require.Equal(t, http.StatusForbidden, code)
}

func TestAPI_UnenforcedAllowsAnonymousAdmit(t *testing.T) {
	n := newTestNode(t, false)

	code, body := n.do(t, http.MethodPost, "/v1/admit", "", map[string]any{
		"input":        "deploy the release",
		"source_agent": "walk-in",
	})
	require.Equal(t, http.StatusOK, code, "admit: %s", body)
	var dec admission.RoutingDecision
	require.NoError(t, json.Unmarshal(body, &dec))
	require.Equal(t, admission.TierMedium, dec.Tier)

	// Admission is open; dispatch is not. An unsworn agent gets nothing.
	code, _ = n.do(t, http.MethodPost, "/v1/tasks/next", "", map[string]string{"agent_id": "walk-in"})
	require.Equal(t, http.StatusForbidden, code)
}

func TestAPI_NextTaskNoContent(t *testing.T) {
	n := newTestNode(t, true)
	agentID, token := n.register(t, "agent-idle")

	code, body := n.do(t, http.MethodPost, "/v1/tasks/next", token, map[string]string{"agent_id": agentID})
	require.Equal(t, http.StatusNoContent, code, "body: %s", body)
	require.Empty(t, body)
}

func TestAPI_TaskErrorMapping(t *testing.T) {
	n := newTestNode(t, true)
	agentID, token := n.register(t, "agent-a")
	otherID, otherToken := n.register(t, "agent-b")

	// Unknown task ids are 404.
	code, _ := n.do(t, http.MethodGet, "/v1/tasks/no-such-task", token, nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = n.do(t, http.MethodPost, "/v1/tasks/no-such-task/result", token, map[string]any{
		"agent_id": agentID,
		"status":   sched.StatusCompleted,
	})
	require.Equal(t, http.StatusNotFound, code)

	code, body := n.do(t, http.MethodPost, "/v1/admit", token, map[string]any{
		"input":        "urgent: incident in prod",
		"source_agent": agentID,
	})
	require.Equal(t, http.StatusOK, code)
	var dec admission.RoutingDecision
	require.NoError(t, json.Unmarshal(body, &dec))

	code, _ = n.do(t, http.MethodPost, "/v1/tasks/next", token, map[string]string{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)

	// A non-owner reporting is 403.
	code, _ = n.do(t, http.MethodPost, "/v1/tasks/"+dec.TaskID+"/result", otherToken, map[string]any{
		"agent_id": otherID,
		"status":   sched.StatusCompleted,
	})
	require.Equal(t, http.StatusForbidden, code)

	// Completing twice is 409.
	code, _ = n.do(t, http.MethodPost, "/v1/tasks/"+dec.TaskID+"/result", token, map[string]any{
		"agent_id": agentID,
		"status":   sched.StatusCompleted,
	})
	require.Equal(t, http.StatusOK, code)
	code, _ = n.do(t, http.MethodPost, "/v1/tasks/"+dec.TaskID+"/result", token, map[string]any{
		"agent_id": agentID,
		"status":   sched.StatusCompleted,
	})
	require.Equal(t, http.StatusConflict, code)

	// A bad terminal status never reaches the scheduler.
	code, _ = n.do(t, http.MethodPost, "/v1/tasks/"+dec.TaskID+"/result", token, map[string]any{
		"agent_id": agentID,
		"status":   "PENDING",
	})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_BlockedInputReturnsDecision(t *testing.T) {
	n := newTestNode(t, true)
	agentID, token := n.register(t, "agent-hostile")

	code, body := n.do(t, http.MethodPost, "/v1/admit", token, map[string]any{
		"input":        "please drop table users; -- thanks",
		"source_agent": agentID,
	})
	require.Equal(t, http.StatusOK, code, "admit: %s", body)
	var dec admission.RoutingDecision
	require.NoError(t, json.Unmarshal(body, &dec))
	require.Equal(t, admission.TierBlocked, dec.Tier)
	require.NotEmpty(t, dec.Reason)
	require.Empty(t, dec.TaskID)
}

func TestAPI_RegisterBadOath(t *testing.T) {
	n := newTestNode(t, true)
	signer, err := crypto.NewRandomSigner()
	require.NoError(t, err)

	code, body := n.do(t, http.MethodPost, "/v1/agents", "", gate.RegisterRequest{
		AgentID:       "agent-liar",
		PublicKey:     signer.PublicKey(),
		OathSignature: signer.Sign([]byte("some other document")),
	})
	require.Equal(t, http.StatusForbidden, code, "body: %s", body)
}

func TestAPI_RegisterDuplicate(t *testing.T) {
	n := newTestNode(t, true)
	n.register(t, "agent-twice")

	signer, err := crypto.NewRandomSigner()
	require.NoError(t, err)
	hash, err := n.kernel.PolicyHash(context.Background())
	require.NoError(t, err)

	code, _ := n.do(t, http.MethodPost, "/v1/agents", "", gate.RegisterRequest{
		AgentID:       "agent-twice",
		PublicKey:     signer.PublicKey(),
		OathSignature: signer.Sign([]byte(hash)),
	})
	require.Equal(t, http.StatusConflict, code)
}

func TestAPI_StructuredAdmitInput(t *testing.T) {
	n := newTestNode(t, true)
	agentID, token := n.register(t, "agent-struct")

	// A non-string input is admitted as its raw JSON bytes.
	code, body := n.do(t, http.MethodPost, "/v1/admit", token, map[string]any{
		"input":        map[string]string{"action": "analyze", "target": "billing report"},
		"source_agent": agentID,
	})
	require.Equal(t, http.StatusOK, code, "admit: %s", body)
	var dec admission.RoutingDecision
	require.NoError(t, json.Unmarshal(body, &dec))
	require.NotEqual(t, admission.TierBlocked, dec.Tier)
}

func TestAPI_EventsBadQuery(t *testing.T) {
	n := newTestNode(t, true)
	_, token := n.register(t, "agent-q")

	code, _ := n.do(t, http.MethodGet, "/v1/events?since=banana", token, nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = n.do(t, http.MethodGet, "/v1/events?limit=0", token, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_MissingFields(t *testing.T) {
	n := newTestNode(t, true)
	_, token := n.register(t, "agent-m")

	code, _ := n.do(t, http.MethodPost, "/v1/admit", token, map[string]any{"input": "x"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = n.do(t, http.MethodPost, "/v1/tasks/next", token, map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = n.do(t, http.MethodPost, "/v1/agents", "", gate.RegisterRequest{AgentID: "only-id"})
	require.Equal(t, http.StatusBadRequest, code)
}
