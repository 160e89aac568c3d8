package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tramitebot/tramitebot/agent"
	"github.com/tramitebot/tramitebot/observe"
	"github.com/tramitebot/tramitebot/state"
	"github.com/tramitebot/tramitebot/types"
	"github.com/tramitebot/tramitebot/workflow"
)

type scriptedPlanner struct {
	parsed types.ParsedInstruction
	plan   *types.ExecutionPlan
}

func (p *scriptedPlanner) ParseInstruction(ctx context.Context, text string) (types.ParsedInstruction, error) {
	_ = ctx
	_ = text
	return p.parsed, nil
}

func (p *scriptedPlanner) CreatePlan(ctx context.Context, instruction string, parsed types.ParsedInstruction) (*types.ExecutionPlan, error) {
	_ = ctx
	_ = instruction
	_ = parsed
	return p.plan, nil
}

func (p *scriptedPlanner) OptimizePlan(plan *types.ExecutionPlan) *types.ExecutionPlan { return plan }

func (p *scriptedPlanner) ValidatePlan(plan *types.ExecutionPlan) types.ValidationResult {
	if plan == nil || len(plan.Actions) == 0 {
		return types.ValidationResult{Errors: []string{"plan has no actions"}, ConfidenceScore: 0.7}
	}
	return types.ValidationResult{Valid: true, ConfidenceScore: 1.0}
}

type instantExecutor struct{}

func (e *instantExecutor) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	_ = ctx
	return types.ActionResult{ActionID: action.ID, Success: true, CompletedAt: time.Now().UTC()}, nil
}

func (e *instantExecutor) Close() error { return nil }

type memoryStore struct {
	mu          sync.Mutex
	sessions    map[string]state.SessionRecord
	checkpoints map[string][]state.CheckpointRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions:    map[string]state.SessionRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
	}
}

func (m *memoryStore) SaveSession(ctx context.Context, session state.SessionRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.SessionID] = session
	return nil
}

func (m *memoryStore) LoadSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[sessionID]
	if !ok {
		return state.SessionRecord{}, state.ErrNotFound
	}
	return record, nil
}

func (m *memoryStore) ListSessions(ctx context.Context, query state.ListSessionsQuery) ([]state.SessionRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.SessionRecord, 0, len(m.sessions))
	for _, record := range m.sessions {
		if query.Status != "" && record.Status != query.Status {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *memoryStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[checkpoint.SessionID] = append(m.checkpoints[checkpoint.SessionID], checkpoint)
	return nil
}

func (m *memoryStore) LoadLatestCheckpoint(ctx context.Context, sessionID string) (state.CheckpointRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoints := m.checkpoints[sessionID]
	if len(checkpoints) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	latest := checkpoints[0]
	for _, cp := range checkpoints[1:] {
		if cp.Seq > latest.Seq {
			latest = cp
		}
	}
	return latest, nil
}

func (m *memoryStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]state.CheckpointRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoints := append([]state.CheckpointRecord(nil), m.checkpoints[sessionID]...)
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].Seq > checkpoints[j].Seq })
	if limit > 0 && len(checkpoints) > limit {
		checkpoints = checkpoints[:limit]
	}
	return checkpoints, nil
}

func (m *memoryStore) Close() error { return nil }

func testPlan(n int) *types.ExecutionPlan {
	plan := &types.ExecutionPlan{ID: "plan-1"}
	for i := 0; i < n; i++ {
		plan.Actions = append(plan.Actions, types.Action{
			ID:             fmt.Sprintf("a%d", i+1),
			Type:           types.ActionNavigate,
			Parameters:     map[string]any{"url": "https://portal.example"},
			TimeoutSeconds: 5,
		})
	}
	return plan
}

type testHarness struct {
	agent  *agent.Agent
	server *httptest.Server
}

func newHarness(t *testing.T, parsed types.ParsedInstruction, plan *types.ExecutionPlan) *testHarness {
	t.Helper()
	store := newMemoryStore()
	stream := observe.NewStream()
	nodes := workflow.NewNodes(&scriptedPlanner{parsed: parsed, plan: plan}, &instantExecutor{}, workflow.DefaultPolicy(), nil)
	engine, err := workflow.NewEngine(nodes, workflow.WithStore(store), workflow.WithSink(stream))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	a, err := agent.New(engine, store, agent.WithStream(stream))
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}
	srv := NewServer(Config{Agent: a, StateStore: store})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testHarness{agent: a, server: ts}
}

func lookupIntent() types.ParsedInstruction {
	return types.ParsedInstruction{IntentType: "lookup_information", IntentConfidence: 0.9, Confidence: 0.9}
}

func sensitiveIntent() types.ParsedInstruction {
	return types.ParsedInstruction{IntentType: "submit_application", IntentConfidence: 0.9, Confidence: 0.9}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateAndInspectSession(t *testing.T) {
	h := newHarness(t, lookupIntent(), testPlan(3))
	ctx := waitCtx(t)

	resp := postJSON(t, h.server.URL+"/api/v1/sessions", startSessionRequest{Instruction: "check my curp"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeBody[types.AgentResponse](t, resp)
	if created.SessionID == "" {
		t.Fatalf("expected a session id, got %#v", created)
	}

	if err := h.agent.Wait(ctx, created.SessionID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	resp, err := http.Get(h.server.URL + "/api/v1/sessions/" + created.SessionID)
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	status := decodeBody[types.AgentResponse](t, resp)
	if status.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", status.Status, status.Message)
	}

	resp, err = http.Get(h.server.URL + "/api/v1/sessions/" + created.SessionID + "/history")
	if err != nil {
		t.Fatalf("GET history failed: %v", err)
	}
	history := decodeBody[[]types.ActionResult](t, resp)
	if len(history) != 3 {
		t.Fatalf("expected 3 results, got %d", len(history))
	}

	resp, err = http.Get(h.server.URL + "/api/v1/sessions/" + created.SessionID + "/summary")
	if err != nil {
		t.Fatalf("GET summary failed: %v", err)
	}
	summary := decodeBody[types.ExecutionSummary](t, resp)
	if summary.SuccessfulActions != 3 || summary.SuccessRate != 1.0 {
		t.Fatalf("unexpected summary: %#v", summary)
	}

	resp, err = http.Get(h.server.URL + "/api/v1/sessions?status=completed")
	if err != nil {
		t.Fatalf("GET sessions failed: %v", err)
	}
	records := decodeBody[[]state.SessionRecord](t, resp)
	if len(records) != 1 || records[0].SessionID != created.SessionID {
		t.Fatalf("unexpected listing: %#v", records)
	}
}

func TestCreateSessionRejectsEmptyInstruction(t *testing.T) {
	h := newHarness(t, lookupIntent(), testPlan(1))
	resp := postJSON(t, h.server.URL+"/api/v1/sessions", startSessionRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestApprovalEndpoint(t *testing.T) {
	h := newHarness(t, sensitiveIntent(), testPlan(2))
	ctx := waitCtx(t)

	resp := postJSON(t, h.server.URL+"/api/v1/sessions", startSessionRequest{Instruction: "submit my application"})
	created := decodeBody[types.AgentResponse](t, resp)
	if err := h.agent.Wait(ctx, created.SessionID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	resp, err := http.Get(h.server.URL + "/api/v1/sessions/" + created.SessionID)
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	status := decodeBody[types.AgentResponse](t, resp)
	if status.Status != types.StatusRequiresApproval || status.ApprovalMessage == "" {
		t.Fatalf("expected approval suspension, got %#v", status)
	}

	// Missing decision is rejected.
	resp = postJSON(t, h.server.URL+"/api/v1/sessions/"+created.SessionID+"/approval", approvalRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing decision, got %d", resp.StatusCode)
	}

	approved := true
	resp = postJSON(t, h.server.URL+"/api/v1/sessions/"+created.SessionID+"/approval", approvalRequest{Approved: &approved, Feedback: "looks fine"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if err := h.agent.Wait(ctx, created.SessionID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	resp, err = http.Get(h.server.URL + "/api/v1/sessions/" + created.SessionID)
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	status = decodeBody[types.AgentResponse](t, resp)
	if status.Status != types.StatusCompleted {
		t.Fatalf("expected completed after approval, got %s", status.Status)
	}

	// A second decision conflicts.
	resp = postJSON(t, h.server.URL+"/api/v1/sessions/"+created.SessionID+"/approval", approvalRequest{Approved: &approved})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for repeated decision, got %d", resp.StatusCode)
	}
}

func TestAbortEndpoint(t *testing.T) {
	h := newHarness(t, sensitiveIntent(), testPlan(2))
	ctx := waitCtx(t)

	resp := postJSON(t, h.server.URL+"/api/v1/sessions", startSessionRequest{Instruction: "submit my application"})
	created := decodeBody[types.AgentResponse](t, resp)
	if err := h.agent.Wait(ctx, created.SessionID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	resp = postJSON(t, h.server.URL+"/api/v1/sessions/"+created.SessionID+"/abort", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp, err := http.Get(h.server.URL + "/api/v1/sessions/" + created.SessionID)
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	status := decodeBody[types.AgentResponse](t, resp)
	if status.Status != types.StatusAborted {
		t.Fatalf("expected aborted, got %s", status.Status)
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	h := newHarness(t, lookupIntent(), testPlan(1))
	resp, err := http.Get(h.server.URL + "/api/v1/sessions/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsWithoutAuditStore(t *testing.T) {
	h := newHarness(t, lookupIntent(), testPlan(1))
	resp, err := http.Get(h.server.URL + "/api/v1/metrics/summary")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSSEStreamDeliversSessionEvents(t *testing.T) {
	h := newHarness(t, lookupIntent(), testPlan(1))
	ctx := waitCtx(t)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/v1/stream/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	created := postJSON(t, h.server.URL+"/api/v1/sessions", startSessionRequest{Instruction: "check my curp"})
	session := decodeBody[types.AgentResponse](t, created)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event observe.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		if event.SessionID == session.SessionID {
			return
		}
	}
	t.Fatalf("stream closed before any session event arrived: %v", scanner.Err())
}

func TestWebsocketStreamDeliversSessionEvents(t *testing.T) {
	h := newHarness(t, lookupIntent(), testPlan(1))
	ctx := waitCtx(t)

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/v1/stream/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	created := postJSON(t, h.server.URL+"/api/v1/sessions", startSessionRequest{Instruction: "check my curp"})
	session := decodeBody[types.AgentResponse](t, created)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var event observe.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("websocket read failed: %v", err)
		}
		if event.SessionID == session.SessionID {
			return
		}
	}
	t.Fatalf("no event for session %s before deadline", session.SessionID)
}
