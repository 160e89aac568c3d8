package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tramitebot/tramitebot/state"
	"github.com/tramitebot/tramitebot/types"
)

type scriptedPlanner struct {
	parsed   types.ParsedInstruction
	plan     *types.ExecutionPlan
	parseErr error
	planErr  error
	verdict  *types.ValidationResult
}

func (p *scriptedPlanner) ParseInstruction(ctx context.Context, text string) (types.ParsedInstruction, error) {
	_ = ctx
	_ = text
	if p.parseErr != nil {
		return types.ParsedInstruction{}, p.parseErr
	}
	return p.parsed, nil
}

func (p *scriptedPlanner) CreatePlan(ctx context.Context, instruction string, parsed types.ParsedInstruction) (*types.ExecutionPlan, error) {
	_ = ctx
	_ = instruction
	_ = parsed
	if p.planErr != nil {
		return nil, p.planErr
	}
	return p.plan, nil
}

func (p *scriptedPlanner) OptimizePlan(plan *types.ExecutionPlan) *types.ExecutionPlan {
	return plan
}

func (p *scriptedPlanner) ValidatePlan(plan *types.ExecutionPlan) types.ValidationResult {
	if p.verdict != nil {
		return *p.verdict
	}
	if plan == nil || len(plan.Actions) == 0 {
		return types.ValidationResult{Errors: []string{"plan has no actions"}, ConfidenceScore: 0.7}
	}
	return types.ValidationResult{Valid: true, ConfidenceScore: 1.0}
}

// fakeExecutor pops a scripted outcome per action id; actions without a
// script succeed.
type fakeExecutor struct {
	mu       sync.Mutex
	failures map[string][]string
	executed []string
	onCall   func(action types.Action)
}

func (f *fakeExecutor) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	if f.onCall != nil {
		f.onCall(action)
	}
	if ctx.Err() != nil {
		return types.ActionResult{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, action.ID)
	if msgs := f.failures[action.ID]; len(msgs) > 0 {
		msg := msgs[0]
		f.failures[action.ID] = msgs[1:]
		return types.ActionResult{
			ActionID:     action.ID,
			Success:      false,
			ErrorMessage: msg,
			CompletedAt:  time.Now().UTC(),
		}, nil
	}
	return types.ActionResult{ActionID: action.ID, Success: true, CompletedAt: time.Now().UTC()}, nil
}

func (f *fakeExecutor) Close() error { return nil }

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
	for _, existing := range m.checkpoints[checkpoint.SessionID] {
		if existing.Seq == checkpoint.Seq {
			return state.ErrConflict
		}
	}
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

func lookupPlan(n int) *types.ExecutionPlan {
	plan := &types.ExecutionPlan{ID: "plan-1", Description: "lookup"}
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

func confidentLookup() types.ParsedInstruction {
	return types.ParsedInstruction{
		IntentType:       "lookup_information",
		IntentConfidence: 0.9,
		PortalIdentified: "sat",
		Confidence:       0.9,
	}
}

func newTestEngine(t *testing.T, p *scriptedPlanner, exec *fakeExecutor, store state.Store) *Engine {
	t.Helper()
	nodes := NewNodes(p, exec, DefaultPolicy(), nil)
	engine, err := NewEngine(nodes, WithStore(store))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestGraphCompile_Validation(t *testing.T) {
	noop := NodeFunc(func(ctx context.Context, st *types.AgentState) error { return nil })

	if err := NewGraph("g").AddNode("a", noop).SetStart("a").Compile(); err != nil {
		t.Fatalf("minimal graph should compile: %v", err)
	}

	err := NewGraph("g").
		AddNode("a", noop).
		AddNode("orphan", noop).
		SetStart("a").
		Compile()
	if err == nil {
		t.Fatalf("expected unreachable node error")
	}

	err = NewGraph("g").
		AddNode("a", noop).
		AddNode("b", noop).
		AddEdge("a", "b", nil).
		AddEdge("b", "a", nil).
		SetStart("a").
		Compile()
	if err == nil {
		t.Fatalf("expected cycle error without AllowCycles")
	}

	err = NewGraph("g").
		AddNode("a", noop).
		AddNode("b", noop).
		AddEdge("a", "b", nil).
		AddEdge("b", "a", nil).
		SetStart("a").
		AllowCycles(true).
		Compile()
	if err != nil {
		t.Fatalf("cycle should be allowed: %v", err)
	}
}

func TestRun_CompletesWithoutApproval(t *testing.T) {
	p := &scriptedPlanner{parsed: confidentLookup(), plan: lookupPlan(3)}
	exec := &fakeExecutor{}
	store := newMemoryStore()
	engine := newTestEngine(t, p, exec, store)

	st := types.NewAgentState("s1", "check my curp status")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", st.Status)
	}
	if st.CurrentStep != 3 || !st.ExecutionCompleted {
		t.Fatalf("expected all steps done, step=%d completed=%v", st.CurrentStep, st.ExecutionCompleted)
	}
	if len(st.ExecutionHistory) != 3 {
		t.Fatalf("expected 3 results, got %d", len(st.ExecutionHistory))
	}
	for i, result := range st.ExecutionHistory {
		if want := fmt.Sprintf("a%d", i+1); result.ActionID != want {
			t.Fatalf("history out of order at %d: got %s want %s", i, result.ActionID, want)
		}
	}

	record, err := store.LoadSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if record.Status != string(types.StatusCompleted) || record.CompletedAt == nil {
		t.Fatalf("unexpected persisted record: %#v", record)
	}
	checkpoints, _ := store.ListCheckpoints(context.Background(), "s1", 0)
	if len(checkpoints) == 0 {
		t.Fatalf("expected checkpoints")
	}
}

func TestRun_SensitiveIntentSuspendsThenResumes(t *testing.T) {
	p := &scriptedPlanner{
		parsed: types.ParsedInstruction{IntentType: "submit_application", IntentConfidence: 0.9, Confidence: 0.9},
		plan:   lookupPlan(2),
	}
	exec := &fakeExecutor{}
	store := newMemoryStore()
	engine := newTestEngine(t, p, exec, store)

	st := types.NewAgentState("s2", "submit my application")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Status != types.StatusRequiresApproval {
		t.Fatalf("expected suspension, got %s", st.Status)
	}
	if st.Approval == nil || st.Approval.Granted != nil {
		t.Fatalf("expected pending approval, got %#v", st.Approval)
	}
	if st.Approval.RiskLevel != "high" {
		t.Fatalf("expected high risk for sensitive intent, got %q", st.Approval.RiskLevel)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("no actions may run before approval, ran %v", exec.executed)
	}

	// The decision arrives later, possibly in another process: resume
	// from the checkpoint, not from the in-memory state.
	restored, nextNode, seq, err := engine.LoadForResume(context.Background(), "s2")
	if err != nil {
		t.Fatalf("LoadForResume failed: %v", err)
	}
	if nextNode != NodeApprovalWaiting {
		t.Fatalf("expected resume at approval, got %q", nextNode)
	}
	granted := true
	restored.Approval.Granted = &granted

	if err := engine.Resume(context.Background(), restored, nextNode, seq); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if restored.Status != types.StatusCompleted {
		t.Fatalf("expected completed after approval, got %s", restored.Status)
	}
	if len(restored.ExecutionHistory) != 2 {
		t.Fatalf("expected 2 results, got %d", len(restored.ExecutionHistory))
	}
}

func TestRun_ApprovalDeniedAborts(t *testing.T) {
	p := &scriptedPlanner{
		parsed: types.ParsedInstruction{IntentType: "fill_form", IntentConfidence: 0.9, Confidence: 0.9},
		plan:   lookupPlan(2),
	}
	exec := &fakeExecutor{}
	store := newMemoryStore()
	engine := newTestEngine(t, p, exec, store)

	st := types.NewAgentState("s3", "fill the form")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Status != types.StatusRequiresApproval {
		t.Fatalf("expected suspension, got %s", st.Status)
	}

	denied := false
	st.Approval.Granted = &denied
	st.Approval.Feedback = "not today"
	if err := engine.Resume(context.Background(), st, NodeApprovalWaiting, 100); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st.Status != types.StatusAborted {
		t.Fatalf("expected aborted after denial, got %s", st.Status)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("denied session must not execute, ran %v", exec.executed)
	}
}

func TestRun_ApprovalTimeoutCountsAsDenied(t *testing.T) {
	p := &scriptedPlanner{
		parsed: types.ParsedInstruction{IntentType: "authenticate", IntentConfidence: 0.9, Confidence: 0.9},
		plan:   lookupPlan(1),
	}
	exec := &fakeExecutor{}
	nodes := NewNodes(p, exec, DefaultPolicy(), nil)
	engine, err := NewEngine(nodes, WithStore(newMemoryStore()))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	st := types.NewAgentState("s4", "log in")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Status != types.StatusRequiresApproval {
		t.Fatalf("expected suspension, got %s", st.Status)
	}

	// Re-enter after the deadline with no decision recorded.
	nodes.now = func() time.Time { return time.Now().UTC().Add(301 * time.Second) }
	if err := engine.Resume(context.Background(), st, NodeApprovalWaiting, 100); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st.Status != types.StatusAborted {
		t.Fatalf("expected aborted after timeout, got %s", st.Status)
	}
	if st.Approval.Feedback == "" {
		t.Fatalf("expected timeout feedback")
	}
}

func TestRun_LowConfidenceForcesApproval(t *testing.T) {
	parsed := confidentLookup()
	parsed.Confidence = 0.5
	p := &scriptedPlanner{parsed: parsed, plan: lookupPlan(1)}
	engine := newTestEngine(t, p, &fakeExecutor{}, newMemoryStore())

	st := types.NewAgentState("s5", "do something vague")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Status != types.StatusRequiresApproval {
		t.Fatalf("expected approval for low confidence, got %s", st.Status)
	}
	if st.Approval.RiskLevel != "medium" {
		t.Fatalf("expected medium risk, got %q", st.Approval.RiskLevel)
	}
}

func TestRun_RetryableFailureRecovers(t *testing.T) {
	p := &scriptedPlanner{parsed: confidentLookup(), plan: lookupPlan(3)}
	exec := &fakeExecutor{failures: map[string][]string{"a2": {"element not found"}}}
	engine := newTestEngine(t, p, exec, newMemoryStore())

	st := types.NewAgentState("s6", "check status")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Status != types.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s (error %#v)", st.Status, st.ErrorContext)
	}
	// a1 ok, a2 fail, a2 ok, a3 ok.
	if len(st.ExecutionHistory) != 4 {
		t.Fatalf("expected 4 results, got %d", len(st.ExecutionHistory))
	}
	failed := st.ExecutionHistory[1]
	if failed.Success || failed.ActionID != "a2" || failed.RetryCount != 0 {
		t.Fatalf("unexpected failed result: %#v", failed)
	}
	retried := st.ExecutionHistory[2]
	if !retried.Success || retried.ActionID != "a2" || retried.RetryCount != 1 {
		t.Fatalf("unexpected retried result: %#v", retried)
	}
	if st.HasErrors() {
		t.Fatalf("error context must clear on recovery")
	}
}

func TestRun_RetriesExhaustedFails(t *testing.T) {
	p := &scriptedPlanner{parsed: confidentLookup(), plan: lookupPlan(2)}
	exec := &fakeExecutor{failures: map[string][]string{
		"a1": {"boom", "boom", "boom", "boom"},
	}}
	engine := newTestEngine(t, p, exec, newMemoryStore())

	st := types.NewAgentState("s7", "check status")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Status != types.StatusFailed {
		t.Fatalf("expected failed after exhausted retries, got %s", st.Status)
	}
	if st.ErrorContext == nil || st.ErrorContext.ErrorType != types.ErrTypeExecution {
		t.Fatalf("expected execution error context, got %#v", st.ErrorContext)
	}
	attempts := 0
	for _, r := range st.ExecutionHistory {
		if r.ActionID == "a1" {
			attempts++
		}
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	// The session stays queryable: the failure is described on the
	// state, not thrown.
	if st.ErrorContext.ErrorMessage != "boom" || st.ErrorContext.ActionID != "a1" {
		t.Fatalf("failure not surfaced: %#v", st.ErrorContext)
	}
}

func TestRun_TimeoutClassifiedAndRetried(t *testing.T) {
	p := &scriptedPlanner{parsed: confidentLookup(), plan: lookupPlan(1)}
	exec := &fakeExecutor{failures: map[string][]string{"a1": {"timeout"}}}
	engine := newTestEngine(t, p, exec, newMemoryStore())

	st := types.NewAgentState("s8", "check status")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", st.Status)
	}
	first := st.ExecutionHistory[0]
	if first.Success || first.ErrorMessage != "timeout" {
		t.Fatalf("expected timeout result first, got %#v", first)
	}
}

func TestRun_ParseFailureEscalatesToHuman(t *testing.T) {
	p := &scriptedPlanner{parseErr: errors.New("cannot understand instruction")}
	engine := newTestEngine(t, p, &fakeExecutor{}, newMemoryStore())

	st := types.NewAgentState("s9", "???")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Status != types.StatusRequiresApproval {
		t.Fatalf("expected human intervention, got %s", st.Status)
	}
	if st.Recovery != types.RecoveryHumanIntervention {
		t.Fatalf("expected human intervention strategy, got %q", st.Recovery)
	}

	// Granting with no plan to run surfaces the failure.
	granted := true
	st.Approval.Granted = &granted
	if err := engine.Resume(context.Background(), st, NodeApprovalWaiting, 100); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st.Status != types.StatusFailed {
		t.Fatalf("expected failed, got %s", st.Status)
	}
	if st.ErrorContext == nil || st.ErrorContext.ErrorType != types.ErrTypeInstructionParsing {
		t.Fatalf("expected parsing error context, got %#v", st.ErrorContext)
	}
}

func TestRun_AbortCancelsInFlightExecution(t *testing.T) {
	p := &scriptedPlanner{parsed: confidentLookup(), plan: lookupPlan(3)}
	ctx, cancel := context.WithCancel(context.Background())

	st := types.NewAgentState("s10", "check status")
	exec := &fakeExecutor{}
	exec.onCall = func(action types.Action) {
		if action.ID == "a2" {
			st.Aborted = true
			cancel()
		}
	}
	engine := newTestEngine(t, p, exec, newMemoryStore())

	if err := engine.Run(ctx, st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Status != types.StatusAborted {
		t.Fatalf("expected aborted, got %s", st.Status)
	}
	if len(st.ExecutionHistory) != 1 {
		t.Fatalf("expected only the first action recorded, got %d", len(st.ExecutionHistory))
	}
}

func TestValidateResults_ThresholdPolicy(t *testing.T) {
	nodes := NewNodes(&scriptedPlanner{}, &fakeExecutor{}, DefaultPolicy(), nil)

	// 9 of 10 succeed: passes even with one failure.
	st := types.NewAgentState("s11", "x")
	st.ExecutionPlan = lookupPlan(10)
	st.CurrentStep = 10
	st.ExecutionCompleted = true
	for i := 0; i < 10; i++ {
		st.ExecutionHistory = append(st.ExecutionHistory, types.ActionResult{
			ActionID: fmt.Sprintf("a%d", i+1),
			Success:  i != 4,
		})
	}
	if err := nodes.ValidateResults(context.Background(), st); err != nil {
		t.Fatalf("ValidateResults failed: %v", err)
	}
	if st.HasErrors() || !st.ExecutionCompleted {
		t.Fatalf("0.9 success rate must pass: %#v", st.ErrorContext)
	}

	// Empty history fails validation.
	empty := types.NewAgentState("s12", "x")
	empty.ExecutionPlan = lookupPlan(1)
	empty.ExecutionCompleted = true
	if err := nodes.ValidateResults(context.Background(), empty); err != nil {
		t.Fatalf("ValidateResults failed: %v", err)
	}
	if !empty.HasErrors() {
		t.Fatalf("empty history must fail validation")
	}
	if empty.ErrorContext.ErrorType != types.ErrTypeResultValidation {
		t.Fatalf("unexpected error type %q", empty.ErrorContext.ErrorType)
	}
}

func TestResume_CheckpointMatchesLiveState(t *testing.T) {
	p := &scriptedPlanner{
		parsed: types.ParsedInstruction{IntentType: "submit_application", IntentConfidence: 0.9, Confidence: 0.9},
		plan:   lookupPlan(2),
	}
	store := newMemoryStore()
	engine := newTestEngine(t, p, &fakeExecutor{}, store)

	st := types.NewAgentState("s13", "submit it")
	if err := engine.Run(context.Background(), st); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	restored, _, _, err := engine.LoadForResume(context.Background(), "s13")
	if err != nil {
		t.Fatalf("LoadForResume failed: %v", err)
	}
	if restored.SessionID != st.SessionID ||
		restored.Status != st.Status ||
		restored.CurrentStage != st.CurrentStage ||
		restored.CurrentStep != st.CurrentStep {
		t.Fatalf("checkpoint diverged from live state:\nlive %#v\nrestored %#v", st, restored)
	}
	if restored.ExecutionPlan == nil || len(restored.ExecutionPlan.Actions) != 2 {
		t.Fatalf("plan not preserved in checkpoint")
	}
	if restored.Approval == nil || restored.Approval.Granted != nil {
		t.Fatalf("pending approval not preserved: %#v", restored.Approval)
	}
}
