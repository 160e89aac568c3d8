// Package agent is the session manager: it owns the lifecycle of every
// workflow session, enforces single-writer access per session, and
// exposes the operations the API layer calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tramitebot/tramitebot/observe"
	"github.com/tramitebot/tramitebot/state"
	"github.com/tramitebot/tramitebot/types"
	"github.com/tramitebot/tramitebot/workflow"
)

var (
	ErrSessionNotFound     = errors.New("agent: session not found")
	ErrNotAwaitingApproval = errors.New("agent: session is not awaiting approval")
	ErrSessionTerminal     = errors.New("agent: session already finished")
)

// session is the in-process handle for one workflow. Its mutex is the
// per-session writer lock: every mutation of the state happens under
// it, including the whole engine run. cancel and done are guarded by
// the agent mutex instead, so Abort and Wait work while a run holds
// the writer lock.
type session struct {
	mu     sync.Mutex
	state  *types.AgentState
	cancel context.CancelFunc
	done   chan struct{}
}

type Agent struct {
	engine *workflow.Engine
	store  state.Store
	sink   observe.Sink
	stream *observe.Stream

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type Option func(*Agent)

// WithStream shares an existing event stream, typically the one the
// engine's sink already publishes to.
func WithStream(stream *observe.Stream) Option {
	return func(a *Agent) {
		if stream != nil {
			a.stream = stream
		}
	}
}

// WithSink adds an observer for agent-level failures.
func WithSink(sink observe.Sink) Option {
	return func(a *Agent) { a.sink = sink }
}

func New(engine *workflow.Engine, store state.Store, opts ...Option) (*Agent, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	a := &Agent{
		engine:   engine,
		store:    store,
		stream:   observe.NewStream(),
		sessions: map[string]*session{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Stream exposes the live event feed for SSE and websocket consumers.
func (a *Agent) Stream() *observe.Stream {
	return a.stream
}

// Start creates a session for the instruction and begins running it in
// the background. The returned id is immediately queryable.
func (a *Agent) Start(ctx context.Context, instruction string) (string, error) {
	_ = ctx
	if instruction == "" {
		return "", fmt.Errorf("instruction is required")
	}

	sessionID := uuid.NewString()
	st := types.NewAgentState(sessionID, instruction)
	handle := &session{state: st}

	a.mu.Lock()
	a.sessions[sessionID] = handle
	a.mu.Unlock()

	a.launch(handle, func(runCtx context.Context) error {
		return a.engine.Run(runCtx, st)
	})
	return sessionID, nil
}

// launch runs one engine pass for the session in the background,
// holding the session writer lock for its whole duration.
func (a *Agent) launch(handle *session, run func(ctx context.Context) error) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	handle.cancel = cancel
	handle.done = done
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(done)
		defer cancel()
		handle.mu.Lock()
		defer handle.mu.Unlock()
		if err := run(runCtx); err != nil {
			a.publishFailure(handle.state.SessionID, err)
		}
	}()
}

// GetStatus returns the caller-facing view of a session. Unknown ids
// fall back to the store, so restarts do not lose visibility.
func (a *Agent) GetStatus(ctx context.Context, sessionID string) (types.AgentResponse, error) {
	st, err := a.snapshot(ctx, sessionID)
	if err != nil {
		return types.AgentResponse{}, err
	}
	return st.Response(), nil
}

// Summary returns the execution rollup for a session.
func (a *Agent) Summary(ctx context.Context, sessionID string) (types.ExecutionSummary, error) {
	st, err := a.snapshot(ctx, sessionID)
	if err != nil {
		return types.ExecutionSummary{}, err
	}
	return st.Summarize(), nil
}

// History returns the append-only action result log in execution order.
func (a *Agent) History(ctx context.Context, sessionID string) ([]types.ActionResult, error) {
	st, err := a.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.ExecutionHistory, nil
}

// ListSessions lists known sessions from the store.
func (a *Agent) ListSessions(ctx context.Context, query state.ListSessionsQuery) ([]state.SessionRecord, error) {
	if a.store == nil {
		return nil, fmt.Errorf("no state store configured")
	}
	return a.store.ListSessions(ctx, query)
}

// Approve records the human decision for a suspended session and
// resumes it. A second decision, or a decision for a session that has
// moved on, is rejected.
func (a *Agent) Approve(ctx context.Context, sessionID string, approved bool, feedback string) error {
	handle := a.handle(sessionID)
	if handle == nil {
		return ErrSessionNotFound
	}

	// A suspended session does not hold its writer lock; a busy one is
	// by definition not awaiting approval.
	if !handle.mu.TryLock() {
		return ErrNotAwaitingApproval
	}
	st := handle.state
	if st.Status.Terminal() {
		handle.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrSessionTerminal, st.Status)
	}
	if st.Status != types.StatusRequiresApproval || st.Approval == nil || st.Approval.Granted != nil {
		handle.mu.Unlock()
		return ErrNotAwaitingApproval
	}
	st.Approval.Granted = &approved
	st.Approval.Feedback = feedback
	seq := a.nextSeq(ctx, sessionID)
	handle.mu.Unlock()

	a.launch(handle, func(runCtx context.Context) error {
		return a.engine.Resume(runCtx, st, workflow.NodeApprovalWaiting, seq)
	})
	return nil
}

// Abort cancels a session from any goroutine. An in-flight run is
// cancelled through its context and finalizes itself; a session
// suspended for approval is finalized here through the denial path.
func (a *Agent) Abort(ctx context.Context, sessionID string) error {
	handle := a.handle(sessionID)
	if handle == nil {
		return ErrSessionNotFound
	}

	a.mu.Lock()
	cancel := handle.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// A busy session holds its writer lock; the cancelled run will
	// finalize the abort itself.
	if !handle.mu.TryLock() {
		return nil
	}
	defer handle.mu.Unlock()
	st := handle.state
	if st.Status.Terminal() {
		if st.Status == types.StatusAborted {
			return nil
		}
		return fmt.Errorf("%w: status %s", ErrSessionTerminal, st.Status)
	}

	if st.Status == types.StatusRequiresApproval && st.Approval != nil && st.Approval.Granted == nil {
		denied := false
		st.Approval.Granted = &denied
		if st.Approval.Feedback == "" {
			st.Approval.Feedback = "session aborted"
		}
		return a.engine.Resume(ctx, st, workflow.NodeApprovalWaiting, a.nextSeq(ctx, sessionID))
	}

	// The run observed the cancellation and finalized before we got the
	// lock, or never started; reflect the abort either way.
	st.Aborted = true
	st.Status = types.StatusAborted
	st.CurrentStage = types.StageCompletion
	st.Touch()
	return nil
}

// Recover relaunches sessions that were mid-flight when the process
// stopped, using their latest checkpoints. Sessions suspended for
// approval are re-registered without being resumed.
func (a *Agent) Recover(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, fmt.Errorf("no state store configured")
	}

	recovered := 0
	for _, status := range []string{string(types.StatusRunning), string(types.StatusRequiresApproval)} {
		records, err := a.store.ListSessions(ctx, state.ListSessionsQuery{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, record := range records {
			if a.handle(record.SessionID) != nil {
				continue
			}
			st, nextNode, seq, err := a.engine.LoadForResume(ctx, record.SessionID)
			if err != nil {
				if errors.Is(err, state.ErrNotFound) {
					continue
				}
				return recovered, err
			}

			handle := &session{state: st}
			a.mu.Lock()
			a.sessions[record.SessionID] = handle
			a.mu.Unlock()
			recovered++

			if st.Status == types.StatusRequiresApproval {
				// Stays suspended until Approve or Abort arrives.
				closed := make(chan struct{})
				close(closed)
				a.mu.Lock()
				handle.done = closed
				a.mu.Unlock()
				continue
			}
			resumeNode, resumeSeq := nextNode, seq
			a.launch(handle, func(runCtx context.Context) error {
				return a.engine.Resume(runCtx, st, resumeNode, resumeSeq)
			})
		}
	}
	return recovered, nil
}

// Wait blocks until a session's current background pass finishes, up
// to the context deadline. Suspended sessions count as finished.
func (a *Agent) Wait(ctx context.Context, sessionID string) error {
	handle := a.handle(sessionID)
	if handle == nil {
		return ErrSessionNotFound
	}
	a.mu.Lock()
	done := handle.done
	a.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close waits for in-flight work and shuts the stream down. Sessions
// that should stop early must be aborted explicitly first.
func (a *Agent) Close() error {
	a.wg.Wait()
	a.stream.Close()
	return nil
}

func (a *Agent) handle(sessionID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionID]
}

// snapshot returns a deep copy of the session state. A live session
// that is between mutations is read from memory; while a run holds the
// writer lock the latest checkpoint serves the read instead, so status
// queries never wait on execution.
func (a *Agent) snapshot(ctx context.Context, sessionID string) (types.AgentState, error) {
	handle := a.handle(sessionID)
	if handle != nil && handle.mu.TryLock() {
		st, err := handle.state.Clone()
		handle.mu.Unlock()
		return st, err
	}
	if a.store == nil {
		if handle != nil {
			handle.mu.Lock()
			st, err := handle.state.Clone()
			handle.mu.Unlock()
			return st, err
		}
		return types.AgentState{}, ErrSessionNotFound
	}
	checkpoint, err := a.store.LoadLatestCheckpoint(ctx, sessionID)
	if err == nil {
		return checkpoint.State, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return types.AgentState{}, err
	}
	// No checkpoint yet: the session was just created.
	record, err := a.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) && handle == nil {
			return types.AgentState{}, ErrSessionNotFound
		}
		if handle == nil {
			return types.AgentState{}, err
		}
		record = state.SessionRecord{SessionID: sessionID}
	}
	st := types.AgentState{
		SessionID:       sessionID,
		UserInstruction: record.Instruction,
		Status:          types.SessionStatus(record.Status),
		CurrentStage:    types.WorkflowStage(record.Stage),
	}
	if st.Status == "" {
		st.Status = types.StatusPending
		st.CurrentStage = types.StageInstructionParsing
	}
	return st, nil
}

func (a *Agent) nextSeq(ctx context.Context, sessionID string) int {
	if a.store == nil {
		return 1
	}
	checkpoint, err := a.store.LoadLatestCheckpoint(ctx, sessionID)
	if err != nil {
		return 1
	}
	return checkpoint.Seq + 1
}

func (a *Agent) publishFailure(sessionID string, err error) {
	event := observe.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusFailed,
		Message:   "session task failed",
		Error:     err.Error(),
	}
	event.Normalize()
	a.stream.Publish(event)
	if a.sink != nil {
		_ = a.sink.Emit(context.Background(), event)
	}
}
