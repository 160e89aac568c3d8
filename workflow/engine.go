package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tramitebot/tramitebot/observe"
	"github.com/tramitebot/tramitebot/state"
	"github.com/tramitebot/tramitebot/types"
)

// Engine drives a session through the stage graph. After every node it
// persists the complete state as a checkpoint, so a crash or an
// approval suspension can resume from the exact transition boundary.
type Engine struct {
	graph *Graph
	store state.Store
	sink  observe.Sink
	now   func() time.Time
}

type EngineOption func(*Engine)

// WithStore enables checkpoint persistence and resume.
func WithStore(store state.Store) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithSink routes engine events to an observer.
func WithSink(sink observe.Sink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

func NewEngine(nodes *Nodes, opts ...EngineOption) (*Engine, error) {
	if nodes == nil {
		return nil, fmt.Errorf("nodes are required")
	}

	g := NewGraph("tramite-session").
		AddNode(NodeInstructionParsing, NodeFunc(nodes.ParseInstruction)).
		AddNode(NodePlanCreation, NodeFunc(nodes.CreatePlan)).
		AddNode(NodePlanValidation, NodeFunc(nodes.ValidatePlan)).
		AddNode(NodeApprovalWaiting, NodeFunc(nodes.RequestApproval)).
		AddNode(NodeExecution, NodeFunc(nodes.ExecuteAction)).
		AddNode(NodeResultValidation, NodeFunc(nodes.ValidateResults)).
		AddNode(NodeErrorHandling, NodeFunc(nodes.HandleError)).
		AddNode(NodeCompletion, NodeFunc(nodes.Complete)).
		SetStart(NodeInstructionParsing).
		AllowCycles(true)

	g.AddEdge(NodeInstructionParsing, NodeErrorHandling, HasError)
	g.AddEdge(NodeInstructionParsing, NodePlanCreation, nil)

	g.AddEdge(NodePlanCreation, NodeErrorHandling, HasError)
	g.AddEdge(NodePlanCreation, NodePlanValidation, nil)

	g.AddEdge(NodePlanValidation, NodeErrorHandling, HasError)
	g.AddEdge(NodePlanValidation, NodeApprovalWaiting, NeedsApproval(nodes.policy))
	g.AddEdge(NodePlanValidation, NodeExecution, nil)

	g.AddEdge(NodeApprovalWaiting, NodeCompletion, WasAborted)
	g.AddEdge(NodeApprovalWaiting, NodeExecution, ApprovalGrantedAndRunnable)
	g.AddEdge(NodeApprovalWaiting, NodeCompletion, nil)

	g.AddEdge(NodeExecution, NodeCompletion, WasAborted)
	g.AddEdge(NodeExecution, NodeErrorHandling, HasError)
	g.AddEdge(NodeExecution, NodeResultValidation, ExecutionDone)
	g.AddEdge(NodeExecution, NodeExecution, MoreActions)

	g.AddEdge(NodeResultValidation, NodeErrorHandling, HasError)
	g.AddEdge(NodeResultValidation, NodeExecution, MoreActions)
	g.AddEdge(NodeResultValidation, NodeCompletion, nil)

	g.AddEdge(NodeErrorHandling, NodeExecution, RecoveryIs(types.RecoveryRetry))
	g.AddEdge(NodeErrorHandling, NodeApprovalWaiting, RecoveryIs(types.RecoveryHumanIntervention))
	g.AddEdge(NodeErrorHandling, NodeCompletion, nil)

	if err := g.Compile(); err != nil {
		return nil, err
	}

	e := &Engine{
		graph: g,
		sink:  observe.NoopSink{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = observe.NoopSink{}
	}
	return e, nil
}

// Run drives a fresh session until it reaches a terminal status or
// suspends for approval. A suspension returns nil; the state's status
// tells the caller what happened.
func (e *Engine) Run(ctx context.Context, st *types.AgentState) error {
	if st == nil {
		return fmt.Errorf("state is required")
	}
	if err := e.persistSession(ctx, st); err != nil {
		return err
	}
	e.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusStarted,
		Message:   "session started",
	})
	return e.run(ctx, st, e.graph.StartNodeID(), 1)
}

// Resume continues a session from its latest checkpoint. Typical
// callers are the approval endpoint and crash recovery at startup.
func (e *Engine) Resume(ctx context.Context, st *types.AgentState, nextNode string, seq int) error {
	if st == nil {
		return fmt.Errorf("state is required")
	}
	if nextNode == "" {
		return fmt.Errorf("session %s has nothing to resume", st.SessionID)
	}
	return e.run(ctx, st, nextNode, seq)
}

// LoadForResume reconstructs a session and its resume point from the
// latest checkpoint.
func (e *Engine) LoadForResume(ctx context.Context, sessionID string) (*types.AgentState, string, int, error) {
	if e.store == nil {
		return nil, "", 0, fmt.Errorf("state store is required for resume")
	}
	checkpoint, err := e.store.LoadLatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, "", 0, err
	}
	st := checkpoint.State
	if st.SessionID == "" {
		st.SessionID = sessionID
	}
	return &st, checkpoint.NextNode, checkpoint.Seq + 1, nil
}

func (e *Engine) run(ctx context.Context, st *types.AgentState, startNodeID string, seq int) error {
	current := startNodeID
	for current != "" {
		if ctx.Err() != nil {
			return e.finalizeAbort(ctx, st, seq)
		}
		node, ok := e.graph.nodes[current]
		if !ok {
			err := fmt.Errorf("node %q does not exist", current)
			e.persistFailure(ctx, st, err)
			return err
		}

		started := e.now()
		e.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindStage,
			Status:    observe.StatusStarted,
			Name:      current,
			Stage:     current,
		})

		if err := node.Execute(ctx, st); err != nil {
			if st.Aborted || errors.Is(err, context.Canceled) {
				return e.finalizeAbort(ctx, st, seq)
			}
			e.persistFailure(ctx, st, err)
			return fmt.Errorf("node %q failed: %w", current, err)
		}

		e.emit(ctx, observe.Event{
			SessionID:  st.SessionID,
			Kind:       observe.KindStage,
			Status:     observe.StatusCompleted,
			Name:       current,
			Stage:      current,
			DurationMs: e.now().Sub(started).Milliseconds(),
		})

		if suspended(st) {
			if err := e.persistCheckpoint(ctx, st, seq, current, current); err != nil {
				return err
			}
			if err := e.persistSession(ctx, st); err != nil {
				return err
			}
			return nil
		}

		next, err := e.graph.selectNext(ctx, current, st)
		if err != nil {
			e.persistFailure(ctx, st, err)
			return err
		}
		if err := e.persistCheckpoint(ctx, st, seq, current, next); err != nil {
			e.persistFailure(ctx, st, err)
			return err
		}
		seq++
		if err := e.persistSession(ctx, st); err != nil {
			return err
		}
		current = next
	}

	status := observe.StatusCompleted
	if st.Status == types.StatusFailed || st.Status == types.StatusAborted {
		status = observe.StatusFailed
	}
	e.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    status,
		Message:   "session " + string(st.Status),
	})
	return nil
}

// suspended reports whether the session paused for a pending approval.
func suspended(st *types.AgentState) bool {
	return st.Status == types.StatusRequiresApproval &&
		st.Approval != nil && st.Approval.Granted == nil
}

// finalizeAbort records the aborted terminal state. Persistence runs on
// a detached context because the run context is already canceled.
func (e *Engine) finalizeAbort(ctx context.Context, st *types.AgentState, seq int) error {
	persistCtx := context.WithoutCancel(ctx)
	st.Aborted = true
	st.Status = types.StatusAborted
	st.CurrentStage = types.StageCompletion
	st.Touch()

	if err := e.persistCheckpoint(persistCtx, st, seq, NodeCompletion, ""); err != nil {
		return err
	}
	if err := e.persistSession(persistCtx, st); err != nil {
		return err
	}
	e.emit(persistCtx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusFailed,
		Message:   "session aborted",
	})
	return nil
}

func (e *Engine) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	_ = e.sink.Emit(ctx, event)
}

func (e *Engine) persistCheckpoint(ctx context.Context, st *types.AgentState, seq int, nodeID, nextNode string) error {
	if e.store == nil {
		return nil
	}
	err := e.store.SaveCheckpoint(ctx, state.CheckpointRecord{
		SessionID: st.SessionID,
		Seq:       seq,
		Stage:     nodeID,
		NextNode:  nextNode,
		State:     *st,
		CreatedAt: e.now(),
	})
	if err != nil && !errors.Is(err, state.ErrConflict) {
		return err
	}
	if err == nil {
		e.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindCheckpoint,
			Status:    observe.StatusCompleted,
			Name:      nodeID,
			Stage:     nodeID,
			Attributes: map[string]any{
				"seq":      seq,
				"nextNode": nextNode,
			},
		})
	}
	return nil
}

func (e *Engine) persistSession(ctx context.Context, st *types.AgentState) error {
	if e.store == nil {
		return nil
	}
	record := state.SessionRecord{
		SessionID:   st.SessionID,
		Status:      string(st.Status),
		Stage:       string(st.CurrentStage),
		Instruction: st.UserInstruction,
	}
	if st.ErrorContext != nil {
		record.Error = st.ErrorContext.ErrorMessage
	}
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = e.now()
	}
	record.CreatedAt = &createdAt
	record.UpdatedAt = &updatedAt
	if st.Status.Terminal() {
		completedAt := updatedAt
		record.CompletedAt = &completedAt
	}
	return e.store.SaveSession(ctx, record)
}

func (e *Engine) persistFailure(ctx context.Context, st *types.AgentState, runErr error) {
	persistCtx := context.WithoutCancel(ctx)
	st.Status = types.StatusFailed
	if runErr != nil && st.ErrorContext == nil {
		st.SetError(types.ErrTypeExecution, runErr.Error(), "")
	}
	st.Touch()
	_ = e.persistSession(persistCtx, st)
	e.emit(persistCtx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusFailed,
		Message:   "session failed",
		Error:     fmt.Sprint(runErr),
	})
}
