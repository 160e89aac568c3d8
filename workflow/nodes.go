package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tramitebot/tramitebot/executor"
	"github.com/tramitebot/tramitebot/observe"
	"github.com/tramitebot/tramitebot/planner"
	"github.com/tramitebot/tramitebot/types"
)

// Node ids double as stage names in checkpoints and events.
const (
	NodeInstructionParsing = string(types.StageInstructionParsing)
	NodePlanCreation       = string(types.StagePlanCreation)
	NodePlanValidation     = string(types.StagePlanValidation)
	NodeApprovalWaiting    = string(types.StageApprovalWaiting)
	NodeExecution          = string(types.StageExecution)
	NodeResultValidation   = string(types.StageResultValidation)
	NodeErrorHandling      = string(types.StageErrorHandling)
	NodeCompletion         = string(types.StageCompletion)
)

// Policy holds the decision thresholds of the state machine.
type Policy struct {
	// ApprovalConfidenceThreshold forces approval for plans whose
	// instruction confidence falls below it.
	ApprovalConfidenceThreshold float64
	// ValidationSuccessThreshold is the minimum execution success rate
	// for result validation to pass.
	ValidationSuccessThreshold float64
	// MaxRetryAttempts bounds per-action retries before escalation.
	MaxRetryAttempts int
	// ApprovalTimeout bounds how long a pending approval stays open
	// before it counts as denied.
	ApprovalTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ApprovalConfidenceThreshold: 0.7,
		ValidationSuccessThreshold:  0.8,
		MaxRetryAttempts:            3,
		ApprovalTimeout:             300 * time.Second,
	}
}

func (p Policy) normalize() Policy {
	if p.ApprovalConfidenceThreshold <= 0 {
		p.ApprovalConfidenceThreshold = 0.7
	}
	if p.ValidationSuccessThreshold <= 0 {
		p.ValidationSuccessThreshold = 0.8
	}
	if p.MaxRetryAttempts <= 0 {
		p.MaxRetryAttempts = 3
	}
	if p.ApprovalTimeout <= 0 {
		p.ApprovalTimeout = 300 * time.Second
	}
	return p
}

// Nodes bundles the stage handlers with their dependencies.
type Nodes struct {
	planner  planner.Planner
	executor executor.ActionExecutor
	policy   Policy
	sink     observe.Sink
	now      func() time.Time
}

func NewNodes(p planner.Planner, exec executor.ActionExecutor, policy Policy, sink observe.Sink) *Nodes {
	if sink == nil {
		sink = observe.NoopSink{}
	}
	return &Nodes{
		planner:  p,
		executor: exec,
		policy:   policy.normalize(),
		sink:     sink,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ParseInstruction classifies the user instruction. A parse failure is
// recorded on the state, not returned.
func (n *Nodes) ParseInstruction(ctx context.Context, st *types.AgentState) error {
	st.Status = types.StatusRunning
	st.CurrentStage = types.StageInstructionParsing

	parsed, err := n.planner.ParseInstruction(ctx, st.UserInstruction)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.SetError(types.ErrTypeInstructionParsing, err.Error(), "")
		return nil
	}
	st.Parsed = &parsed
	st.Touch()
	return nil
}

// CreatePlan builds and optimizes the execution plan.
func (n *Nodes) CreatePlan(ctx context.Context, st *types.AgentState) error {
	st.CurrentStage = types.StagePlanCreation
	if st.Parsed == nil {
		st.SetError(types.ErrTypePlanning, "no parsed instruction to plan from", "")
		return nil
	}

	plan, err := n.planner.CreatePlan(ctx, st.UserInstruction, *st.Parsed)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.SetError(types.ErrTypePlanning, err.Error(), "")
		return nil
	}
	st.ExecutionPlan = n.planner.OptimizePlan(plan)
	st.CurrentStep = 0
	st.Touch()
	return nil
}

// ValidatePlan runs structural validation and stores the verdict.
func (n *Nodes) ValidatePlan(ctx context.Context, st *types.AgentState) error {
	_ = ctx
	st.CurrentStage = types.StagePlanValidation

	result := n.planner.ValidatePlan(st.ExecutionPlan)
	st.Validation = &result
	if !result.Valid {
		st.SetError(types.ErrTypePlanValidation, strings.Join(result.Errors, "; "), "")
		return nil
	}
	st.Touch()
	return nil
}

// RequestApproval suspends the session for a human decision. On
// re-entry it resolves the recorded decision, treating an expired
// request as denied.
func (n *Nodes) RequestApproval(ctx context.Context, st *types.AgentState) error {
	st.CurrentStage = types.StageApprovalWaiting

	if st.Approval == nil {
		st.Approval = n.buildApprovalContext(st)
		st.Status = types.StatusRequiresApproval
		n.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindApproval,
			Status:    observe.StatusStarted,
			Stage:     string(st.CurrentStage),
			Message:   "approval requested",
			Attributes: map[string]any{
				"riskLevel":   st.Approval.RiskLevel,
				"actionCount": st.Approval.ActionCount,
			},
		})
		return nil
	}

	approval := st.Approval
	if approval.Granted == nil {
		if n.now().After(approval.RequestedAt.Add(time.Duration(approval.TimeoutSeconds) * time.Second)) {
			denied := false
			approval.Granted = &denied
			if approval.Feedback == "" {
				approval.Feedback = "approval request timed out"
			}
		} else {
			// Still pending; the engine suspends the session.
			st.Status = types.StatusRequiresApproval
			return nil
		}
	}

	if *approval.Granted {
		st.Status = types.StatusRunning
		st.Recovery = ""
		// A grant with nothing left to run keeps its error context so
		// completion can surface the failure it stems from.
		if st.ExecutionPlan != nil && !st.ExecutionCompleted {
			st.ClearError()
		}
		n.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindApproval,
			Status:    observe.StatusCompleted,
			Stage:     string(st.CurrentStage),
			Message:   "approval granted",
		})
		return nil
	}

	st.Aborted = true
	n.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindApproval,
		Status:    observe.StatusFailed,
		Stage:     string(st.CurrentStage),
		Message:   "approval denied",
		Error:     approval.Feedback,
	})
	st.Touch()
	return nil
}

func (n *Nodes) buildApprovalContext(st *types.AgentState) *types.ApprovalContext {
	approval := &types.ApprovalContext{
		Instruction:    st.UserInstruction,
		TimeoutSeconds: int(n.policy.ApprovalTimeout / time.Second),
		RequestedAt:    n.now(),
		RiskLevel:      "low",
	}
	if st.ExecutionPlan != nil {
		approval.ActionCount = len(st.ExecutionPlan.Actions)
		approval.EstimatedDuration = st.ExecutionPlan.EstimatedDurationSeconds
	}
	if st.Parsed != nil {
		approval.Portal = st.Parsed.PortalIdentified
		approval.Confidence = st.Parsed.Confidence
		if planner.SensitiveIntents[st.Parsed.IntentType] {
			approval.RiskLevel = "high"
		} else if st.Parsed.Confidence < n.policy.ApprovalConfidenceThreshold {
			approval.RiskLevel = "medium"
		}
	}
	if st.Recovery == types.RecoveryHumanIntervention && st.ErrorContext != nil {
		approval.RiskLevel = "high"
		approval.Feedback = fmt.Sprintf("intervention requested after %s", st.ErrorContext.ErrorType)
	}
	return approval
}

// ExecuteAction runs the action at the current step and appends its
// result. One invocation per step; the self-edge loops until the plan
// is exhausted or an action fails.
func (n *Nodes) ExecuteAction(ctx context.Context, st *types.AgentState) error {
	st.CurrentStage = types.StageExecution
	st.Status = types.StatusRunning

	if st.ExecutionPlan == nil {
		st.SetError(types.ErrTypeExecution, "no execution plan", "")
		return nil
	}
	if st.CurrentStep >= len(st.ExecutionPlan.Actions) {
		st.ExecutionCompleted = true
		st.Touch()
		return nil
	}

	action := st.ExecutionPlan.Actions[st.CurrentStep]
	attempt := n.failureCount(st, action.ID)

	n.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindAction,
		Status:    observe.StatusStarted,
		Stage:     string(st.CurrentStage),
		Name:      string(action.Type),
		ActionID:  action.ID,
		Attributes: map[string]any{
			"step":    st.CurrentStep,
			"attempt": attempt,
		},
	})

	result, err := n.executor.Execute(ctx, action)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		// Infrastructure faults are treated as action failures so the
		// error handling branch owns the recovery decision.
		result = types.ActionResult{
			ActionID:     action.ID,
			Success:      false,
			ErrorMessage: err.Error(),
			CompletedAt:  n.now(),
		}
	}
	result.RetryCount = attempt
	st.AddActionResult(result)

	status := observe.StatusCompleted
	if !result.Success {
		status = observe.StatusFailed
	}
	n.emit(ctx, observe.Event{
		SessionID:  st.SessionID,
		Kind:       observe.KindAction,
		Status:     status,
		Stage:      string(st.CurrentStage),
		Name:       string(action.Type),
		ActionID:   action.ID,
		Error:      result.ErrorMessage,
		DurationMs: int64(result.ExecutionTimeSeconds * 1000),
	})

	if result.Success {
		st.CurrentStep++
		if st.CurrentStep >= len(st.ExecutionPlan.Actions) {
			st.ExecutionCompleted = true
		}
	}
	st.Touch()
	return nil
}

// failureCount counts prior failed attempts for one action. It is the
// attempt number for the next run of that action.
func (n *Nodes) failureCount(st *types.AgentState, actionID string) int {
	count := 0
	for _, r := range st.ExecutionHistory {
		if r.ActionID == actionID && !r.Success {
			count++
		}
	}
	return count
}

// ValidateResults checks the overall success rate once execution has
// covered the plan. Failures that a later attempt recovered do not
// block completion; an unrecovered failure with retry budget left is
// re-queued at its own step instead of failing the session.
func (n *Nodes) ValidateResults(ctx context.Context, st *types.AgentState) error {
	_ = ctx
	st.CurrentStage = types.StageResultValidation

	if st.SuccessRate() >= n.policy.ValidationSuccessThreshold || n.allRecovered(st) {
		st.Recovery = ""
		st.ClearError()
		return nil
	}

	if failed, step, ok := n.lastUnrecoveredStep(st); ok && failed.RetryCount < n.policy.MaxRetryAttempts {
		st.CurrentStep = step
		st.ExecutionCompleted = false
		st.Recovery = types.RecoveryRetry
		st.ClearError()
		return nil
	}

	st.SetError(types.ErrTypeResultValidation,
		fmt.Sprintf("success rate %.2f below threshold %.2f", st.SuccessRate(), n.policy.ValidationSuccessThreshold), "")
	return nil
}

// allRecovered reports whether every executed action's latest attempt
// succeeded. Earlier failed attempts stay in the history but no longer
// count against the session.
func (n *Nodes) allRecovered(st *types.AgentState) bool {
	if len(st.ExecutionHistory) == 0 {
		return false
	}
	latest := map[string]bool{}
	for _, result := range st.ExecutionHistory {
		latest[result.ActionID] = result.Success
	}
	for _, ok := range latest {
		if !ok {
			return false
		}
	}
	return true
}

// lastUnrecoveredStep finds the most recent failed result whose action
// never succeeded afterwards, and the plan step to re-run it at.
func (n *Nodes) lastUnrecoveredStep(st *types.AgentState) (types.ActionResult, int, bool) {
	if st.ExecutionPlan == nil {
		return types.ActionResult{}, 0, false
	}
	latest := map[string]types.ActionResult{}
	for _, result := range st.ExecutionHistory {
		latest[result.ActionID] = result
	}
	for i := len(st.ExecutionHistory) - 1; i >= 0; i-- {
		result := st.ExecutionHistory[i]
		if result.Success || latest[result.ActionID].Success {
			continue
		}
		for step, action := range st.ExecutionPlan.Actions {
			if action.ID == result.ActionID {
				return result, step, true
			}
		}
	}
	return types.ActionResult{}, 0, false
}

// HandleError picks the recovery strategy for the live error context:
// retry while budget remains on a retryable class, human intervention
// for non-retryable classes, abort once retries are exhausted. An
// abort here keeps the error context, so completion reports Failed
// rather than Aborted.
func (n *Nodes) HandleError(ctx context.Context, st *types.AgentState) error {
	_ = ctx
	st.CurrentStage = types.StageErrorHandling

	ec := st.ErrorContext
	if ec == nil {
		st.Recovery = types.RecoveryAbort
		return nil
	}
	ec.RetryCount++

	switch {
	case ec.RetryCount < n.policy.MaxRetryAttempts && types.RetryableErrorType(ec.ErrorType):
		st.Recovery = types.RecoveryRetry
		st.ClearError()
	case ec.RetryCount < n.policy.MaxRetryAttempts:
		st.Recovery = types.RecoveryHumanIntervention
		// A fresh approval round carries the intervention request.
		st.Approval = nil
	default:
		st.Recovery = types.RecoveryAbort
	}
	st.Touch()
	return nil
}

// Complete assigns the terminal status. Abort wins over everything,
// a clean finished run completes, a live error fails the session.
func (n *Nodes) Complete(ctx context.Context, st *types.AgentState) error {
	_ = ctx
	st.CurrentStage = types.StageCompletion

	switch {
	case st.Aborted:
		st.Status = types.StatusAborted
	case st.ExecutionCompleted && !st.HasErrors():
		st.Status = types.StatusCompleted
	case st.HasErrors():
		st.Status = types.StatusFailed
	default:
		st.Status = types.StatusCompleted
	}
	st.Touch()
	return nil
}

func (n *Nodes) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	_ = n.sink.Emit(ctx, event)
}
