package workflow

import (
	"context"

	"github.com/tramitebot/tramitebot/planner"
	"github.com/tramitebot/tramitebot/types"
)

// HasError routes any stage with a live error context into error
// handling.
func HasError(_ context.Context, st *types.AgentState) (bool, error) {
	return st.HasErrors(), nil
}

// WasAborted routes straight to completion once the session is marked
// aborted.
func WasAborted(_ context.Context, st *types.AgentState) (bool, error) {
	return st.Aborted, nil
}

// NeedsApproval decides whether a validated plan pauses for a human.
// Any of the following forces approval: the plan asks for it, the
// instruction confidence is below the policy threshold, or the intent
// is sensitive.
func NeedsApproval(policy Policy) Condition {
	policy = policy.normalize()
	return func(_ context.Context, st *types.AgentState) (bool, error) {
		if st.ExecutionPlan != nil && st.ExecutionPlan.RequiresApproval {
			return true, nil
		}
		if st.Parsed != nil {
			if st.Parsed.Confidence < policy.ApprovalConfidenceThreshold {
				return true, nil
			}
			if planner.SensitiveIntents[st.Parsed.IntentType] {
				return true, nil
			}
		}
		return false, nil
	}
}

// ApprovalGrantedAndRunnable routes a granted approval back into
// execution when there is still a plan to run.
func ApprovalGrantedAndRunnable(_ context.Context, st *types.AgentState) (bool, error) {
	if st.Approval == nil || st.Approval.Granted == nil || !*st.Approval.Granted {
		return false, nil
	}
	return st.ExecutionPlan != nil && !st.ExecutionCompleted, nil
}

// ExecutionDone routes to result validation after the last action.
func ExecutionDone(_ context.Context, st *types.AgentState) (bool, error) {
	return st.ExecutionCompleted, nil
}

// MoreActions keeps the execution loop going.
func MoreActions(_ context.Context, st *types.AgentState) (bool, error) {
	return !st.ExecutionCompleted, nil
}

// RecoveryIs matches the strategy picked by error handling.
func RecoveryIs(strategy types.RecoveryStrategy) Condition {
	return func(_ context.Context, st *types.AgentState) (bool, error) {
		return st.Recovery == strategy, nil
	}
}
