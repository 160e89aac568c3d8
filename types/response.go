package types

import (
	"fmt"
	"time"
)

// AgentResponse is the status surface returned to API callers.
type AgentResponse struct {
	SessionID                 string        `json:"sessionId"`
	Status                    SessionStatus `json:"status"`
	Stage                     WorkflowStage `json:"stage"`
	Message                   string        `json:"message"`
	ProgressPercentage        float64       `json:"progressPercentage"`
	RequiresApproval          bool          `json:"requiresApproval"`
	ApprovalMessage           string        `json:"approvalMessage,omitempty"`
	NextAction                string        `json:"nextAction,omitempty"`
	EstimatedSecondsRemaining int           `json:"estimatedSecondsRemaining,omitempty"`
	Error                     string        `json:"error,omitempty"`
	FailedActionID            string        `json:"failedActionId,omitempty"`
	UpdatedAt                 time.Time     `json:"updatedAt"`
}

// ExecutionSummary is the per-session rollup exposed after or during a
// run.
type ExecutionSummary struct {
	SessionID          string         `json:"sessionId"`
	Status             SessionStatus  `json:"status"`
	TotalActions       int            `json:"totalActions"`
	SuccessfulActions  int            `json:"successfulActions"`
	FailedActions      int            `json:"failedActions"`
	SuccessRate        float64        `json:"successRate"`
	TotalExecutionTime float64        `json:"totalExecutionTimeSeconds"`
	DataExtracted      map[string]any `json:"dataExtracted,omitempty"`
	Screenshots        []string       `json:"screenshots,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
}

// Summarize builds the rollup from the session's execution history.
func (s *AgentState) Summarize() ExecutionSummary {
	summary := ExecutionSummary{
		SessionID: s.SessionID,
		Status:    s.Status,
	}
	data := map[string]any{}
	for _, r := range s.ExecutionHistory {
		summary.TotalActions++
		if r.Success {
			summary.SuccessfulActions++
		} else {
			summary.FailedActions++
		}
		summary.TotalExecutionTime += r.ExecutionTimeSeconds
		if r.ScreenshotPath != "" {
			summary.Screenshots = append(summary.Screenshots, r.ScreenshotPath)
		}
		for k, v := range r.DataExtracted {
			data[k] = v
		}
	}
	if len(data) > 0 {
		summary.DataExtracted = data
	}
	if summary.TotalActions > 0 {
		summary.SuccessRate = float64(summary.SuccessfulActions) / float64(summary.TotalActions)
	}
	if s.Status.Terminal() {
		t := s.UpdatedAt
		summary.CompletedAt = &t
	}
	return summary
}

// StatusMessage is a short human-readable description of the session's
// current state.
func (s *AgentState) StatusMessage() string {
	switch s.Status {
	case StatusPending:
		return "Session created, waiting to start"
	case StatusRunning:
		switch s.CurrentStage {
		case StageInstructionParsing:
			return "Understanding your instruction"
		case StagePlanCreation:
			return "Creating an execution plan"
		case StagePlanValidation:
			return "Validating the execution plan"
		case StageExecution:
			if s.ExecutionPlan != nil {
				return fmt.Sprintf("Executing step %d of %d", s.CurrentStep+1, len(s.ExecutionPlan.Actions))
			}
			return "Executing plan"
		case StageResultValidation:
			return "Validating execution results"
		case StageErrorHandling:
			return "Recovering from an error"
		default:
			return "Processing"
		}
	case StatusRequiresApproval:
		return "Waiting for your approval to proceed"
	case StatusCompleted:
		return "Task completed successfully"
	case StatusFailed:
		if s.ErrorContext != nil {
			return "Task failed: " + s.ErrorContext.ErrorMessage
		}
		return "Task failed"
	case StatusAborted:
		return "Task was aborted"
	case StatusPaused:
		return "Task is paused"
	default:
		return string(s.Status)
	}
}

// NextActionDescription names the next plan step, if any.
func (s *AgentState) NextActionDescription() string {
	if s.ExecutionPlan == nil || s.CurrentStep >= len(s.ExecutionPlan.Actions) {
		return ""
	}
	next := s.ExecutionPlan.Actions[s.CurrentStep]
	if next.ExpectedResult != "" {
		return next.ExpectedResult
	}
	return string(next.Type)
}

// EstimatedSecondsRemaining projects remaining work from the mean
// duration of completed actions. Zero when not running or nothing has
// completed yet.
func (s *AgentState) EstimatedSecondsRemaining() int {
	if s.Status != StatusRunning || s.ExecutionPlan == nil || len(s.ExecutionHistory) == 0 {
		return 0
	}
	remaining := len(s.ExecutionPlan.Actions) - s.CurrentStep
	if remaining <= 0 {
		return 0
	}
	var total float64
	for _, r := range s.ExecutionHistory {
		total += r.ExecutionTimeSeconds
	}
	mean := total / float64(len(s.ExecutionHistory))
	return int(mean * float64(remaining))
}

// Response builds the status API view of the session.
func (s *AgentState) Response() AgentResponse {
	resp := AgentResponse{
		SessionID:                 s.SessionID,
		Status:                    s.Status,
		Stage:                     s.CurrentStage,
		Message:                   s.StatusMessage(),
		ProgressPercentage:        s.ProgressPercentage(),
		RequiresApproval:          s.Status == StatusRequiresApproval,
		NextAction:                s.NextActionDescription(),
		EstimatedSecondsRemaining: s.EstimatedSecondsRemaining(),
		UpdatedAt:                 s.UpdatedAt,
	}
	if s.Status == StatusRequiresApproval && s.Approval != nil {
		resp.ApprovalMessage = fmt.Sprintf(
			"Approval required: %d actions on %s (confidence %.2f, risk %s)",
			s.Approval.ActionCount, orUnknown(s.Approval.Portal), s.Approval.Confidence, s.Approval.RiskLevel)
	}
	if s.Status == StatusFailed && s.ErrorContext != nil {
		resp.Error = s.ErrorContext.ErrorMessage
		resp.FailedActionID = s.ErrorContext.ActionID
	}
	return resp
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown portal"
	}
	return v
}
