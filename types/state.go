package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the externally visible lifecycle state of a session.
type SessionStatus string

const (
	StatusPending          SessionStatus = "pending"
	StatusRunning          SessionStatus = "running"
	StatusRequiresApproval SessionStatus = "requires_approval"
	StatusCompleted        SessionStatus = "completed"
	StatusFailed           SessionStatus = "failed"
	StatusAborted          SessionStatus = "aborted"
	StatusPaused           SessionStatus = "paused"
)

// Terminal reports whether no further transitions can occur.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// WorkflowStage identifies which node of the state machine a session
// is currently in.
type WorkflowStage string

const (
	StageInstructionParsing WorkflowStage = "instruction_parsing"
	StagePlanCreation       WorkflowStage = "plan_creation"
	StagePlanValidation     WorkflowStage = "plan_validation"
	StageApprovalWaiting    WorkflowStage = "approval_waiting"
	StageExecution          WorkflowStage = "execution"
	StageResultValidation   WorkflowStage = "result_validation"
	StageErrorHandling      WorkflowStage = "error_handling"
	StageCompletion         WorkflowStage = "completion"
)

// Error taxonomy. Each value drives a distinct recovery branch in the
// error handling node.
const (
	ErrTypeInstructionParsing = "instruction_parsing_failed"
	ErrTypePlanning           = "planning_failed"
	ErrTypePlanValidation     = "plan_validation_failed"
	ErrTypePlanValidationErr  = "plan_validation_error"
	ErrTypeApprovalRequest    = "approval_request_failed"
	ErrTypeExecution          = "execution_failed"
	ErrTypeActionTimeout      = "action_timeout"
	ErrTypeResultValidation   = "result_validation_failed"
	ErrTypeCompletion         = "completion_failed"
)

// RetryableErrorType reports whether the error class is retried at the
// same step before escalating to a human.
func RetryableErrorType(errorType string) bool {
	return errorType == ErrTypeExecution || errorType == ErrTypeActionTimeout
}

// ErrorContext is the single live error attached to a session. It is
// cleared on successful recovery.
type ErrorContext struct {
	ErrorType      string    `json:"errorType"`
	ErrorMessage   string    `json:"errorMessage"`
	ActionID       string    `json:"actionId,omitempty"`
	ScreenshotPath string    `json:"screenshotPath,omitempty"`
	RetryCount     int       `json:"retryCount"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// ParsedInstruction is the planner's reading of the user instruction.
type ParsedInstruction struct {
	IntentType       string   `json:"intentType"`
	IntentConfidence float64  `json:"intentConfidence"`
	Entities         []string `json:"entities,omitempty"`
	PortalIdentified string   `json:"portalIdentified,omitempty"`
	DocumentTypes    []string `json:"documentTypes,omitempty"`
	Confidence       float64  `json:"confidence"`
}

// ValidationResult is the planner's verdict on a plan. ConfidenceScore
// starts at 1.0 and loses 0.3 per error and 0.1 per warning, floored
// at zero. Valid iff Errors is empty.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
	ConfidenceScore float64  `json:"confidenceScore"`
}

// ApprovalContext is persisted when a session suspends for a human
// decision, and surfaced through the status API.
type ApprovalContext struct {
	Instruction       string    `json:"instruction"`
	ActionCount       int       `json:"actionCount"`
	EstimatedDuration int       `json:"estimatedDurationSeconds"`
	Portal            string    `json:"portal,omitempty"`
	Confidence        float64   `json:"confidence"`
	RiskLevel         string    `json:"riskLevel"`
	TimeoutSeconds    int       `json:"timeoutSeconds"`
	RequestedAt       time.Time `json:"requestedAt"`

	// Granted is nil while the decision is pending.
	Granted  *bool  `json:"granted,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// RecoveryStrategy is the error handling node's decision.
type RecoveryStrategy string

const (
	RecoveryRetry             RecoveryStrategy = "retry"
	RecoveryHumanIntervention RecoveryStrategy = "human_intervention"
	RecoveryAbort             RecoveryStrategy = "abort"
)

// AgentState is the aggregate root for one session. It is mutated only
// by workflow node handlers under the session's writer lock, and is
// checkpointed in full after every node.
type AgentState struct {
	SessionID       string        `json:"sessionId"`
	UserInstruction string        `json:"userInstruction"`
	Status          SessionStatus `json:"status"`
	CurrentStage    WorkflowStage `json:"currentStage"`

	ExecutionPlan    *ExecutionPlan `json:"executionPlan,omitempty"`
	CurrentStep      int            `json:"currentStep"`
	ExecutionHistory []ActionResult `json:"executionHistory"`

	Parsed     *ParsedInstruction `json:"parsed,omitempty"`
	Validation *ValidationResult  `json:"validation,omitempty"`
	Approval   *ApprovalContext   `json:"approval,omitempty"`
	Recovery   RecoveryStrategy   `json:"recovery,omitempty"`

	ExecutionCompleted bool `json:"executionCompleted"`
	Aborted            bool `json:"aborted"`

	ErrorContext *ErrorContext `json:"errorContext,omitempty"`

	// Extras carries free-form domain additions that have no typed
	// field. Engine logic never depends on it.
	Extras map[string]any `json:"extras,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAgentState creates a pending session for an instruction.
func NewAgentState(sessionID, instruction string) *AgentState {
	now := time.Now().UTC()
	return &AgentState{
		SessionID:        sessionID,
		UserInstruction:  instruction,
		Status:           StatusPending,
		CurrentStage:     StageInstructionParsing,
		ExecutionHistory: []ActionResult{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AddActionResult appends to the execution history and, on failure,
// installs the matching error context.
func (s *AgentState) AddActionResult(result ActionResult) {
	s.ExecutionHistory = append(s.ExecutionHistory, result)
	if !result.Success {
		errType := ErrTypeExecution
		if result.ErrorMessage == "timeout" {
			errType = ErrTypeActionTimeout
		}
		s.ErrorContext = &ErrorContext{
			ErrorType:    errType,
			ErrorMessage: result.ErrorMessage,
			ActionID:     result.ActionID,
			RetryCount:   result.RetryCount,
			OccurredAt:   time.Now().UTC(),
		}
	}
	s.UpdatedAt = time.Now().UTC()
}

// SetError records a live error context for the session.
func (s *AgentState) SetError(errorType, message, actionID string) {
	s.ErrorContext = &ErrorContext{
		ErrorType:    errorType,
		ErrorMessage: message,
		ActionID:     actionID,
		OccurredAt:   time.Now().UTC(),
	}
	s.UpdatedAt = time.Now().UTC()
}

// HasErrors reports whether a live error context is attached.
func (s *AgentState) HasErrors() bool {
	return s.ErrorContext != nil
}

// ClearError drops the live error context after successful recovery.
func (s *AgentState) ClearError() {
	s.ErrorContext = nil
	s.UpdatedAt = time.Now().UTC()
}

// ProgressPercentage is 100*currentStep/len(actions) when a plan with
// actions exists, 0 with no plan, and 100 for an empty plan.
func (s *AgentState) ProgressPercentage() float64 {
	if s.ExecutionPlan == nil {
		return 0
	}
	total := len(s.ExecutionPlan.Actions)
	if total == 0 {
		return 100
	}
	return 100 * float64(s.CurrentStep) / float64(total)
}

// SuccessRate is successful results over total results, 0 when the
// history is empty.
func (s *AgentState) SuccessRate() float64 {
	if len(s.ExecutionHistory) == 0 {
		return 0
	}
	var ok int
	for _, r := range s.ExecutionHistory {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(s.ExecutionHistory))
}

// Touch refreshes the update timestamp.
func (s *AgentState) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy made through the JSON codec, the same
// round trip checkpoints use, so readers never alias live state.
func (s *AgentState) Clone() (AgentState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return AgentState{}, fmt.Errorf("failed to clone state: %w", err)
	}
	var out AgentState
	if err := json.Unmarshal(raw, &out); err != nil {
		return AgentState{}, fmt.Errorf("failed to clone state: %w", err)
	}
	return out, nil
}
