package types

import (
	"time"
)

// ActionType enumerates the atomic portal interactions a plan may contain.
type ActionType string

const (
	ActionNavigate       ActionType = "navigate"
	ActionClick          ActionType = "click"
	ActionFillForm       ActionType = "fill_form"
	ActionDownload       ActionType = "download"
	ActionWait           ActionType = "wait"
	ActionWaitForElement ActionType = "wait_for_element"
	ActionAuthenticate   ActionType = "authenticate"
	ActionScreenshot     ActionType = "screenshot"
	ActionExtractData    ActionType = "extract_data"
	ActionScroll         ActionType = "scroll"
	ActionSelectDropdown ActionType = "select_dropdown"
	ActionUploadFile     ActionType = "upload_file"
)

const (
	// DefaultActionTimeout bounds a single executor call unless the
	// action carries its own timeout.
	DefaultActionTimeout = 30 * time.Second

	// DefaultActionRetries is the per-action retry budget applied by
	// result validation.
	DefaultActionRetries = 3
)

// Action is one unit of work against the target portal. Actions are
// immutable once the plan that owns them starts executing.
type Action struct {
	ID             string         `json:"id"`
	Type           ActionType     `json:"type"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ExpectedResult string         `json:"expectedResult,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	RetryAttempts  int            `json:"retryAttempts"`
}

// Timeout returns the action's timeout as a duration, falling back to
// DefaultActionTimeout when unset.
func (a Action) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return DefaultActionTimeout
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ExecutionPlan is the ordered action sequence for one session. It is
// created once by the planner, may be optimized in place before the
// first action runs, and is frozen afterwards.
type ExecutionPlan struct {
	ID                       string   `json:"id"`
	Description              string   `json:"description,omitempty"`
	Actions                  []Action `json:"actions"`
	EstimatedDurationSeconds int      `json:"estimatedDurationSeconds,omitempty"`
	RequiresApproval         bool     `json:"requiresApproval"`
}

// ActionResult records the outcome of executing one action. Results are
// appended to the session history and never mutated.
type ActionResult struct {
	ActionID             string         `json:"actionId"`
	Success              bool           `json:"success"`
	ExecutionTimeSeconds float64        `json:"executionTimeSeconds"`
	ScreenshotPath       string         `json:"screenshotPath,omitempty"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
	DataExtracted        map[string]any `json:"dataExtracted,omitempty"`
	RetryCount           int            `json:"retryCount"`
	CompletedAt          time.Time      `json:"completedAt"`
}
