// Package planner turns a natural-language instruction into an
// ordered execution plan and validates plans before they run.
package planner

import (
	"context"

	"github.com/tramitebot/tramitebot/types"
)

// Planner is the contract the workflow engine consumes. Implementations
// return errors as values; the engine maps them into its error
// handling branches rather than letting them propagate.
type Planner interface {
	// ParseInstruction classifies the user's instruction into an
	// intent with a confidence score.
	ParseInstruction(ctx context.Context, text string) (types.ParsedInstruction, error)

	// CreatePlan builds an ordered action sequence for the parsed
	// instruction.
	CreatePlan(ctx context.Context, instruction string, parsed types.ParsedInstruction) (*types.ExecutionPlan, error)

	// OptimizePlan simplifies a plan in place. It is pure and total:
	// it never fails and always returns a usable plan.
	OptimizePlan(plan *types.ExecutionPlan) *types.ExecutionPlan

	// ValidatePlan checks a plan's actions and parameters, returning
	// errors, warnings, and a confidence score.
	ValidatePlan(plan *types.ExecutionPlan) types.ValidationResult
}

// SensitiveIntents are the intent types that always require human
// approval before execution.
var SensitiveIntents = map[string]bool{
	"submit_application": true,
	"update_information": true,
	"authenticate":       true,
	"fill_form":          true,
}
