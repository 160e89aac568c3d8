package planner

import (
	"github.com/tramitebot/tramitebot/types"
)

// OptimizePlan merges consecutive Wait actions by keeping the longest
// one and drops immediately repeated Screenshot actions. Idempotent.
func (p *HeuristicPlanner) OptimizePlan(plan *types.ExecutionPlan) *types.ExecutionPlan {
	if plan == nil || len(plan.Actions) < 2 {
		return plan
	}

	optimized := make([]types.Action, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		if len(optimized) > 0 {
			last := &optimized[len(optimized)-1]
			if action.Type == types.ActionWait && last.Type == types.ActionWait {
				if action.TimeoutSeconds > last.TimeoutSeconds {
					last.TimeoutSeconds = action.TimeoutSeconds
				}
				if waitSeconds(action) > waitSeconds(*last) {
					last.Parameters = action.Parameters
				}
				continue
			}
			if action.Type == types.ActionScreenshot && last.Type == types.ActionScreenshot {
				continue
			}
		}
		optimized = append(optimized, action)
	}
	plan.Actions = optimized

	plan.EstimatedDurationSeconds = 0
	for _, a := range plan.Actions {
		plan.EstimatedDurationSeconds += a.TimeoutSeconds
	}
	return plan
}

func waitSeconds(a types.Action) float64 {
	raw, ok := a.Parameters["seconds"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
