package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/tramitebot/tramitebot/types"
)

// Scripted is a deterministic executor for local runs and tests. Every
// action succeeds after a fixed simulated latency unless a hook
// overrides the outcome.
type Scripted struct {
	latency time.Duration
	// Outcome, when set, decides the result for an action. Returning
	// ok=false falls back to the default success behavior.
	Outcome func(action types.Action) (types.ActionResult, bool)
}

type ScriptedOption func(*Scripted)

// WithLatency sets the simulated per-action latency.
func WithLatency(d time.Duration) ScriptedOption {
	return func(s *Scripted) { s.latency = d }
}

func NewScripted(opts ...ScriptedOption) *Scripted {
	s := &Scripted{latency: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scripted) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	if s.Outcome != nil {
		if result, ok := s.Outcome(action); ok {
			if result.ActionID == "" {
				result.ActionID = action.ID
			}
			if result.CompletedAt.IsZero() {
				result.CompletedAt = time.Now().UTC()
			}
			return result, nil
		}
	}

	select {
	case <-ctx.Done():
		return types.ActionResult{}, ctx.Err()
	case <-time.After(s.latency):
	}

	result := types.ActionResult{
		ActionID:    action.ID,
		Success:     true,
		CompletedAt: time.Now().UTC(),
	}
	switch action.Type {
	case types.ActionScreenshot:
		result.ScreenshotPath = fmt.Sprintf("screenshots/%s.png", action.ID)
	case types.ActionExtractData:
		extracted := map[string]any{}
		if selectors, ok := action.Parameters["selectors"].(map[string]any); ok {
			for name := range selectors {
				extracted[name] = "simulated"
			}
		}
		result.DataExtracted = extracted
	}
	return result, nil
}

func (s *Scripted) Close() error { return nil }
