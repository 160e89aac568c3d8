package planner

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tramitebot/tramitebot/types"
)

// Per-action-type JSON Schemas for the parameters map. Validation
// failures become plan errors; unknown action types are errors too.
var parameterSchemas = map[types.ActionType]string{
	types.ActionNavigate: `{
		"type": "object",
		"properties": {"url": {"type": "string", "format": "uri"}},
		"required": ["url"]
	}`,
	types.ActionClick: `{
		"type": "object",
		"properties": {"selector": {"type": "string", "minLength": 1}},
		"required": ["selector"]
	}`,
	types.ActionFillForm: `{
		"type": "object",
		"properties": {
			"fields": {"type": "object"},
			"selector": {"type": "string"}
		},
		"required": ["fields"]
	}`,
	types.ActionDownload: `{
		"type": "object",
		"anyOf": [
			{"required": ["url"]},
			{"required": ["selector"]}
		],
		"properties": {
			"url": {"type": "string"},
			"selector": {"type": "string"}
		}
	}`,
	types.ActionWait: `{
		"type": "object",
		"properties": {"seconds": {"type": "number", "minimum": 0}},
		"required": ["seconds"]
	}`,
	types.ActionWaitForElement: `{
		"type": "object",
		"properties": {"selector": {"type": "string", "minLength": 1}},
		"required": ["selector"]
	}`,
	types.ActionAuthenticate: `{
		"type": "object",
		"properties": {"credentialRef": {"type": "string", "minLength": 1}},
		"required": ["credentialRef"]
	}`,
	types.ActionScreenshot: `{
		"type": "object",
		"properties": {"fullPage": {"type": "boolean"}}
	}`,
	types.ActionExtractData: `{
		"type": "object",
		"properties": {"selectors": {"type": "object", "minProperties": 1}},
		"required": ["selectors"]
	}`,
	types.ActionScroll: `{
		"type": "object",
		"properties": {"selector": {"type": "string"}}
	}`,
	types.ActionSelectDropdown: `{
		"type": "object",
		"properties": {
			"selector": {"type": "string", "minLength": 1},
			"value": {"type": "string"}
		},
		"required": ["selector", "value"]
	}`,
	types.ActionUploadFile: `{
		"type": "object",
		"properties": {
			"selector": {"type": "string", "minLength": 1},
			"filePath": {"type": "string", "minLength": 1}
		},
		"required": ["selector", "filePath"]
	}`,
}

var (
	compiledSchemas map[types.ActionType]*gojsonschema.Schema
	compileOnce     sync.Once
	compileErr      error
)

func schemas() (map[types.ActionType]*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchemas = make(map[types.ActionType]*gojsonschema.Schema, len(parameterSchemas))
		for actionType, raw := range parameterSchemas {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
			if err != nil {
				compileErr = fmt.Errorf("failed to compile schema for %s: %w", actionType, err)
				return
			}
			compiledSchemas[actionType] = schema
		}
	})
	return compiledSchemas, compileErr
}

// ValidatePlan checks structure and per-action parameters. The
// confidence score starts at 1.0 and loses 0.3 per error and 0.1 per
// warning, floored at zero. The plan is valid iff no errors.
func (p *HeuristicPlanner) ValidatePlan(plan *types.ExecutionPlan) types.ValidationResult {
	result := types.ValidationResult{ConfidenceScore: 1.0}

	if plan == nil {
		result.Errors = append(result.Errors, "plan is missing")
		return finishValidation(result)
	}
	if len(plan.Actions) == 0 {
		result.Errors = append(result.Errors, "plan has no actions")
		return finishValidation(result)
	}

	compiled, err := schemas()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return finishValidation(result)
	}

	seen := map[string]bool{}
	for i, action := range plan.Actions {
		label := fmt.Sprintf("action %d (%s)", i+1, action.Type)

		if action.ID == "" {
			result.Errors = append(result.Errors, label+": missing id")
		} else if seen[action.ID] {
			result.Errors = append(result.Errors, label+": duplicate id "+action.ID)
		}
		seen[action.ID] = true

		schema, ok := compiled[action.Type]
		if !ok {
			result.Errors = append(result.Errors, label+": unknown action type")
			continue
		}

		params := action.Parameters
		if params == nil {
			params = map[string]any{}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			result.Errors = append(result.Errors, label+": parameters not serializable")
			continue
		}
		verdict, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			result.Errors = append(result.Errors, label+": "+err.Error())
			continue
		}
		if !verdict.Valid() {
			for _, issue := range verdict.Errors() {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", label, issue.String()))
			}
		}

		if action.ExpectedResult == "" {
			result.Warnings = append(result.Warnings, label+": no expected result described")
		}
		if action.TimeoutSeconds <= 0 {
			result.Warnings = append(result.Warnings, label+": no timeout set, default applies")
		}
	}

	if len(plan.Actions) > 25 {
		result.Warnings = append(result.Warnings, "plan is unusually long")
		result.Suggestions = append(result.Suggestions, "split the task into smaller instructions")
	}

	return finishValidation(result)
}

func finishValidation(result types.ValidationResult) types.ValidationResult {
	score := 1.0 - 0.3*float64(len(result.Errors)) - 0.1*float64(len(result.Warnings))
	if score < 0 {
		score = 0
	}
	result.ConfidenceScore = score
	result.Valid = len(result.Errors) == 0
	return result
}
