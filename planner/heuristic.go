package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/tramitebot/tramitebot/types"
)

var (
	curpPattern = regexp.MustCompile(`\b[A-Z]{4}\d{6}[HM][A-Z]{5}[A-Z0-9]\d\b`)
	rfcPattern  = regexp.MustCompile(`\b[A-ZÑ&]{3,4}\d{6}[A-Z0-9]{3}\b`)
)

type intentRule struct {
	intent   string
	keywords []string
	weight   float64
}

// Ordered by specificity: the first matching rule with the highest
// keyword hit count wins.
var intentRules = []intentRule{
	{intent: "submit_application", keywords: []string{"submit", "apply", "application", "solicitud", "request new"}, weight: 0.9},
	{intent: "update_information", keywords: []string{"update", "change", "modify", "correct", "actualizar"}, weight: 0.85},
	{intent: "authenticate", keywords: []string{"log in", "login", "sign in", "authenticate", "iniciar sesion"}, weight: 0.9},
	{intent: "fill_form", keywords: []string{"fill", "form", "formulario", "complete the"}, weight: 0.8},
	{intent: "download_document", keywords: []string{"download", "descargar", "get my", "obtain", "certificate", "constancia", "acta"}, weight: 0.85},
	{intent: "lookup_information", keywords: []string{"look up", "lookup", "check", "status", "consult", "verify", "validate"}, weight: 0.75},
}

var portalKeywords = map[string][]string{
	"sat":      {"sat", "rfc", "tax", "fiscal", "constancia"},
	"renapo":   {"curp", "renapo", "birth certificate", "acta de nacimiento"},
	"semovi":   {"semovi", "license", "licencia", "driving", "vehicle", "tarjeta de circulacion"},
	"imss":     {"imss", "social security", "nss"},
	"gob.mx":   {"gob.mx", "gobierno"},
}

// HeuristicPlanner is a deterministic rule-based planner. It is the
// default implementation and the reference for planner behavior in
// tests; an LLM-backed planner can replace it behind the same
// interface.
type HeuristicPlanner struct {
	baseURLs map[string]string
}

type HeuristicOption func(*HeuristicPlanner)

// WithPortalURL overrides the navigation target for a portal.
func WithPortalURL(portal, url string) HeuristicOption {
	return func(p *HeuristicPlanner) {
		p.baseURLs[portal] = url
	}
}

func NewHeuristic(opts ...HeuristicOption) *HeuristicPlanner {
	p := &HeuristicPlanner{
		baseURLs: map[string]string{
			"sat":    "https://www.sat.gob.mx",
			"renapo": "https://www.gob.mx/curp",
			"semovi": "https://www.semovi.cdmx.gob.mx",
			"imss":   "https://www.imss.gob.mx",
			"gob.mx": "https://www.gob.mx",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HeuristicPlanner) ParseInstruction(ctx context.Context, text string) (types.ParsedInstruction, error) {
	_ = ctx
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return types.ParsedInstruction{}, fmt.Errorf("instruction is empty")
	}
	lower := strings.ToLower(trimmed)

	var (
		bestIntent string
		bestHits   int
		bestWeight float64
	)
	for _, rule := range intentRules {
		hits := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestIntent = rule.intent
			bestWeight = rule.weight
		}
	}
	if bestIntent == "" {
		bestIntent = "lookup_information"
		bestWeight = 0.4
	}

	parsed := types.ParsedInstruction{
		IntentType:       bestIntent,
		IntentConfidence: bestWeight,
	}

	for portal, kws := range portalKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				parsed.PortalIdentified = portal
				break
			}
		}
		if parsed.PortalIdentified != "" {
			break
		}
	}

	upper := strings.ToUpper(trimmed)
	if m := curpPattern.FindString(upper); m != "" {
		parsed.Entities = append(parsed.Entities, m)
		parsed.DocumentTypes = append(parsed.DocumentTypes, "curp")
	}
	if m := rfcPattern.FindString(upper); m != "" {
		parsed.Entities = append(parsed.Entities, m)
		parsed.DocumentTypes = append(parsed.DocumentTypes, "rfc")
	}

	// Overall confidence blends intent certainty with how much
	// supporting context the instruction carries.
	confidence := bestWeight
	if parsed.PortalIdentified != "" {
		confidence += 0.1
	}
	if len(parsed.Entities) > 0 {
		confidence += 0.05
	}
	if confidence > 1 {
		confidence = 1
	}
	parsed.Confidence = confidence

	return parsed, nil
}

func (p *HeuristicPlanner) CreatePlan(ctx context.Context, instruction string, parsed types.ParsedInstruction) (*types.ExecutionPlan, error) {
	_ = ctx
	if parsed.IntentType == "" {
		return nil, fmt.Errorf("parsed instruction has no intent")
	}

	portal := parsed.PortalIdentified
	if portal == "" {
		portal = "gob.mx"
	}
	baseURL, ok := p.baseURLs[portal]
	if !ok {
		baseURL = p.baseURLs["gob.mx"]
	}

	plan := &types.ExecutionPlan{
		ID:          uuid.NewString(),
		Description: fmt.Sprintf("%s on %s", strings.ReplaceAll(parsed.IntentType, "_", " "), portal),
	}

	add := func(actionType types.ActionType, params map[string]any, expected string, timeout int) {
		plan.Actions = append(plan.Actions, types.Action{
			ID:             uuid.NewString(),
			Type:           actionType,
			Parameters:     params,
			ExpectedResult: expected,
			TimeoutSeconds: timeout,
			RetryAttempts:  types.DefaultActionRetries,
		})
	}

	add(types.ActionNavigate, map[string]any{"url": baseURL}, "portal landing page loads", 30)
	add(types.ActionWaitForElement, map[string]any{"selector": "main"}, "page content visible", 15)

	switch parsed.IntentType {
	case "authenticate":
		add(types.ActionAuthenticate, map[string]any{"credentialRef": "default"}, "session established", 45)
		plan.RequiresApproval = true

	case "fill_form", "submit_application", "update_information":
		add(types.ActionClick, map[string]any{"selector": "a[href*='tramite'], a[href*='servicio']"}, "procedure page opens", 20)
		add(types.ActionFillForm, map[string]any{"fields": formFields(parsed)}, "form populated", 60)
		add(types.ActionScreenshot, map[string]any{}, "form captured before submit", 15)
		add(types.ActionClick, map[string]any{"selector": "button[type='submit']"}, "form submitted", 30)
		plan.RequiresApproval = true

	case "download_document":
		add(types.ActionFillForm, map[string]any{"fields": formFields(parsed)}, "lookup form populated", 45)
		add(types.ActionClick, map[string]any{"selector": "button[type='submit']"}, "lookup executed", 30)
		add(types.ActionWait, map[string]any{"seconds": 2}, "results rendered", 10)
		add(types.ActionDownload, map[string]any{"selector": "a[download], a[href$='.pdf']"}, "document downloaded", 60)

	default: // lookup_information
		add(types.ActionFillForm, map[string]any{"fields": formFields(parsed)}, "query form populated", 45)
		add(types.ActionClick, map[string]any{"selector": "button[type='submit']"}, "query executed", 30)
		add(types.ActionExtractData, map[string]any{"selectors": map[string]any{"result": ".result, .resultado"}}, "result data captured", 30)
	}

	add(types.ActionScreenshot, map[string]any{}, "final state captured", 15)

	for _, a := range plan.Actions {
		plan.EstimatedDurationSeconds += a.TimeoutSeconds
	}
	return plan, nil
}

func formFields(parsed types.ParsedInstruction) map[string]any {
	fields := map[string]any{}
	for i, entity := range parsed.Entities {
		doc := "entity"
		if i < len(parsed.DocumentTypes) {
			doc = parsed.DocumentTypes[i]
		}
		fields[doc] = entity
	}
	return fields
}
