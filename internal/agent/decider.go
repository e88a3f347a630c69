// internal/agent/decider.go
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/llmutil"
)

// decisionSchema describes a decision after alias normalization.
var decisionSchema = llmutil.MustCompileSchema("decision", `{
  "type": "object",
  "properties": {
    "thinking": {"type": "string"},
    "action": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "selector": {"type": "string"},
        "value": {"type": "string"},
        "rationale": {"type": "string"}
      },
      "required": ["type"]
    },
    "done": {
      "type": "object",
      "properties": {
        "success": {"type": "boolean"},
        "summary": {"type": "string"}
      },
      "required": ["success"]
    }
  },
  "anyOf": [{"required": ["action"]}, {"required": ["done"]}]
}`)

// actionAliases maps loose action names produced by some models onto the
// canonical action types.
var actionAliases = map[string]schemas.ActionType{
	"GOTO":     schemas.ActionNavigate,
	"OPEN":     schemas.ActionNavigate,
	"VISIT":    schemas.ActionNavigate,
	"TYPE":     schemas.ActionInputText,
	"FILL":     schemas.ActionInputText,
	"INPUT":    schemas.ActionInputText,
	"SUBMIT":   schemas.ActionSubmit,
	"PRESS":    schemas.ActionPressKey,
	"KEY":      schemas.ActionPressKey,
	"SELECT":   schemas.ActionSelect,
	"WAIT":     schemas.ActionWait,
	"BACK":     schemas.ActionBack,
	"GO_BACK":  schemas.ActionBack,
	"SCROLL":   schemas.ActionScroll,
	"CLICK":    schemas.ActionClick,
	"NAVIGATE": schemas.ActionNavigate,
}

// finishActionNames are action types some models use instead of a done object.
var finishActionNames = map[string]bool{"DONE": true, "FINISH": true, "COMPLETE": true, "END": true}

// LLMDecider implements schemas.Decider on top of an LLM client. Provider
// specific response shapes are normalized here and never leak further.
type LLMDecider struct {
	llm           schemas.LLMClient
	logger        *zap.Logger
	historyWindow int
}

var _ schemas.Decider = (*LLMDecider)(nil)

// NewLLMDecider creates a decider. historyWindow bounds how many recent steps
// are included in each prompt; zero includes them all.
func NewLLMDecider(llm schemas.LLMClient, logger *zap.Logger, historyWindow int) *LLMDecider {
	return &LLMDecider{
		llm:           llm,
		logger:        logger.Named("decider"),
		historyWindow: historyWindow,
	}
}

// Decide asks the model for the next move.
func (d *LLMDecider) Decide(ctx context.Context, page schemas.PageState, cc schemas.CaseContext, history []schemas.StepRecord) (schemas.Decision, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: decisionSystemPrompt,
		UserPrompt:   buildDecisionPrompt(page, cc, history, d.historyWindow),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	}

	response, err := d.llm.Generate(ctx, req)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("llm generation failed: %w", err)
	}

	decision, err := ParseDecision(response)
	if err != nil {
		d.logger.Warn("Discarding malformed agent decision",
			zap.String("case_id", cc.Case.ID),
			zap.String("response", llmutil.TruncateString(response, 300)),
			zap.Error(err))
		return schemas.Decision{}, err
	}
	return decision, nil
}

// ParseDecision converts a raw model response into a Decision.
func ParseDecision(response string) (schemas.Decision, error) {
	raw, err := llmutil.ParseJSONObject(response)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: %v", schemas.ErrMalformedDecision, err)
	}

	normalized := normalizeDecision(raw)
	if err := decisionSchema.Validate(normalized); err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: %v", schemas.ErrMalformedDecision, err)
	}

	decision := schemas.Decision{Thinking: stringField(normalized, "thinking")}

	if done, ok := normalized["done"].(map[string]any); ok {
		success, _ := done["success"].(bool)
		decision.Kind = schemas.DecisionFinish
		decision.Done = &schemas.DoneSignal{Success: success, Summary: stringField(done, "summary")}
		return decision, nil
	}

	action, _ := normalized["action"].(map[string]any)
	actionType := schemas.ActionType(stringField(action, "type"))
	if !actionType.IsKnown() {
		return schemas.Decision{}, fmt.Errorf("%w: unknown action type %q", schemas.ErrMalformedDecision, actionType)
	}
	decision.Kind = schemas.DecisionAct
	decision.Action = schemas.Action{
		Type:      actionType,
		Selector:  stringField(action, "selector"),
		Value:     stringField(action, "value"),
		Rationale: stringField(action, "rationale"),
	}
	return decision, nil
}

// normalizeDecision folds the shapes seen across providers into one:
//
//	{"thinking": s, "action": {"type", "selector", "value", "rationale"}}
//	{"thinking": s, "done": {"success", "summary"}}
func normalizeDecision(raw map[string]any) map[string]any {
	out := map[string]any{}

	for _, key := range []string{"thinking", "thought", "reasoning", "analysis"} {
		if v, ok := raw[key]; ok && v != nil {
			out["thinking"] = coerceString(v)
			break
		}
	}

	// -- Done signal --
	if done := normalizeDone(raw); done != nil {
		out["done"] = done
		return out
	}

	// -- Action --
	var action map[string]any
	switch a := raw["action"].(type) {
	case map[string]any:
		action = a
	case string:
		// Flat shape: {"action": "CLICK", "selector": "#x", "value": ""}.
		action = map[string]any{"type": a}
		for _, key := range []string{"selector", "value", "rationale"} {
			if v, ok := raw[key]; ok {
				action[key] = v
			}
		}
	default:
		if t, ok := raw["type"].(string); ok {
			action = map[string]any{"type": t, "selector": raw["selector"], "value": raw["value"]}
		}
	}
	if action == nil {
		return out
	}

	typ := strings.ToUpper(strings.TrimSpace(coerceString(action["type"])))
	typ = strings.ReplaceAll(typ, " ", "_")
	if finishActionNames[typ] {
		success, _ := action["success"].(bool)
		if s, ok := raw["success"].(bool); ok {
			success = s
		}
		out["done"] = map[string]any{"success": success, "summary": coerceString(firstPresent(action, "summary", "value", "rationale"))}
		return out
	}
	if canonical, ok := actionAliases[typ]; ok {
		typ = string(canonical)
	}

	normalizedAction := map[string]any{"type": typ}
	if v := firstPresent(action, "selector", "target", "element"); v != nil {
		normalizedAction["selector"] = coerceString(v)
	}
	if v := firstPresent(action, "value", "text", "url", "input"); v != nil {
		normalizedAction["value"] = coerceString(v)
	}
	if v := firstPresent(action, "rationale", "reason"); v != nil {
		normalizedAction["rationale"] = coerceString(v)
	}
	out["action"] = normalizedAction
	return out
}

// normalizeDone recognizes "done" as an object, a boolean, or one of the
// is_done/finished flags, with success and summary optionally at top level.
func normalizeDone(raw map[string]any) map[string]any {
	topSuccess, hasTopSuccess := raw["success"].(bool)
	topSummary := coerceString(firstPresent(raw, "summary", "message", "result"))

	switch d := raw["done"].(type) {
	case map[string]any:
		out := map[string]any{}
		if s, ok := d["success"].(bool); ok {
			out["success"] = s
		} else if hasTopSuccess {
			out["success"] = topSuccess
		} else {
			out["success"] = false
		}
		summary := coerceString(firstPresent(d, "summary", "message", "reason"))
		if summary == "" {
			summary = topSummary
		}
		out["summary"] = summary
		return out
	case bool:
		if !d {
			return nil
		}
		return map[string]any{"success": hasTopSuccess && topSuccess, "summary": topSummary}
	}

	for _, key := range []string{"is_done", "finished", "completed"} {
		if flag, ok := raw[key].(bool); ok && flag {
			return map[string]any{"success": hasTopSuccess && topSuccess, "summary": topSummary}
		}
	}
	return nil
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
