// File: internal/casegen/generator.go
// Description: Turns a test intent and a scanned page into candidate cases by
// prompting the powerful model tier for a JSON array of cases.

package casegen

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/llmutil"
)

// caseSchema describes one generated case after key normalization.
var caseSchema = llmutil.MustCompileSchema("case", `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "module": {"type": "string"},
    "steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "expected": {"type": "string", "minLength": 1},
    "priority": {"type": "string", "enum": ["P0", "P1", "P2", "P3"]},
    "test_data": {"type": "object", "additionalProperties": {"type": "string"}},
    "needs_browser": {"type": "boolean"}
  },
  "required": ["title", "steps", "expected"]
}`)

// DefaultMaxCases caps a generation when no limit is configured.
const DefaultMaxCases = 8

// LLMGenerator implements schemas.CaseGenerator.
type LLMGenerator struct {
	llm      schemas.LLMClient
	logger   *zap.Logger
	maxCases int
	timeout  time.Duration
	newID    func() string
}

var _ schemas.CaseGenerator = (*LLMGenerator)(nil)

// NewLLMGenerator creates a generator that returns at most maxCases cases.
func NewLLMGenerator(llm schemas.LLMClient, logger *zap.Logger, maxCases int) *LLMGenerator {
	if maxCases <= 0 {
		maxCases = DefaultMaxCases
	}
	return &LLMGenerator{
		llm:      llm,
		logger:   logger.Named("casegen"),
		maxCases: maxCases,
		timeout:  3 * time.Minute,
		newID:    func() string { return "TC-" + strings.ToUpper(uuid.NewString()[:8]) },
	}
}

// Generate asks the model for cases covering intent on the analyzed page.
// Cases whose titles duplicate an existing case are dropped. Every returned
// case is selected.
func (g *LLMGenerator) Generate(ctx context.Context, intent string, analysis schemas.PageAnalysis, existing []schemas.Case) ([]schemas.Case, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: generatorSystemPrompt,
		UserPrompt:   buildGeneratorPrompt(intent, analysis, existing, g.maxCases),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.4,
		},
	}

	genCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	response, err := g.llm.Generate(genCtx, req)
	if err != nil {
		return nil, fmt.Errorf("case generation failed: %w", err)
	}

	items, err := parseCaseItems(response)
	if err != nil {
		g.logger.Error("Failed to parse generated cases.", zap.Error(err), zap.String("raw_response", llmutil.TruncateString(response, 500)))
		return nil, err
	}

	seen := make(map[string]bool, len(existing)+len(items))
	for _, c := range existing {
		seen[titleKey(c.Title)] = true
	}

	var out []schemas.Case
	for i, item := range items {
		normalized := normalizeCase(item)
		if err := caseSchema.Validate(normalized); err != nil {
			g.logger.Warn("Dropping invalid generated case.", zap.Int("index", i), zap.Error(err))
			continue
		}
		c := toCase(normalized)
		key := titleKey(c.Title)
		if seen[key] {
			g.logger.Debug("Dropping duplicate case.", zap.String("title", c.Title))
			continue
		}
		seen[key] = true

		c.ID = g.newID()
		c.Selected = true
		out = append(out, c)
		if len(out) == g.maxCases {
			break
		}
	}

	if len(out) == 0 && len(items) > 0 {
		return nil, fmt.Errorf("model returned %d cases but none were usable", len(items))
	}
	g.logger.Info("Cases generated.", zap.Int("returned", len(items)), zap.Int("kept", len(out)))
	return out, nil
}

// parseCaseItems accepts a bare array or an object wrapping one under
// "cases" or "test_cases".
func parseCaseItems(response string) ([]map[string]any, error) {
	parsed, err := llmutil.ParseJSONResponse[any](response)
	if err != nil {
		return nil, err
	}

	var list []any
	switch v := (*parsed).(type) {
	case []any:
		list = v
	case map[string]any:
		for _, key := range []string{"cases", "test_cases", "testCases"} {
			if l, ok := v[key].([]any); ok {
				list = l
				break
			}
		}
		if list == nil {
			return nil, fmt.Errorf("response object has no cases array")
		}
	default:
		return nil, fmt.Errorf("response is neither a case array nor an object")
	}

	items := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

// normalizeCase folds common key variants into the schema's shape.
func normalizeCase(raw map[string]any) map[string]any {
	out := map[string]any{}
	if v := firstPresent(raw, "title", "name", "case"); v != nil {
		out["title"] = strings.TrimSpace(coerceString(v))
	}
	if v := firstPresent(raw, "module", "feature", "area"); v != nil {
		out["module"] = coerceString(v)
	}
	if v := firstPresent(raw, "expected", "expected_result", "expectedResult", "assertion"); v != nil {
		out["expected"] = strings.TrimSpace(coerceString(v))
	}

	switch steps := firstPresent(raw, "steps", "actions").(type) {
	case []any:
		list := make([]any, 0, len(steps))
		for _, s := range steps {
			if text := strings.TrimSpace(coerceString(s)); text != "" {
				list = append(list, text)
			}
		}
		out["steps"] = list
	case string:
		var list []any
		for _, line := range strings.Split(steps, "\n") {
			if text := strings.TrimSpace(line); text != "" {
				list = append(list, text)
			}
		}
		out["steps"] = list
	}

	if v, ok := raw["priority"]; ok && v != nil {
		out["priority"] = string(normalizePriority(coerceString(v)))
	}
	if data, ok := firstPresent(raw, "test_data", "testData", "data").(map[string]any); ok {
		td := make(map[string]any, len(data))
		for k, v := range data {
			td[k] = coerceString(v)
		}
		out["test_data"] = td
	}
	if b, ok := firstPresent(raw, "needs_browser", "needsBrowser").(bool); ok {
		out["needs_browser"] = b
	}
	return out
}

// toCase maps a validated, normalized object onto a Case.
func toCase(m map[string]any) schemas.Case {
	c := schemas.Case{
		Title:        coerceString(m["title"]),
		Module:       coerceString(m["module"]),
		Expected:     coerceString(m["expected"]),
		Priority:     schemas.PriorityP2,
		NeedsBrowser: true,
	}
	if p, ok := m["priority"].(string); ok && p != "" {
		c.Priority = schemas.Priority(p)
	}
	if steps, ok := m["steps"].([]any); ok {
		for _, s := range steps {
			c.Steps = append(c.Steps, coerceString(s))
		}
	}
	if td, ok := m["test_data"].(map[string]any); ok && len(td) > 0 {
		c.TestData = make(map[string]string, len(td))
		for k, v := range td {
			c.TestData[k] = coerceString(v)
		}
	}
	if b, ok := m["needs_browser"].(bool); ok {
		c.NeedsBrowser = b
	}
	return c
}

func normalizePriority(p string) schemas.Priority {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "P0", "0", "CRITICAL", "BLOCKER":
		return schemas.PriorityP0
	case "P1", "1", "HIGH":
		return schemas.PriorityP1
	case "P3", "3", "LOW":
		return schemas.PriorityP3
	}
	return schemas.PriorityP2
}

// titleKey is the comparison key used for de-duplication.
func titleKey(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
