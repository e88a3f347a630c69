// internal/casegen/prompts.go
package casegen

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/llmutil"
)

const generatorSystemPrompt = `You are a senior QA engineer writing browser test cases for a web application.
You receive a TEST INTENT and a STRUCTURAL SCAN of the target page (headings, forms, interactive elements).

**Output Requirements (Strict JSON Format):**
Respond ONLY with a JSON array. Each element is one test case:
[{"title": "...", "module": "...", "priority": "P1", "steps": ["...", "..."], "expected": "...", "test_data": {"field": "value"}, "needs_browser": true}]

- title: short and unique; never repeat a title listed under EXISTING CASES.
- steps: ordered, concrete user actions a browser agent can perform on this page.
- expected: the visible text or state that proves the case passed. Quote on-page wording when you can.
- priority: P0 (critical path) to P3 (cosmetic).
- test_data: input values referenced by the steps, if any.
- needs_browser: false only for checks that cannot be performed in a browser.

Cover the happy path first, then validation errors and edge cases.`

// buildGeneratorPrompt renders the intent and page scan.
func buildGeneratorPrompt(intent string, analysis schemas.PageAnalysis, existing []schemas.Case, maxCases int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TEST INTENT:\n%s\n\n", strings.TrimSpace(intent))
	fmt.Fprintf(&b, "Write at most %d cases.\n\n", maxCases)

	b.WriteString("STRUCTURAL SCAN:\n")
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", analysis.URL, analysis.Title)
	if len(analysis.Headings) > 0 {
		fmt.Fprintf(&b, "Headings: %s\n", strings.Join(analysis.Headings, " | "))
	}

	for i, form := range analysis.Forms {
		fmt.Fprintf(&b, "Form %d (%s %s, selector %s):\n", i+1, strings.ToUpper(orDefault(form.Method, "get")), orDefault(form.Action, "-"), form.Selector)
		for _, f := range form.Fields {
			label := f.Label
			if label == "" {
				label = f.Placeholder
			}
			req := ""
			if f.Required {
				req = " required"
			}
			fmt.Fprintf(&b, "  - %s [%s%s] %q selector=%s\n", orDefault(f.Name, "(unnamed)"), f.Type, req, label, f.Selector)
		}
	}

	if len(analysis.Elements) > 0 {
		b.WriteString("Interactive elements:\n")
		for _, el := range analysis.Elements {
			fmt.Fprintf(&b, "  - <%s> %q %s\n", el.Tag, el.Text, el.Selector)
		}
	}
	if len(analysis.Transients) > 0 {
		fmt.Fprintf(&b, "Messages on load: %s\n", strings.Join(analysis.Transients, " | "))
	}
	if analysis.Excerpt != "" {
		fmt.Fprintf(&b, "Page text excerpt:\n%s\n", llmutil.TruncateString(analysis.Excerpt, 1000))
	}

	if len(existing) > 0 {
		b.WriteString("\nEXISTING CASES (do not duplicate):\n")
		for _, c := range existing {
			fmt.Fprintf(&b, "- %s\n", c.Title)
		}
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
