// internal/agent/prompts.go
package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/llmutil"
)

const maxPromptTextLength = 3000

// decisionSystemPrompt is the instruction set for the per-step browser agent.
const decisionSystemPrompt = `You are the browser agent of 'autoqa', an automated QA tester for web applications.
You execute ONE test case at a time by choosing ONE browser action per turn.
You receive the test case, the current page state and your recent steps, and must respond with a single JSON object.

Available action types:
- NAVIGATE: value = absolute URL.
- CLICK: selector = CSS selector of the element.
- INPUT_TEXT: selector = CSS selector of the input, value = text to type.
- SUBMIT_FORM: selector = CSS selector of the form or an element inside it.
- SCROLL: value = "up" or "down".
- PRESS_KEY: value = key name such as "Enter" or "Tab".
- SELECT_OPTION: selector = CSS selector of the <select>, value = option value.
- WAIT_FOR_ASYNC: value = milliseconds to wait (max 5000).
- NAVIGATE_BACK: no parameters.

Response format when acting:
{"thinking": "<short reasoning>", "action": {"type": "<ACTION_TYPE>", "selector": "<css>", "value": "<text>", "rationale": "<why>"}}

Response format when the test case is finished (all steps done, or it clearly cannot proceed):
{"thinking": "<short reasoning>", "done": {"success": true|false, "summary": "<what you observed, quoting any on-screen message>"}}

Rules:
- Only use selectors that appear in the element list.
- Report success only when the observed result matches the expected result. Quote transient messages (toasts, alerts) in the summary because they may disappear.
- Do not repeat an action that had no effect; try a different approach or finish with success=false.`

// buildDecisionPrompt renders the user prompt for one decision.
func buildDecisionPrompt(page schemas.PageState, cc schemas.CaseContext, history []schemas.StepRecord, historyWindow int) string {
	var b strings.Builder

	if cc.Goal != "" {
		fmt.Fprintf(&b, "Session Goal: %s\n\n", cc.Goal)
	}

	// -- Test Case --
	b.WriteString("Test Case:\n")
	fmt.Fprintf(&b, "  Title: %s\n", cc.Case.Title)
	if cc.Case.Module != "" {
		fmt.Fprintf(&b, "  Module: %s\n", cc.Case.Module)
	}
	b.WriteString("  Steps:\n")
	for i, s := range cc.Case.Steps {
		fmt.Fprintf(&b, "    %d. %s\n", i+1, s)
	}
	fmt.Fprintf(&b, "  Expected Result: %s\n", cc.Case.Expected)
	if len(cc.Case.TestData) > 0 {
		b.WriteString("  Test Data:\n")
		keys := make([]string, 0, len(cc.Case.TestData))
		for k := range cc.Case.TestData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %s\n", k, cc.Case.TestData[k])
		}
	}
	fmt.Fprintf(&b, "\nStep %d of at most %d.\n\n", cc.Step, cc.MaxSteps)

	// -- Current Page --
	b.WriteString("Current Page:\n")
	fmt.Fprintf(&b, "  URL: %s\n  Title: %s\n", page.URL, page.Title)
	if len(page.Transients) > 0 {
		fmt.Fprintf(&b, "  Transient Messages: %s\n", strings.Join(page.Transients, " | "))
	}
	if len(page.Elements) > 0 {
		b.WriteString("  Elements:\n")
		for _, el := range page.Elements {
			fmt.Fprintf(&b, "    - <%s> selector=%q", el.Tag, el.Selector)
			if el.Type != "" {
				fmt.Fprintf(&b, " type=%q", el.Type)
			}
			if el.Name != "" {
				fmt.Fprintf(&b, " name=%q", el.Name)
			}
			if el.Text != "" {
				fmt.Fprintf(&b, " text=%q", llmutil.TruncateString(el.Text, 80))
			}
			if el.Disabled {
				b.WriteString(" disabled")
			}
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "  Visible Text:\n%s\n", llmutil.TruncateString(page.Text, maxPromptTextLength))

	// -- Recent Steps --
	if len(history) > 0 {
		if historyWindow > 0 && len(history) > historyWindow {
			history = history[len(history)-historyWindow:]
		}
		b.WriteString("\nRecent Steps:\n")
		for _, h := range history {
			status := "effective"
			switch {
			case h.Failed:
				status = "failed: " + h.ErrorCode
			case !h.Effective:
				status = "no effect"
			}
			fmt.Fprintf(&b, "  #%d %s selector=%q value=%q -> %s\n",
				h.Index, h.Action.Type, h.Action.Selector, h.Action.Value, status)
		}
	}

	b.WriteString("\nRespond with the JSON object for your next move.")
	return b.String()
}
