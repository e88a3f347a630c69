// internal/service/intent.go
package service

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// ErrNoTarget is returned when an intent names no URL and no default target is configured.
var ErrNoTarget = errors.New("intent names no target URL and no default target is configured")

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()\[\]{}]+`)

// ParseIntent extracts the target URL and the remaining goal text from a
// natural-language intent. defaultURL is used when the intent has no URL.
func ParseIntent(intent, defaultURL string) (schemas.Target, error) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return schemas.Target{}, fmt.Errorf("intent is empty")
	}

	raw := urlPattern.FindString(intent)
	raw = strings.TrimRight(raw, ".,;:!?")
	goal := intent
	if raw != "" {
		goal = strings.Replace(intent, raw, "", 1)
	} else {
		raw = strings.TrimSpace(defaultURL)
	}
	if raw == "" {
		return schemas.Target{}, ErrNoTarget
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return schemas.Target{}, fmt.Errorf("invalid target URL %q", raw)
	}

	goal = strings.Join(strings.Fields(goal), " ")
	goal = strings.Trim(goal, " ,;:-.!?")
	goal = trimDanglingPreposition(goal)
	if goal == "" {
		goal = "Explore " + u.String() + " and verify its main functionality"
	}
	return schemas.Target{URL: u.String(), Goal: goal}, nil
}

// trimDanglingPreposition removes a trailing "on", "at" or similar left
// behind when the URL is cut out of "test login on https://...".
func trimDanglingPreposition(goal string) string {
	words := strings.Fields(goal)
	if len(words) < 2 {
		return goal
	}
	switch strings.ToLower(words[len(words)-1]) {
	case "on", "at", "for", "of", "in", "against", "via":
		return strings.Join(words[:len(words)-1], " ")
	}
	return goal
}
