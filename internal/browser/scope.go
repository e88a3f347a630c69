// internal/browser/scope.go
package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Scope restricts where the agent may navigate. An empty scope allows everything.
type Scope struct {
	patterns []glob.Glob
	raw      []string
}

// NewScope compiles URL glob patterns. '*' stops at '/', '**' does not.
func NewScope(patterns []string) (*Scope, error) {
	s := &Scope{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_urls pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, g)
		s.raw = append(s.raw, p)
	}
	return s, nil
}

// Allows reports whether rawURL may be visited. Query strings and fragments
// are ignored when matching.
func (s *Scope) Allows(rawURL string) bool {
	if s == nil || len(s.patterns) == 0 {
		return true
	}
	if rawURL == "about:blank" {
		return true
	}

	candidates := []string{rawURL}
	if u, err := url.Parse(rawURL); err == nil && (u.RawQuery != "" || u.Fragment != "") {
		u.RawQuery, u.Fragment = "", ""
		candidates = append(candidates, u.String())
	}
	for _, c := range candidates {
		for _, g := range s.patterns {
			if g.Match(c) {
				return true
			}
		}
	}
	return false
}

// Patterns returns the source patterns.
func (s *Scope) Patterns() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.raw...)
}
