// internal/validation/fuzzy.go
package validation

import (
	"strings"
	"unicode"
)

const (
	// DefaultThreshold is the minimum recall of expected content tokens.
	DefaultThreshold = 0.6
	// tokenSimilarity is the minimum edit-distance similarity for two tokens
	// to count as the same word ("incorect" vs "incorrect").
	tokenSimilarity = 0.8
	// minFuzzyTokenLen keeps short words from matching each other loosely.
	minFuzzyTokenLen = 4
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"to": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"should": {}, "will": {}, "would": {}, "must": {}, "can": {}, "it": {}, "this": {}, "that": {},
	"displayed": {}, "display": {}, "displays": {}, "shown": {}, "show": {}, "shows": {},
	"appear": {}, "appears": {}, "see": {}, "sees": {}, "user": {}, "page": {},
	"的": {}, "了": {}, "是": {}, "在": {}, "应": {}, "该": {}, "会": {},
}

// negationWindow is how many tokens before a word a negator may sit and
// still apply to it. Failure words also apply to the words just before them.
const (
	negationWindow = 3
	failureWindow  = 2
)

// negators flip the polarity of the words after them within a clause.
// Contractions split on the apostrophe, so "isn't" arrives as "isn" and "t".
var negators = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "cannot": {}, "without": {}, "none": {}, "nothing": {},
	"t": {}, "isn": {}, "aren": {}, "wasn": {}, "weren": {}, "don": {}, "doesn": {}, "didn": {},
	"won": {}, "couldn": {}, "shouldn": {}, "wouldn": {}, "hasn": {}, "haven": {}, "hadn": {},
	"不": {}, "未": {}, "没": {}, "无": {}, "非": {}, "别": {},
}

// failureWords flip the polarity of nearby words on either side.
var failureWords = map[string]struct{}{
	"failed": {}, "fails": {}, "failure": {}, "unable": {}, "失": {}, "败": {},
}

// negativePrefixes turn a word into its opposite ("valid" and "invalid").
var negativePrefixes = []string{"un", "in", "im", "non", "dis"}

// Match is the best result of comparing expected text against candidate segments.
type Match struct {
	Matched bool
	Score   float64
	// Segment is the candidate that scored highest.
	Segment string
	// Contradicted is set when the best segment states the opposite of
	// expected, such as "Order not confirmed" for "Order confirmed".
	Contradicted bool
}

// Matcher compares an expected result against observed text by content-token
// recall: the share of meaningful expected words found in a segment with the
// same polarity. A segment that only carries an expected word negated cannot
// match, whatever its recall.
type Matcher struct {
	threshold float64
}

// NewMatcher returns a matcher. A threshold outside (0, 1] uses DefaultThreshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Threshold returns the configured pass threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match scores expected against each segment and returns the best one.
// Empty expected text never matches.
func (m *Matcher) Match(expected string, segments ...string) Match {
	want := contentTokens(expected)
	if len(want) == 0 {
		return Match{}
	}

	var best Match
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		score, contradicted := recall(want, polarTokens(seg))
		if contradicted {
			score = 0
		}
		if score > best.Score || best.Segment == "" {
			best = Match{Score: score, Segment: seg, Contradicted: contradicted}
		}
		if score == 1 {
			break
		}
	}
	best.Matched = !best.Contradicted && best.Score >= m.threshold
	return best
}

// polarToken is a word and whether it is negated where it appears.
type polarToken struct {
	text    string
	negated bool
}

// relation is how a segment word relates to an expected word.
type relation int

const (
	unrelated relation = iota
	same
	opposite
)

// recall returns the share of want found with matching polarity, and whether
// some word of want was only found with the opposite polarity.
func recall(want []polarToken, have []polarToken) (float64, bool) {
	found := 0
	contradicted := false
	for _, w := range want {
		consistent, conflicting := false, false
		for _, h := range have {
			rel := relate(w.text, h.text)
			if rel == unrelated {
				continue
			}
			negated := h.negated
			if rel == opposite {
				negated = !negated
			}
			if negated == w.negated {
				consistent = true
				break
			}
			conflicting = true
		}
		switch {
		case consistent:
			found++
		case conflicting:
			contradicted = true
		}
	}
	return float64(found) / float64(len(want)), contradicted
}

func relate(w, h string) relation {
	if w == h {
		return same
	}
	if negatedForm(h, w) || negatedForm(w, h) {
		return opposite
	}
	if len([]rune(w)) >= minFuzzyTokenLen && similarity(w, h) >= tokenSimilarity {
		return same
	}
	return unrelated
}

// negatedForm reports whether word is base with a negative prefix.
func negatedForm(word, base string) bool {
	for _, p := range negativePrefixes {
		if !strings.HasPrefix(word, p) || strings.HasPrefix(base, p) {
			continue
		}
		rest := word[len(p):]
		if len([]rune(rest)) < minFuzzyTokenLen {
			continue
		}
		if rest == base || similarity(rest, base) >= tokenSimilarity {
			return true
		}
	}
	return false
}

// contentTokens drops stop words, falling back to all tokens when the text
// consists only of stop words.
func contentTokens(s string) []polarToken {
	all := polarTokens(s)
	var out []polarToken
	for _, t := range all {
		if _, stop := stopWords[t.text]; !stop {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

// polarTokens tokenizes s clause by clause and marks words that a nearby
// negator or failure word applies to. Negation never crosses a clause.
func polarTokens(s string) []polarToken {
	var out []polarToken
	for _, clause := range strings.FieldsFunc(s, isClauseBreak) {
		words := tokenize(clause)
		for i, w := range words {
			out = append(out, polarToken{text: w, negated: negatedAt(words, i)})
		}
	}
	return out
}

func negatedAt(words []string, i int) bool {
	for j := max(0, i-negationWindow); j < i; j++ {
		if _, ok := negators[words[j]]; ok {
			return true
		}
		if _, ok := failureWords[words[j]]; ok {
			return true
		}
	}
	for j := i + 1; j < len(words) && j <= i+failureWindow; j++ {
		if _, ok := failureWords[words[j]]; ok {
			return true
		}
	}
	return false
}

func isClauseBreak(r rune) bool {
	switch r {
	case '.', ',', ';', ':', '!', '?', '\n', '。', '，', '；', '：', '！', '？', '、':
		return true
	}
	return false
}

// tokenize lower-cases s and splits it into words. Ideographic scripts have
// no word separators, so each such rune is its own token.
func tokenize(s string) []string {
	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case isIdeographic(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func isIdeographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// similarity is 1 - levenshtein(a, b) / max(len(a), len(b)), over runes.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
