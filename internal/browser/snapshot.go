// internal/browser/snapshot.go
package browser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/llmutil"
)

const (
	interactiveSelector = `a[href], button, input, select, textarea, [role="button"], [onclick]`
	transientSelector   = `[role="alert"], [role="status"], [aria-live], .toast, .alert, .notification, .message, .error, .el-message, .ant-message`

	maxElementText   = 80
	maxTransientText = 200
	excerptLength    = 1000
)

// BuildPageState turns raw page data into the observation handed to the
// decision service. formState is the serialized value of form controls,
// which the DOM serialization does not carry.
func BuildPageState(url, title, rawHTML, formState string, maxText, maxElements int) (schemas.PageState, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return schemas.PageState{}, fmt.Errorf("failed to parse page html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	state := schemas.PageState{
		URL:         url,
		Title:       strings.TrimSpace(title),
		Text:        collapse(doc.Find("body").Text()),
		Elements:    collectElements(doc, maxElements),
		Transients:  collectTransients(doc),
		Fingerprint: Fingerprint(url, rawHTML, formState),
		HTML:        rawHTML,
		CapturedAt:  time.Now().UTC(),
	}
	if state.Title == "" {
		state.Title = collapse(doc.Find("title").First().Text())
	}
	if maxText > 0 {
		state.Text = llmutil.TruncateString(state.Text, maxText)
	}
	return state, nil
}

// Fingerprint hashes the structural content of a page: its URL, the element
// names and visible text in document order, and the form control state.
// Attribute churn such as generated ids or inline styles does not change it.
func Fingerprint(url, rawHTML, formState string) string {
	h := sha256.New()
	io.WriteString(h, url)
	h.Write([]byte{0})

	z := html.NewTokenizer(strings.NewReader(rawHTML))
	skip := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			io.WriteString(h, "<"+tag)
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if text := strings.TrimSpace(string(z.Text())); text != "" {
				io.WriteString(h, "|"+text)
			}
		}
	}

	h.Write([]byte{0})
	io.WriteString(h, formState)
	return hex.EncodeToString(h.Sum(nil))
}

// Analyze produces the structural description used for case generation.
func Analyze(page schemas.PageState) (schemas.PageAnalysis, error) {
	analysis := schemas.PageAnalysis{
		URL:        page.URL,
		Title:      page.Title,
		Elements:   append([]schemas.Element(nil), page.Elements...),
		Transients: append([]string(nil), page.Transients...),
		Excerpt:    llmutil.TruncateString(page.Text, excerptLength),
		ScannedAt:  time.Now().UTC(),
	}
	if page.HTML == "" {
		return analysis, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return analysis, fmt.Errorf("failed to parse page html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			analysis.Headings = append(analysis.Headings, text)
		}
	})

	doc.Find("form").Each(func(_ int, f *goquery.Selection) {
		form := schemas.Form{
			Selector: selectorFor(f),
			Action:   attr(f, "action"),
			Method:   strings.ToUpper(attr(f, "method")),
		}
		f.Find("input, select, textarea").Each(func(_ int, in *goquery.Selection) {
			typ := strings.ToLower(attr(in, "type"))
			if typ == "hidden" || typ == "submit" {
				return
			}
			_, required := in.Attr("required")
			form.Fields = append(form.Fields, schemas.FormField{
				Name:        attr(in, "name"),
				Type:        fieldType(in, typ),
				Label:       labelFor(doc, in),
				Placeholder: attr(in, "placeholder"),
				Selector:    selectorFor(in),
				Required:    required,
			})
		})
		analysis.Forms = append(analysis.Forms, form)
	})

	return analysis, nil
}

// -- Extraction helpers --

func collectElements(doc *goquery.Document, limit int) []schemas.Element {
	var elements []schemas.Element
	seen := make(map[string]bool)
	doc.Find(interactiveSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if limit > 0 && len(elements) >= limit {
			return false
		}
		tag := goquery.NodeName(s)
		typ := strings.ToLower(attr(s, "type"))
		if tag == "input" && typ == "hidden" {
			return true
		}
		sel := selectorFor(s)
		if seen[sel] {
			return true
		}
		seen[sel] = true

		_, disabled := s.Attr("disabled")
		if attr(s, "aria-disabled") == "true" {
			disabled = true
		}
		elements = append(elements, schemas.Element{
			Tag:      tag,
			Selector: sel,
			Text:     llmutil.TruncateString(elementText(s), maxElementText),
			Type:     typ,
			Name:     attr(s, "name"),
			Disabled: disabled,
		})
		return true
	})
	return elements
}

func collectTransients(doc *goquery.Document) []string {
	var out []string
	seen := make(map[string]bool)
	doc.Find(transientSelector).Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" || seen[text] {
			return
		}
		seen[text] = true
		out = append(out, llmutil.TruncateString(text, maxTransientText))
	})
	return out
}

func elementText(s *goquery.Selection) string {
	if text := collapse(s.Text()); text != "" {
		return text
	}
	for _, name := range []string{"aria-label", "placeholder", "value", "title", "alt"} {
		if v := attr(s, name); v != "" {
			return v
		}
	}
	return ""
}

func fieldType(s *goquery.Selection, typ string) string {
	switch tag := goquery.NodeName(s); tag {
	case "select", "textarea":
		return tag
	}
	if typ == "" {
		return "text"
	}
	return typ
}

func labelFor(doc *goquery.Document, s *goquery.Selection) string {
	if id := attr(s, "id"); id != "" {
		if l := doc.Find(fmt.Sprintf(`label[for=%q]`, id)); l.Length() > 0 {
			return collapse(l.First().Text())
		}
	}
	if l := s.Closest("label"); l.Length() > 0 {
		return collapse(l.Text())
	}
	return attr(s, "aria-label")
}

// selectorFor synthesizes a CSS selector for the element, preferring stable
// attributes over positional paths.
func selectorFor(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	if id := attr(s, "id"); id != "" {
		if isSimpleIdent(id) {
			return "#" + id
		}
		return fmt.Sprintf(`[id=%q]`, id)
	}
	if tid := attr(s, "data-testid"); tid != "" {
		return fmt.Sprintf(`[data-testid=%q]`, tid)
	}
	if name := attr(s, "name"); name != "" {
		switch tag {
		case "input", "select", "textarea", "button", "form":
			return fmt.Sprintf(`%s[name=%q]`, tag, name)
		}
	}
	return positionalPath(s)
}

func positionalPath(s *goquery.Selection) string {
	var parts []string
	for n := s.Get(0); n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" {
			break
		}
		if n.Data == "body" {
			parts = append(parts, "body")
			break
		}
		idx := 1
		for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && sib.Data == n.Data {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", n.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func isSimpleIdent(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
