package heal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

// Hints are the identifying fragments mined out of a step's original
// selector candidates. Rediscovery uses them to find the element under a
// new selector after a page redesign.
type Hints struct {
	IDs          []string
	Names        []string
	Placeholders []string
	Roles        []string
	Classes      []string
	Texts        []string
}

var (
	idRe     = regexp.MustCompile(`#([A-Za-z_][-\w]*)`)
	classRe  = regexp.MustCompile(`\.([A-Za-z_][-\w]*)`)
	attrRe   = regexp.MustCompile(`\[([-\w]+)\s*[*^$|~]?=\s*['"]?([^'"\]]+?)['"]?\]`)
	textFnRe = regexp.MustCompile(`:(?:has-text|contains)\(\s*['"]([^'"]+)['"]\s*\)`)
)

// MineHints parses the step's selector candidates for ids, names,
// placeholders, ARIA roles, classes, and visible-text fragments. The step
// title serves as a last-resort text hint for clicks.
func MineHints(step schema.Step) Hints {
	var h Hints
	seen := make(map[string]bool)
	add := func(dst *[]string, v string) {
		v = strings.TrimSpace(v)
		key := fmt.Sprintf("%p|%s", dst, v)
		if v == "" || seen[key] {
			return
		}
		seen[key] = true
		*dst = append(*dst, v)
	}

	for _, sel := range step.SelectorVariants {
		for _, m := range idRe.FindAllStringSubmatch(sel, -1) {
			add(&h.IDs, m[1])
		}
		for _, m := range classRe.FindAllStringSubmatch(sel, -1) {
			add(&h.Classes, m[1])
		}
		for _, m := range attrRe.FindAllStringSubmatch(sel, -1) {
			switch strings.ToLower(m[1]) {
			case "name":
				add(&h.Names, m[2])
			case "placeholder":
				add(&h.Placeholders, m[2])
			case "role":
				add(&h.Roles, m[2])
			case "aria-label", "title", "alt":
				add(&h.Texts, m[2])
			}
		}
		for _, m := range textFnRe.FindAllStringSubmatch(sel, -1) {
			add(&h.Texts, m[1])
		}
		if rest, ok := strings.CutPrefix(sel, "text="); ok {
			add(&h.Texts, rest)
		}
	}
	if step.Action == schema.ActionClick && step.Title != "" {
		add(&h.Texts, step.Title)
	}
	return h
}

// HeuristicCandidates builds cheap replacement selectors from the hints
// and keeps only those that resolve to at least one element in the current
// page markup. Order is cheapest-first: exact id, name, placeholder
// (exact then partial), role, then text content for clicks.
func HeuristicCandidates(step schema.Step, h Hints, doc *goquery.Document) []string {
	var raw []string
	for _, id := range h.IDs {
		raw = append(raw, "#"+id)
	}
	for _, name := range h.Names {
		raw = append(raw, fmt.Sprintf(`[name=%q]`, name))
	}
	for _, ph := range h.Placeholders {
		raw = append(raw, fmt.Sprintf(`[placeholder=%q]`, ph))
		raw = append(raw, fmt.Sprintf(`[placeholder*=%q]`, ph))
	}
	for _, role := range h.Roles {
		raw = append(raw, fmt.Sprintf(`[role=%q]`, role))
	}
	for _, cls := range h.Classes {
		raw = append(raw, "."+cls)
	}

	known := make(map[string]bool, len(step.SelectorVariants))
	for _, s := range step.SelectorVariants {
		known[s] = true
	}

	var out []string
	seen := make(map[string]bool)
	keep := func(sel string) {
		if sel == "" || seen[sel] || known[sel] {
			return
		}
		seen[sel] = true
		if doc.Find(sel).Length() > 0 {
			out = append(out, sel)
		}
	}
	for _, sel := range raw {
		keep(sel)
	}

	if step.Action == schema.ActionClick {
		for _, text := range h.Texts {
			for _, sel := range textCandidates(doc, text) {
				keep(sel)
			}
		}
	}
	return out
}

// textCandidates scans clickable elements for the given visible text and
// synthesizes a stable selector for each match.
func textCandidates(doc *goquery.Document, text string) []string {
	want := strings.ToLower(strings.TrimSpace(text))
	if want == "" {
		return nil
	}
	var out []string
	doc.Find(`button, a, [role="button"], input[type="submit"], input[type="button"]`).
		Each(func(_ int, s *goquery.Selection) {
			got := strings.ToLower(strings.TrimSpace(s.Text()))
			if got == "" {
				if v, ok := s.Attr("value"); ok {
					got = strings.ToLower(strings.TrimSpace(v))
				}
			}
			if got != want && !strings.Contains(got, want) {
				return
			}
			if sel := cssPath(s); sel != "" {
				out = append(out, sel)
			}
		})
	return out
}

// cssPath builds a selector for the element by walking up to the nearest
// id-bearing ancestor, or to body, using nth-of-type positions.
func cssPath(s *goquery.Selection) string {
	var parts []string
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		node := cur.Get(0)
		tag := strings.ToLower(node.Data)
		if tag == "body" || tag == "html" {
			break
		}
		if id, ok := cur.Attr("id"); ok && id != "" {
			parts = append([]string{"#" + id}, parts...)
			return strings.Join(parts, " > ")
		}
		pos := 1
		for sib := cur.Prev(); sib.Length() > 0; sib = sib.Prev() {
			if sibNode := sib.Get(0); sibNode.Data == node.Data {
				pos++
			}
		}
		parts = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, pos)}, parts...)
	}
	return strings.Join(parts, " > ")
}

const suggestionMarkupLimit = 6000

// BuildSuggestionPrompt renders the prompt sent to the external
// collaborator when heuristics find nothing.
func BuildSuggestionPrompt(step schema.Step, html string) string {
	if len(html) > suggestionMarkupLimit {
		html = html[:suggestionMarkupLimit]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "A replay step can no longer find its target element.\n\n")
	fmt.Fprintf(&b, "Step: %s (%s)\n", step.ID, step.Action)
	if step.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", step.Title)
	}
	fmt.Fprintf(&b, "Previous selectors: %s\n\n", strings.Join(step.SelectorVariants, ", "))
	fmt.Fprintf(&b, "Propose up to 5 CSS selectors for the intended element, one per line, most specific first.\n\n")
	fmt.Fprintf(&b, "Current page markup (truncated):\n%s\n", html)
	return b.String()
}

var listPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// ParseSuggestions extracts selector-like tokens from the collaborator's
// free-text response: one per line, backticked or bare, with bullet and
// number prefixes stripped.
func ParseSuggestions(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(listPrefixRe.ReplaceAllString(line, ""))
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		if i := strings.Index(line, "`"); i >= 0 {
			rest := line[i+1:]
			if j := strings.Index(rest, "`"); j >= 0 {
				line = rest[:j]
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || !looksLikeSelector(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

var tagStartRe = regexp.MustCompile(`^[a-zA-Z][\w-]*([.#\[:>\s]|$)`)

func looksLikeSelector(s string) bool {
	if strings.ContainsAny(s, "`,!?") {
		return false
	}
	// Prose punctuates; selectors do not end in a period or colon.
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, ":") {
		return false
	}
	switch s[0] {
	case '#', '.', '[':
		return true
	}
	if strings.Count(s, " ") > 2 {
		return false
	}
	if strings.Contains(s, " ") && !strings.ContainsAny(s, "#.[:>") {
		return false
	}
	return tagStartRe.MatchString(s)
}
