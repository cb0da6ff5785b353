package heal

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestMineHints(t *testing.T) {
	step := schema.Step{
		ID: "s1", Action: schema.ActionClick, Title: "Place order",
		SelectorVariants: []string{
			"#checkout-btn",
			`input[name="q"]`,
			`[placeholder="Search orders"]`,
			`[role="button"]`,
			"button:has-text('Submit')",
			".btn-primary.large",
		},
	}
	h := MineHints(step)

	if len(h.IDs) != 1 || h.IDs[0] != "checkout-btn" {
		t.Errorf("IDs = %v", h.IDs)
	}
	if len(h.Names) != 1 || h.Names[0] != "q" {
		t.Errorf("Names = %v", h.Names)
	}
	if len(h.Placeholders) != 1 || h.Placeholders[0] != "Search orders" {
		t.Errorf("Placeholders = %v", h.Placeholders)
	}
	if len(h.Roles) != 1 || h.Roles[0] != "button" {
		t.Errorf("Roles = %v", h.Roles)
	}
	if len(h.Classes) != 2 {
		t.Errorf("Classes = %v", h.Classes)
	}
	// Text hints come from :has-text and, for clicks, the title.
	wantTexts := map[string]bool{"Submit": true, "Place order": true}
	for _, txt := range h.Texts {
		if !wantTexts[txt] {
			t.Errorf("unexpected text hint %q", txt)
		}
		delete(wantTexts, txt)
	}
	if len(wantTexts) != 0 {
		t.Errorf("missing text hints: %v", wantTexts)
	}
}

func TestHeuristicCandidatesPreferIDThenName(t *testing.T) {
	step := schema.Step{
		ID: "s1", Action: schema.ActionFill,
		SelectorVariants: []string{`input[name="q"]`, `[placeholder="Search"]`},
	}
	doc := mustDoc(t, `<html><body>
		<input name="q" placeholder="Search everything">
	</body></html>`)

	got := HeuristicCandidates(step, MineHints(step), doc)
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0] != `[name="q"]` {
		t.Errorf("first candidate = %q, want name attribute", got[0])
	}
	// The partial placeholder match resolves even though the exact one no
	// longer does.
	found := false
	for _, c := range got {
		if c == `[placeholder*="Search"]` {
			found = true
		}
	}
	if !found {
		t.Errorf("candidates %v missing partial placeholder", got)
	}
}

func TestHeuristicCandidatesSkipUnresolvedAndKnown(t *testing.T) {
	step := schema.Step{
		ID: "s1", Action: schema.ActionClick,
		SelectorVariants: []string{"#gone"},
	}
	doc := mustDoc(t, `<html><body><button class="other">Go</button></body></html>`)

	got := HeuristicCandidates(step, MineHints(step), doc)
	for _, c := range got {
		if c == "#gone" {
			t.Errorf("candidate %q neither resolves nor is new", c)
		}
	}
}

func TestTextCandidatesSynthesizeSelector(t *testing.T) {
	step := schema.Step{
		ID: "s1", Action: schema.ActionClick, Title: "Place order",
		SelectorVariants: []string{"#old-checkout"},
	}
	doc := mustDoc(t, `<html><body>
		<div><p>intro</p></div>
		<div><button class="checkout">Place order</button></div>
	</body></html>`)

	got := HeuristicCandidates(step, MineHints(step), doc)
	if len(got) == 0 {
		t.Fatal("no candidates for visible-text match")
	}
	sel := doc.Find(got[0])
	if sel.Length() != 1 || strings.TrimSpace(sel.Text()) != "Place order" {
		t.Errorf("candidate %q resolves to %d nodes, text %q", got[0], sel.Length(), sel.Text())
	}
}

func TestCSSPathStopsAtIDAncestor(t *testing.T) {
	doc := mustDoc(t, `<html><body>
		<div id="cart"><span><button>Buy</button></span></div>
	</body></html>`)
	btn := doc.Find("button")
	path := cssPath(btn)
	if !strings.HasPrefix(path, "#cart") {
		t.Errorf("cssPath = %q, want #cart-anchored path", path)
	}
	if doc.Find(path).Length() != 1 {
		t.Errorf("cssPath %q does not resolve uniquely", path)
	}
}

func TestParseSuggestions(t *testing.T) {
	raw := "Here are some options:\n" +
		"1. `#search-input`\n" +
		"- .query-box\n" +
		"* `input[name=\"q\"]`\n" +
		"2) button.submit\n" +
		"```\n" +
		"Try one of these and see what happens.\n" +
		"\n"
	got := ParseSuggestions(raw)
	want := []string{"#search-input", ".query-box", `input[name="q"]`, "button.submit"}
	if len(got) != len(want) {
		t.Fatalf("ParseSuggestions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("suggestion[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildSuggestionPromptTruncatesMarkup(t *testing.T) {
	step := schema.Step{ID: "s3", Action: schema.ActionClick,
		SelectorVariants: []string{"#a"}}
	huge := strings.Repeat("<div>x</div>", 4000)
	prompt := BuildSuggestionPrompt(step, huge)
	if len(prompt) > suggestionMarkupLimit+500 {
		t.Errorf("prompt length = %d, markup not truncated", len(prompt))
	}
	if !strings.Contains(prompt, "s3") || !strings.Contains(prompt, "#a") {
		t.Error("prompt missing step identity or prior selectors")
	}
}
