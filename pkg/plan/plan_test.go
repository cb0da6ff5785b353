package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

var fixedNow = time.Date(2026, 2, 26, 8, 0, 0, 0, time.UTC)

// fakeVault implements Vault for tests.
type fakeVault struct {
	values  map[string]string
	loadErr error
	saved   map[string]string
	saveErr error
}

func (v *fakeVault) Load(_ context.Context, _, name string) (string, bool, error) {
	if v.loadErr != nil {
		return "", false, v.loadErr
	}
	val, ok := v.values[name]
	return val, ok, nil
}

func (v *fakeVault) Save(_ context.Context, _, name, plaintext string) error {
	if v.saveErr != nil {
		return v.saveErr
	}
	if v.saved == nil {
		v.saved = map[string]string{}
	}
	v.saved[name] = plaintext
	return nil
}

// fakePrompter returns a fixed output and records prompts.
type fakePrompter struct {
	output  string
	prompts []string
}

func (p *fakePrompter) Run(_ context.Context, prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	return p.output, nil
}

func planRecipe() *schema.Recipe {
	return &schema.Recipe{
		ID: "order-export", Name: "Order export", Version: 1,
		Variables: []schema.Variable{
			{Name: "tenant", Required: true, Resolver: schema.Resolver{Kind: schema.ResolverCLI}},
			{Name: "targetDate", Type: "date", Resolver: schema.Resolver{Kind: schema.ResolverBuiltin, Expr: "today+1d"}},
			{Name: "searchKeyword", Resolver: schema.Resolver{Kind: schema.ResolverPrompted, Prompt: "Keyword for {{tenant}}?"}},
		},
		Steps: []schema.Step{
			{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto,
				URL: "https://{{tenant}}.example.com/orders?q={{searchKeyword}}&d={{targetDate}}"},
		},
	}
}

func TestBuildResolvesAllKinds(t *testing.T) {
	prompter := &fakePrompter{output: "\n  notebook  \nsecond line\n"}
	p, err := Build(context.Background(), planRecipe(), Options{
		Values:   map[string]string{"tenant": "acme"},
		Prompter: prompter,
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !p.Executable() {
		t.Fatalf("plan not executable, unresolved = %v", p.Unresolved)
	}
	if p.Vars["tenant"] != "acme" {
		t.Errorf("tenant = %q", p.Vars["tenant"])
	}
	wantDate := time.Date(fixedNow.Local().Year(), fixedNow.Local().Month(), fixedNow.Local().Day(), 0, 0, 0, 0, time.Local).
		AddDate(0, 0, 1).Format("2006-01-02")
	if p.Vars["targetDate"] != wantDate {
		t.Errorf("targetDate = %q, want %q", p.Vars["targetDate"], wantDate)
	}
	if p.Vars["searchKeyword"] != "notebook" {
		t.Errorf("searchKeyword = %q, want first non-empty trimmed line", p.Vars["searchKeyword"])
	}
	if len(prompter.prompts) != 1 || prompter.prompts[0] != "Keyword for acme?" {
		t.Errorf("prompt = %v, want resolved template", prompter.prompts)
	}
	if strings.Contains(p.Steps[0].URL, "{{") {
		t.Errorf("step url not substituted: %q", p.Steps[0].URL)
	}
}

func TestBuildCollectsUnresolved(t *testing.T) {
	p, err := Build(context.Background(), planRecipe(), Options{Now: fixedNow})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Executable() {
		t.Fatal("plan with missing required variable must not be executable")
	}
	// tenant (required, missing) and searchKeyword (referenced by a step,
	// no prompter) both end up unresolved — sorted.
	want := []string{"searchKeyword", "tenant"}
	if len(p.Unresolved) != len(want) {
		t.Fatalf("unresolved = %v, want %v", p.Unresolved, want)
	}
	for i := range want {
		if p.Unresolved[i] != want[i] {
			t.Errorf("unresolved[%d] = %q, want %q", i, p.Unresolved[i], want[i])
		}
	}
	if len(p.Steps) != 0 {
		t.Error("steps must not be substituted while variables are unresolved")
	}
}

func TestBuildDateValidationIsFatal(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "when", Type: "date", Resolver: schema.Resolver{Kind: schema.ResolverCLI}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://x"}},
	}
	_, err := Build(context.Background(), rec, Options{
		Values: map[string]string{"when": "2026/02/27"},
		Now:    fixedNow,
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ve.Variable != "when" || !strings.Contains(ve.Reason, "YYYY-MM-DD") {
		t.Errorf("validation error should name the variable and format, got %+v", ve)
	}
}

func TestBuildPatternValidation(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "sku", Pattern: `^[A-Z]{3}-\d+$`, Resolver: schema.Resolver{Kind: schema.ResolverCLI}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://x"}},
	}
	if _, err := Build(context.Background(), rec, Options{Values: map[string]string{"sku": "bad"}, Now: fixedNow}); err == nil {
		t.Error("pattern mismatch should be fatal")
	}
	if _, err := Build(context.Background(), rec, Options{Values: map[string]string{"sku": "ABC-42"}, Now: fixedNow}); err != nil {
		t.Errorf("matching value should pass, got %v", err)
	}
}

func TestBuildSecretStoreErrorIsFatal(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "apiKey", Resolver: schema.Resolver{Kind: schema.ResolverSecret}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://x"}},
	}
	_, err := Build(context.Background(), rec, Options{
		Vault: &fakeVault{loadErr: fmt.Errorf("vault sealed")},
		Now:   fixedNow,
	})
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StoreError", err)
	}
}

func TestBuildSecretAbsentFallsBack(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "apiKey", Default: "dev-key", Resolver: schema.Resolver{Kind: schema.ResolverSecret}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://x"}},
	}
	vault := &fakeVault{}
	p, err := Build(context.Background(), rec, Options{Vault: vault, Now: fixedNow})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Vars["apiKey"] != "dev-key" {
		t.Errorf("apiKey = %q, want default", p.Vars["apiKey"])
	}
}

func TestBuildPersistsCLISuppliedSecrets(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "apiKey", Resolver: schema.Resolver{Kind: schema.ResolverSecret}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://x"}},
	}
	vault := &fakeVault{}
	p, err := Build(context.Background(), rec, Options{
		Values: map[string]string{"apiKey": "hunter2"},
		Vault:  vault,
		Now:    fixedNow,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if vault.saved["apiKey"] != "hunter2" {
		t.Errorf("secret not offered to saver, saved = %v", vault.saved)
	}
	if len(p.SecretValues) != 1 || p.SecretValues[0] != "hunter2" {
		t.Errorf("secret values for redaction = %v", p.SecretValues)
	}
}

func TestBuildSaveFailureIsWarning(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "apiKey", Resolver: schema.Resolver{Kind: schema.ResolverSecret}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://x"}},
	}
	vault := &fakeVault{saveErr: fmt.Errorf("disk full")}
	p, err := Build(context.Background(), rec, Options{
		Values: map[string]string{"apiKey": "hunter2"},
		Vault:  vault,
		Now:    fixedNow,
	})
	if err != nil {
		t.Fatalf("save failure must not be fatal: %v", err)
	}
	if len(p.Warnings) == 0 {
		t.Error("save failure should surface as a warning")
	}
}

func TestBuildAliasedCLIKey(t *testing.T) {
	rec := &schema.Recipe{
		ID: "r", Name: "r", Version: 1,
		Variables: []schema.Variable{
			{Name: "tenant", Resolver: schema.Resolver{Kind: schema.ResolverCLI, Key: "customer"}},
		},
		Steps: []schema.Step{{ID: "s1", Mode: schema.ModeBrowser, Action: schema.ActionGoto, URL: "https://{{tenant}}"}},
	}
	p, err := Build(context.Background(), rec, Options{
		Values: map[string]string{"customer": "acme"},
		Now:    fixedNow,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Vars["tenant"] != "acme" {
		t.Errorf("aliased lookup failed, tenant = %q", p.Vars["tenant"])
	}
}
