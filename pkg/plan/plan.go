// Package plan resolves a recipe's declared variables and substitutes
// templates into its steps, producing an immutable execution plan.
package plan

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ormasoftchile/reprise/pkg/schema"
	"github.com/ormasoftchile/reprise/pkg/template"
	"github.com/ormasoftchile/reprise/pkg/trace"
)

// Vault is the external secret store collaborator. Load returns
// (value, found, err); a store-level error is always fatal to the plan.
type Vault interface {
	Load(ctx context.Context, recipeID, name string) (string, bool, error)
	Save(ctx context.Context, recipeID, name, plaintext string) error
}

// Prompter is the external prompt collaborator. The first non-empty
// trimmed line of its output is taken as the value.
type Prompter interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Options configures plan building.
type Options struct {
	// Values are caller-supplied variable values (CLI flags). They always win.
	Values map[string]string

	Vault    Vault
	Prompter Prompter

	// Now anchors the builtin date tokens; zero means time.Now().
	Now time.Time

	Trace *trace.Writer
}

// Plan is an immutable snapshot of a resolved recipe. A plan with any
// unresolved variable must not be executed.
type Plan struct {
	ResolvedAt time.Time
	Vars       map[string]string
	Unresolved []string // sorted
	Warnings   []string
	Steps      []schema.Step

	// SecretValues holds resolved secret-kind values so the trace writer
	// can redact them.
	SecretValues []string
}

// Executable reports whether the plan may be handed to the runner.
func (p *Plan) Executable() bool {
	return len(p.Unresolved) == 0
}

// ValidationError is a plan-fatal failure: the recipe itself is malformed,
// not merely missing an input.
type ValidationError struct {
	Variable string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("variable %q: %s", e.Variable, e.Reason)
}

// StoreError is a plan-fatal secret store failure.
type StoreError struct {
	Variable string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("secret store: variable %q: %v", e.Variable, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Build resolves every declared variable in declaration order, collects
// what stays unresolved, and substitutes templates into every step.
// Validation failures (date format, pattern) and secret store errors are
// fatal; missing inputs are collected, not short-circuited.
func Build(ctx context.Context, r *schema.Recipe, opts Options) (*Plan, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	p := &Plan{
		ResolvedAt: now,
		Vars:       make(map[string]string),
	}
	unresolved := map[string]bool{}

	for _, v := range r.Variables {
		value, source, err := resolveVariable(ctx, r, v, p.Vars, opts, now)
		if err != nil {
			return nil, err
		}
		if value == "" && v.Default != "" {
			value, source = v.Default, "default"
		}
		if value != "" {
			if err := validateValue(v, value); err != nil {
				return nil, err
			}
			p.Vars[v.Name] = value
			if v.Resolver.Kind == schema.ResolverSecret {
				p.SecretValues = append(p.SecretValues, value)
			}
			opts.Trace.EmitVariableResolved(v.Name, source)
			continue
		}
		if v.Required {
			p.Warnings = append(p.Warnings, fmt.Sprintf("required variable %q is unresolved", v.Name))
			unresolved[v.Name] = true
		}
	}

	// Offer resolved secrets back to the vault so CLI-supplied secrets get
	// persisted transparently. Save failures degrade to warnings.
	if opts.Vault != nil {
		for _, v := range r.Variables {
			if v.Resolver.Kind != schema.ResolverSecret {
				continue
			}
			val, ok := p.Vars[v.Name]
			if !ok {
				continue
			}
			if err := opts.Vault.Save(ctx, r.ID, v.Name, val); err != nil {
				p.Warnings = append(p.Warnings, fmt.Sprintf("could not persist secret %q: %v", v.Name, err))
			}
		}
	}

	// Steps may reference tokens nobody declared; surface those too.
	for _, s := range r.Steps {
		for _, tok := range template.StepTokens(s) {
			if _, ok := p.Vars[tok]; ok {
				continue
			}
			if template.IsBuiltin(tok) {
				continue
			}
			if !unresolved[tok] {
				unresolved[tok] = true
				p.Warnings = append(p.Warnings, fmt.Sprintf("step %s references unresolved {{%s}}", s.ID, tok))
			}
		}
	}

	if len(unresolved) > 0 {
		for name := range unresolved {
			p.Unresolved = append(p.Unresolved, name)
		}
		sort.Strings(p.Unresolved)
		return p, nil
	}

	rc := template.Context{Vars: p.Vars, Now: now}
	p.Steps = make([]schema.Step, len(r.Steps))
	for i, s := range r.Steps {
		resolved, err := template.ResolveStep(s, rc)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.ID, err)
		}
		p.Steps[i] = resolved
	}
	return p, nil
}

// resolveVariable produces the raw value for one variable, dispatching on
// its resolver kind. An empty value with a nil error means "not resolved".
func resolveVariable(ctx context.Context, r *schema.Recipe, v schema.Variable, resolved map[string]string, opts Options, now time.Time) (string, string, error) {
	// Caller-supplied values always win, regardless of resolver kind.
	if val, ok := opts.Values[v.Name]; ok && val != "" {
		return val, "cli", nil
	}

	switch v.Resolver.Kind {
	case schema.ResolverCLI:
		key := v.Resolver.Key
		if key == "" {
			key = v.Name
		}
		return opts.Values[key], "cli", nil

	case schema.ResolverBuiltin:
		val, err := template.Resolve("{{"+v.Resolver.Expr+"}}", template.Context{Now: now})
		if err != nil {
			return "", "", &ValidationError{Variable: v.Name, Reason: err.Error()}
		}
		return val, "builtin", nil

	case schema.ResolverSecret:
		if opts.Vault == nil {
			return "", "", nil
		}
		val, found, err := opts.Vault.Load(ctx, r.ID, v.Name)
		if err != nil {
			return "", "", &StoreError{Variable: v.Name, Err: err}
		}
		if !found {
			return "", "", nil
		}
		return val, "secret", nil

	case schema.ResolverPrompted:
		if opts.Prompter == nil {
			return "", "", nil
		}
		prompt, err := template.Resolve(v.Resolver.Prompt, template.Context{Vars: resolved, Now: now})
		if err != nil {
			return "", "", &ValidationError{Variable: v.Name, Reason: fmt.Sprintf("prompt template: %v", err)}
		}
		out, err := opts.Prompter.Run(ctx, prompt)
		if err != nil {
			return "", "", fmt.Errorf("prompt for %q: %w", v.Name, err)
		}
		return firstNonEmptyLine(out), "prompted", nil
	}
	return "", "", nil
}

func validateValue(v schema.Variable, value string) error {
	if v.Type == "date" && !dateRe.MatchString(value) {
		return &ValidationError{Variable: v.Name,
			Reason: fmt.Sprintf("value %q must match the YYYY-MM-DD date format", value)}
	}
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return &ValidationError{Variable: v.Name, Reason: fmt.Sprintf("pattern does not compile: %v", err)}
		}
		if !re.MatchString(value) {
			return &ValidationError{Variable: v.Name,
				Reason: fmt.Sprintf("value %q does not match pattern %q", value, v.Pattern)}
		}
	}
	return nil
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
