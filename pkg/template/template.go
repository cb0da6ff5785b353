// Package template resolves {{token}} placeholders against supplied
// variables and the builtin date tokens.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

// Context carries the values a resolution runs against.
type Context struct {
	Vars map[string]string
	Now  time.Time
}

// UnknownTokenError reports a token with no variable and no builtin.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown_template_variable: {{%s}}", e.Token)
}

// DayOffsetError reports a today± expression whose offset is not a finite integer.
type DayOffsetError struct {
	Token string
}

func (e *DayOffsetError) Error() string {
	return fmt.Sprintf("invalid_day_offset: {{%s}}", e.Token)
}

// FieldError wraps a resolution failure with the step field it occurred in.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

var tokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve substitutes every {{token}} in s. Resolution order per token:
// supplied vars, then the builtins "now" and "today"/"today±Nd".
func Resolve(s string, rc Context) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil // fast path for literals
	}

	var firstErr error
	out := tokenRe.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		tok := strings.TrimSpace(tokenRe.FindStringSubmatch(m)[1])
		val, err := resolveToken(tok, rc)
		if err != nil {
			firstErr = err
			return m
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Tokens returns the distinct tokens referenced by s, in order of first use.
func Tokens(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range tokenRe.FindAllStringSubmatch(s, -1) {
		tok := strings.TrimSpace(m[1])
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// IsBuiltin reports whether tok resolves without a supplied variable.
func IsBuiltin(tok string) bool {
	if tok == "now" || tok == "today" {
		return true
	}
	if rest, ok := dayOffsetSuffix(tok); ok {
		_, err := strconv.Atoi(rest)
		return err == nil
	}
	return false
}

func resolveToken(tok string, rc Context) (string, error) {
	if v, ok := rc.Vars[tok]; ok {
		return v, nil
	}
	switch {
	case tok == "now":
		return rc.Now.UTC().Format(time.RFC3339), nil
	case tok == "today":
		return localMidnight(rc.Now).Format("2006-01-02"), nil
	}
	if rest, ok := dayOffsetSuffix(tok); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return "", &DayOffsetError{Token: tok}
		}
		return localMidnight(rc.Now).AddDate(0, 0, n).Format("2006-01-02"), nil
	}
	return "", &UnknownTokenError{Token: tok}
}

// dayOffsetSuffix splits "today+3d" into its signed offset ("+3") when the
// token has the today±...d shape.
func dayOffsetSuffix(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "today+") && !strings.HasPrefix(tok, "today-") {
		return "", false
	}
	rest := tok[len("today"):]
	if !strings.HasSuffix(rest, "d") {
		return "", false
	}
	return strings.TrimSuffix(rest, "d"), true
}

func localMidnight(t time.Time) time.Time {
	local := t.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// ResolveStep substitutes templates into every templated field of the step:
// url, value, each selector variant, and every guard and effect value.
// The first failure aborts with the offending field identified.
func ResolveStep(step schema.Step, rc Context) (schema.Step, error) {
	out := step.Clone()

	var err error
	if out.URL, err = Resolve(step.URL, rc); err != nil {
		return schema.Step{}, &FieldError{Field: "url", Err: err}
	}
	if out.Value, err = Resolve(step.Value, rc); err != nil {
		return schema.Step{}, &FieldError{Field: "value", Err: err}
	}
	for i, sel := range step.SelectorVariants {
		if out.SelectorVariants[i], err = Resolve(sel, rc); err != nil {
			return schema.Step{}, &FieldError{Field: fmt.Sprintf("selector_variants[%d]", i), Err: err}
		}
	}
	for i, g := range step.Guards {
		if out.Guards[i].Value, err = Resolve(g.Value, rc); err != nil {
			return schema.Step{}, &FieldError{Field: fmt.Sprintf("guards[%d].value", i), Err: err}
		}
	}
	for i, ef := range step.Effects {
		if out.Effects[i].Value, err = Resolve(ef.Value, rc); err != nil {
			return schema.Step{}, &FieldError{Field: fmt.Sprintf("effects[%d].value", i), Err: err}
		}
	}
	return out, nil
}

// StepTokens returns the distinct tokens referenced anywhere in the step.
func StepTokens(step schema.Step) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		for _, tok := range Tokens(s) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	add(step.URL)
	add(step.Value)
	for _, sel := range step.SelectorVariants {
		add(sel)
	}
	for _, g := range step.Guards {
		add(g.Value)
	}
	for _, ef := range step.Effects {
		add(ef.Value)
	}
	return out
}
