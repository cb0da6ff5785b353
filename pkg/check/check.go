// Package check evaluates step guards (pre-conditions) and effects
// (post-conditions) against observable page state.
package check

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

// Guard text lookups get a short bound; effects get a longer one since the
// page may still be settling after the action.
const (
	GuardTextTimeout  = 1200 * time.Millisecond
	EffectTextTimeout = 2 * time.Second
)

// Page is the minimal live-page surface validation needs. Both the real
// browser surface and test fakes implement it.
type Page interface {
	// WaitTextVisible reports whether text becomes visible within timeout.
	WaitTextVisible(ctx context.Context, text string, timeout time.Duration) bool
	// Count returns how many elements match the CSS selector.
	Count(ctx context.Context, selector string) (int, error)
}

// Observation is the state a step is validated against.
type Observation struct {
	BeforeURL  string
	CurrentURL string
	Page       Page // nil when no live page is attached
}

// GuardError reports the first failing guard. Current carries the URL the
// guard was checked against so healing can attempt hostname relaxation.
type GuardError struct {
	StepID  string
	Type    schema.GuardType
	Value   string
	Current string
	Reason  string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: guard %s(%q) failed: %s", e.StepID, e.Type, e.Value, e.Reason)
}

// EffectError reports the first failing effect.
type EffectError struct {
	StepID string
	Type   schema.EffectType
	Value  string
	Reason string
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("%s: effect %s(%q) failed: %s", e.StepID, e.Type, e.Value, e.Reason)
}

// MatchURL reports whether candidate matches pattern. A trailing "*" makes
// the pattern a prefix match; otherwise equality is exact.
func MatchURL(pattern, candidate string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(candidate, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == candidate
}

// Guards evaluates the step's guards in order and returns the first
// failure. Guards with nothing to observe (no current URL, no page) are
// vacuously satisfied so steps without prior navigation still run.
func Guards(ctx context.Context, step schema.Step, obs Observation) error {
	for _, g := range step.Guards {
		switch g.Type {
		case schema.GuardURLIs:
			if obs.CurrentURL == "" {
				continue
			}
			if !MatchURL(g.Value, obs.CurrentURL) {
				return &GuardError{StepID: step.ID, Type: g.Type, Value: g.Value,
					Current: obs.CurrentURL,
					Reason:  fmt.Sprintf("current url is %q", obs.CurrentURL)}
			}
		case schema.GuardURLNot:
			if obs.CurrentURL == "" {
				continue
			}
			if MatchURL(g.Value, obs.CurrentURL) {
				return &GuardError{StepID: step.ID, Type: g.Type, Value: g.Value,
					Current: obs.CurrentURL,
					Reason:  fmt.Sprintf("current url is %q", obs.CurrentURL)}
			}
		case schema.GuardTextVisible:
			if obs.Page == nil {
				continue
			}
			if !obs.Page.WaitTextVisible(ctx, g.Value, GuardTextTimeout) {
				return &GuardError{StepID: step.ID, Type: g.Type, Value: g.Value,
					Reason: "text not visible"}
			}
		}
	}
	return nil
}

// Effects evaluates the step's effects in order and returns the first
// failure.
func Effects(ctx context.Context, step schema.Step, obs Observation) error {
	for _, ef := range step.Effects {
		switch ef.Type {
		case schema.EffectURLChanged:
			if ef.Value != "" {
				if obs.CurrentURL != ef.Value {
					return &EffectError{StepID: step.ID, Type: ef.Type, Value: ef.Value,
						Reason: fmt.Sprintf("url is %q", obs.CurrentURL)}
				}
				continue
			}
			if obs.CurrentURL == obs.BeforeURL {
				return &EffectError{StepID: step.ID, Type: ef.Type,
					Reason: fmt.Sprintf("url did not change from %q", obs.BeforeURL)}
			}
		case schema.EffectTextVisible:
			if obs.Page == nil {
				continue
			}
			if !obs.Page.WaitTextVisible(ctx, ef.Value, EffectTextTimeout) {
				return &EffectError{StepID: step.ID, Type: ef.Type, Value: ef.Value,
					Reason: "text not visible"}
			}
		case schema.EffectMinItems:
			selector, min, ok := parseMinItems(ef.Value)
			if !ok || obs.Page == nil {
				// Malformed encodings are vacuously true, not an error.
				continue
			}
			n, err := obs.Page.Count(ctx, selector)
			if err != nil {
				return &EffectError{StepID: step.ID, Type: ef.Type, Value: ef.Value,
					Reason: fmt.Sprintf("count failed: %v", err)}
			}
			if n < min {
				return &EffectError{StepID: step.ID, Type: ef.Type, Value: ef.Value,
					Reason: fmt.Sprintf("found %d items, need %d", n, min)}
			}
		}
	}
	return nil
}

// parseMinItems decodes a "selector|count" value.
func parseMinItems(v string) (selector string, min int, ok bool) {
	idx := strings.LastIndex(v, "|")
	if idx <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v[idx+1:]))
	if err != nil {
		return "", 0, false
	}
	return strings.TrimSpace(v[:idx]), n, true
}
