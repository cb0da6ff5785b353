// Package heal implements the two-phase self-healing protocol wrapped
// around the step runner: guard relaxation, automatic selector rediscovery,
// and bounded manual re-capture, plus the patcher that persists results.
package heal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ormasoftchile/reprise/pkg/check"
	"github.com/ormasoftchile/reprise/pkg/engine"
	"github.com/ormasoftchile/reprise/pkg/plan"
	"github.com/ormasoftchile/reprise/pkg/schema"
	"github.com/ormasoftchile/reprise/pkg/trace"
)

// CaptureError reports a Phase-2 capture that produced nothing executable.
// Healing cannot silently no-op, so it is always fatal.
type CaptureError struct {
	StepID string
	Reason string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: manual re-capture failed: %s", e.StepID, e.Reason)
}

// Stats counts what healing did during a run.
type Stats struct {
	GuardRelaxations int
	SelectorHeals    int
	Recaptures       int
}

// Config assembles a healing engine. Prompter, Recorder, and Continuation
// are optional; the phases that need them are skipped when absent.
type Config struct {
	Recipe       *schema.Recipe
	Trace        *trace.Writer
	Prompter     plan.Prompter
	Recorder     Recorder
	Continuation Continuation
	Classifier   Classifier

	// Announce receives operator-facing messages during Phase 2.
	Announce io.Writer
}

// Engine accumulates healing results in run-scoped records and applies
// them to a recipe copy at the end. It implements engine.Healer.
type Engine struct {
	cfg    Config
	policy *schema.FallbackPolicy

	patches      SelectorPatch
	replacements []Phase2Replacement
	stats        Stats
}

// New builds a healing engine for the recipe.
func New(cfg Config) *Engine {
	if cfg.Classifier == nil {
		cfg.Classifier = EventClassifier{}
	}
	if cfg.Announce == nil {
		cfg.Announce = os.Stderr
	}
	return &Engine{
		cfg:     cfg,
		policy:  cfg.Recipe.Fallback,
		patches: make(SelectorPatch),
	}
}

// Stats returns what healing did so far.
func (e *Engine) Stats() Stats { return e.stats }

// Healed reports whether any patch or replacement was recorded.
func (e *Engine) Healed() bool {
	return len(e.patches) > 0 || len(e.replacements) > 0
}

// PatchedRecipe returns the version-incremented healed copy, or nil when
// nothing was healed.
func (e *Engine) PatchedRecipe() *schema.Recipe {
	if !e.Healed() {
		return nil
	}
	return PatchRecipe(e.cfg.Recipe, e.patches, e.replacements)
}

// HealStep is the runner's failure hook. It walks the ladder: guard
// relaxation, then selector rediscovery, then manual re-capture. A nil
// error with HealNone means the ladder declined and the original failure
// stands; a non-nil error with HealNone supersedes it, so a failed
// relaxed retry reports the failure the step actually produced.
func (e *Engine) HealStep(ctx context.Context, x engine.Executor, step schema.Step, stepErr error) (engine.HealOutcome, error) {
	var declineErr error
	if relaxed, retryErr := e.relaxGuard(ctx, x, step, stepErr); relaxed {
		if retryErr == nil {
			return engine.HealContinue, nil
		}
		// The relaxed retry failed for another reason; keep descending
		// the ladder with the fresh failure.
		stepErr = retryErr
		declineErr = retryErr
	}

	if step.Mode != schema.ModeBrowser {
		return engine.HealNone, declineErr
	}

	if e.policy.AllowsSelectorRediscovery() && selectorAction(step.Action) {
		if e.phase1(ctx, x, step) {
			return engine.HealContinue, nil
		}
	}

	if e.policy.AllowsManualRecapture() && e.cfg.Recorder != nil && e.cfg.Continuation != nil {
		return e.phase2(ctx, x, step, stepErr)
	}
	return engine.HealNone, declineErr
}

func selectorAction(a schema.StepAction) bool {
	return a == schema.ActionClick || a == schema.ActionFill
}

// relaxGuard retries the step once with a failing url_is guard dropped,
// provided the guard and the observed URL share a hostname. Returns
// whether a retry happened and its outcome.
func (e *Engine) relaxGuard(ctx context.Context, x engine.Executor, step schema.Step, stepErr error) (bool, error) {
	var ge *check.GuardError
	if !errors.As(stepErr, &ge) || ge.Type != schema.GuardURLIs {
		return false, nil
	}
	if !sameHost(ge.Value, ge.Current) {
		return false, nil
	}

	relaxed := step.Clone()
	kept := relaxed.Guards[:0]
	for _, g := range relaxed.Guards {
		if g.Type == schema.GuardURLIs && g.Value == ge.Value {
			continue
		}
		kept = append(kept, g)
	}
	relaxed.Guards = kept

	e.stats.GuardRelaxations++
	e.cfg.Trace.EmitHealPhase1(step.ID, "guard_relaxed")
	return true, x.ExecStep(ctx, relaxed)
}

// sameHost reports whether two URLs share a hostname. A trailing wildcard
// on the pattern is ignored for the comparison.
func sameHost(pattern, current string) bool {
	pu, err := url.Parse(strings.TrimSuffix(pattern, "*"))
	if err != nil || pu.Hostname() == "" {
		return false
	}
	cu, err := url.Parse(current)
	if err != nil || cu.Hostname() == "" {
		return false
	}
	return pu.Hostname() == cu.Hostname()
}

// phase1 attempts automatic selector rediscovery against the live page.
// Returns true when a repaired step copy executed successfully.
func (e *Engine) phase1(ctx context.Context, x engine.Executor, step schema.Step) bool {
	b := x.Browser()
	if b == nil {
		return false
	}
	html, err := b.HTML(ctx)
	if err != nil {
		e.cfg.Trace.EmitHealPhase1(step.ID, "no_markup")
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.cfg.Trace.EmitHealPhase1(step.ID, "no_markup")
		return false
	}

	candidates := HeuristicCandidates(step, MineHints(step), doc)
	origin := "heuristic"
	if len(candidates) == 0 && e.cfg.Prompter != nil {
		raw, perr := e.cfg.Prompter.Run(ctx, BuildSuggestionPrompt(step, html))
		if perr == nil {
			for _, sel := range ParseSuggestions(raw) {
				if doc.Find(sel).Length() > 0 {
					candidates = append(candidates, sel)
				}
			}
			origin = "suggested"
		}
	}
	if len(candidates) == 0 {
		e.cfg.Trace.EmitHealPhase1(step.ID, "no_candidates")
		return false
	}

	// First candidate resolving on the page wins; retry with it prepended
	// so the original selectors stay as fallbacks.
	winner := candidates[0]
	repaired := step.Clone()
	repaired.SelectorVariants = prependSelectors([]string{winner}, repaired.SelectorVariants)
	if err := x.ExecStep(ctx, repaired); err != nil {
		e.cfg.Trace.EmitHealPhase1(step.ID, "retry_failed")
		return false
	}

	e.patches[step.ID] = append(e.patches[step.ID], winner)
	e.stats.SelectorHeals++
	e.cfg.Trace.EmitHealSelector(step.ID, winner, origin)
	e.cfg.Trace.EmitHealPhase1(step.ID, "healed")
	return true
}

// phase2 pauses the run for a manual re-capture. The captured steps run
// immediately in place of the failed step; the remaining original steps
// are abandoned for this run and preserved by the patcher.
func (e *Engine) phase2(ctx context.Context, x engine.Executor, step schema.Step, stepErr error) (engine.HealOutcome, error) {
	title := step.Title
	if title == "" {
		title = step.ID
	}
	fmt.Fprintf(e.cfg.Announce, "\nautomatic healing failed for step %q: %v\n", title, stepErr)
	fmt.Fprintf(e.cfg.Announce, "perform the step manually in the browser, then press Enter to continue.\n")

	if err := e.cfg.Recorder.Arm(ctx); err != nil {
		return engine.HealNone, fmt.Errorf("%s: arm capture: %w", step.ID, err)
	}
	if err := e.cfg.Continuation.Wait(ctx); err != nil {
		return engine.HealNone, fmt.Errorf("%s: re-capture interrupted: %w", step.ID, err)
	}
	events, err := e.cfg.Recorder.Disarm()
	if err != nil {
		return engine.HealNone, fmt.Errorf("%s: %w", step.ID, err)
	}

	captured, err := e.cfg.Classifier.Classify(events)
	if err != nil {
		return engine.HealNone, fmt.Errorf("%s: classify capture: %w", step.ID, err)
	}
	captured = RenumberSteps(step.ID, captured)
	if len(captured) == 0 {
		return engine.HealNone, &CaptureError{StepID: step.ID, Reason: "no executable steps captured"}
	}

	for _, s := range captured {
		if err := x.ExecStep(ctx, s); err != nil {
			return engine.HealNone, fmt.Errorf("re-captured step failed: %w", err)
		}
	}

	e.replacements = append(e.replacements, Phase2Replacement{StepID: step.ID, Steps: captured})
	e.stats.Recaptures++
	e.cfg.Trace.EmitHealPhase2(step.ID, len(captured))
	return engine.HealReplaced, nil
}
