package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ormasoftchile/reprise/pkg/check"
	"github.com/ormasoftchile/reprise/pkg/plan"
	"github.com/ormasoftchile/reprise/pkg/schema"
	"github.com/ormasoftchile/reprise/pkg/surface"
	"github.com/ormasoftchile/reprise/pkg/trace"
)

// SettleTimeout bounds the post-action quiescence wait on the browser
// surface.
const SettleTimeout = 1200 * time.Millisecond

// StepError wraps any failure with the id of the step that caused it.
type StepError struct {
	StepID string
	Kind   string // guard, effect, selector, action, http, condition
	Err    error
}

func (e *StepError) Error() string {
	msg := e.Err.Error()
	if strings.HasPrefix(msg, e.StepID+": ") {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.StepID, msg)
}

func (e *StepError) Unwrap() error { return e.Err }

// HealOutcome is the healing hook's verdict for a failed step.
type HealOutcome int

const (
	// HealNone declines to heal; the original step error propagates.
	HealNone HealOutcome = iota
	// HealContinue means the step (or a repaired variant) completed and
	// the run proceeds with the next step.
	HealContinue
	// HealReplaced means a re-captured fragment ran in place of the step
	// and the remaining original steps are abandoned.
	HealReplaced
)

// Executor is the slice of the Runner healing needs: re-run repaired step
// copies and inspect the live page.
type Executor interface {
	ExecStep(ctx context.Context, step schema.Step) error
	Browser() BrowserSurface
	PageURL() string
}

// Healer is the hook a failed step is offered to before the run aborts.
type Healer interface {
	HealStep(ctx context.Context, x Executor, step schema.Step, stepErr error) (HealOutcome, error)
}

// Config assembles a Runner. NewBrowser and NewHTTP default to the real
// surfaces; tests inject fakes.
type Config struct {
	Recipe *schema.Recipe
	Plan   *plan.Plan
	Trace  *trace.Writer
	Healer Healer

	// DownloadDir overrides the recipe's download directory.
	DownloadDir string

	Browser surface.BrowserConfig

	NewBrowser func(ctx context.Context) (BrowserSurface, error)
	NewHTTP    func(downloadDir, seedURL string, seed []*http.Cookie) (HTTPSurface, error)
}

// Runner executes a resolved plan step by step, switching surfaces as the
// step modes demand.
type Runner struct {
	cfg   Config
	plan  *plan.Plan
	trace *trace.Writer

	current  SurfaceKind
	browser  BrowserSurface
	httpSurf HTTPSurface

	// pageURL and httpURL track the last known location on each surface.
	pageURL string
	httpURL string

	downloadDir string

	// Extracted holds text captured by extract steps, keyed by step id.
	Extracted map[string]string
}

// New builds a Runner. The plan must be executable.
func New(cfg Config) *Runner {
	if cfg.NewBrowser == nil {
		bc := cfg.Browser
		cfg.NewBrowser = func(ctx context.Context) (BrowserSurface, error) {
			return surface.NewBrowser(ctx, bc)
		}
	}
	if cfg.NewHTTP == nil {
		cfg.NewHTTP = func(downloadDir, seedURL string, seed []*http.Cookie) (HTTPSurface, error) {
			return surface.NewHTTP(downloadDir, seedURL, seed)
		}
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = cfg.Recipe.DownloadDir
	}
	if dir == "" {
		dir = "downloads"
	}
	return &Runner{
		cfg:         cfg,
		plan:        cfg.Plan,
		trace:       cfg.Trace,
		downloadDir: dir,
		Extracted:   make(map[string]string),
	}
}

// PageURL returns the last known browser location.
func (r *Runner) PageURL() string { return r.pageURL }

// Browser exposes the live browser surface, or nil. Healing uses it to
// inspect the page a step failed on.
func (r *Runner) Browser() BrowserSurface { return r.browser }

// Run executes every plan step in order. The first unhealed failure aborts
// the run; remaining steps never execute.
func (r *Runner) Run(ctx context.Context) error {
	if !r.plan.Executable() {
		return fmt.Errorf("plan has unresolved variables: %s", strings.Join(r.plan.Unresolved, ", "))
	}
	defer r.releaseSurfaces()

	start := time.Now()
	r.trace.EmitRunStart(r.cfg.Recipe.ID, r.cfg.Recipe.Version, r.plan.Vars)

	err := r.runSteps(ctx)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.trace.EmitRunComplete(err == nil, "execute", time.Since(start), msg)
	return err
}

func (r *Runner) runSteps(ctx context.Context) error {
	for _, step := range r.plan.Steps {
		skip, err := r.shouldSkip(step)
		if err != nil {
			return err
		}
		if skip {
			r.trace.EmitStepStart(step.ID, string(step.Mode), string(step.Action))
			r.trace.EmitStepComplete(step.ID, trace.StatusSkipped, 0, nil)
			continue
		}

		stepErr := r.ExecStep(ctx, step)
		if stepErr == nil {
			continue
		}
		if r.cfg.Healer != nil {
			outcome, healErr := r.cfg.Healer.HealStep(ctx, r, step, stepErr)
			if healErr != nil {
				return healErr
			}
			switch outcome {
			case HealContinue:
				continue
			case HealReplaced:
				// The re-captured fragment covered the rest of the flow.
				return nil
			}
		}
		return stepErr
	}
	return nil
}

// ExecStep runs a single step through guards, action, and effects. Healing
// calls it directly with repaired step copies.
func (r *Runner) ExecStep(ctx context.Context, step schema.Step) error {
	start := time.Now()
	r.trace.EmitStepStart(step.ID, string(step.Mode), string(step.Action))

	var err error
	switch step.Mode {
	case schema.ModeBrowser:
		err = r.execBrowserStep(ctx, step)
	case schema.ModeHTTP:
		err = r.execHTTPStep(ctx, step)
	default:
		err = &StepError{StepID: step.ID, Kind: "action",
			Err: fmt.Errorf("unsupported mode %q", step.Mode)}
	}

	if err != nil {
		var failure *trace.Failure
		if se, ok := err.(*StepError); ok {
			failure = &trace.Failure{Kind: se.Kind, Message: se.Err.Error()}
		} else {
			failure = &trace.Failure{Kind: "action", Message: err.Error()}
		}
		r.trace.EmitStepComplete(step.ID, trace.StatusFailed, time.Since(start), failure)
		return err
	}
	r.trace.EmitStepComplete(step.ID, trace.StatusSuccess, time.Since(start), nil)
	return nil
}

func (r *Runner) execBrowserStep(ctx context.Context, step schema.Step) error {
	if err := r.ensureSurface(ctx, SurfaceBrowser); err != nil {
		return &StepError{StepID: step.ID, Kind: "action", Err: err}
	}

	current := r.pageURL
	if current == "" {
		if live, err := r.browser.CurrentURL(ctx); err == nil && live != "about:blank" {
			current = live
		}
	}
	obs := check.Observation{CurrentURL: current, Page: r.browser}
	if err := check.Guards(ctx, step, obs); err != nil {
		return &StepError{StepID: step.ID, Kind: "guard", Err: err}
	}

	beforeURL := current
	switch step.Action {
	case schema.ActionGoto:
		if err := r.browser.Navigate(ctx, step.URL); err != nil {
			return &StepError{StepID: step.ID, Kind: "action", Err: err}
		}
	case schema.ActionClick:
		if err := r.trySelectors(ctx, step, func(sel string) error {
			return r.browser.Click(ctx, sel, surface.SelectorTimeout)
		}); err != nil {
			return err
		}
	case schema.ActionFill:
		if err := r.trySelectors(ctx, step, func(sel string) error {
			return r.browser.Fill(ctx, sel, step.Value, surface.SelectorTimeout)
		}); err != nil {
			return err
		}
	case schema.ActionPress:
		if err := r.browser.Press(ctx, step.Key); err != nil {
			return &StepError{StepID: step.ID, Kind: "action", Err: err}
		}
	case schema.ActionExtract:
		if err := r.extractBrowser(ctx, step); err != nil {
			return err
		}
	case schema.ActionEnsureLogin:
		if step.URL != "" {
			if err := r.browser.Navigate(ctx, step.URL); err != nil {
				return &StepError{StepID: step.ID, Kind: "action", Err: err}
			}
		}
	default:
		return &StepError{StepID: step.ID, Kind: "action",
			Err: fmt.Errorf("unsupported browser action %q", step.Action)}
	}

	r.browser.Settle(ctx, SettleTimeout)
	if u, err := r.browser.CurrentURL(ctx); err == nil {
		r.pageURL = u
	}

	after := check.Observation{BeforeURL: beforeURL, CurrentURL: r.pageURL, Page: r.browser}
	if err := check.Effects(ctx, step, after); err != nil {
		return &StepError{StepID: step.ID, Kind: "effect", Err: err}
	}
	return nil
}

func (r *Runner) execHTTPStep(ctx context.Context, step schema.Step) error {
	if err := r.ensureSurface(ctx, SurfaceHTTP); err != nil {
		return &StepError{StepID: step.ID, Kind: "action", Err: err}
	}

	// Guards see the last known location on either surface; no live page
	// is attached, so text guards are vacuous here.
	current := r.httpURL
	if current == "" {
		current = r.pageURL
	}
	if err := check.Guards(ctx, step, check.Observation{CurrentURL: current}); err != nil {
		return &StepError{StepID: step.ID, Kind: "guard", Err: err}
	}

	beforeURL := current
	switch step.Action {
	case schema.ActionFetch, schema.ActionEnsureLogin:
		res, err := r.httpSurf.Fetch(ctx, surface.FetchRequest{
			URL:      step.URL,
			Method:   step.Method,
			Headers:  step.Headers,
			Body:     step.Body,
			Download: step.Download,
			StepID:   step.ID,
		})
		if err != nil {
			return &StepError{StepID: step.ID, Kind: "http", Err: err}
		}
		r.httpURL = res.FinalURL
		if res.Saved != "" {
			r.trace.EmitDownloadSaved(step.ID, res.Saved, res.SavedBytes)
		}
	case schema.ActionExtract:
		if err := r.extractHTTP(ctx, step); err != nil {
			return err
		}
	default:
		return &StepError{StepID: step.ID, Kind: "action",
			Err: fmt.Errorf("unsupported http action %q", step.Action)}
	}

	after := check.Observation{BeforeURL: beforeURL, CurrentURL: r.httpURL}
	if err := check.Effects(ctx, step, after); err != nil {
		return &StepError{StepID: step.ID, Kind: "effect", Err: err}
	}
	return nil
}

// trySelectors walks the step's selector variants in order and runs act on
// the first one the page accepts.
func (r *Runner) trySelectors(ctx context.Context, step schema.Step, act func(sel string) error) error {
	if len(step.SelectorVariants) == 0 {
		return &StepError{StepID: step.ID, Kind: "selector",
			Err: fmt.Errorf("no selector variants")}
	}
	var lastErr error
	for _, sel := range step.SelectorVariants {
		if err := act(sel); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &StepError{StepID: step.ID, Kind: "selector",
		Err: fmt.Errorf("no usable selector, tried %s: %w",
			strings.Join(step.SelectorVariants, ", "), lastErr)}
}

func (r *Runner) extractBrowser(ctx context.Context, step schema.Step) error {
	html, err := r.browser.HTML(ctx)
	if err != nil {
		return &StepError{StepID: step.ID, Kind: "action", Err: err}
	}
	return r.extractFrom(step, strings.NewReader(html))
}

func (r *Runner) extractHTTP(ctx context.Context, step schema.Step) error {
	// An extract step may carry its own URL; fetch it before scraping.
	if step.URL != "" || len(r.httpSurf.LastBody()) == 0 {
		res, err := r.httpSurf.Fetch(ctx, surface.FetchRequest{
			URL: step.URL, Method: step.Method, Headers: step.Headers, StepID: step.ID,
		})
		if err != nil {
			return &StepError{StepID: step.ID, Kind: "http", Err: err}
		}
		r.httpURL = res.FinalURL
	}
	return r.extractFrom(step, bytes.NewReader(r.httpSurf.LastBody()))
}

func (r *Runner) extractFrom(step schema.Step, body io.Reader) error {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return &StepError{StepID: step.ID, Kind: "action", Err: err}
	}
	for _, sel := range step.SelectorVariants {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(found.First().Text())
		r.Extracted[step.ID] = text
		r.trace.EmitExtracted(step.ID, sel, text)
		return nil
	}
	return &StepError{StepID: step.ID, Kind: "selector",
		Err: fmt.Errorf("no usable selector, tried %s", strings.Join(step.SelectorVariants, ", "))}
}
