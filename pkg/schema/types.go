// Package schema defines the recipe document types shared by the planner,
// the runner, and the healing engine.
package schema

import "fmt"

// RecipeSource tags how a recipe came to be.
type RecipeSource string

const (
	SourceCompiled RecipeSource = "compiled"
	SourceRepaired RecipeSource = "repaired"
	SourceHealed   RecipeSource = "healed"
)

// StepMode selects the execution surface for a step.
type StepMode string

const (
	ModeHTTP    StepMode = "http" // direct HTTP call
	ModeBrowser StepMode = "pw"   // driven browser page
)

// StepAction enumerates the supported step actions.
type StepAction string

const (
	ActionGoto        StepAction = "goto"
	ActionClick       StepAction = "click"
	ActionFill        StepAction = "fill"
	ActionPress       StepAction = "press"
	ActionFetch       StepAction = "fetch"
	ActionExtract     StepAction = "extract"
	ActionEnsureLogin StepAction = "ensure_login"
)

// BrowserOnly reports whether the action requires a driven browser page.
func (a StepAction) BrowserOnly() bool {
	switch a {
	case ActionGoto, ActionClick, ActionFill, ActionPress:
		return true
	}
	return false
}

// GuardType enumerates step pre-condition kinds.
type GuardType string

const (
	GuardURLIs       GuardType = "url_is"
	GuardURLNot      GuardType = "url_not"
	GuardTextVisible GuardType = "text_visible"
)

// EffectType enumerates step post-condition kinds.
type EffectType string

const (
	EffectURLChanged  EffectType = "url_changed"
	EffectTextVisible EffectType = "text_visible"
	EffectMinItems    EffectType = "min_items" // value is "selector|count"
)

// Guard is a pre-condition checked before a step executes.
type Guard struct {
	Type  GuardType `yaml:"type"  json:"type"`
	Value string    `yaml:"value" json:"value"`
}

// Effect is a post-condition checked after a step executes.
type Effect struct {
	Type  EffectType `yaml:"type"  json:"type"`
	Value string     `yaml:"value,omitempty" json:"value,omitempty"`
}

// Step is a single replayable action. Fields are populated based on Mode
// and Action; an http-mode step never carries a browser-only action.
type Step struct {
	ID     string     `yaml:"id"              json:"id"`
	Title  string     `yaml:"title,omitempty" json:"title,omitempty"`
	Mode   StepMode   `yaml:"mode"            json:"mode"`
	Action StepAction `yaml:"action"          json:"action"`

	// When is an optional expr-lang condition over resolved variables;
	// the step is skipped when it evaluates to false.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// SelectorVariants are candidate selectors tried in order; the first
	// one that resolves wins.
	SelectorVariants []string `yaml:"selector_variants,omitempty" json:"selector_variants,omitempty"`

	Value string `yaml:"value,omitempty" json:"value,omitempty"`
	Key   string `yaml:"key,omitempty"   json:"key,omitempty"`

	// HTTP-only fields.
	Method   string            `yaml:"method,omitempty"   json:"method,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"  json:"headers,omitempty"`
	Body     string            `yaml:"body,omitempty"     json:"body,omitempty"`
	Download bool              `yaml:"download,omitempty" json:"download,omitempty"`

	Guards  []Guard  `yaml:"guards,omitempty"  json:"guards,omitempty"`
	Effects []Effect `yaml:"effects,omitempty" json:"effects,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.SelectorVariants = append([]string(nil), s.SelectorVariants...)
	out.Guards = append([]Guard(nil), s.Guards...)
	out.Effects = append([]Effect(nil), s.Effects...)
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// ResolverKind tags how a variable obtains its value.
type ResolverKind string

const (
	ResolverCLI      ResolverKind = "cli"
	ResolverBuiltin  ResolverKind = "builtin"
	ResolverPrompted ResolverKind = "prompted"
	ResolverSecret   ResolverKind = "secret"
)

// Resolver is the tagged union describing variable resolution.
type Resolver struct {
	Kind ResolverKind `yaml:"kind" json:"kind"`

	// Key aliases the caller-supplied map key for cli resolvers.
	Key string `yaml:"key,omitempty" json:"key,omitempty"`

	// Expr is a builtin date expression such as "today+1d".
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`

	// Prompt is the template rendered and sent to the prompt collaborator.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// Variable declares a recipe variable and how to resolve it.
type Variable struct {
	Name     string   `yaml:"name"               json:"name"`
	Type     string   `yaml:"type,omitempty"     json:"type,omitempty"` // string|date
	Pattern  string   `yaml:"pattern,omitempty"  json:"pattern,omitempty"`
	Default  string   `yaml:"default,omitempty"  json:"default,omitempty"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Resolver Resolver `yaml:"resolver"           json:"resolver"`
}

// FallbackPolicy controls which healing phases a run may use.
// A nil policy enables everything healing-capable callers ask for.
type FallbackPolicy struct {
	SelectorRediscovery *bool `yaml:"selector_rediscovery,omitempty" json:"selector_rediscovery,omitempty"`
	ManualRecapture     *bool `yaml:"manual_recapture,omitempty"     json:"manual_recapture,omitempty"`
}

// AllowsSelectorRediscovery reports whether Phase 1 healing is permitted.
func (p *FallbackPolicy) AllowsSelectorRediscovery() bool {
	if p == nil || p.SelectorRediscovery == nil {
		return true
	}
	return *p.SelectorRediscovery
}

// AllowsManualRecapture reports whether Phase 2 healing is permitted.
func (p *FallbackPolicy) AllowsManualRecapture() bool {
	if p == nil || p.ManualRecapture == nil {
		return true
	}
	return *p.ManualRecapture
}

// Recipe is the top-level replay document. Persistence owns it; the engine
// reads it to build a plan and writes a version-incremented copy after
// healing.
type Recipe struct {
	ID          string          `yaml:"id"                     json:"id"`
	Name        string          `yaml:"name"                   json:"name"`
	Version     int             `yaml:"version"                json:"version"`
	Source      RecipeSource    `yaml:"source,omitempty"       json:"source,omitempty"`
	Steps       []Step          `yaml:"steps"                  json:"steps"`
	Variables   []Variable      `yaml:"variables,omitempty"    json:"variables,omitempty"`
	Fallback    *FallbackPolicy `yaml:"fallback,omitempty"     json:"fallback,omitempty"`
	Notes       string          `yaml:"notes,omitempty"        json:"notes,omitempty"`
	DownloadDir string          `yaml:"download_dir,omitempty" json:"download_dir,omitempty"`
}

// Clone returns a deep copy of the recipe.
func (r *Recipe) Clone() *Recipe {
	out := *r
	out.Steps = make([]Step, len(r.Steps))
	for i := range r.Steps {
		out.Steps[i] = r.Steps[i].Clone()
	}
	out.Variables = append([]Variable(nil), r.Variables...)
	if r.Fallback != nil {
		fb := *r.Fallback
		out.Fallback = &fb
	}
	return &out
}

// StepIndex returns the position of the step with the given id, or -1.
func (r *Recipe) StepIndex(id string) int {
	for i, s := range r.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (s Step) String() string {
	return fmt.Sprintf("%s[%s/%s]", s.ID, s.Mode, s.Action)
}
