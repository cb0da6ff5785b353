package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[2].action")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// ValidateFile performs the full 3-phase validation pipeline on a recipe file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Recipe, []*ValidationError) {
	rec, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return rec, Validate(rec)
}

// Validate runs the semantic and domain phases on an already-decoded recipe.
func Validate(rec *Recipe) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(rec)...)
	all = append(all, ValidateDomain(rec)...)
	return all
}

// validateSemantic validates the recipe against the generated JSON Schema.
func validateSemantic(rec *Recipe) []*ValidationError {
	fail := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fail(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateRecipeJSONSchema()
	if err != nil {
		return fail(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fail(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("recipe-v1.json", schemaDoc); err != nil {
		return fail(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("recipe-v1.json")
	if err != nil {
		return fail(fmt.Sprintf("compile schema: %v", err))
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fail(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

var dateFormatRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(rec *Recipe) []*ValidationError {
	var errs []*ValidationError

	errorf := func(path, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}
	warnf := func(path, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "warning",
		})
	}

	if rec.ID == "" {
		errorf("id", "recipe id is required")
	}
	if rec.Name == "" {
		errorf("name", "recipe name is required")
	}
	if len(rec.Steps) == 0 {
		errorf("steps", "at least one step is required")
	}

	// Step ID uniqueness — healing correlates patches by step id.
	seen := map[string]int{}
	for i, s := range rec.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errorf(path+".id", "step id is required")
		} else if prev, ok := seen[s.ID]; ok {
			errorf(path+".id", "duplicate step id %q (first at steps[%d])", s.ID, prev)
		} else {
			seen[s.ID] = i
		}

		switch s.Mode {
		case ModeHTTP, ModeBrowser:
		case "":
			errorf(path+".mode", "step mode is required")
		default:
			errorf(path+".mode", "invalid mode %q: must be %q or %q", s.Mode, ModeHTTP, ModeBrowser)
		}

		switch s.Action {
		case ActionGoto, ActionClick, ActionFill, ActionPress, ActionFetch, ActionExtract, ActionEnsureLogin:
		case "":
			errorf(path+".action", "step action is required")
		default:
			errorf(path+".action", "invalid action %q", s.Action)
		}

		// An http-mode step never carries a browser-only action.
		if s.Mode == ModeHTTP && s.Action.BrowserOnly() {
			errorf(path+".action", "action %q requires mode %q, step declares mode %q", s.Action, ModeBrowser, ModeHTTP)
		}

		if s.Action == ActionGoto && s.URL == "" {
			errorf(path+".url", "goto step requires a url")
		}
		if (s.Action == ActionClick || s.Action == ActionFill || s.Action == ActionExtract) && len(s.SelectorVariants) == 0 {
			errorf(path+".selector_variants", "%s step requires at least one selector variant", s.Action)
		}
		if s.Action == ActionPress && s.Key == "" {
			errorf(path+".key", "press step requires a key")
		}
		if s.Action == ActionFetch && s.URL == "" {
			errorf(path+".url", "fetch step requires a url")
		}

		for j, g := range s.Guards {
			switch g.Type {
			case GuardURLIs, GuardURLNot, GuardTextVisible:
			default:
				errorf(fmt.Sprintf("%s.guards[%d].type", path, j), "unknown guard type %q", g.Type)
			}
		}
		for j, ef := range s.Effects {
			switch ef.Type {
			case EffectURLChanged, EffectTextVisible, EffectMinItems:
			default:
				errorf(fmt.Sprintf("%s.effects[%d].type", path, j), "unknown effect type %q", ef.Type)
			}
			if ef.Type == EffectMinItems && !strings.Contains(ef.Value, "|") {
				// Malformed encodings are vacuously true at run time;
				// still worth flagging at validation time.
				warnf(fmt.Sprintf("%s.effects[%d].value", path, j), "min_items value %q is not selector|count encoded and will always pass", ef.Value)
			}
		}
	}

	// Variable declarations.
	varSeen := map[string]bool{}
	for i, v := range rec.Variables {
		path := fmt.Sprintf("variables[%d]", i)
		if v.Name == "" {
			errorf(path+".name", "variable name is required")
			continue
		}
		if varSeen[v.Name] {
			errorf(path+".name", "duplicate variable %q", v.Name)
		}
		varSeen[v.Name] = true

		switch v.Resolver.Kind {
		case ResolverCLI, ResolverSecret:
		case ResolverBuiltin:
			if v.Resolver.Expr == "" {
				errorf(path+".resolver.expr", "builtin resolver for %q requires an expr", v.Name)
			}
		case ResolverPrompted:
			if v.Resolver.Prompt == "" {
				errorf(path+".resolver.prompt", "prompted resolver for %q requires a prompt", v.Name)
			}
		case "":
			errorf(path+".resolver.kind", "variable %q requires a resolver kind", v.Name)
		default:
			errorf(path+".resolver.kind", "unknown resolver kind %q", v.Resolver.Kind)
		}

		if v.Type != "" && v.Type != "string" && v.Type != "date" {
			errorf(path+".type", "invalid type %q: must be string or date", v.Type)
		}
		if v.Type == "date" && v.Default != "" && !dateFormatRe.MatchString(v.Default) {
			errorf(path+".default", "date variable %q default %q must match YYYY-MM-DD", v.Name, v.Default)
		}
		if v.Pattern != "" {
			if _, err := regexp.Compile(v.Pattern); err != nil {
				errorf(path+".pattern", "variable %q pattern does not compile: %v", v.Name, err)
			}
		}
	}

	return errs
}
