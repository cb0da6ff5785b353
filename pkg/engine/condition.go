package engine

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/reprise/pkg/schema"
)

// shouldSkip evaluates the step's optional when condition against the
// resolved variables and any text extracted so far. A false result skips
// the step; a compile or type error fails the run.
func (r *Runner) shouldSkip(step schema.Step) (bool, error) {
	if step.When == "" {
		return false, nil
	}
	env := make(map[string]any, len(r.plan.Vars)+1)
	for k, v := range r.plan.Vars {
		env[k] = v
	}
	env["extracted"] = r.Extracted

	program, err := expr.Compile(step.When, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, &StepError{StepID: step.ID, Kind: "condition",
			Err: fmt.Errorf("when condition %q: %w", step.When, err)}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &StepError{StepID: step.ID, Kind: "condition",
			Err: fmt.Errorf("when condition %q: %w", step.When, err)}
	}
	keep, ok := out.(bool)
	if !ok {
		return false, &StepError{StepID: step.ID, Kind: "condition",
			Err: fmt.Errorf("when condition %q: not a boolean", step.When)}
	}
	return !keep, nil
}
