package engine

import (
	"github.com/ormasoftchile/reprise/pkg/plan"
	"github.com/ormasoftchile/reprise/pkg/schema"
)

// RunReport is the structured outcome handed back to callers and rendered
// by the CLI and the MCP surface.
type RunReport struct {
	Recipe     string            `json:"recipe"`
	Version    int               `json:"version"`
	Success    bool              `json:"success"`
	Phase      string            `json:"phase"` // plan | execute
	Vars       map[string]string `json:"vars,omitempty"`
	Unresolved []string          `json:"unresolved,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Extracted  map[string]string `json:"extracted,omitempty"`
	Healed     bool              `json:"healed,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NewReport summarizes a run. A nil plan or one with unresolved variables
// reports the plan phase; otherwise the execute phase.
func NewReport(rec *schema.Recipe, p *plan.Plan, runErr error) RunReport {
	name := rec.Name
	if name == "" {
		name = rec.ID
	}
	rep := RunReport{
		Recipe:  name,
		Version: rec.Version,
		Phase:   "plan",
		Success: runErr == nil,
	}
	if p != nil {
		rep.Vars = maskSecrets(p.Vars, p.SecretValues)
		rep.Unresolved = p.Unresolved
		rep.Warnings = p.Warnings
		if p.Executable() {
			rep.Phase = "execute"
		} else {
			rep.Success = false
		}
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	return rep
}

// maskSecrets replaces resolved secret values so reports never echo them.
func maskSecrets(vars map[string]string, secrets []string) map[string]string {
	if len(secrets) == 0 {
		return vars
	}
	masked := make(map[string]string, len(vars))
	for k, v := range vars {
		masked[k] = v
		for _, s := range secrets {
			if v == s {
				masked[k] = "<secret>"
				break
			}
		}
	}
	return masked
}
