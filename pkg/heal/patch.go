package heal

import "github.com/ormasoftchile/reprise/pkg/schema"

// SelectorPatch maps a step id to selector candidates discovered while
// healing. On persistence they are prepended to the step's existing
// candidates, never replacing them.
type SelectorPatch map[string][]string

// Phase2Replacement records the id of a step that failed and the ordered
// list of brand-new steps captured to replace it.
type Phase2Replacement struct {
	StepID string
	Steps  []schema.Step
}

// PatchRecipe applies accumulated healing output to a copy of the recipe.
// The copy gets its version incremented and its source set to healed; the
// input recipe, and any plan built from it, is never mutated.
func PatchRecipe(rec *schema.Recipe, patches SelectorPatch, replacements []Phase2Replacement) *schema.Recipe {
	out := rec.Clone()

	for i := range out.Steps {
		if sels, ok := patches[out.Steps[i].ID]; ok {
			out.Steps[i].SelectorVariants = prependSelectors(sels, out.Steps[i].SelectorVariants)
		}
	}

	for _, rep := range replacements {
		idx := out.StepIndex(rep.StepID)
		if idx < 0 {
			continue
		}
		spliced := make([]schema.Step, 0, len(out.Steps)-1+len(rep.Steps))
		spliced = append(spliced, out.Steps[:idx]...)
		for _, s := range rep.Steps {
			spliced = append(spliced, s.Clone())
		}
		spliced = append(spliced, out.Steps[idx+1:]...)
		out.Steps = spliced
	}

	out.Version++
	out.Source = schema.SourceHealed
	return out
}

// prependSelectors puts the discovered candidates first and keeps the
// originals as further fallbacks, dropping duplicates.
func prependSelectors(discovered, existing []string) []string {
	seen := make(map[string]bool, len(discovered)+len(existing))
	out := make([]string, 0, len(discovered)+len(existing))
	for _, group := range [][]string{discovered, existing} {
		for _, s := range group {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
