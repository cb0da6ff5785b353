package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateRecipeJSONSchema produces a JSON Schema Draft 2020-12 document
// from the recipe Go types.
func GenerateRecipeJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Recipe{})
	s.ID = "https://github.com/ormasoftchile/reprise/schemas/recipe-v1.json"
	s.Title = "Replay Recipe — recipe/v1"
	s.Description = "Schema for reprise recipe YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal recipe schema: %w", err)
	}
	return data, nil
}
