package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// planSchema constrains the planner's JSON answer.
func planSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"document_class", "class_options", "packages"},
		"properties": map[string]any{
			"document_class": map[string]any{
				"type": "string",
				"enum": []string{"book", "report", "article", "memoir", "scrbook", "scrreprt"},
			},
			"class_options": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "pattern": `^[A-Za-z0-9=.,-]+$`},
			},
			"packages": map[string]any{
				"type":     "array",
				"maxItems": 40,
				"items":    map[string]any{"type": "string", "pattern": `^[A-Za-z0-9-]+$`},
			},
			"estimated_pages": map[string]any{"type": "integer", "minimum": 1},
		},
	}
}

var compiledPlanSchema = mustCompile(planSchema())

func mustCompile(schemaMap map[string]any) *jsonschema.Schema {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		panic(fmt.Sprintf("marshal schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("add schema: %v", err))
	}
	return compiler.MustCompile("schema.json")
}

// validateJSON checks data against schema.
func validateJSON(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
