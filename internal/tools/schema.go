package tools

import (
	"github.com/mikabot/mika/internal/providers"
)

// Schema exposure modes. Light mode drops nested property descriptions to
// save prompt tokens; auto switches to light past a tool-count threshold.
const (
	SchemaModeFull  = "full"
	SchemaModeLight = "light"
	SchemaModeAuto  = "auto"
)

// Definitions renders the enabled tools as provider tool definitions under
// the given schema mode. forceFull overrides the mode (schema-mismatch
// fallback window).
func Definitions(reg *Registry, mode string, autoThreshold int, forceFull bool) []providers.ToolDefinition {
	list := reg.List()
	if len(list) == 0 {
		return nil
	}

	light := false
	switch mode {
	case SchemaModeLight:
		light = true
	case SchemaModeAuto:
		light = autoThreshold > 0 && len(list) > autoThreshold
	}
	if forceFull {
		light = false
	}

	defs := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		params := cleanSchema(t.Parameters, light)
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// cleanSchema deep-copies a JSON schema, dropping metadata keys providers
// reject and, in light mode, nested property descriptions.
func cleanSchema(schema map[string]interface{}, light bool) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "additionalProperties", "examples":
			continue
		case "description":
			if light {
				continue
			}
		}
		out[k] = cleanValue(v, light)
	}
	return out
}

func cleanValue(v interface{}, light bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cleanSchema(val, light)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cleanValue(item, light)
		}
		return out
	default:
		return v
	}
}
