// Package schema sanitizes JSON Schemas for the v1internal generateContent
// endpoint, which accepts only a narrow subset of the standard: no $ref,
// no validation keywords, uppercase type names.
package schema

import (
	"maps"
	"strings"
)

// strippedKeywords are removed everywhere they appear. anyOf/oneOf/allOf
// stay: they carry logical structure the endpoint still understands.
var strippedKeywords = []string{
	"$schema",
	"additionalProperties",
	"format",
	"default",
	"uniqueItems",
	"minLength",
	"maxLength",
	"minimum",
	"maximum",
	"exclusiveMinimum",
	"exclusiveMaximum",
	"multipleOf",
	"minItems",
	"maxItems",
	"pattern",
	"const",
	"minProperties",
	"maxProperties",
	"propertyNames",
	"patternProperties",
	"contains",
	"minContains",
	"maxContains",
	"if",
	"then",
	"else",
	"not",
}

// Clean rewrites schema in place: $defs/definitions are lifted and every
// $ref expanded, unsupported keywords are stripped, union types collapse
// to their first non-null member, and type names are uppercased.
func Clean(schema map[string]any) {
	defs := make(map[string]any)
	if raw, ok := schema["$defs"]; ok {
		delete(schema, "$defs")
		if d, ok := raw.(map[string]any); ok {
			maps.Copy(defs, d)
		}
	}
	if raw, ok := schema["definitions"]; ok {
		delete(schema, "definitions")
		if d, ok := raw.(map[string]any); ok {
			maps.Copy(defs, d)
		}
	}
	if len(defs) > 0 {
		flattenRefs(schema, defs)
	}

	cleanValue(schema)
}

// flattenRefs expands $ref nodes by merging the referenced definition's
// entries into the node. Existing entries win; definitions are deep
// copied so repeated references stay independent. Tool schemas are DAGs
// in practice; a definition chain terminates once its $ref is consumed.
func flattenRefs(m map[string]any, defs map[string]any) {
	if raw, ok := m["$ref"]; ok {
		delete(m, "$ref")
		if refPath, ok := raw.(string); ok {
			refName := refPath
			if i := strings.LastIndex(refPath, "/"); i >= 0 {
				refName = refPath[i+1:]
			}
			if def, ok := defs[refName].(map[string]any); ok {
				for k, v := range def {
					if _, exists := m[k]; !exists {
						m[k] = deepCopyValue(v)
					}
				}
				// The merged definition may itself reference others.
				flattenRefs(m, defs)
			}
		}
	}

	for _, v := range m {
		switch child := v.(type) {
		case map[string]any:
			flattenRefs(child, defs)
		case []any:
			for _, item := range child {
				if childMap, ok := item.(map[string]any); ok {
					flattenRefs(childMap, defs)
				}
			}
		}
	}
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopyValue(vv)
		}
		return out
	default:
		return v
	}
}

func cleanValue(v any) {
	switch node := v.(type) {
	case map[string]any:
		for _, k := range strippedKeywords {
			delete(node, k)
		}

		if tv, ok := node["type"]; ok {
			switch t := tv.(type) {
			case string:
				node["type"] = strings.ToUpper(t)
			case []any:
				// ["string", "null"] collapses to the first non-null.
				selected := "STRING"
				for _, item := range t {
					if s, ok := item.(string); ok && s != "null" {
						selected = strings.ToUpper(s)
						break
					}
				}
				node["type"] = selected
			}
		}

		for key, child := range node {
			switch key {
			case "properties":
				if props, ok := child.(map[string]any); ok {
					for _, prop := range props {
						cleanValue(prop)
					}
				}
			case "items":
				cleanValue(child)
			case "allOf", "anyOf", "oneOf":
				if arr, ok := child.([]any); ok {
					for _, item := range arr {
						cleanValue(item)
					}
				}
			}
		}
	case []any:
		for _, item := range node {
			cleanValue(item)
		}
	}
}
