package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// convertToGenaiSchema translates a JSON Schema map into the genai Schema
// type for native structured output. Only the subset the extraction schemas
// use is supported; strictness keywords genai does not model are enforced by
// DecodeStrict on the response instead.
func convertToGenaiSchema(m map[string]interface{}) (*genai.Schema, error) {
	schema := &genai.Schema{}

	typ, _ := m["type"].(string)
	switch typ {
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	default:
		return nil, fmt.Errorf("unsupported schema type %q", typ)
	}

	if format, ok := m["format"].(string); ok {
		// genai accepts only enum/date-time formats for strings; others are
		// advisory and enforced by our validators
		if format == "date-time" || format == "enum" {
			schema.Format = format
		}
	}

	if props, ok := m["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			sub, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("property %q is not a schema object", name)
			}
			converted, err := convertToGenaiSchema(sub)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			schema.Properties[name] = converted
		}
	}

	if items, ok := m["items"].(map[string]interface{}); ok {
		converted, err := convertToGenaiSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		schema.Items = converted
	}

	if required, ok := m["required"].([]interface{}); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if required, ok := m["required"].([]string); ok {
		schema.Required = append(schema.Required, required...)
	}

	if enum, ok := m["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if minItems, ok := m["minItems"].(int); ok {
		v := int64(minItems)
		schema.MinItems = &v
	}

	return schema, nil
}

// EnsureStrict verifies a JSON Schema forbids unknown keys at every object
// level, adding additionalProperties:false and unevaluatedProperties:false
// where missing. Model calls never go out with permissive object schemas.
func EnsureStrict(m map[string]interface{}) {
	if typ, _ := m["type"].(string); typ == "object" {
		m["additionalProperties"] = false
		m["unevaluatedProperties"] = false
	}
	if props, ok := m["properties"].(map[string]interface{}); ok {
		for _, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				EnsureStrict(sub)
			}
		}
	}
	if items, ok := m["items"].(map[string]interface{}); ok {
		EnsureStrict(items)
	}
}

// abstention is the sentinel a model returns when it cannot answer within
// its instructions
type abstention struct {
	Status string `json:"status"`
}

// IsAbstention reports whether a response is the abstention sentinel
func IsAbstention(text string) bool {
	var a abstention
	if err := json.Unmarshal([]byte(stripFences(text)), &a); err != nil {
		return false
	}
	return a.Status == "abstain"
}

// DecodeStrict parses a model response as JSON, tolerating markdown fences
// but nothing else
func DecodeStrict(text string, v interface{}) error {
	cleaned := stripFences(text)
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("response is not valid JSON for the expected shape: %w", err)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence if present
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
