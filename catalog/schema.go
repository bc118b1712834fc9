package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParsedParameters is a JSON Schema "parameters" document broken into the
// pieces the Binding Generator needs: parameter names in declaration order,
// each one's raw sub-schema, and the required set.
type ParsedParameters struct {
	Order    []string
	Props    map[string]json.RawMessage
	Required map[string]bool
}

// ParseParameters extracts ordered properties and required names from a
// tool's parameters schema. Property order is preserved via token-level
// scanning since encoding/json's map decoding does not preserve object key
// order.
func ParseParameters(schema json.RawMessage) (ParsedParameters, error) {
	out := ParsedParameters{Props: map[string]json.RawMessage{}, Required: map[string]bool{}}
	if len(schema) == 0 {
		return out, nil
	}

	var top struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &top); err != nil {
		return out, fmt.Errorf("parse parameters schema: %w", err)
	}
	for _, r := range top.Required {
		out.Required[r] = true
	}

	propsRaw, err := rawField(schema, "properties")
	if err != nil || propsRaw == nil {
		return out, err
	}

	dec := json.NewDecoder(bytes.NewReader(propsRaw))
	tok, err := dec.Token()
	if err != nil {
		return out, fmt.Errorf("scan properties: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return out, fmt.Errorf("properties is not an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return out, fmt.Errorf("scan property key: %w", err)
		}
		key, _ := keyTok.(string)

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return out, fmt.Errorf("scan property value for %q: %w", key, err)
		}
		out.Order = append(out.Order, key)
		out.Props[key] = val
	}
	return out, nil
}

// rawField extracts the raw JSON value of a single top-level field without
// disturbing key order elsewhere in the document.
func rawField(schema json.RawMessage, field string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(schema, &m); err != nil {
		return nil, fmt.Errorf("parse schema object: %w", err)
	}
	return m[field], nil
}

// TypeLabel maps a JSON Schema sub-document to the host-language type label
// from spec §4.E's type mapping table.
func TypeLabel(schema json.RawMessage) string {
	if len(schema) == 0 {
		return "dynamic"
	}
	var s struct {
		Type  string          `json:"type"`
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(schema, &s); err != nil || s.Type == "" {
		return "dynamic"
	}
	switch s.Type {
	case "string":
		return "text"
	case "integer":
		return "integer"
	case "number":
		return "floating"
	case "boolean":
		return "boolean"
	case "array":
		if len(s.Items) == 0 {
			return "sequence-of-dynamic"
		}
		return "sequence-of-" + TypeLabel(s.Items)
	case "object":
		return "mapping"
	case "null":
		return "none"
	default:
		return "dynamic"
	}
}
