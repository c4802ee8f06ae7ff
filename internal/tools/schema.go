// Package tools implements the tool registry and the tools service exposed
// on the gateway.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaType enumerates the parameter spec primitives.
type SchemaType string

const (
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
)

// Schema is a sum type over primitive, object, and array parameter specs.
// Tools declare schemas in this form; ToJSON produces the provider's
// function-calling JSON schema and drives argument validation, so neither
// consumer depends on a schema library's types.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// Object is a convenience constructor for the common top-level shape.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// String builds a described string spec.
func String(description string) *Schema {
	return &Schema{Type: TypeString, Description: description}
}

// ToJSON converts the spec to provider JSON schema form. Pure function;
// object specs always forbid undeclared properties.
func (s *Schema) ToJSON() map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := map[string]any{"type": string(s.Type)}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	switch s.Type {
	case TypeObject:
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.ToJSON()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			out["required"] = s.Required
		}
		out["additionalProperties"] = false
	case TypeArray:
		if s.Items != nil {
			out["items"] = s.Items.ToJSON()
		}
	}
	return out
}

// compile builds a validator for the spec.
func (s *Schema) compile(name string) (*jsonschema.Schema, error) {
	doc, err := json.Marshal(s.ToJSON())
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/params.json"
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Validate checks args against the spec.
func (s *Schema) Validate(name string, args json.RawMessage) error {
	compiled, err := s.compile(name)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}
