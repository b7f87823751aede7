// Package tools provides the tool registry, schema descriptors, parameter
// extraction, and the dispatch executor used by the agent loop.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaDef describes a tool parameter shape. Definitions compile to JSON
// Schema fragments for provider transmission.
type SchemaDef struct {
	kind     string
	elem     *SchemaDef
	props    []Property
	enum     []string
	nullable bool
}

type Property struct {
	Name     string
	Schema   SchemaDef
	Required bool
}

func Str() SchemaDef  { return SchemaDef{kind: "string"} }
func Int() SchemaDef  { return SchemaDef{kind: "integer"} }
func Num() SchemaDef  { return SchemaDef{kind: "number"} }
func Bool() SchemaDef { return SchemaDef{kind: "boolean"} }

func StrEnum(values ...string) SchemaDef {
	return SchemaDef{kind: "string", enum: values}
}

func Arr(of SchemaDef) SchemaDef {
	return SchemaDef{kind: "array", elem: &of}
}

func Obj(props ...Property) SchemaDef {
	return SchemaDef{kind: "object", props: props}
}

func Nullable(def SchemaDef) SchemaDef {
	def.nullable = true
	return def
}

// Req declares a required object property.
func Req(name string, schema SchemaDef) Property {
	return Property{Name: name, Schema: schema, Required: true}
}

// Opt declares an optional object property.
func Opt(name string, schema SchemaDef) Property {
	return Property{Name: name, Schema: schema}
}

// Compile renders the definition as a JSON Schema fragment.
func (s SchemaDef) Compile() map[string]any {
	out := map[string]any{}
	if s.nullable {
		out["type"] = []string{s.kind, "null"}
	} else {
		out["type"] = s.kind
	}
	if len(s.enum) > 0 {
		out["enum"] = s.enum
	}
	switch s.kind {
	case "array":
		if s.elem != nil {
			out["items"] = s.elem.Compile()
		}
	case "object":
		properties := map[string]any{}
		var required []string
		for _, p := range s.props {
			properties[p.Name] = p.Schema.Compile()
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out["properties"] = properties
		if len(required) > 0 {
			out["required"] = required
		}
		out["additionalProperties"] = false
	}
	return out
}

// SchemaFromType derives a JSON Schema fragment from a Go struct via
// reflection. Useful for tools whose arguments bind to a typed struct.
func SchemaFromType[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
