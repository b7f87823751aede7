package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCompileObject(t *testing.T) {
	schema := Obj(
		Req("operation", StrEnum("add", "subtract")),
		Req("a", Num()),
		Opt("b", Num()),
		Opt("tags", Arr(Str())),
		Opt("note", Nullable(Str())),
	)

	out := schema.Compile()
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, false, out["additionalProperties"])
	assert.Equal(t, []string{"operation", "a"}, out["required"])

	props := out["properties"].(map[string]any)
	op := props["operation"].(map[string]any)
	assert.Equal(t, "string", op["type"])
	assert.Equal(t, []string{"add", "subtract"}, op["enum"])

	tags := props["tags"].(map[string]any)
	assert.Equal(t, "array", tags["type"])
	assert.Equal(t, "string", tags["items"].(map[string]any)["type"])

	note := props["note"].(map[string]any)
	assert.Equal(t, []string{"string", "null"}, note["type"])
}

func TestToolDefinitionWireForm(t *testing.T) {
	tool := NewEchoTool()
	def := tool.Definition()

	assert.Equal(t, "function", def["type"])
	fn := def["function"].(map[string]any)
	assert.Equal(t, "echo", fn["name"])
	assert.NotEmpty(t, fn["description"])
	assert.Equal(t, false, fn["strict"])

	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
}

func TestSchemaFromType(t *testing.T) {
	type searchArgs struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}

	schema, err := SchemaFromType[searchArgs]()
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := testRegistry(t)
	defs := r.Definitions()
	require.Len(t, defs, 3)

	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def["function"].(map[string]any)["name"].(string)
	}
	assert.Equal(t, []string{"calculator", "clock", "echo"}, names)
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterTool(nil))
	assert.Error(t, r.RegisterTool(&ToolFunction{Name: ""}))
	assert.Error(t, r.RegisterTool(&ToolFunction{Name: "x"}))

	require.NoError(t, r.RegisterTool(NewEchoTool()))
	assert.Error(t, r.RegisterTool(NewEchoTool()))
}
