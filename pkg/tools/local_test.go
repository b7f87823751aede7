package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculatorOperations(t *testing.T) {
	tool := NewCalculatorTool()

	tests := []struct {
		name string
		args Args
		want float64
	}{
		{"add", Args{"operation": "add", "a": float64(2), "b": float64(3)}, 5},
		{"subtract", Args{"operation": "subtract", "a": float64(10), "b": float64(4)}, 6},
		{"multiply", Args{"operation": "multiply", "a": float64(6), "b": float64(7)}, 42},
		{"divide", Args{"operation": "divide", "a": float64(9), "b": float64(3)}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tool.Handler(context.Background(), tt.args)
			require.NoError(t, err)
			result := out.(map[string]any)
			assert.Equal(t, tt.want, result["result"])
		})
	}
}

func TestCalculatorMissingOperand(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterTool(NewCalculatorTool()))
	executor := NewExecutor(registry)

	results := executor.ExecuteAll(context.Background(), []Request{
		{CallID: "call_1", Name: "calculator", Arguments: Args{"operation": "add", "a": float64(2)}},
	}, SequentialStrategy())

	require.Len(t, results, 1)
	require.NotNil(t, results[0].Err)
	assert.Equal(t, ErrInvalidArguments, results[0].Err.Kind)

	require.Len(t, results[0].Err.ParameterErrors, 1)
	perr := results[0].Err.ParameterErrors[0]
	assert.Equal(t, MissingParameter, perr.Kind)
	assert.Equal(t, "b", perr.Path)
	assert.Equal(t, "number", perr.Expected)
	assert.Equal(t, []string{"a", "operation"}, perr.AvailableKeys)

	content := results[0].Content()
	assert.Contains(t, content, `"isError":true`)
	assert.Contains(t, content, `"missing_parameter"`)
}

func TestCalculatorDivisionByZero(t *testing.T) {
	tool := NewCalculatorTool()
	_, err := tool.Handler(context.Background(), Args{"operation": "divide", "a": float64(1), "b": float64(0)})
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	tool := NewEchoTool()
	out, err := tool.Handler(context.Background(), Args{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.(map[string]any)["text"])
}

func TestClockRejectsUnknownTimezone(t *testing.T) {
	tool := NewClockTool()
	_, err := tool.Handler(context.Background(), Args{"timezone": "Mars/Olympus"})
	assert.Error(t, err)
}

func TestBindArgs(t *testing.T) {
	type target struct {
		Operation string  `json:"operation"`
		A         float64 `json:"a"`
	}
	var out target
	require.NoError(t, BindArgs(Args{"operation": "add", "a": float64(2)}, &out))
	assert.Equal(t, "add", out.Operation)
	assert.Equal(t, float64(2), out.A)
}
