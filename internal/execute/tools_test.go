// ABOUTME: Tests for the built-in tool registry
// ABOUTME: Covers every action, failure modes, and determinism

package execute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchTool(t *testing.T) {
	out := searchTool(map[string]any{"query": "cats"})

	require.True(t, out.Success)
	assert.Equal(t, "search", out.Result["tool"])
	assert.Equal(t, "cats", out.Result["query"])
	results := out.Result["results"].([]any)
	assert.Len(t, results, 3)
}

func TestSearchTool_MissingQuery(t *testing.T) {
	out := searchTool(map[string]any{})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "query")
}

func TestCalculateTool(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2 + 2", 4},
		{"10 - 3", 7},
		{"6 * 7", 42},
		{"9 / 3", 3},
		{"3 - -2", 5},
		{"42", 42},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			out := calculateTool(map[string]any{"expression": tc.expr})
			require.True(t, out.Success, out.Error)
			assert.Equal(t, "calculate", out.Result["tool"])
			assert.InDelta(t, tc.want, out.Result["value"], 1e-9)
		})
	}
}

func TestCalculateTool_DivisionByZero(t *testing.T) {
	out := calculateTool(map[string]any{"expression": "1 / 0"})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "division by zero")
}

func TestCalculateTool_Unparsable(t *testing.T) {
	out := calculateTool(map[string]any{"expression": "the meaning of life"})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "cannot evaluate")
}

func TestSummarizeTool(t *testing.T) {
	out := summarizeTool(map[string]any{"text": "one two three four five six seven eight nine ten eleven twelve"})

	require.True(t, out.Success)
	assert.Equal(t, "summarize", out.Result["tool"])
	assert.Equal(t, "one two three four five six seven eight nine ten...", out.Result["summary"])
	assert.Equal(t, 12, out.Result["words"])
}

func TestSummarizeTool_ShortTextUntouched(t *testing.T) {
	out := summarizeTool(map[string]any{"text": "short text"})
	require.True(t, out.Success)
	assert.Equal(t, "short text", out.Result["summary"])
}

func TestTranslateTool(t *testing.T) {
	out := translateTool(map[string]any{"text": "hello", "target": "french"})

	require.True(t, out.Success)
	assert.Equal(t, "translate", out.Result["tool"])
	assert.Equal(t, "[french] hello", out.Result["translated"])
}

func TestTranslateTool_DefaultTarget(t *testing.T) {
	out := translateTool(map[string]any{"text": "bonjour"})
	require.True(t, out.Success)
	assert.Equal(t, "english", out.Result["target"])
}

func TestBuiltinTools_CoverEveryAction(t *testing.T) {
	registry := BuiltinTools()
	for _, action := range []string{"search", "calculate", "summarize", "translate"} {
		_, ok := registry.Lookup(action)
		assert.True(t, ok, "missing tool for %s", action)
	}
}

func TestTools_Deterministic(t *testing.T) {
	params := map[string]any{"query": "cats"}
	a := searchTool(params)
	b := searchTool(params)
	assert.Equal(t, a, b)
}
