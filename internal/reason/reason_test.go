// ABOUTME: Tests for the keyword reasoning function
// ABOUTME: Covers classification, determinism, and parameter extraction

package reason

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/intent-pipeline/internal/schema"
)

func TestKeyword_Search(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "search for cats")

	assert.Equal(t, "search", c["action"])
	params := c["parameters"].(map[string]any)
	assert.Equal(t, "search for cats", params["query"])

	result := schema.ValidateIntent(c)
	require.True(t, result.Valid, result.Error)
}

func TestKeyword_Calculate(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "calculate 2 + 2")

	assert.Equal(t, "calculate", c["action"])
	params := c["parameters"].(map[string]any)
	assert.Equal(t, "2 + 2", params["expression"])
}

func TestKeyword_CalculateQuestionForm(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "What is 6 * 7?")

	assert.Equal(t, "calculate", c["action"])
	params := c["parameters"].(map[string]any)
	assert.Equal(t, "6 * 7", params["expression"])
}

func TestKeyword_Summarize(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "summarize this article for me")
	assert.Equal(t, "summarize", c["action"])
}

func TestKeyword_Translate(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "translate hello world to french")

	assert.Equal(t, "translate", c["action"])
	params := c["parameters"].(map[string]any)
	assert.Equal(t, "french", params["target"])
}

func TestKeyword_TranslateDefaultTarget(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "translate bonjour")

	params := c["parameters"].(map[string]any)
	assert.Equal(t, "english", params["target"])
}

func TestKeyword_UnknownFailsValidation(t *testing.T) {
	c := Keyword("conv-1", "msg-1", "do a little dance")

	assert.Equal(t, "unknown", c["action"])
	result := schema.ValidateIntent(c)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "action")
}

func TestKeyword_Deterministic(t *testing.T) {
	a := Keyword("conv-1", "msg-1", "search for cats")
	b := Keyword("conv-1", "msg-1", "search for cats")
	assert.Equal(t, a, b)
}

func TestIntentIDFor_StablePerMessage(t *testing.T) {
	assert.Equal(t, IntentIDFor("msg-1"), IntentIDFor("msg-1"))
	assert.NotEqual(t, IntentIDFor("msg-1"), IntentIDFor("msg-2"))
}
