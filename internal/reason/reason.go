// ABOUTME: Deterministic keyword-based reasoning function
// ABOUTME: Maps free-text message content to a structured intent candidate

package reason

import (
	"strings"

	"github.com/google/uuid"
)

// intentNamespace seeds deterministic intent IDs. The same message always
// yields the same intent ID, so crash-retries rewrite the same document
// instead of minting a sibling.
var intentNamespace = uuid.MustParse("8b1f7b62-33d1-4a05-9c2a-4e8f2c9d0b11")

// A Func turns message content into an intent candidate. Implementations
// must be pure and deterministic: repeated invocation for the same message
// must yield an identical candidate. The candidate is raw because the
// schema validator, not the reasoning function, decides whether it may
// cross into execution.
type Func func(conversationID, messageID, content string) map[string]any

// IntentIDFor derives the deterministic intent ID for a message.
func IntentIDFor(messageID string) string {
	return uuid.NewSHA1(intentNamespace, []byte(messageID)).String()
}

// Keyword is the built-in reasoning function. It classifies content by
// leading keywords and falls back to an unknown action that the schema
// validator rejects.
func Keyword(conversationID, messageID, content string) map[string]any {
	candidate := map[string]any{
		"intentId":       IntentIDFor(messageID),
		"conversationId": conversationID,
		"messageId":      messageID,
		"parameters":     map[string]any{},
	}

	lower := strings.ToLower(content)
	switch {
	case containsAny(lower, "search", "find", "look up"):
		candidate["action"] = "search"
		candidate["parameters"] = map[string]any{"query": strings.TrimSpace(content)}
		candidate["confidence"] = 0.9
	case containsAny(lower, "calculate", "compute", "what is"):
		candidate["action"] = "calculate"
		candidate["parameters"] = map[string]any{"expression": extractExpression(content)}
		candidate["confidence"] = 0.85
	case containsAny(lower, "summarize", "summary", "tl;dr"):
		candidate["action"] = "summarize"
		candidate["parameters"] = map[string]any{"text": strings.TrimSpace(content)}
		candidate["confidence"] = 0.8
	case containsAny(lower, "translate"):
		candidate["action"] = "translate"
		candidate["parameters"] = map[string]any{
			"text":   strings.TrimSpace(content),
			"target": extractTarget(lower),
		}
		candidate["confidence"] = 0.8
	default:
		candidate["action"] = "unknown"
		candidate["confidence"] = 0.2
	}

	return candidate
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractExpression strips leading command words so "calculate 2 + 2"
// yields "2 + 2".
func extractExpression(content string) string {
	expr := strings.TrimSpace(content)
	for _, prefix := range []string{"calculate", "compute", "what is"} {
		if len(expr) >= len(prefix) && strings.EqualFold(expr[:len(prefix)], prefix) {
			expr = strings.TrimSpace(expr[len(prefix):])
			break
		}
	}
	return strings.TrimSuffix(expr, "?")
}

// extractTarget pulls the language out of "translate ... to french".
// Defaults to english when no target is named.
func extractTarget(lower string) string {
	idx := strings.LastIndex(lower, " to ")
	if idx < 0 {
		return "english"
	}
	target := strings.TrimSpace(lower[idx+4:])
	if target == "" {
		return "english"
	}
	return target
}
