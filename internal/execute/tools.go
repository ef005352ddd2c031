// ABOUTME: Deterministic built-in tools keyed by intent action
// ABOUTME: Repeated invocation with the same parameters yields the same outcome

package execute

import (
	"fmt"
	"strconv"
	"strings"
)

// Outcome is what a tool invocation produced. Error is set only when
// Success is false.
type Outcome struct {
	Success bool
	Result  map[string]any
	Error   string
}

// A ToolFunc executes one intent action. Implementations must be
// deterministic: the dedup layers assume that re-executing an intent
// yields the same outcome.
type ToolFunc func(parameters map[string]any) Outcome

// Registry maps intent actions to tools.
type Registry map[string]ToolFunc

// Lookup returns the tool for an action.
func (r Registry) Lookup(action string) (ToolFunc, bool) {
	fn, ok := r[action]
	return fn, ok
}

// BuiltinTools returns the default registry covering every schema action.
func BuiltinTools() Registry {
	return Registry{
		"search":    searchTool,
		"calculate": calculateTool,
		"summarize": summarizeTool,
		"translate": translateTool,
	}
}

// searchTool returns canned results derived from the query.
func searchTool(parameters map[string]any) Outcome {
	query, _ := parameters["query"].(string)
	if query == "" {
		return Outcome{Success: false, Error: "search requires a query parameter"}
	}
	return Outcome{
		Success: true,
		Result: map[string]any{
			"tool":  "search",
			"query": query,
			"results": []any{
				fmt.Sprintf("Top result for %q", query),
				fmt.Sprintf("Summary article about %q", query),
				fmt.Sprintf("Reference entry on %q", query),
			},
		},
	}
}

// calculateTool evaluates a binary arithmetic expression like "2 + 2".
func calculateTool(parameters map[string]any) Outcome {
	expr, _ := parameters["expression"].(string)
	if expr == "" {
		return Outcome{Success: false, Error: "calculate requires an expression parameter"}
	}

	value, err := evaluate(expr)
	if err != nil {
		return Outcome{Success: false, Error: err.Error()}
	}
	return Outcome{
		Success: true,
		Result: map[string]any{
			"tool":       "calculate",
			"expression": expr,
			"value":      value,
		},
	}
}

func evaluate(expr string) (float64, error) {
	for _, op := range []string{"+", "-", "*", "/"} {
		// Split on the operator from the right so "3 - -2" still parses
		idx := strings.LastIndex(expr, op)
		if idx <= 0 || idx == len(expr)-1 {
			continue
		}
		left, errL := strconv.ParseFloat(strings.TrimSpace(expr[:idx]), 64)
		right, errR := strconv.ParseFloat(strings.TrimSpace(expr[idx+1:]), 64)
		if errL != nil || errR != nil {
			continue
		}
		switch op {
		case "+":
			return left + right, nil
		case "-":
			return left - right, nil
		case "*":
			return left * right, nil
		case "/":
			if right == 0 {
				return 0, fmt.Errorf("division by zero in %q", expr)
			}
			return left / right, nil
		}
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(expr), 64); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("cannot evaluate expression %q", expr)
}

// summarizeTool truncates the text to its leading words.
func summarizeTool(parameters map[string]any) Outcome {
	text, _ := parameters["text"].(string)
	if text == "" {
		return Outcome{Success: false, Error: "summarize requires a text parameter"}
	}

	const maxWords = 10
	words := strings.Fields(text)
	summary := text
	if len(words) > maxWords {
		summary = strings.Join(words[:maxWords], " ") + "..."
	}
	return Outcome{
		Success: true,
		Result: map[string]any{
			"tool":    "summarize",
			"summary": summary,
			"words":   len(words),
		},
	}
}

// translateTool tags the text with its target language. A stand-in for a
// real translation backend, but stable for a given input.
func translateTool(parameters map[string]any) Outcome {
	text, _ := parameters["text"].(string)
	if text == "" {
		return Outcome{Success: false, Error: "translate requires a text parameter"}
	}
	target, _ := parameters["target"].(string)
	if target == "" {
		target = "english"
	}
	return Outcome{
		Success: true,
		Result: map[string]any{
			"tool":       "translate",
			"target":     target,
			"translated": "[" + target + "] " + text,
		},
	}
}
