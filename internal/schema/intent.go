// ABOUTME: Declarative JSON Schema validation for reasoning intent candidates
// ABOUTME: The validator is the sole authority on whether an intent may reach execution

package schema

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Actions an intent may request. Anything else fails validation.
const (
	ActionSearch    = "search"
	ActionCalculate = "calculate"
	ActionSummarize = "summarize"
	ActionTranslate = "translate"
)

// Intent is a validated reasoning intent, safe to hand to the executor.
type Intent struct {
	IntentID       string         `json:"intentId"`
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters"`
	Confidence     float64        `json:"confidence"`
}

// Result is the outcome of validating an intent candidate.
// Exactly one of Intent and Error is meaningful.
type Result struct {
	Valid  bool
	Intent *Intent
	Error  string
}

const intentSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["intentId", "conversationId", "messageId", "action", "parameters", "confidence"],
	"additionalProperties": false,
	"properties": {
		"intentId":       {"type": "string", "format": "uuid"},
		"conversationId": {"type": "string", "minLength": 1},
		"messageId":      {"type": "string", "minLength": 1},
		"action":         {"enum": ["search", "calculate", "summarize", "translate"]},
		"parameters":     {"type": "object"},
		"confidence":     {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

var intentSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	const url = "https://pipeline.schemas.local/intent.schema.json"
	if err := c.AddResource(url, strings.NewReader(intentSchemaJSON)); err != nil {
		panic("intent schema: " + err.Error())
	}
	return c.MustCompile(url)
}

// ValidateIntent checks a raw intent candidate against the intent schema.
// It is total: it never returns an error, only a Result. Invalid candidates
// carry a human-readable summary of each path-level violation.
func ValidateIntent(raw map[string]any) Result {
	// Round-trip through JSON so hand-constructed maps (ints, typed values)
	// normalize to the decoded-JSON shapes the schema library expects.
	doc, err := normalize(raw)
	if err != nil {
		return Result{Valid: false, Error: "candidate is not JSON-representable: " + err.Error()}
	}

	if err := intentSchema.Validate(doc); err != nil {
		return Result{Valid: false, Error: summarize(err)}
	}

	var intent Intent
	data, _ := json.Marshal(doc)
	if err := json.Unmarshal(data, &intent); err != nil {
		return Result{Valid: false, Error: "candidate does not decode as intent: " + err.Error()}
	}
	if intent.Parameters == nil {
		intent.Parameters = map[string]any{}
	}

	return Result{Valid: true, Intent: &intent}
}

func normalize(raw map[string]any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// summarize flattens a validation error tree into one line per violated path.
func summarize(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	var lines []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "#"
			}
			lines = append(lines, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(lines, "; ")
}
