// Package agent implements the bounded tool-calling loop that drives each
// LLM stage: the model is offered a set of tools, calls are dispatched
// sequentially with their results fed back, and the loop ends when the model
// answers with plain text or the iteration budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolHandler executes one tool call and returns the textual result handed
// back to the model.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable capability offered to the model for a stage.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON-schema object validated against the model's
	// arguments before the handler runs.
	InputSchema map[string]any

	Handler ToolHandler
}

var schemaCache sync.Map

// validateArgs checks tool-call arguments against the tool's input schema.
// A nil schema accepts anything.
func validateArgs(t Tool, args map[string]any) error {
	if t.InputSchema == nil {
		return nil
	}

	schema, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", t.Name, err)
	}

	// Round-trip through JSON so the value shapes match what the validator
	// expects (json numbers as float64 etc).
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid for tool %q: %w", t.Name, err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := name + ":" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
