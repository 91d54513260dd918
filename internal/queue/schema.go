package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry validates task params against a JSON Schema per task name.
// Tasks without a registered schema accept any params.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON for task.
func (r *SchemaRegistry) Register(task string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", task, err)
	}
	url := task + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", task, err)
	}
	r.mu.Lock()
	r.schemas[task] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks params for task.
func (r *SchemaRegistry) Validate(task string, params map[string]any) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[task]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return &ValidationError{Field: "params", Reason: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &ValidationError{Field: "params", Reason: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Field: "params", Reason: err.Error()}
	}
	return nil
}
