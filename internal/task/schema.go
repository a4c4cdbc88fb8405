package task

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// CompileSchema compiles a JSON Schema document, used both when a task
// is created (to reject malformed schemas up front) and by the worker
// process when validating input/output against a compiled task.
func CompileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return nil, rerrors.New(rerrors.KindValidation, "task", fmt.Errorf("add schema resource: %w", err))
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, rerrors.New(rerrors.KindValidation, "task", fmt.Errorf("compile schema: %w", err))
	}
	return compiled, nil
}

// ValidateAgainstSchema validates decoded JSON data against a compiled
// schema. A nil schema (task declared no schema) always passes.
func ValidateAgainstSchema(schema *jsonschema.Schema, data any) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(data); err != nil {
		return rerrors.New(rerrors.KindValidation, "task", err)
	}
	return nil
}
