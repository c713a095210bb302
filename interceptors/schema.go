package interceptors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/mmate-bridge/contracts"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoPayload is returned when there is nothing to validate
var ErrNoPayload = errors.New("exchange has no request payload")

// SchemaValidator validates JSON request payloads against a JSON Schema
type SchemaValidator struct {
	name   string
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles schema. name identifies the schema in errors.
func NewSchemaValidator(name string, schema []byte) (*SchemaValidator, error) {
	url := fmt.Sprintf("mem://schemas/%s.json", name)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &SchemaValidator{name: name, schema: compiled}, nil
}

// NewContractValidator builds a validator from an endpoint contract's input
// schema.
func NewContractValidator(c *contracts.EndpointContract) (*SchemaValidator, error) {
	if len(c.InputSchema) == 0 {
		return nil, &contracts.ConfigError{Component: c.EndpointID, Field: "inputSchema", Err: errors.New("empty")}
	}
	return NewSchemaValidator(c.EndpointID, c.InputSchema)
}

// Validate implements Validator
func (v *SchemaValidator) Validate(_ context.Context, ex *contracts.Exchange) error {
	in := ex.In()
	if in == nil || len(in.Content) == 0 {
		return ErrNoPayload
	}
	var payload any
	if err := json.Unmarshal(in.Content, &payload); err != nil {
		return fmt.Errorf("decode payload for schema %s: %w", v.name, err)
	}
	return v.schema.Validate(payload)
}

// Name returns the schema name
func (v *SchemaValidator) Name() string {
	return v.name
}
