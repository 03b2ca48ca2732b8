// Package jsonschema compiles JSON Schemas once and validates response
// bodies against them many times.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled JSON Schema. It is safe for concurrent use.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

// Compile parses and compiles a schema document.
func Compile(schemaStr string) (*Schema, error) {
	if strings.TrimSpace(schemaStr) == "" {
		return nil, fmt.Errorf("invalid schema: empty document")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	return &Schema{source: schemaStr, compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level schemas.
func MustCompile(schemaStr string) *Schema {
	s, err := Compile(schemaStr)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the schema source.
func (s *Schema) String() string {
	return s.source
}

// ValidateBytes validates a JSON document. A body that is not JSON is
// reported as a single error; schema violations are flattened into
// ValidationErrors.
func (s *Schema) ValidateBytes(body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}

	if err := s.compiled.Validate(doc); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			if errs := extractValidationErrors(validationErr); len(errs) > 0 {
				return errs
			}
		}
		return ValidationErrors{err}
	}
	return nil
}

// Valid reports whether body satisfies the schema.
func (s *Schema) Valid(body []byte) bool {
	return s.ValidateBytes(body) == nil
}

// extractValidationErrors extracts all validation errors from a jsonschema.ValidationError
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	var errors ValidationErrors

	if err.Message != "" {
		errors = append(errors, fmt.Errorf("validation error at %s: %s", err.InstanceLocation, err.Message))
	}

	for _, childErr := range err.Causes {
		errors = append(errors, extractValidationErrors(childErr)...)
	}

	return errors
}
