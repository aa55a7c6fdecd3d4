// Package validator checks DAG documents against the DAG JSON schema before
// they are decoded.
package validator

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed dag.schema.json
var dagSchema []byte

const dagSchemaURL = "dag.schema.json"

// Validator holds the compiled DAG schema. It is safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// ValidationError is one schema violation at a JSON pointer.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return "$: " + e.Message
	}
	return e.Path + ": " + e.Message
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err is nil for a valid result, otherwise one error listing every problem.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	problems := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		problems[i] = e.String()
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
}

func invalid(errs ...ValidationError) *ValidationResult {
	return &ValidationResult{Errors: errs}
}

// New compiles the embedded DAG schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(dagSchemaURL, bytes.NewReader(dagSchema)); err != nil {
		return nil, fmt.Errorf("load dag schema: %w", err)
	}
	schema, err := c.Compile(dagSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile dag schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidateDAG validates a decoded JSON document (maps, slices, float64).
func (v *Validator) ValidateDAG(doc interface{}) *ValidationResult {
	err := v.schema.Validate(doc)
	if err == nil {
		return &ValidationResult{Valid: true}
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return invalid(ValidationError{Message: err.Error()})
	}
	return invalid(leaves(verr, nil)...)
}

// ValidateDAGJSON validates a JSON-encoded DAG.
func (v *Validator) ValidateDAGJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid(ValidationError{Message: "invalid JSON: " + err.Error()})
	}
	return v.ValidateDAG(doc)
}

// leaves flattens the cause tree; only leaf errors name concrete problems.
func leaves(verr *jsonschema.ValidationError, out []ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return append(out, ValidationError{Path: verr.InstanceLocation, Message: verr.Message})
	}
	for _, cause := range verr.Causes {
		out = leaves(cause, out)
	}
	return out
}
