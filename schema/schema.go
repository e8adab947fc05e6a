// Package schema defines the structural validation interface the executor
// delegates to at step 6, plus a gojsonschema-backed default implementation.
// The Registry/ACL/Schema collaborators are pluggable per the core design;
// this package supplies the in-pack default so the pipeline is exercisable
// end to end without an external service.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Coercion records a single type coercion performed while validating a
// value, keyed by its JSON-pointer-ish path within the document.
type Coercion struct {
	Path string `json:"path"`
	From any    `json:"from"`
	To   any    `json:"to"`
}

// ValidationError is returned when a value fails structural validation.
// Errors holds one human-readable message per schema violation.
type ValidationError struct {
	Kind    string
	Errors  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Errors)
}

// Validator is the interface the executor consumes for input/output
// structural validation. Implementations may cache compiled schemas.
type Validator interface {
	// ValidateInput checks inputs against inputSchema, returning a possibly
	// coerced copy and the list of coercions performed.
	ValidateInput(inputSchema map[string]any, inputs map[string]any) (validated map[string]any, coercions []Coercion, err error)
	// ValidateOutput checks output against outputSchema.
	ValidateOutput(outputSchema map[string]any, output any) error
}

// JSONSchemaValidator is the default Validator, backed by gojsonschema.
// Compiled schemas are cached by their serialized form.
type JSONSchemaValidator struct {
	cache map[string]*gojsonschema.Schema
}

// NewJSONSchemaValidator constructs an empty validator.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{cache: make(map[string]*gojsonschema.Schema)}
}

func (v *JSONSchemaValidator) getSchema(s map[string]any) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal schema: %w", err)
	}
	key := string(raw)
	if compiled, ok := v.cache[key]; ok {
		return compiled, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// ValidateInput validates inputs against inputSchema. When the document is
// invalid it re-validates once against a copy built by coerceValue; since
// coerceValue converts no values, an invalid document still fails and no
// coercions are ever reported.
func (v *JSONSchemaValidator) ValidateInput(inputSchema map[string]any, inputs map[string]any) (map[string]any, []Coercion, error) {
	if len(inputSchema) == 0 {
		return inputs, nil, nil
	}
	compiled, err := v.getSchema(inputSchema)
	if err != nil {
		return nil, nil, err
	}

	if err := validateDoc(compiled, inputs, "args_invalid"); err == nil {
		return inputs, nil, nil
	}

	var coercions []Coercion
	coerced, _ := coerceValue(any(inputs), &coercions, "").(map[string]any)
	if coerced == nil {
		coerced = inputs
	}
	if err := validateDoc(compiled, coerced, "args_invalid"); err != nil {
		return nil, nil, err
	}
	return coerced, coercions, nil
}

// ValidateOutput validates a module's output against outputSchema.
func (v *JSONSchemaValidator) ValidateOutput(outputSchema map[string]any, output any) error {
	if len(outputSchema) == 0 {
		return nil
	}
	compiled, err := v.getSchema(outputSchema)
	if err != nil {
		return err
	}
	return validateDoc(compiled, output, "result_invalid")
}

func validateDoc(compiled *gojsonschema.Schema, doc any, kind string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: marshal document: %w", err)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema: validate: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return &ValidationError{Kind: kind, Errors: errs}
}

// coerceValue walks a decoded JSON value, recording any coercions applied.
// Present implementation is a structural walk with no active coercions
// (numbers and strings are left as-is); the hook exists so a schema-aware
// coercion strategy can be layered in without changing ValidateInput's
// signature, the way the teacher's registry reports coercions performed
// during result post-processing.
func coerceValue(value any, coercions *[]Coercion, path string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			childPath := path
			if childPath != "" {
				childPath += "."
			}
			childPath += k
			out[k] = coerceValue(val, coercions, childPath)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = coerceValue(val, coercions, fmt.Sprintf("%s[%d]", path, i))
		}
		return out
	default:
		return v
	}
}
