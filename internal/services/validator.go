package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation marks a parameter-schema rejection (vs. an infrastructure error).
var ErrValidation = errors.New("validation failed")

// Validator checks generation request parameters against the per-variant
// JSON Schemas shipped in the schemas directory.
type Validator struct {
	paramSchemas map[string]*jsonschema.Schema
}

// NewValidator loads all *.json schema files from schemaDir and compiles one
// parameter schema per variant (file name "classic.v1.json" → variant
// "classic").
func NewValidator(schemaDir string) (*Validator, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	paramSchemas := make(map[string]*jsonschema.Schema)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		variant := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		variant = strings.TrimSuffix(variant, ".v1")
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		id := "https://photogen.dev/schemas/" + variant + ".params"
		paramSchemas[variant], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", variant, err)
		}
	}
	if len(paramSchemas) == 0 {
		return nil, fmt.Errorf("no schemas found in %q", schemaDir)
	}

	return &Validator{paramSchemas: paramSchemas}, nil
}

// Variants returns the variant names a schema exists for.
func (v *Validator) Variants() []string {
	out := make([]string, 0, len(v.paramSchemas))
	for name := range v.paramSchemas {
		out = append(out, name)
	}
	return out
}

// ValidateParams hard-rejects parameters that do not match the variant's
// schema.
func (v *Validator) ValidateParams(variant string, params json.RawMessage) error {
	schema, ok := v.paramSchemas[variant]
	if !ok {
		return fmt.Errorf("%w: unknown variant %q", ErrValidation, variant)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var doc interface{}
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
