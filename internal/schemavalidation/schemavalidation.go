// Package schemavalidation checks API request bodies against the JSON
// schemas embedded under schemas/.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	Envelope = "envelope"
	OTP      = "otp"
	Presence = "presence"
	Identity = "identity"
	Lock     = "lock"
	Document = "document"
)

var (
	// ErrUnknownSchema is returned for a name with no embedded schema.
	ErrUnknownSchema = errors.New("schemavalidation: unknown schema")
	// ErrInvalid wraps every decode or validation failure.
	ErrInvalid = errors.New("schemavalidation: invalid document")
)

const baseURL = "https://viewguard.local/schemas/"

//go:embed schemas/*.schema.json
var schemaFiles embed.FS

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFiles, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	urls := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := schemaFiles.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		url := baseURL + e.Name()
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", e.Name(), err)
		}
		urls[strings.TrimSuffix(e.Name(), ".schema.json")] = url
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(urls))}
	for name, url := range urls {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Names returns the loaded schema names.
func (v *Validator) Names() []string {
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	return names
}

// Validate checks a decoded JSON value against the named schema.
func (v *Validator) Validate(name string, instance any) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Decode validates data against the named schema and then unmarshals it
// into out. Empty input validates as an empty object.
func (v *Validator) Decode(name string, data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := v.Validate(name, instance); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
