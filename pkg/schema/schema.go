// Package schema compiles JSON-Schema-shaped objects and validates operation
// arguments against them. The raw schema object is kept verbatim so the
// registry self-description can expose it unchanged.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opencall-labs/opencall/pkg/envelope"
)

// Compiled pairs a compiled draft 2020-12 schema with its verbatim source.
type Compiled struct {
	name     string
	raw      map[string]any
	compiled *jsonschema.Schema
}

// Compile builds a validator from a JSON-Schema-shaped object. The name keys
// the schema resource and appears in compile errors.
func Compile(name string, raw map[string]any) (*Compiled, error) {
	if raw == nil {
		raw = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("schema %s is not serializable: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://opencall.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return &Compiled{name: name, raw: raw, compiled: compiled}, nil
}

// MustCompile is Compile for static operation declarations.
func MustCompile(name string, raw map[string]any) *Compiled {
	s, err := Compile(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// JSON returns the schema object exactly as declared.
func (s *Compiled) JSON() map[string]any {
	return s.raw
}

// Validate checks a value against the schema and returns one issue per leaf
// failure, in the order the validator reports them.
func (s *Compiled) Validate(value any) []envelope.SchemaIssue {
	err := s.compiled.Validate(value)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []envelope.SchemaIssue{{Path: "", Message: err.Error()}}
	}
	return flatten(verr)
}

// flatten walks the cause tree and keeps the leaves, which carry the
// specific keyword failures.
func flatten(verr *jsonschema.ValidationError) []envelope.SchemaIssue {
	if len(verr.Causes) == 0 {
		return []envelope.SchemaIssue{{
			Path:    pointerToPath(verr.InstanceLocation),
			Message: verr.Message,
		}}
	}
	var issues []envelope.SchemaIssue
	for _, cause := range verr.Causes {
		issues = append(issues, flatten(cause)...)
	}
	return issues
}

// pointerToPath renders a JSON pointer as a dotted path ("/a/0/b" -> "a.0.b").
func pointerToPath(ptr string) string {
	trimmed := strings.TrimPrefix(ptr, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}
