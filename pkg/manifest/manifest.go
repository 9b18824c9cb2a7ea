// Package manifest models OAP capability manifests: the JSON documents
// publishers serve at /.well-known/oap.json.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the only OAP manifest version this implementation accepts.
const Version = "1.0"

// RequiredFields must all be present for a manifest to parse.
var RequiredFields = []string{"oap", "name", "description", "invoke"}

// Manifest is a parsed capability manifest. Raw preserves the document as
// decoded, including fields this struct does not model, so stores and APIs
// can re-serve the publisher's exact content.
type Manifest struct {
	OAP         string     `json:"oap"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Invoke      InvokeSpec `json:"invoke"`
	Input       *IOSpec    `json:"input,omitempty"`
	Output      *IOSpec    `json:"output,omitempty"`
	Publisher   string     `json:"publisher,omitempty"`
	Examples    []Example  `json:"examples,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Health      string     `json:"health,omitempty"`
	Docs        string     `json:"docs,omitempty"`
	Version     string     `json:"version,omitempty"`
	Updated     string     `json:"updated,omitempty"`

	Raw map[string]any `json:"-"`
}

// InvokeSpec describes how to call the capability. Method is an HTTP verb,
// or "stdio" for local command execution; for stdio manifests URL carries
// the command name instead of an endpoint.
type InvokeSpec struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Auth      string            `json:"auth,omitempty"`
	AuthName  string            `json:"auth_name,omitempty"`
	AuthIn    string            `json:"auth_in,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Streaming bool              `json:"streaming,omitempty"`
}

// IsStdio reports whether the capability runs as a local process.
func (s InvokeSpec) IsStdio() bool {
	return strings.EqualFold(s.Method, "stdio")
}

// IOSpec describes the input or output contract of a capability.
type IOSpec struct {
	Format      string         `json:"format,omitempty"`
	Description string         `json:"description,omitempty"`
	Schema      string         `json:"schema,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Example is a worked input/output pair from the manifest. Input is either
// an object of named parameters or a raw string payload.
type Example struct {
	Input       any    `json:"input,omitempty"`
	Output      any    `json:"output,omitempty"`
	Description string `json:"description,omitempty"`
}

// ValidationError collects everything wrong with a manifest document.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "Invalid manifest: " + strings.Join(e.Errors, "; ")
}

// Validate applies the manifest rules to a decoded JSON object and returns
// hard errors and advisory warnings. Missing required fields short-circuit:
// no further checks run until the document has all of them.
func Validate(raw map[string]any) (errs []string, warnings []string) {
	for _, key := range RequiredFields {
		if _, ok := raw[key]; !ok {
			errs = append(errs, fmt.Sprintf("Missing required field: %s", key))
		}
	}
	if len(errs) > 0 {
		return errs, warnings
	}

	if v, _ := raw["oap"].(string); v != Version {
		errs = append(errs, fmt.Sprintf("Unsupported oap version: %v (expected %s)", raw["oap"], Version))
	}

	invoke, ok := raw["invoke"].(map[string]any)
	if !ok {
		errs = append(errs, "invoke must be an object")
	} else {
		if _, ok := invoke["method"]; !ok {
			errs = append(errs, "invoke.method is required")
		}
		if _, ok := invoke["url"]; !ok {
			errs = append(errs, "invoke.url is required")
		}
	}

	for _, key := range []string{"input", "output"} {
		if _, ok := raw[key]; !ok {
			warnings = append(warnings, fmt.Sprintf("Missing recommended field: %s", key))
		}
	}
	if desc, _ := raw["description"].(string); len(desc) > 1000 {
		warnings = append(warnings, fmt.Sprintf("Description is %d chars (recommended max 1000)", len(desc)))
	}

	return errs, warnings
}

// Parse decodes and validates a manifest document. Validation warnings are
// discarded here; callers that surface warnings use Validate directly.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("not a JSON object: %v", err)}}
	}

	errs, _ := Validate(raw)
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("malformed manifest structure: %v", err)}}
	}
	m.Raw = raw
	return &m, nil
}

// ParseMap is Parse for documents already decoded into a map, as the
// crawler and trust prober hold them.
func ParseMap(raw map[string]any) (*Manifest, error) {
	errs, _ := Validate(raw)
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("not a JSON object: %v", err)}}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("malformed manifest structure: %v", err)}}
	}
	m.Raw = raw
	return &m, nil
}
