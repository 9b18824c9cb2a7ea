package manifest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() map[string]any {
	return map[string]any{
		"oap":         "1.0",
		"name":        "Test Tool",
		"description": "A tool for testing",
		"invoke": map[string]any{
			"method": "POST",
			"url":    "https://example.com/api/test",
		},
		"input":  map[string]any{"format": "application/json"},
		"output": map[string]any{"format": "application/json"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid manifest has no errors or warnings", func(t *testing.T) {
		errs, warnings := Validate(validDoc())
		assert.Empty(t, errs)
		assert.Empty(t, warnings)
	})

	t.Run("empty document reports every required field", func(t *testing.T) {
		errs, _ := Validate(map[string]any{})
		require.Len(t, errs, 4)
		assert.Contains(t, errs, "Missing required field: oap")
		assert.Contains(t, errs, "Missing required field: name")
		assert.Contains(t, errs, "Missing required field: description")
		assert.Contains(t, errs, "Missing required field: invoke")
	})

	t.Run("missing fields short-circuit version checks", func(t *testing.T) {
		doc := validDoc()
		delete(doc, "name")
		doc["oap"] = "9.9"
		errs, _ := Validate(doc)
		assert.Equal(t, []string{"Missing required field: name"}, errs)
	})

	t.Run("unsupported version", func(t *testing.T) {
		doc := validDoc()
		doc["oap"] = "2.0"
		errs, _ := Validate(doc)
		assert.Contains(t, errs, "Unsupported oap version: 2.0 (expected 1.0)")
	})

	t.Run("invoke must be an object", func(t *testing.T) {
		doc := validDoc()
		doc["invoke"] = "POST https://example.com"
		errs, _ := Validate(doc)
		assert.Contains(t, errs, "invoke must be an object")
	})

	t.Run("invoke method and url required", func(t *testing.T) {
		doc := validDoc()
		doc["invoke"] = map[string]any{}
		errs, _ := Validate(doc)
		assert.Contains(t, errs, "invoke.method is required")
		assert.Contains(t, errs, "invoke.url is required")
	})

	t.Run("stdio invoke carries command name in url", func(t *testing.T) {
		doc := validDoc()
		doc["invoke"] = map[string]any{"method": "stdio", "url": "wc"}
		errs, _ := Validate(doc)
		assert.Empty(t, errs)
	})

	t.Run("missing input and output warn", func(t *testing.T) {
		doc := validDoc()
		delete(doc, "input")
		delete(doc, "output")
		errs, warnings := Validate(doc)
		assert.Empty(t, errs)
		assert.Contains(t, warnings, "Missing recommended field: input")
		assert.Contains(t, warnings, "Missing recommended field: output")
	})

	t.Run("long description warns past 1000 chars", func(t *testing.T) {
		doc := validDoc()
		doc["description"] = strings.Repeat("x", 1001)
		_, warnings := Validate(doc)
		assert.Contains(t, warnings, "Description is 1001 chars (recommended max 1000)")
	})

	t.Run("description of exactly 1000 chars does not warn", func(t *testing.T) {
		doc := validDoc()
		doc["description"] = strings.Repeat("x", 1000)
		_, warnings := Validate(doc)
		assert.Empty(t, warnings)
	})
}

func TestParse(t *testing.T) {
	t.Run("valid document parses", func(t *testing.T) {
		raw, err := json.Marshal(validDoc())
		require.NoError(t, err)

		m, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "Test Tool", m.Name)
		assert.Equal(t, "POST", m.Invoke.Method)
		assert.False(t, m.Invoke.IsStdio())
		assert.Equal(t, "1.0", m.Raw["oap"])
	})

	t.Run("invalid document yields ValidationError with joined messages", func(t *testing.T) {
		_, err := Parse([]byte(`{"oap": "1.0"}`))
		require.Error(t, err)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, strings.HasPrefix(err.Error(), "Invalid manifest: "))
		assert.Contains(t, err.Error(), "Missing required field: name")
		assert.Contains(t, err.Error(), "; ")
	})

	t.Run("non-object JSON is invalid", func(t *testing.T) {
		_, err := Parse([]byte(`[1, 2, 3]`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("stdio manifest parses with IsStdio true", func(t *testing.T) {
		doc := validDoc()
		doc["invoke"] = map[string]any{"method": "stdio", "url": "wc"}
		raw, err := json.Marshal(doc)
		require.NoError(t, err)

		m, err := Parse(raw)
		require.NoError(t, err)
		assert.True(t, m.Invoke.IsStdio())
		assert.Equal(t, "wc", m.Invoke.URL)
	})

	t.Run("auth and header fields decode", func(t *testing.T) {
		doc := validDoc()
		doc["invoke"] = map[string]any{
			"method":    "POST",
			"url":       "https://example.com/api",
			"auth":      "api_key",
			"auth_name": "X-Custom-Key",
			"headers":   map[string]string{"Accept": "application/json"},
		}
		raw, err := json.Marshal(doc)
		require.NoError(t, err)

		m, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "api_key", m.Invoke.Auth)
		assert.Equal(t, "X-Custom-Key", m.Invoke.AuthName)
		assert.Equal(t, "application/json", m.Invoke.Headers["Accept"])
	})

	t.Run("ParseMap mirrors Parse", func(t *testing.T) {
		m, err := ParseMap(validDoc())
		require.NoError(t, err)
		assert.Equal(t, "Test Tool", m.Name)

		_, err = ParseMap(map[string]any{"oap": "1.0"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestHash(t *testing.T) {
	t.Run("key order does not change the hash", func(t *testing.T) {
		a := []byte(`{"name":"t","oap":"1.0"}`)
		b := []byte(`{ "oap": "1.0", "name": "t" }`)

		ha, err := Hash(a)
		require.NoError(t, err)
		hb, err := Hash(b)
		require.NoError(t, err)

		assert.Equal(t, ha, hb)
		assert.True(t, strings.HasPrefix(ha, "sha256:"))
		assert.Len(t, ha, len("sha256:")+64)
	})

	t.Run("different content hashes differently", func(t *testing.T) {
		ha, err := Hash([]byte(`{"name":"a"}`))
		require.NoError(t, err)
		hb, err := Hash([]byte(`{"name":"b"}`))
		require.NoError(t, err)
		assert.NotEqual(t, ha, hb)
	})

	t.Run("HashValue matches Hash of the encoded form", func(t *testing.T) {
		doc := validDoc()
		raw, err := json.Marshal(doc)
		require.NoError(t, err)

		hv, err := HashValue(doc)
		require.NoError(t, err)
		hr, err := Hash(raw)
		require.NoError(t, err)
		assert.Equal(t, hv, hr)
	})

	t.Run("invalid JSON fails", func(t *testing.T) {
		_, err := Hash([]byte(`{broken`))
		assert.Error(t, err)
	})
}
