// Package toolbridge exposes indexed manifests to tool-calling chat
// models: it converts manifests into OpenAI-style tool definitions,
// executes the resulting tool calls through the invoker, and proxies
// whole conversations with discovery, experience caching and bounded
// tool rounds.
package toolbridge

import (
	"regexp"
	"strings"

	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
)

var (
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9]+`)
	quotedFieldRe = regexp.MustCompile(`'([a-z][a-z0-9_]*)'|"([a-z][a-z0-9_]*)"`)
)

// SlugName converts a manifest name to a tool name: lowercase, runs of
// non-alphanumerics collapsed to single underscores, then prefixed with
// oap_.
func SlugName(name string) string {
	slug := nonAlnumRe.ReplaceAllString(strings.ToLower(name), "_")
	slug = strings.Trim(slug, "_")
	return "oap_" + slug
}

// Convert turns a stored manifest into a tool definition plus the
// registry metadata needed to execute calls against it.
func Convert(domain string, raw map[string]any) models.ToolRegistryEntry {
	name, _ := raw["name"].(string)
	description, _ := raw["description"].(string)

	entry := models.ToolRegistryEntry{
		Tool: models.Tool{
			Type: "function",
			Function: models.ToolFunction{
				Name:        SlugName(name),
				Description: description,
				Parameters:  buildParameters(raw),
			},
		},
		Domain:   domain,
		Manifest: raw,
	}
	if parsed, err := manifest.ParseMap(raw); err == nil {
		entry.Parsed = parsed
	}
	return entry
}

// buildParameters derives a JSON-Schema parameter object from the
// manifest's input spec. Derivation order:
//
//  1. input.parameters is used verbatim when present, with extra keys
//     seen in example inputs folded in as optional strings.
//  2. stdio manifests get optional {stdin, args} string params whose
//     descriptions are split out of input.description.
//  3. JSON inputs with quoted field names in the description get one
//     required string param per field, else a single "data" param.
//  4. Everything else gets a single required "input" param.
func buildParameters(raw map[string]any) map[string]any {
	inputSpec, _ := raw["input"].(map[string]any)

	if inputSpec != nil {
		if declared, ok := inputSpec["parameters"].(map[string]any); ok {
			return declaredParameters(declared, raw)
		}
	}

	invoke, _ := raw["invoke"].(map[string]any)
	method, _ := invoke["method"].(string)
	if strings.EqualFold(method, "stdio") {
		return stdioParameters(inputSpec)
	}

	if inputSpec == nil {
		name, _ := raw["name"].(string)
		if name == "" {
			name = "this tool"
		}
		return schema(map[string]any{
			"input": stringParam("Input for " + name),
		}, []string{"input"})
	}

	format, _ := inputSpec["format"].(string)
	description, _ := inputSpec["description"].(string)

	if strings.Contains(format, "json") {
		if fields := extractJSONFields(description); len(fields) > 0 {
			props := make(map[string]any, len(fields))
			for _, f := range fields {
				props[f] = stringParam("The '" + f + "' value")
			}
			return schema(props, fields)
		}
		return schema(map[string]any{"data": stringParam(description)}, []string{"data"})
	}

	return schema(map[string]any{"input": stringParam(description)}, []string{"input"})
}

// declaredParameters keeps a manifest-authored schema as-is and widens
// it with any extra keys that appear in example inputs, so models can
// fill fields the schema forgot to declare.
func declaredParameters(declared map[string]any, raw map[string]any) map[string]any {
	props, _ := declared["properties"].(map[string]any)

	var out map[string]any
	if props != nil {
		out = make(map[string]any, len(declared))
		for k, v := range declared {
			out[k] = v
		}
		merged := make(map[string]any, len(props))
		for k, v := range props {
			merged[k] = v
		}
		props = merged
		out["properties"] = props
	} else {
		// A bare property map; wrap it into a schema object.
		props = make(map[string]any, len(declared))
		for k, v := range declared {
			props[k] = v
		}
		out = map[string]any{"type": "object", "properties": props}
	}

	examples, _ := raw["examples"].([]any)
	for _, ex := range examples {
		example, _ := ex.(map[string]any)
		input, _ := example["input"].(map[string]any)
		for key := range input {
			if _, known := props[key]; !known {
				props[key] = stringParam("The '" + key + "' value (seen in examples)")
			}
		}
	}
	return out
}

// stdioParameters builds the {stdin, args} schema for commands. The
// input description is split at sentence boundaries: sentences that
// mention standard input document stdin, the rest document args.
func stdioParameters(inputSpec map[string]any) map[string]any {
	stdinDesc := "Text piped to standard input"
	argsDesc := "Command-line flags and arguments"

	if inputSpec != nil {
		if description, _ := inputSpec["description"].(string); description != "" {
			var stdinParts, argsParts []string
			for _, sentence := range splitSentences(description) {
				if strings.Contains(strings.ToLower(sentence), "standard input") {
					stdinParts = append(stdinParts, sentence)
				} else {
					argsParts = append(argsParts, sentence)
				}
			}
			if len(stdinParts) > 0 {
				stdinDesc = strings.Join(stdinParts, " ")
			}
			if len(argsParts) > 0 {
				argsDesc = strings.Join(argsParts, " ")
			}
		}
	}

	return schema(map[string]any{
		"stdin": stringParam(stdinDesc),
		"args":  stringParam(argsDesc),
	}, nil)
}

// splitSentences cuts text at ., ! or ? followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(string(runes[start : i+1]))
				if s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// extractJSONFields pulls quoted field names like 'city' or "days" out
// of an input description, preserving first-seen order.
func extractJSONFields(description string) []string {
	var fields []string
	seen := map[string]bool{}
	for _, m := range quotedFieldRe.FindAllStringSubmatch(description, -1) {
		field := m[1]
		if field == "" {
			field = m[2]
		}
		if field != "" && !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	return fields
}

func stringParam(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func schema(props map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
