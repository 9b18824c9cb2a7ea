package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/invoker"
	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
)

// Generator is the LLM surface the executor needs for summarization.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts ...llm.CallOption) (string, *models.LLMCallMeta, error)
}

// CapabilityInvoker executes a single manifest invocation.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, spec manifest.InvokeSpec, params []invoker.Param, stdin string) models.InvocationResult
}

// Executor runs model-issued tool calls against their manifests and
// renders the outcome as a string for the conversation.
type Executor struct {
	inv CapabilityInvoker
	llm Generator
	cfg config.ToolBridgeConfig
}

// NewExecutor builds an Executor. gen may be nil, in which case large
// results are truncated instead of summarized.
func NewExecutor(inv CapabilityInvoker, gen Generator, cfg config.ToolBridgeConfig) *Executor {
	return &Executor{inv: inv, llm: gen, cfg: cfg}
}

// Execute looks up the named tool in the registry, maps the model's
// arguments onto the manifest invocation and runs it.
//
// Argument mapping mirrors the tool schemas Convert produces:
//   - stdio: "stdin" is piped to the process; "args" (string or list)
//     is whitespace-split into positional arguments. When a model
//     invents its own key instead of "args", the first non-stdin string
//     value is used.
//   - JSON input: the argument object is forwarded as the request body.
//   - text input: the single "input" value is sent as both body param
//     and stdin so HTTP and stdio manifests behave identically.
//
// Failures come back as "Error: ..." strings; the chat model sees them
// as tool output and can react.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any, registry map[string]models.ToolRegistryEntry, task string, credentials map[string]config.Credential) string {
	entry, ok := registry[toolName]
	if !ok {
		names := make([]string, 0, len(registry))
		for name := range registry {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("Error: Unknown tool '%s'. Available tools: %s", toolName, strings.Join(names, ", "))
	}

	spec, err := decodeInvoke(entry.Manifest)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", toolName, err)
	}
	spec = injectCredentials(spec, entry.Domain, credentials)

	var result models.InvocationResult
	switch {
	case strings.EqualFold(spec.Method, "stdio"):
		stdin, _ := args["stdin"].(string)
		result = e.inv.Invoke(ctx, spec, stdioParams(args), stdin)

	case inputFormat(entry.Manifest) != "" && strings.Contains(inputFormat(entry.Manifest), "json"):
		result = e.inv.Invoke(ctx, spec, jsonParams(args), "")

	default:
		input, ok := args["input"].(string)
		if !ok {
			// The model skipped the declared schema; give the capability
			// everything it said instead of nothing.
			encoded, _ := json.Marshal(args)
			input = string(encoded)
		}
		result = e.inv.Invoke(ctx, spec, []invoker.Param{{Name: "input", Value: input}}, input)
	}

	if !result.Succeeded() {
		msg := result.Error
		if msg == "" {
			msg = "Unknown error"
		}
		return fmt.Sprintf("Error: %s", msg)
	}

	body := result.ResponseBody
	if body == "" {
		body = "Success (no output)"
	}
	if len(body) > e.cfg.SummarizeThreshold && e.llm != nil && task != "" {
		body = e.summarize(ctx, body, task)
	}
	return body
}

// stdioParams turns tool-call arguments into positional argv values.
// "args" may arrive as a string (whitespace-split) or a list. Small
// models often invent descriptive key names, so a missing "args" falls
// back to the first non-stdin string value.
func stdioParams(args map[string]any) []invoker.Param {
	argsVal := args["args"]
	if isEmptyArg(argsVal) {
		keys := make([]string, 0, len(args))
		for key := range args {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if key == "stdin" {
				continue
			}
			if s, ok := args[key].(string); ok && s != "" {
				argsVal = s
				break
			}
		}
	}

	var parts []string
	switch v := argsVal.(type) {
	case []any:
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
	case string:
		parts = strings.Fields(v)
	case nil:
	default:
		parts = []string{fmt.Sprint(v)}
	}

	params := make([]invoker.Param, 0, len(parts))
	for i, part := range parts {
		params = append(params, invoker.Param{Name: fmt.Sprintf("arg%d", i), Value: part})
	}
	return params
}

func isEmptyArg(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}

// jsonParams forwards the argument object as body parameters, sorted by
// name so request bodies are stable.
func jsonParams(args map[string]any) []invoker.Param {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	params := make([]invoker.Param, 0, len(keys))
	for _, key := range keys {
		params = append(params, invoker.Param{Name: key, Value: args[key]})
	}
	return params
}

func inputFormat(raw map[string]any) string {
	input, _ := raw["input"].(map[string]any)
	format, _ := input["format"].(string)
	return format
}

func decodeInvoke(raw map[string]any) (manifest.InvokeSpec, error) {
	var spec manifest.InvokeSpec
	encoded, err := json.Marshal(raw["invoke"])
	if err != nil {
		return spec, fmt.Errorf("invalid invoke spec: %w", err)
	}
	if err := json.Unmarshal(encoded, &spec); err != nil {
		return spec, fmt.Errorf("invalid invoke spec: %w", err)
	}
	return spec, nil
}

// injectCredentials returns a copy of spec with auth headers filled in
// from the per-domain credential map. The registry's spec is never
// mutated; headers land on a fresh map. Key material stays out of logs.
func injectCredentials(spec manifest.InvokeSpec, domain string, credentials map[string]config.Credential) manifest.InvokeSpec {
	cred, ok := credentials[domain]
	if !ok || cred.Key == "" {
		return spec
	}

	var header, value string
	switch strings.ToLower(spec.Auth) {
	case "api_key":
		header = spec.AuthName
		if header == "" {
			header = "X-API-Key"
		}
		value = cred.Key
	case "bearer":
		header = "Authorization"
		value = "Bearer " + cred.Key
	default:
		return spec
	}

	headers := make(map[string]string, len(spec.Headers)+1)
	for k, v := range spec.Headers {
		headers[k] = v
	}
	headers[header] = value
	spec.Headers = headers
	return spec
}
