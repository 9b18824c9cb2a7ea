package toolbridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/invoker"
	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
)

type invocation struct {
	spec   manifest.InvokeSpec
	params []invoker.Param
	stdin  string
}

type fakeInvoker struct {
	result models.InvocationResult
	calls  []invocation
}

func (f *fakeInvoker) Invoke(ctx context.Context, spec manifest.InvokeSpec, params []invoker.Param, stdin string) models.InvocationResult {
	f.calls = append(f.calls, invocation{spec: spec, params: params, stdin: stdin})
	return f.result
}

type fakeGenerator struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts ...llm.CallOption) (string, *models.LLMCallMeta, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", nil, f.err
	}
	return f.reply, &models.LLMCallMeta{Model: "qwen3:4b", TotalMS: 5}, nil
}

func grepManifest() map[string]any {
	return map[string]any{
		"oap":         "1.0",
		"name":        "grep",
		"description": "Search text for lines matching a pattern",
		"invoke":      map[string]any{"method": "stdio", "url": "grep"},
	}
}

func weatherManifest(auth, authName string) map[string]any {
	invoke := map[string]any{
		"method":  "GET",
		"url":     "https://api.example.com/v1/forecast",
		"headers": map[string]any{"Accept": "application/json"},
	}
	if auth != "" {
		invoke["auth"] = auth
	}
	if authName != "" {
		invoke["auth_name"] = authName
	}
	return map[string]any{
		"oap":         "1.0",
		"name":        "Weather",
		"description": "Forecasts",
		"invoke":      invoke,
		"input": map[string]any{
			"format":      "application/json",
			"description": "Provide 'city'.",
		},
	}
}

func registryWith(domains map[string]map[string]any) map[string]models.ToolRegistryEntry {
	registry := map[string]models.ToolRegistryEntry{}
	for domain, raw := range domains {
		entry := Convert(domain, raw)
		registry[entry.Tool.Function.Name] = entry
	}
	return registry
}

func testBridgeCfg() config.ToolBridgeConfig {
	return config.ToolBridgeConfig{
		Enabled:            true,
		DefaultTopK:        5,
		MaxRounds:          3,
		MaxToolResult:      8000,
		SummarizeThreshold: 4000,
		ChunkSize:          4000,
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	registry := registryWith(map[string]map[string]any{
		"grep":            grepManifest(),
		"api.example.com": weatherManifest("", ""),
	})
	e := NewExecutor(&fakeInvoker{}, nil, testBridgeCfg())

	got := e.Execute(context.Background(), "oap_missing", nil, registry, "", nil)

	assert.Equal(t, "Error: Unknown tool 'oap_missing'. Available tools: oap_grep, oap_weather", got)
}

func TestExecuteStdioMapping(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{
		Status:       models.StatusSuccess,
		ResponseBody: "hello world\n",
	}}
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, nil, testBridgeCfg())

	args := map[string]any{"stdin": "hello world\nfoo bar", "args": "hello"}
	got := e.Execute(context.Background(), "oap_grep", args, registry, "", nil)

	assert.Equal(t, "hello world\n", got)
	require.Len(t, inv.calls, 1)
	call := inv.calls[0]
	assert.Equal(t, "stdio", call.spec.Method)
	assert.Equal(t, "grep", call.spec.URL)
	assert.Equal(t, []invoker.Param{{Name: "arg0", Value: "hello"}}, call.params)
	assert.Equal(t, "hello world\nfoo bar", call.stdin)
}

func TestExecuteStdioArgsList(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: "ok"}}
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, nil, testBridgeCfg())

	args := map[string]any{"args": []any{"-i", "foo bar"}}
	e.Execute(context.Background(), "oap_grep", args, registry, "", nil)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, []invoker.Param{
		{Name: "arg0", Value: "-i"},
		{Name: "arg1", Value: "foo bar"},
	}, inv.calls[0].params)
}

func TestExecuteStdioInventedKeyFallback(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: "ok"}}
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, nil, testBridgeCfg())

	args := map[string]any{"keyword": "hello", "stdin": "text"}
	e.Execute(context.Background(), "oap_grep", args, registry, "", nil)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, []invoker.Param{{Name: "arg0", Value: "hello"}}, inv.calls[0].params)
	assert.Equal(t, "text", inv.calls[0].stdin)
}

func TestExecuteJSONForwarding(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: `{"temp":3}`}}
	registry := registryWith(map[string]map[string]any{"api.example.com": weatherManifest("", "")})
	e := NewExecutor(inv, nil, testBridgeCfg())

	args := map[string]any{"days": 3, "city": "Oslo"}
	got := e.Execute(context.Background(), "oap_weather", args, registry, "", nil)

	assert.Equal(t, `{"temp":3}`, got)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, []invoker.Param{
		{Name: "city", Value: "Oslo"},
		{Name: "days", Value: 3},
	}, inv.calls[0].params)
	assert.Empty(t, inv.calls[0].stdin)
}

func TestExecuteTextInput(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: "echoed"}}
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "Echo",
		"description": "Echoes text",
		"invoke":      map[string]any{"method": "POST", "url": "https://echo.example.com"},
		"input":       map[string]any{"format": "text/plain", "description": "Text to echo."},
	}
	registry := registryWith(map[string]map[string]any{"echo.example.com": raw})
	e := NewExecutor(inv, nil, testBridgeCfg())

	e.Execute(context.Background(), "oap_echo", map[string]any{"input": "hi"}, registry, "", nil)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, []invoker.Param{{Name: "input", Value: "hi"}}, inv.calls[0].params)
	assert.Equal(t, "hi", inv.calls[0].stdin)
}

func TestExecuteFailureBecomesErrorString(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusFailure, Error: "HTTP 500"}}
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, nil, testBridgeCfg())

	got := e.Execute(context.Background(), "oap_grep", map[string]any{"args": "x"}, registry, "", nil)
	assert.Equal(t, "Error: HTTP 500", got)

	inv.result = models.InvocationResult{Status: models.StatusFailure}
	got = e.Execute(context.Background(), "oap_grep", map[string]any{"args": "x"}, registry, "", nil)
	assert.Equal(t, "Error: Unknown error", got)
}

func TestExecuteEmptyBody(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess}}
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, nil, testBridgeCfg())

	got := e.Execute(context.Background(), "oap_grep", map[string]any{"args": "x"}, registry, "", nil)
	assert.Equal(t, "Success (no output)", got)
}

func TestExecuteInjectsAPIKey(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: "ok"}}
	registry := registryWith(map[string]map[string]any{
		"api.example.com": weatherManifest("api_key", "X-Weather-Key"),
	})
	e := NewExecutor(inv, nil, testBridgeCfg())
	credentials := map[string]config.Credential{
		"api.example.com": {Key: "k123", Type: "api_key"},
	}

	e.Execute(context.Background(), "oap_weather", map[string]any{"city": "Oslo"}, registry, "", credentials)

	require.Len(t, inv.calls, 1)
	headers := inv.calls[0].spec.Headers
	assert.Equal(t, "k123", headers["X-Weather-Key"])
	assert.Equal(t, "application/json", headers["Accept"])

	entryHeaders := registry["oap_weather"].Manifest["invoke"].(map[string]any)["headers"].(map[string]any)
	assert.NotContains(t, entryHeaders, "X-Weather-Key", "registry manifest must not be mutated")
}

func TestExecuteInjectsBearer(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: "ok"}}
	registry := registryWith(map[string]map[string]any{
		"api.example.com": weatherManifest("bearer", ""),
	})
	e := NewExecutor(inv, nil, testBridgeCfg())
	credentials := map[string]config.Credential{
		"api.example.com": {Key: "tok", Type: "bearer"},
	}

	e.Execute(context.Background(), "oap_weather", map[string]any{"city": "Oslo"}, registry, "", credentials)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, "Bearer tok", inv.calls[0].spec.Headers["Authorization"])
}

func TestExecuteSkipsUnknownAuthType(t *testing.T) {
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: "ok"}}
	registry := registryWith(map[string]map[string]any{
		"api.example.com": weatherManifest("oauth2", ""),
	})
	e := NewExecutor(inv, nil, testBridgeCfg())
	credentials := map[string]config.Credential{
		"api.example.com": {Key: "tok", Type: "oauth2"},
	}

	e.Execute(context.Background(), "oap_weather", map[string]any{"city": "Oslo"}, registry, "", credentials)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, map[string]string{"Accept": "application/json"}, inv.calls[0].spec.Headers)
}

func TestExecuteSummarizesLargeResult(t *testing.T) {
	body := strings.Repeat("line one data\n", 4)
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: body}}
	gen := &fakeGenerator{reply: "summary"}
	cfg := testBridgeCfg()
	cfg.SummarizeThreshold = 10
	cfg.ChunkSize = 20
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, gen, cfg)

	got := e.Execute(context.Background(), "oap_grep", map[string]any{"args": "x"}, registry, "find data", nil)

	assert.Equal(t, "summary\n\nsummary\n\nsummary\n\nsummary", got)
	require.Len(t, gen.prompts, 4)
	assert.True(t, strings.HasPrefix(gen.prompts[0], "User task: find data\n\nData:\n"))
}

func TestExecuteSummarizeSkippedWithoutTask(t *testing.T) {
	body := strings.Repeat("x", 50)
	inv := &fakeInvoker{result: models.InvocationResult{Status: models.StatusSuccess, ResponseBody: body}}
	gen := &fakeGenerator{reply: "summary"}
	cfg := testBridgeCfg()
	cfg.SummarizeThreshold = 10
	registry := registryWith(map[string]map[string]any{"grep": grepManifest()})
	e := NewExecutor(inv, gen, cfg)

	got := e.Execute(context.Background(), "oap_grep", map[string]any{"args": "x"}, registry, "", nil)

	assert.Equal(t, body, got)
	assert.Empty(t, gen.prompts)
}

func TestSummarizeReducePass(t *testing.T) {
	gen := &fakeGenerator{reply: "123456789"}
	cfg := testBridgeCfg()
	cfg.ChunkSize = 20
	cfg.MaxToolResult = 5
	e := NewExecutor(&fakeInvoker{}, gen, cfg)

	got := e.summarize(context.Background(), strings.Repeat("data line\n", 4), "a task")

	// Two map chunks produce a join longer than the cap, triggering one
	// reduce call whose output is returned as-is.
	assert.Equal(t, "123456789", got)
	assert.Len(t, gen.prompts, 3)
}

func TestSummarizeFallsBackToTruncation(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model offline")}
	cfg := testBridgeCfg()
	cfg.ChunkSize = 20
	cfg.MaxToolResult = 8
	e := NewExecutor(&fakeInvoker{}, gen, cfg)

	body := "abcdefghijklmnop\nqrstuvwxyz\n"
	got := e.summarize(context.Background(), body, "a task")

	assert.Equal(t, "abcdefgh\n...(truncated)", got)
}

func TestSplitChunks(t *testing.T) {
	chunks := splitChunks("aaaa\nbbbb\ncccc", 7)
	assert.Equal(t, []string{"aaaa\n", "bbbb\n", "cccc"}, chunks)

	chunks = splitChunks("xxxxxxxxxx", 4)
	assert.Equal(t, []string{"xxxx", "xxxx", "xx"}, chunks)

	assert.Empty(t, splitChunks("", 4))
	assert.Equal(t, []string{"short"}, splitChunks("short", 100))
}
