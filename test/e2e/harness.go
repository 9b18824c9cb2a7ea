// Package e2e provides end-to-end test infrastructure for the oapd
// services. NewTestApp boots a complete discovery daemon over real HTTP
// with a scripted model server standing in for Ollama and all state
// under temp directories; NewTrustApp does the same for the trust
// provider. Tests drive the public API the way external clients do.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oap-works/oapd/pkg/api"
	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/crawler"
	"github.com/oap-works/oapd/pkg/discovery"
	"github.com/oap-works/oapd/pkg/experience"
	"github.com/oap-works/oapd/pkg/invoker"
	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/toolbridge"
	"github.com/oap-works/oapd/pkg/urlguard"
	"github.com/oap-works/oapd/pkg/vectordb"
)

// TestApp is a fully wired discovery daemon listening on a local port.
type TestApp struct {
	httpDriver

	// Core
	Config *config.Config
	Store  *vectordb.Store
	Engine *discovery.Engine

	// Mocks / test wiring
	Model *MockModel

	// Optional subsystems
	Experience *experience.Engine
	Records    *experience.Store

	t *testing.T
}

// testAppConfig accumulates options before the app is wired.
type testAppConfig struct {
	mutate      []func(*config.Config)
	script      []func(*MockModel)
	seeds       map[string]map[string]any
	credentials map[string]config.Credential
	experience  bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig applies a config mutation after defaults and temp paths are
// set.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(c *testAppConfig) { c.mutate = append(c.mutate, mutate) }
}

// WithModelScript registers model scripting. It runs before seed
// manifests are embedded, so embed rules apply to seeding too.
func WithModelScript(script func(*MockModel)) TestAppOption {
	return func(c *testAppConfig) { c.script = append(c.script, script) }
}

// WithSeedManifest drops a manifest document into the seeds directory
// before startup; the crawler indexes it as domain "local/<stem>".
func WithSeedManifest(stem string, doc map[string]any) TestAppOption {
	return func(c *testAppConfig) {
		if c.seeds == nil {
			c.seeds = map[string]map[string]any{}
		}
		c.seeds[stem] = doc
	}
}

// WithExperience enables the procedural-memory subsystem.
func WithExperience() TestAppOption {
	return func(c *testAppConfig) { c.experience = true }
}

// WithCredentials writes a credentials file for the tool bridge.
func WithCredentials(credentials map[string]config.Credential) TestAppOption {
	return func(c *testAppConfig) { c.credentials = credentials }
}

// NewTestApp wires and starts a discovery daemon the way the oapd binary
// does. Servers and stores are shut down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	gin.SetMode(gin.TestMode)
	t.Setenv("OAP_BACKEND_SECRET", "")

	// 1. Configuration: defaults with all state under temp dirs.
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Index.Path = filepath.Join(dir, "index")
	cfg.Crawler.SeedsDir = filepath.Join(dir, "seeds")
	cfg.Crawler.SeedsFile = filepath.Join(dir, "seeds.txt")
	cfg.Ollama.Timeout = 5
	cfg.Experience.Enabled = tc.experience
	cfg.Experience.DBPath = filepath.Join(dir, "experience.db")
	cfg.ToolBridge.CredentialsFile = filepath.Join(dir, "credentials.yaml")
	for _, mutate := range tc.mutate {
		mutate(cfg)
	}

	// 2. Scripted model server and Ollama client.
	model := NewMockModel(t)
	cfg.Ollama.BaseURL = model.URL()
	for _, script := range tc.script {
		script(model)
	}
	llmClient := llm.NewClient(cfg.Ollama)

	if tc.credentials != nil {
		writeCredentials(t, cfg.ToolBridge.CredentialsFile, tc.credentials)
	}

	// 3. Vector index.
	store, err := vectordb.NewStore(cfg.Index, func(ctx context.Context, text string) ([]float32, error) {
		vec, _, err := llmClient.EmbedDocument(ctx, text)
		return vec, err
	})
	require.NoError(t, err)

	// 4. Crawler, loading any seed manifests through the mock embedder.
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(cfg.Crawler.SeedsDir, 0o755))
	for stem, doc := range tc.seeds {
		raw, err := json.Marshal(doc)
		require.NoError(t, err)
		path := filepath.Join(cfg.Crawler.SeedsDir, stem+".json")
		require.NoError(t, os.WriteFile(path, raw, 0o644))
	}
	cr, err := crawler.NewCrawler(cfg.Crawler, store, llmClient)
	require.NoError(t, err)
	seeded, err := cr.LoadSeeds(ctx)
	require.NoError(t, err)
	require.Equal(t, len(tc.seeds), seeded)

	// 5. Discovery engine.
	engine := discovery.NewEngine(store, llmClient)

	app := &TestApp{
		Config: cfg,
		Store:  store,
		Engine: engine,
		Model:  model,
		t:      t,
	}

	// 6. Procedural memory. Its invoker must accept loopback addresses:
	// capability endpoints in tests are local httptest servers.
	var serverOpts []api.ServerOption
	if cfg.Experience.Enabled {
		records, err := experience.NewStore(ctx, cfg.Experience.DBPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = records.Close() })

		expInvoker := invoker.New(
			invoker.WithHTTPTimeout(cfg.Experience.HTTPTimeout()),
			invoker.WithStdioTimeout(cfg.Experience.SubprocessTimeout()),
			invoker.WithGuardOptions(urlguard.WithPrivateAllowed()),
		)
		app.Experience = experience.NewEngine(engine, llmClient, records, expInvoker, cfg.Experience)
		app.Records = records
		serverOpts = append(serverOpts, api.WithExperience(app.Experience, records))
	}

	// 7. Tool bridge.
	if cfg.ToolBridge.Enabled {
		inv := invoker.New(
			invoker.WithHTTPTimeout(cfg.ToolBridge.InvokeTimeout()),
			invoker.WithStdioTimeout(cfg.ToolBridge.SubprocessTimeout()),
			invoker.WithGuardOptions(urlguard.WithPrivateAllowed()),
		)
		executor := toolbridge.NewExecutor(inv, llmClient, cfg.ToolBridge)
		var cache toolbridge.ExperienceCache
		if app.Experience != nil {
			cache = app.Experience
		}
		proxy := toolbridge.NewChatProxy(llmClient, engine, store, executor, cache, cfg.ToolBridge)
		serverOpts = append(serverOpts, api.WithToolBridge(proxy))
	}

	// 8. HTTP server.
	server := httptest.NewServer(api.NewServer(engine, store, llmClient, serverOpts...).Handler())
	t.Cleanup(server.Close)
	app.httpDriver = httpDriver{BaseURL: server.URL, client: server.Client(), t: t}

	return app
}

// IndexManifest stores a manifest under domain with an explicit vector,
// the way a crawled domain lands in the index.
func (a *TestApp) IndexManifest(domain string, doc map[string]any, vec []float32) {
	a.t.Helper()
	hash, err := manifest.HashValue(doc)
	require.NoError(a.t, err)
	require.NoError(a.t, a.Store.Upsert(context.Background(), domain, doc, vec, hash))
}

// writeCredentials renders a tool bridge credentials file.
func writeCredentials(t *testing.T, path string, credentials map[string]config.Credential) {
	t.Helper()
	data, err := yaml.Marshal(map[string]any{"credentials": credentials})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// httpDriver issues JSON requests against a test server and decodes the
// replies.
type httpDriver struct {
	BaseURL string
	client  *http.Client
	t       *testing.T
}

// Get issues a GET, decodes the JSON reply into out when out is non-nil,
// and returns the status code.
func (d *httpDriver) Get(path string, out any) int {
	d.t.Helper()
	return d.do(http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body.
func (d *httpDriver) Post(path string, body, out any) int {
	d.t.Helper()
	return d.do(http.MethodPost, path, body, out)
}

// Delete issues a DELETE.
func (d *httpDriver) Delete(path string, out any) int {
	d.t.Helper()
	return d.do(http.MethodDelete, path, nil, out)
}

func (d *httpDriver) do(method, path string, body, out any) int {
	d.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(d.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, d.BaseURL+path, reader)
	require.NoError(d.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	require.NoError(d.t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(d.t, err)
	if out != nil && len(data) > 0 {
		require.NoError(d.t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp.StatusCode
}
