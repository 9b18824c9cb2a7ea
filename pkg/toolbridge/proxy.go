package toolbridge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/models"
)

// Experience cache states reported in chat responses.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheDegraded = "degraded"
)

// degradeFactor is applied to a cached record's confidence when its
// replayed tool fails mid-chat.
const degradeFactor = 0.7

// savedConfidence is assigned to records created from a clean chat-driven
// tool run.
const savedConfidence = 0.9

// ChatClient is the LLM surface the proxy needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []models.ChatMessage, opts ...llm.CallOption) (*llm.ChatResult, error)
}

// Discoverer matches tasks to manifests.
type Discoverer interface {
	Discover(ctx context.Context, task string, topK int) (*models.DiscoverResponse, error)
}

// ManifestSource returns stored manifests by domain.
type ManifestSource interface {
	Get(domain string) (map[string]any, bool)
}

// ToolRunner executes a single tool call.
type ToolRunner interface {
	Execute(ctx context.Context, toolName string, args map[string]any, registry map[string]models.ToolRegistryEntry, task string, credentials map[string]config.Credential) string
}

// ExperienceCache is the procedural-memory surface the proxy consults
// before discovery and feeds after successful runs. All methods tolerate
// being slow (they call the LLM); none is required for the proxy to work.
type ExperienceCache interface {
	// CheckCache fingerprints the task and returns an eligible cached
	// record, or nil when the task has no usable history.
	CheckCache(ctx context.Context, task string) (*models.ExperienceRecord, error)
	// DegradeConfidence multiplies the record's confidence by factor and
	// marks its outcome failed. Returns the new confidence, or nil when
	// the record is gone.
	DegradeConfidence(id string, factor float64) (*float64, error)
	// RecordSuccess persists a fresh experience for a tool that just ran
	// cleanly inside a chat.
	RecordSuccess(ctx context.Context, task string, entry models.ToolRegistryEntry, args map[string]any, confidence float64) error
}

// ChatProxy forwards Ollama-compatible chat requests, injecting
// discovered tools and executing the model's tool calls in bounded
// rounds. With an experience cache attached it routes repeat tasks
// straight to their cached manifest and falls back to full discovery
// when a cached tool fails.
type ChatProxy struct {
	llm      ChatClient
	engine   Discoverer
	store    ManifestSource
	executor ToolRunner
	cache    ExperienceCache
	cfg      config.ToolBridgeConfig
}

// NewChatProxy wires a proxy. cache may be nil when the experience
// subsystem is disabled.
func NewChatProxy(llmClient ChatClient, engine Discoverer, store ManifestSource, executor ToolRunner, cache ExperienceCache, cfg config.ToolBridgeConfig) *ChatProxy {
	return &ChatProxy{
		llm:      llmClient,
		engine:   engine,
		store:    store,
		executor: executor,
		cache:    cache,
		cfg:      cfg,
	}
}

// DiscoverTools runs discovery for a task and converts the match plus
// every candidate into tool definitions with an execution registry.
func DiscoverTools(ctx context.Context, engine Discoverer, store ManifestSource, task string, topK int) ([]models.Tool, map[string]models.ToolRegistryEntry, error) {
	result, err := engine.Discover(ctx, task, topK)
	if err != nil {
		return nil, nil, err
	}

	var domains []string
	seen := map[string]bool{}
	add := func(domain string) {
		if domain != "" && !seen[domain] {
			seen[domain] = true
			domains = append(domains, domain)
		}
	}
	if result.Match != nil {
		add(result.Match.Domain)
	}
	for _, c := range result.Candidates {
		add(c.Domain)
	}

	tools := []models.Tool{}
	registry := map[string]models.ToolRegistryEntry{}
	for _, domain := range domains {
		raw, ok := store.Get(domain)
		if !ok {
			continue
		}
		entry := Convert(domain, raw)
		tools = append(tools, entry.Tool)
		registry[entry.Tool.Function.Name] = entry
	}
	return tools, registry, nil
}

type attemptOutcome struct {
	raw        map[string]any
	round      int
	toolErrors bool
	lastTool   *models.ToolRegistryEntry
	lastArgs   map[string]any
}

// Chat runs the proxied conversation. The returned map is Ollama's
// response document augmented with oap_* metadata; errors mean the
// upstream LLM could not be reached and map to a 502 at the API layer.
func (p *ChatProxy) Chat(ctx context.Context, req *models.ChatRequest) (map[string]any, error) {
	maxRounds := min(req.EffectiveMaxRounds(), p.cfg.MaxRounds)
	task := req.LastUserMessage()

	var (
		tools      []models.Tool
		registry   map[string]models.ToolRegistryEntry
		cacheState string
		cachedID   string
	)

	if req.Discover() && task != "" {
		if p.cache != nil {
			cacheState = CacheMiss
			record, err := p.cache.CheckCache(ctx, task)
			if err != nil {
				slog.Warn("Experience cache check failed", "error", err)
			}
			if record != nil {
				if entry, ok := p.entryFor(record.Discovery.ManifestMatched); ok {
					cacheState = CacheHit
					cachedID = record.ID
					tools = []models.Tool{entry.Tool}
					registry = map[string]models.ToolRegistryEntry{entry.Tool.Function.Name: entry}
					slog.Info("Experience cache hit",
						"experience_id", record.ID,
						"domain", record.Discovery.ManifestMatched)
				}
			}
		}
		if cacheState != CacheHit {
			var err error
			tools, registry, err = DiscoverTools(ctx, p.engine, p.store, task, req.EffectiveTopK())
			if err != nil {
				// Chat still works without injected tools; the model just
				// answers unassisted.
				slog.Warn("Tool discovery failed", "error", err)
				tools, registry = nil, map[string]models.ToolRegistryEntry{}
			}
		}
	}
	tools = append(tools, req.Tools...)

	credentials := p.loadCredentials()

	outcome, err := p.runRounds(ctx, req, tools, registry, task, credentials, maxRounds)
	if err != nil {
		return nil, err
	}

	// A cached tool that errors gets one silent retry: drop the record's
	// confidence and rerun the whole conversation with freshly discovered
	// tools.
	if cacheState == CacheHit && outcome.toolErrors {
		slog.Info("Cached tool failed, degrading and retrying with full discovery",
			"experience_id", cachedID)
		if _, derr := p.cache.DegradeConfidence(cachedID, degradeFactor); derr != nil {
			slog.Warn("Confidence degrade failed", "experience_id", cachedID, "error", derr)
		}
		cacheState = CacheDegraded
		tools, registry, err = DiscoverTools(ctx, p.engine, p.store, task, req.EffectiveTopK())
		if err != nil {
			slog.Warn("Rediscovery failed", "error", err)
			tools, registry = nil, map[string]models.ToolRegistryEntry{}
		}
		tools = append(tools, req.Tools...)

		outcome, err = p.runRounds(ctx, req, tools, registry, task, credentials, maxRounds)
		if err != nil {
			return nil, err
		}
	}

	if p.cache != nil && cacheState != CacheHit && !outcome.toolErrors && outcome.lastTool != nil {
		if err := p.cache.RecordSuccess(ctx, task, *outcome.lastTool, outcome.lastArgs, savedConfidence); err != nil {
			slog.Warn("Failed to save experience record", "error", err)
		}
	}

	resp := outcome.raw
	resp["oap_tools_injected"] = len(registry)
	resp["oap_round"] = outcome.round
	if cacheState != "" {
		resp["oap_experience_cache"] = cacheState
	}
	if req.OAPDebug {
		names := make([]string, 0, len(registry))
		for name := range registry {
			names = append(names, name)
		}
		resp["oap_debug"] = map[string]any{
			"task":       task,
			"tool_names": names,
		}
	}
	return resp, nil
}

// runRounds drives one attempt: chat, execute tool calls, feed results
// back, repeat until the model stops calling tools or the round budget
// runs out.
func (p *ChatProxy) runRounds(ctx context.Context, req *models.ChatRequest, tools []models.Tool, registry map[string]models.ToolRegistryEntry, task string, credentials map[string]config.Credential, maxRounds int) (*attemptOutcome, error) {
	messages := make([]models.ChatMessage, len(req.Messages))
	copy(messages, req.Messages)

	outcome := &attemptOutcome{}

	for round := 1; round <= maxRounds; round++ {
		opts := []llm.CallOption{
			llm.WithModel(req.Model),
			llm.WithTimeout(p.cfg.ChatTimeout()),
		}
		if len(tools) > 0 {
			opts = append(opts, llm.WithTools(tools))
		}
		result, err := p.llm.Chat(ctx, messages, opts...)
		if err != nil {
			return nil, err
		}
		outcome.raw = result.Raw
		outcome.round = round

		if len(result.Message.ToolCalls) == 0 || !req.AutoExecute() {
			return outcome, nil
		}

		slog.Info("Executing tool calls", "round", round, "count", len(result.Message.ToolCalls))
		messages = append(messages, result.Message)

		for _, tc := range result.Message.ToolCalls {
			resultStr := p.executor.Execute(ctx, tc.Function.Name, tc.Function.Arguments, registry, task, credentials)
			if strings.HasPrefix(resultStr, "Error") {
				outcome.toolErrors = true
			} else if entry, ok := registry[tc.Function.Name]; ok {
				outcome.lastTool = &entry
				outcome.lastArgs = tc.Function.Arguments
			}
			messages = append(messages, models.ChatMessage{
				Role:    "tool",
				Content: truncateText(resultStr, p.cfg.MaxToolResult),
			})
		}
	}

	// Round budget exhausted with the model still asking for tools; hand
	// back the last response as-is.
	return outcome, nil
}

func (p *ChatProxy) entryFor(domain string) (models.ToolRegistryEntry, bool) {
	raw, ok := p.store.Get(domain)
	if !ok {
		return models.ToolRegistryEntry{}, false
	}
	return Convert(domain, raw), true
}

// loadCredentials re-reads the credentials file so edits apply without a
// restart. Failures degrade to "no credentials" rather than failing the
// chat.
func (p *ChatProxy) loadCredentials() map[string]config.Credential {
	credentials, err := config.LoadCredentials(p.cfg.CredentialsFile)
	if err != nil {
		slog.Warn("Failed to load credentials file", "error", err)
		return map[string]config.Credential{}
	}
	return credentials
}
