// Package llm is the Ollama client used for embeddings, generation and
// tool-calling chat. One Client instance is shared process-wide; Ollama
// serializes generation internally, so callers must not assume parallel
// calls speed anything up.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/models"
)

// Embedding prefixes required by nomic-embed-text. Stored documents and
// search queries are embedded into different subspaces.
const (
	DocumentPrefix = "search_document: "
	QueryPrefix    = "search_query: "
)

// Client talks to the Ollama HTTP API.
type Client struct {
	base       string
	httpc      *http.Client
	embedModel string
	genModel   string
	numCtx     int
	keepAlive  string
}

// NewClient builds a Client from the ollama config section.
func NewClient(cfg config.OllamaConfig) *Client {
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpc:      &http.Client{Timeout: cfg.RequestTimeout()},
		embedModel: cfg.EmbedModel,
		genModel:   cfg.GenerateModel,
		numCtx:     cfg.NumCtx,
		keepAlive:  cfg.KeepAlive,
	}
}

// GenerateModel returns the configured generation model name.
func (c *Client) GenerateModel() string { return c.genModel }

// Healthy reports whether Ollama answers on /api/tags.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

func (c *Client) embed(ctx context.Context, text, prefix string) ([]float32, *models.LLMCallMeta, error) {
	start := time.Now()
	var out embedResponse
	err := c.post(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: prefix + text}, &out)
	if err != nil {
		return nil, nil, err
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, nil, fmt.Errorf("ollama returned no embedding for model %s", c.embedModel)
	}
	meta := &models.LLMCallMeta{
		Model:        c.embedModel,
		PromptTokens: out.PromptEvalCount,
		TotalMS:      float64(time.Since(start).Microseconds()) / 1000.0,
	}
	return out.Embeddings[0], meta, nil
}

// EmbedQuery embeds a search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, *models.LLMCallMeta, error) {
	return c.embed(ctx, text, QueryPrefix)
}

// EmbedDocument embeds a document for storage.
func (c *Client) EmbedDocument(ctx context.Context, text string) ([]float32, *models.LLMCallMeta, error) {
	return c.embed(ctx, text, DocumentPrefix)
}

// callOptions carry the per-call knobs of Generate and Chat.
type callOptions struct {
	model       string
	system      string
	format      string
	temperature *float64
	think       *bool
	timeout     time.Duration
	tools       []models.Tool
}

// CallOption customizes one Generate or Chat call.
type CallOption func(*callOptions)

// WithModel overrides the configured generation model. The chat proxy
// uses this to honor the model its client asked for.
func WithModel(model string) CallOption {
	return func(o *callOptions) { o.model = model }
}

// WithSystem sets the system prompt.
func WithSystem(system string) CallOption {
	return func(o *callOptions) { o.system = system }
}

// WithJSONFormat asks Ollama to constrain the reply to valid JSON.
func WithJSONFormat() CallOption {
	return func(o *callOptions) { o.format = "json" }
}

// WithTemperature fixes the sampling temperature.
func WithTemperature(t float64) CallOption {
	return func(o *callOptions) { o.temperature = &t }
}

// WithThinking toggles the model's thinking phase. Reasoning models emit
// <think> blocks unless this is disabled.
func WithThinking(enabled bool) CallOption {
	return func(o *callOptions) { o.think = &enabled }
}

// WithTimeout overrides the client timeout for this call. Generation is
// much slower than embedding, so callers stretch it per use.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithTools offers tool definitions to a chat call.
func WithTools(tools []models.Tool) CallOption {
	return func(o *callOptions) { o.tools = tools }
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	Format    string         `json:"format,omitempty"`
	Think     *bool          `json:"think,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// Generate runs a single-prompt completion and returns the raw response
// text, which may contain <think> blocks unless thinking was disabled.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...CallOption) (string, *models.LLMCallMeta, error) {
	o := buildCallOptions(opts)
	model := c.genModel
	if o.model != "" {
		model = o.model
	}

	req := generateRequest{
		Model:     model,
		Prompt:    prompt,
		System:    o.system,
		Stream:    false,
		Format:    o.format,
		Think:     o.think,
		Options:   c.modelOptions(o),
		KeepAlive: c.keepAlive,
	}

	start := time.Now()
	var out generateResponse
	if err := c.postWithTimeout(ctx, "/api/generate", req, &out, o.timeout); err != nil {
		return "", nil, err
	}
	if out.Error != "" {
		return "", nil, fmt.Errorf("ollama generate failed: %s", out.Error)
	}

	meta := &models.LLMCallMeta{
		Model:           model,
		PromptTokens:    out.PromptEvalCount,
		GeneratedTokens: out.EvalCount,
		TotalMS:         float64(time.Since(start).Microseconds()) / 1000.0,
	}
	return out.Response, meta, nil
}

type chatRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	Stream    bool                 `json:"stream"`
	Tools     []models.Tool        `json:"tools,omitempty"`
	Format    string               `json:"format,omitempty"`
	Think     *bool                `json:"think,omitempty"`
	Options   map[string]any       `json:"options,omitempty"`
	KeepAlive string               `json:"keep_alive,omitempty"`
}

// ChatResult is one /api/chat exchange. Raw preserves Ollama's complete
// response document so proxies can pass it through unmodified.
type ChatResult struct {
	Message    models.ChatMessage
	DoneReason string
	Meta       models.LLMCallMeta
	Raw        map[string]any
}

// Chat runs one conversation turn, optionally offering tools.
func (c *Client) Chat(ctx context.Context, messages []models.ChatMessage, opts ...CallOption) (*ChatResult, error) {
	o := buildCallOptions(opts)
	model := c.genModel
	if o.model != "" {
		model = o.model
	}

	if o.system != "" {
		messages = append([]models.ChatMessage{{Role: "system", Content: o.system}}, messages...)
	}
	req := chatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    false,
		Tools:     o.tools,
		Format:    o.format,
		Think:     o.think,
		Options:   c.modelOptions(o),
		KeepAlive: c.keepAlive,
	}

	start := time.Now()
	body, err := c.postRaw(ctx, "/api/chat", req, o.timeout)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode ollama chat response: %w", err)
	}
	if msg, ok := raw["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("ollama chat failed: %s", msg)
	}

	var typed struct {
		Message         models.ChatMessage `json:"message"`
		DoneReason      string             `json:"done_reason"`
		PromptEvalCount int                `json:"prompt_eval_count"`
		EvalCount       int                `json:"eval_count"`
	}
	if err := json.Unmarshal(body, &typed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama chat message: %w", err)
	}

	return &ChatResult{
		Message:    typed.Message,
		DoneReason: typed.DoneReason,
		Meta: models.LLMCallMeta{
			Model:           model,
			PromptTokens:    typed.PromptEvalCount,
			GeneratedTokens: typed.EvalCount,
			TotalMS:         float64(time.Since(start).Microseconds()) / 1000.0,
		},
		Raw: raw,
	}, nil
}

func buildCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// modelOptions builds the Ollama options block from config and per-call
// settings.
func (c *Client) modelOptions(o callOptions) map[string]any {
	opts := map[string]any{}
	if c.numCtx > 0 {
		opts["num_ctx"] = c.numCtx
	}
	if o.temperature != nil {
		opts["temperature"] = *o.temperature
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.postWithTimeout(ctx, path, in, out, 0)
}

func (c *Client) postWithTimeout(ctx context.Context, path string, in, out any, timeout time.Duration) error {
	body, err := c.postRaw(ctx, path, in, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode ollama response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) postRaw(ctx context.Context, path string, in any, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ollama request: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpc := c.httpc
	if timeout > 0 {
		// Per-call deadlines longer than the client default need their
		// own transport-level budget; context carries the deadline.
		httpc = &http.Client{Timeout: 0, Transport: c.httpc.Transport}
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Ollama returned non-200", "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("ollama returned HTTP %d for %s", resp.StatusCode, path)
	}
	return body, nil
}
