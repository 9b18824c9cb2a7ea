// Package config loads service configuration from YAML with environment
// overrides of the form OAP_<SECTION>_<KEY>.
package config

import (
	"fmt"
	"time"
)

// Config is the discovery service configuration.
type Config struct {
	Ollama     OllamaConfig     `yaml:"ollama"`
	Index      IndexConfig      `yaml:"index"`
	Crawler    CrawlerConfig    `yaml:"crawler"`
	API        APIConfig        `yaml:"api"`
	Experience ExperienceConfig `yaml:"experience"`
	ToolBridge ToolBridgeConfig `yaml:"tool_bridge"`
}

// OllamaConfig points at the local Ollama instance used for embeddings
// and generation. Timeout is in seconds.
type OllamaConfig struct {
	BaseURL       string `yaml:"base_url"`
	EmbedModel    string `yaml:"embed_model"`
	GenerateModel string `yaml:"generate_model"`
	Timeout       int    `yaml:"timeout"`
	NumCtx        int    `yaml:"num_ctx"`
	KeepAlive     string `yaml:"keep_alive"`
}

// RequestTimeout returns the per-call timeout as a duration.
func (c OllamaConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// IndexConfig locates the on-disk vector index.
type IndexConfig struct {
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
}

// CrawlerConfig drives the manifest crawler. Interval and RequestTimeout
// are in seconds.
type CrawlerConfig struct {
	SeedsFile      string `yaml:"seeds_file"`
	SeedsDir       string `yaml:"seeds_dir"`
	Interval       int    `yaml:"interval"`
	Concurrency    int    `yaml:"concurrency"`
	UserAgent      string `yaml:"user_agent"`
	RequestTimeout int    `yaml:"request_timeout"`
}

// CrawlInterval returns the time between crawl passes.
func (c CrawlerConfig) CrawlInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// FetchTimeout returns the per-fetch timeout.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// APIConfig is the HTTP bind address for a service.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port bind address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExperienceConfig controls the procedural-memory cache. Timeouts are in
// seconds.
type ExperienceConfig struct {
	Enabled             bool    `yaml:"enabled"`
	DBPath              string  `yaml:"db_path"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxRecords          int     `yaml:"max_records"`
	InvokeTimeout       int     `yaml:"invoke_timeout"`
	StdioTimeout        int     `yaml:"stdio_timeout"`
}

// HTTPTimeout returns the invocation timeout for HTTP manifests.
func (c ExperienceConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.InvokeTimeout) * time.Second
}

// SubprocessTimeout returns the invocation timeout for stdio manifests.
func (c ExperienceConfig) SubprocessTimeout() time.Duration {
	return time.Duration(c.StdioTimeout) * time.Second
}

// ToolBridgeConfig controls the OpenAI-style tool facade and chat proxy.
// Timeouts are in seconds; size limits are in characters.
type ToolBridgeConfig struct {
	Enabled            bool   `yaml:"enabled"`
	DefaultTopK        int    `yaml:"default_top_k"`
	MaxRounds          int    `yaml:"max_rounds"`
	OllamaTimeout      int    `yaml:"ollama_timeout"`
	HTTPTimeout        int    `yaml:"http_timeout"`
	StdioTimeout       int    `yaml:"stdio_timeout"`
	CredentialsFile    string `yaml:"credentials_file"`
	MaxToolResult      int    `yaml:"max_tool_result"`
	SummarizeThreshold int    `yaml:"summarize_threshold"`
	ChunkSize          int    `yaml:"chunk_size"`
}

// ChatTimeout returns the timeout for proxied Ollama chat calls.
func (c ToolBridgeConfig) ChatTimeout() time.Duration {
	return time.Duration(c.OllamaTimeout) * time.Second
}

// InvokeTimeout returns the timeout for HTTP tool invocations.
func (c ToolBridgeConfig) InvokeTimeout() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

// SubprocessTimeout returns the timeout for stdio tool invocations.
func (c ToolBridgeConfig) SubprocessTimeout() time.Duration {
	return time.Duration(c.StdioTimeout) * time.Second
}

// Default returns the discovery service defaults.
func Default() *Config {
	return &Config{
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			EmbedModel:    "nomic-embed-text",
			GenerateModel: "qwen3:4b",
			Timeout:       30,
			NumCtx:        4096,
			KeepAlive:     "-1m",
		},
		Index: IndexConfig{
			Path:       "./oap_data",
			Collection: "manifests",
		},
		Crawler: CrawlerConfig{
			SeedsFile:      "seeds.txt",
			SeedsDir:       "seeds",
			Interval:       3600,
			Concurrency:    5,
			UserAgent:      "oap-crawler/0.1",
			RequestTimeout: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8300,
		},
		Experience: ExperienceConfig{
			Enabled:             false,
			DBPath:              "./oap_experience.db",
			ConfidenceThreshold: 0.85,
			MaxRecords:          10000,
			InvokeTimeout:       30,
			StdioTimeout:        10,
		},
		ToolBridge: ToolBridgeConfig{
			Enabled:            true,
			DefaultTopK:        5,
			MaxRounds:          3,
			OllamaTimeout:      300,
			HTTPTimeout:        30,
			StdioTimeout:       10,
			CredentialsFile:    "credentials.yaml",
			MaxToolResult:      8000,
			SummarizeThreshold: 4000,
			ChunkSize:          4000,
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url must not be empty")
	}
	if c.Index.Path == "" {
		return fmt.Errorf("index.path must not be empty")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Crawler.Concurrency < 1 {
		return fmt.Errorf("crawler.concurrency must be at least 1")
	}
	if c.Experience.ConfidenceThreshold < 0 || c.Experience.ConfidenceThreshold > 1 {
		return fmt.Errorf("experience.confidence_threshold %v out of [0,1]", c.Experience.ConfidenceThreshold)
	}
	if c.ToolBridge.DefaultTopK < 1 {
		return fmt.Errorf("tool_bridge.default_top_k must be at least 1")
	}
	if c.ToolBridge.MaxRounds < 1 {
		return fmt.Errorf("tool_bridge.max_rounds must be at least 1")
	}
	return nil
}
