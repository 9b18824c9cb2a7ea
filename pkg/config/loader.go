package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ErrInvalidYAML indicates a config file that exists but cannot be parsed.
var ErrInvalidYAML = errors.New("invalid YAML")

// Load reads the discovery service configuration from path, merges it over
// the defaults, and applies OAP_<SECTION>_<KEY> environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadTrust reads the trust service configuration from path, merging and
// overriding the same way Load does.
func LoadTrust(path string) (*TrustConfig, error) {
	cfg := DefaultTrust()

	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	applyTrustEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDashboard reads the adoption dashboard configuration from path,
// merging and overriding the same way Load does.
func LoadDashboard(path string) (*DashboardConfig, error) {
	cfg := DefaultDashboard()

	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	applyDashboardEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadYAML merges the file at path over the defaults already present in
// target. Booleans whose default is true need the explicit-false pass
// below; mergo treats false as unset.
func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No config file found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch cfg := target.(type) {
	case *Config:
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		if err := mergo.Merge(cfg, file, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge config: %w", err)
		}
		var flags struct {
			Experience struct {
				Enabled *bool `yaml:"enabled"`
			} `yaml:"experience"`
			ToolBridge struct {
				Enabled *bool `yaml:"enabled"`
			} `yaml:"tool_bridge"`
		}
		if err := yaml.Unmarshal(data, &flags); err == nil {
			if flags.Experience.Enabled != nil {
				cfg.Experience.Enabled = *flags.Experience.Enabled
			}
			if flags.ToolBridge.Enabled != nil {
				cfg.ToolBridge.Enabled = *flags.ToolBridge.Enabled
			}
		}
	case *TrustConfig:
		var file TrustConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		if err := mergo.Merge(cfg, file, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge config: %w", err)
		}
		var flags struct {
			Attestation struct {
				AllowHTTP *bool `yaml:"allow_http"`
			} `yaml:"attestation"`
		}
		if err := yaml.Unmarshal(data, &flags); err == nil {
			if flags.Attestation.AllowHTTP != nil {
				cfg.Attestation.AllowHTTP = *flags.Attestation.AllowHTTP
			}
		}
	case *DashboardConfig:
		var file DashboardConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		if err := mergo.Merge(cfg, file, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config type %T", target)
	}

	slog.Info("Loaded configuration", "path", path)
	return nil
}

// applyEnv overlays OAP_<SECTION>_<KEY> environment variables on the
// discovery configuration.
func applyEnv(cfg *Config) {
	envString(&cfg.Ollama.BaseURL, "OAP_OLLAMA_BASE_URL")
	envString(&cfg.Ollama.EmbedModel, "OAP_OLLAMA_EMBED_MODEL")
	envString(&cfg.Ollama.GenerateModel, "OAP_OLLAMA_GENERATE_MODEL")
	envInt(&cfg.Ollama.Timeout, "OAP_OLLAMA_TIMEOUT")
	envInt(&cfg.Ollama.NumCtx, "OAP_OLLAMA_NUM_CTX")
	envString(&cfg.Ollama.KeepAlive, "OAP_OLLAMA_KEEP_ALIVE")

	envString(&cfg.Index.Path, "OAP_INDEX_PATH")
	envString(&cfg.Index.Collection, "OAP_INDEX_COLLECTION")

	envString(&cfg.Crawler.SeedsFile, "OAP_CRAWLER_SEEDS_FILE")
	envString(&cfg.Crawler.SeedsDir, "OAP_CRAWLER_SEEDS_DIR")
	envInt(&cfg.Crawler.Interval, "OAP_CRAWLER_INTERVAL")
	envInt(&cfg.Crawler.Concurrency, "OAP_CRAWLER_CONCURRENCY")
	envString(&cfg.Crawler.UserAgent, "OAP_CRAWLER_USER_AGENT")
	envInt(&cfg.Crawler.RequestTimeout, "OAP_CRAWLER_REQUEST_TIMEOUT")

	envString(&cfg.API.Host, "OAP_API_HOST")
	envInt(&cfg.API.Port, "OAP_API_PORT")

	envBool(&cfg.Experience.Enabled, "OAP_EXPERIENCE_ENABLED")
	envString(&cfg.Experience.DBPath, "OAP_EXPERIENCE_DB_PATH")
	envFloat(&cfg.Experience.ConfidenceThreshold, "OAP_EXPERIENCE_CONFIDENCE_THRESHOLD")
	envInt(&cfg.Experience.MaxRecords, "OAP_EXPERIENCE_MAX_RECORDS")
	envInt(&cfg.Experience.InvokeTimeout, "OAP_EXPERIENCE_INVOKE_TIMEOUT")
	envInt(&cfg.Experience.StdioTimeout, "OAP_EXPERIENCE_STDIO_TIMEOUT")

	envBool(&cfg.ToolBridge.Enabled, "OAP_TOOL_BRIDGE_ENABLED")
	envInt(&cfg.ToolBridge.DefaultTopK, "OAP_TOOL_BRIDGE_DEFAULT_TOP_K")
	envInt(&cfg.ToolBridge.MaxRounds, "OAP_TOOL_BRIDGE_MAX_ROUNDS")
	envInt(&cfg.ToolBridge.OllamaTimeout, "OAP_TOOL_BRIDGE_OLLAMA_TIMEOUT")
	envInt(&cfg.ToolBridge.HTTPTimeout, "OAP_TOOL_BRIDGE_HTTP_TIMEOUT")
	envInt(&cfg.ToolBridge.StdioTimeout, "OAP_TOOL_BRIDGE_STDIO_TIMEOUT")
	envString(&cfg.ToolBridge.CredentialsFile, "OAP_TOOL_BRIDGE_CREDENTIALS_FILE")
	envInt(&cfg.ToolBridge.MaxToolResult, "OAP_TOOL_BRIDGE_MAX_TOOL_RESULT")
	envInt(&cfg.ToolBridge.SummarizeThreshold, "OAP_TOOL_BRIDGE_SUMMARIZE_THRESHOLD")
	envInt(&cfg.ToolBridge.ChunkSize, "OAP_TOOL_BRIDGE_CHUNK_SIZE")
}

// applyTrustEnv overlays OAP_<SECTION>_<KEY> environment variables on the
// trust configuration.
func applyTrustEnv(cfg *TrustConfig) {
	envString(&cfg.Keys.Path, "OAP_KEYS_PATH")
	envInt(&cfg.Keys.RotationDays, "OAP_KEYS_ROTATION_DAYS")

	envString(&cfg.Database.Path, "OAP_DATABASE_PATH")

	envInt(&cfg.Attestation.Layer1ExpiryDays, "OAP_ATTESTATION_LAYER1_EXPIRY_DAYS")
	envInt(&cfg.Attestation.Layer2ExpiryDays, "OAP_ATTESTATION_LAYER2_EXPIRY_DAYS")
	envInt(&cfg.Attestation.ChallengeTTL, "OAP_ATTESTATION_CHALLENGE_TTL")
	envInt(&cfg.Attestation.RequestTimeout, "OAP_ATTESTATION_REQUEST_TIMEOUT")
	envInt64(&cfg.Attestation.MaxManifestSize, "OAP_ATTESTATION_MAX_MANIFEST_SIZE")
	envBool(&cfg.Attestation.AllowHTTP, "OAP_ATTESTATION_ALLOW_HTTP")

	envString(&cfg.API.Host, "OAP_API_HOST")
	envInt(&cfg.API.Port, "OAP_API_PORT")
}

// applyDashboardEnv overlays OAP_<SECTION>_<KEY> environment variables on
// the dashboard configuration.
func applyDashboardEnv(cfg *DashboardConfig) {
	envString(&cfg.Database.Path, "OAP_DATABASE_PATH")

	envString(&cfg.Tracker.SeedsFile, "OAP_CRAWLER_SEEDS_FILE")
	envInt(&cfg.Tracker.RequestTimeout, "OAP_CRAWLER_TIMEOUT_SECONDS")
	envInt(&cfg.Tracker.Concurrency, "OAP_CRAWLER_CONCURRENCY")
	envInt(&cfg.Tracker.Interval, "OAP_CRAWLER_INTERVAL_SECONDS")

	envString(&cfg.API.Host, "OAP_API_HOST")
	envInt(&cfg.API.Port, "OAP_API_PORT")
}

// BackendSecret returns the shared API secret. It is environment-only so
// the credential never lands in a config file.
func BackendSecret() string {
	return os.Getenv("OAP_BACKEND_SECRET")
}

func envString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

func envInt(target *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("Ignoring non-integer environment override", "key", key)
		return
	}
	*target = n
}

func envInt64(target *int64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		slog.Warn("Ignoring non-integer environment override", "key", key)
		return
	}
	*target = n
}

func envFloat(target *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		slog.Warn("Ignoring non-numeric environment override", "key", key)
		return
	}
	*target = f
}

// envBool accepts true/1/yes, case-insensitively. Anything else is false.
func envBool(target *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		*target = true
	default:
		*target = false
	}
}
