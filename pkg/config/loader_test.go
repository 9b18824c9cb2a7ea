package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "nomic-embed-text", cfg.Ollama.EmbedModel)
	assert.Equal(t, "127.0.0.1:8300", cfg.API.Addr())
	assert.False(t, cfg.Experience.Enabled)
	assert.True(t, cfg.ToolBridge.Enabled)
	assert.Equal(t, 0.85, cfg.Experience.ConfidenceThreshold)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
ollama:
  generate_model: llama3.2
  timeout: 60
crawler:
  concurrency: 2
experience:
  enabled: true
  confidence_threshold: 0.9
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "llama3.2", cfg.Ollama.GenerateModel)
	assert.Equal(t, 60, cfg.Ollama.Timeout)
	assert.Equal(t, 2, cfg.Crawler.Concurrency)
	assert.True(t, cfg.Experience.Enabled)
	assert.Equal(t, 0.9, cfg.Experience.ConfidenceThreshold)

	// Untouched sections keep their defaults.
	assert.Equal(t, "nomic-embed-text", cfg.Ollama.EmbedModel)
	assert.Equal(t, "seeds.txt", cfg.Crawler.SeedsFile)
}

func TestLoadExplicitFalseSurvivesMerge(t *testing.T) {
	path := writeConfig(t, `
tool_bridge:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.ToolBridge.Enabled)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
ollama:
  base_url: http://file:11434
`)

	t.Setenv("OAP_OLLAMA_BASE_URL", "http://env:11434")
	t.Setenv("OAP_API_PORT", "9999")
	t.Setenv("OAP_EXPERIENCE_ENABLED", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://env:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, 9999, cfg.API.Port)
	assert.True(t, cfg.Experience.Enabled)
}

func TestEnvBoolForms(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"Yes", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"banana", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := false
			t.Setenv("OAP_TEST_BOOL", tt.value)
			envBool(&got, "OAP_TEST_BOOL")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	n := 42
	t.Setenv("OAP_TEST_INT", "not-a-number")
	envInt(&n, "OAP_TEST_INT")
	assert.Equal(t, 42, n)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "ollama: [broken")

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoadValidationRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 99999
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestLoadTrustDefaults(t *testing.T) {
	cfg, err := LoadTrust(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "./oap_trust_data/keys", cfg.Keys.Path)
	assert.Equal(t, 90, cfg.Attestation.Layer1ExpiryDays)
	assert.Equal(t, 7, cfg.Attestation.Layer2ExpiryDays)
	assert.Equal(t, int64(1024*1024), cfg.Attestation.MaxManifestSize)
	assert.False(t, cfg.Attestation.AllowHTTP)
	assert.Equal(t, "127.0.0.1:8301", cfg.API.Addr())
}

func TestLoadTrustEnvOverride(t *testing.T) {
	t.Setenv("OAP_ATTESTATION_ALLOW_HTTP", "1")
	t.Setenv("OAP_KEYS_PATH", "/tmp/keys")

	cfg, err := LoadTrust(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Attestation.AllowHTTP)
	assert.Equal(t, "/tmp/keys", cfg.Keys.Path)
}

func TestLoadDashboardDefaults(t *testing.T) {
	cfg, err := LoadDashboard(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "dashboard.db", cfg.Database.Path)
	assert.Equal(t, "seeds.txt", cfg.Tracker.SeedsFile)
	assert.Equal(t, 10, cfg.Tracker.Concurrency)
	assert.Equal(t, 21600, cfg.Tracker.Interval)
	assert.Equal(t, "0.0.0.0:8302", cfg.API.Addr())
}

func TestLoadDashboardFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
crawler:
  seeds_file: fleet.txt
  concurrency: 3
`)
	t.Setenv("OAP_API_PORT", "9302")

	cfg, err := LoadDashboard(path)
	require.NoError(t, err)

	assert.Equal(t, "fleet.txt", cfg.Tracker.SeedsFile)
	assert.Equal(t, 3, cfg.Tracker.Concurrency)
	assert.Equal(t, 9302, cfg.API.Port)
}

func TestBackendSecretEnvOnly(t *testing.T) {
	t.Setenv("OAP_BACKEND_SECRET", "s3cret")
	assert.Equal(t, "s3cret", BackendSecret())
}
