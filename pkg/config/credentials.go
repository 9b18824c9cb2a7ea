package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential is a per-domain secret used by the tool bridge when invoking
// auth-gated manifests. Type matches the manifest's declared auth scheme
// (api_key, bearer). The key itself must never be logged.
type Credential struct {
	Key  string `yaml:"key"`
	Type string `yaml:"type"`
}

type credentialsFile struct {
	Credentials map[string]Credential `yaml:"credentials"`
}

// LoadCredentials reads the credentials file, keyed by manifest domain.
// A missing file yields an empty map; the bridge simply has nothing to
// inject. The file is re-read per chat request so edits apply live.
func LoadCredentials(path string) (map[string]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if file.Credentials == nil {
		return map[string]Credential{}, nil
	}
	return file.Credentials, nil
}
