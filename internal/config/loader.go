package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// LoadFile reads and decodes an HCL config file, applies defaults for any
// field left unset, resolves AccessKeyFile if present, and validates the
// result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes decodes HCL source already in memory, useful for tests and for
// embedding a default config.
func LoadBytes(data []byte, filename string) (*Config, error) {
	cfg := Defaults()
	if err := hclsimple.Decode(filename, data, nil, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", filename, err)
	}

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	if err := resolveAccessKeyFile(cfg); err != nil {
		return nil, err
	}

	if errs := Validate(cfg); errs.HasErrors() {
		return nil, errs
	}

	Normalize(cfg)
	return cfg, nil
}

// resolveAccessKeyFile reads AccessKeyFile, if set, and overwrites
// AccessKey with its trimmed contents.
func resolveAccessKeyFile(cfg *Config) error {
	if cfg.AccessKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.AccessKeyFile)
	if err != nil {
		return fmt.Errorf("config: failed to read access_key_file %s: %w", cfg.AccessKeyFile, err)
	}
	cfg.AccessKey = strings.TrimSpace(string(data))
	return nil
}
