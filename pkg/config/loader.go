package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/volteria/controller/pkg/types"
)

// conventionalPaths are searched in order when VOLTERIA_CONFIG_PATH is
// unset. The first existing file wins.
var conventionalPaths = []string{
	"/etc/volteria/config.yaml",
	"/opt/volteria/config.yaml",
	"config.yaml",
}

// cacheFile is the name of the last-known-good config snapshot inside the
// data directory. It lets a controller boot with the cloud and the config
// file both unavailable.
const cacheFile = "config_cache.yaml"

// ResolvePath returns the config file path: the env override if set,
// otherwise the first conventional path that exists.
func ResolvePath() (string, error) {
	if p := os.Getenv("VOLTERIA_CONFIG_PATH"); p != "" {
		return p, nil
	}
	for _, p := range conventionalPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &types.ConfigError{Reason: "no config file found (set VOLTERIA_CONFIG_PATH or place config.yaml at a conventional path)"}
}

// Load reads, decodes and validates a site config file.
func Load(path string) (*types.SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Field: path, Reason: err.Error()}
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (*types.SiteConfig, error) {
	var cfg types.SiteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteCache persists the last-known-good config atomically.
func WriteCache(dataDir string, cfg *types.SiteConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(dataDir, cacheFile)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// LoadCache reads the cached config snapshot. Returns nil without error
// when no cache exists yet.
func LoadCache(dataDir string) (*types.SiteConfig, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, cacheFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
