package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	prov "github.com/3cpo-dev/launchpad/internal/providers"
)

// LoadConfig reads YAML configuration over the built-in defaults. If path is
// empty, it resolves $XDG_CONFIG_HOME/launchpad/config.yaml or
// ~/.config/launchpad/config.yaml, and a missing file there is not an error.
func LoadConfig(path string) (prov.Config, error) {
	cfg := prov.DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
		log.Debug().Str("path", path).Msg("no config file, using defaults")
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, k := range []string{"LAUNCHPAD_AGENT_TOKEN", "LAUNCHPAD_STORE_DSN", "LAUNCHPAD_REDIS_PASSWORD"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["LAUNCHPAD_AGENT_TOKEN"]; t != "" {
		cfg.Agent.Token = t
	}
	if dsn := secrets["LAUNCHPAD_STORE_DSN"]; dsn != "" {
		cfg.Store.DSN = dsn
	}
	if pw := secrets["LAUNCHPAD_REDIS_PASSWORD"]; pw != "" {
		cfg.Events.Password = pw
	}
	if v := os.Getenv("LAUNCHPAD_LISTEN"); v != "" {
		cfg.Agent.Listen = v
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(DataDir(), "launchpad.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefaultConfig writes the built-in defaults to path unless a file is
// already there. It reports whether a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(prov.DefaultConfig())
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
