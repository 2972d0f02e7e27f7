package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("LAUNCHPAD_AGENT_TOKEN", "")
	t.Setenv("LAUNCHPAD_STORE_DSN", "")
	t.Setenv("LAUNCHPAD_LISTEN", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":3001", cfg.Agent.Listen)
	require.Equal(t, "streamlit", cfg.Agent.DefaultTarget)
	require.True(t, cfg.Agent.TerminateOnShutdown)
	require.Len(t, cfg.Dashboards, 2)
	require.Equal(t, "http://localhost:8501", cfg.Dashboards[0].URL)
	require.Equal(t, "http://localhost:8502", cfg.Dashboards[1].URL)
	require.Equal(t, filepath.Join(dir, "data", "launchpad", "launchpad.db"), cfg.Store.DSN)
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigOverridesAndSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  listen: ":4000"
  default_target: notebook
  terminate_on_shutdown: false
targets:
  - name: notebook
    command: [jupyter, lab]
    port: 8888
store:
  driver: postgres
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# comment\nLAUNCHPAD_AGENT_TOKEN=s3cret\nLAUNCHPAD_STORE_DSN=\"postgres://u@db/launchpad\"\n"), 0o600))
	t.Setenv("LAUNCHPAD_AGENT_TOKEN", "")
	t.Setenv("LAUNCHPAD_STORE_DSN", "")
	t.Setenv("LAUNCHPAD_LISTEN", "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":4000", cfg.Agent.Listen)
	require.False(t, cfg.Agent.TerminateOnShutdown)
	require.Len(t, cfg.Targets, 1)
	require.Equal(t, "notebook", cfg.Targets[0].Name)
	require.Equal(t, "s3cret", cfg.Agent.Token)
	require.Equal(t, "postgres://u@db/launchpad", cfg.Store.DSN)
	// dashboards not mentioned keep their defaults
	require.Len(t, cfg.Dashboards, 2)
}

func TestLoadConfigRejectsUnknownDefaultTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  default_target: ghost\n"), 0o600))
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "default target not in catalog")
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launchpad", "config.yaml")
	wrote, err := WriteDefaultConfig(path)
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = WriteDefaultConfig(path)
	require.NoError(t, err)
	require.False(t, wrote)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "streamlit", cfg.Targets[0].Name)
}
