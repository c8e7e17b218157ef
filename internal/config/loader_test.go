package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file under a fake home directory with
// secure permissions and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "wardend")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFile_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8085
  rate_limit: 25
store:
  in_memory: true
orchestrator:
  max_fan_out: 8
  strategy_timeout: 45s
roles:
  roles:
    - name: repairer
      domains: [repair]
      allow: ["src/**"]
      deny: ["src/secrets/**"]
      capabilities: [create, modify]
      strategies:
        analysis: repair-analysis
signals:
  enabled: true
  url: nats://localhost:4222
  token: s3cret
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, float64(25), cfg.Server.RateLimit)
	assert.True(t, cfg.Store.InMemory)
	assert.Equal(t, 8, cfg.Orchestrator.MaxFanOut)
	assert.Equal(t, "45s", cfg.Orchestrator.StrategyTimeout.Duration().String())

	require.Len(t, cfg.Roles.Roles, 1)
	role := cfg.Roles.Roles[0]
	assert.Equal(t, "repairer", role.Name)
	assert.Equal(t, []string{"repair"}, role.Domains)
	assert.Equal(t, []string{"src/secrets/**"}, role.Deny)
	assert.Equal(t, "repair-analysis", role.Strategies.Analysis)

	assert.Equal(t, "s3cret", cfg.Signals.Token.Value())
	assert.Equal(t, "[REDACTED]", cfg.Signals.Token.String())
}

func TestLoadWithFile_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8085
store:
  in_memory: true
`)
	t.Setenv("SERVER_PORT", "9999")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("STORE_IN_MEMORY", "true")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 9470, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Orchestrator.MaxFanOut)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8085\n")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("{}"), 0600))

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map\n")
	_, err := LoadWithFile(path)
	require.Error(t, err)
}
