package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anteroom/anteroom/internal/mcp"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTEROOM_DATA_DIR", filepath.Join(t.TempDir(), "data"))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "gpt-4", cfg.AI.Model)
	assert.True(t, cfg.AI.VerifyTLS())
	assert.True(t, cfg.BuiltinToolsEnabled())

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
host: 0.0.0.0
port: 9000
data_dir: ` + filepath.Join(dir, "data") + `
ai:
  base_url: http://llm.example.com/v1
  api_key: secret
  model: local-model
  verify_ssl: false
engine:
  max_iterations: 5
builtin_tools: false
providers:
  - name: files
    command: mcp-files
    args: ["--root", "/srv"]
  - name: web
    transport: sse
    url: https://tools.example.com
    timeout_ms: 1500
shared_databases:
  - name: team
    path: ` + filepath.Join(dir, "team.db") + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, "local-model", cfg.AI.Model)
	assert.False(t, cfg.AI.VerifyTLS())
	assert.False(t, cfg.BuiltinToolsEnabled())
	assert.Equal(t, 5, cfg.Engine.MaxIterations)

	servers := cfg.ServerConfigs()
	require.Len(t, servers, 2)
	assert.Equal(t, mcp.TransportStdio, servers[0].Transport)
	assert.Equal(t, "mcp-files", servers[0].Command)
	assert.Equal(t, mcp.TransportSSE, servers[1].Transport)
	assert.Equal(t, 1500*time.Millisecond, servers[1].Timeout)

	shared := cfg.SharedDatabases()
	require.Len(t, shared, 1)
	assert.Contains(t, shared["team"], "team.db")
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\ndata_dir: "+dir+"\n"), 0o600))

	t.Setenv("ANTEROOM_PORT", "7777")
	t.Setenv("ANTEROOM_MODEL", "env-model")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "env-model", cfg.AI.Model)
}

func TestLoadExpandsAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nai:\n  api_key: $TEST_ANTEROOM_KEY\n"), 0o600))

	t.Setenv("TEST_ANTEROOM_KEY", "expanded-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.AI.APIKey)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\nnot yaml ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("ANTEROOM_DATA_DIR", filepath.Join(t.TempDir(), "data"))

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}
