package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxActionsPerPlan)
	assert.Equal(t, 30*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, 5, cfg.Engine.SubstitutionPasses)
	assert.Equal(t, 2000, cfg.Engine.HistoryLimit)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeSettings(t, `
engine:
  max_actions_per_plan: 5
  action_timeout: 2s
store:
  driver: redis
redis:
  addr: redis:6379
policy:
  rules:
    - name: no-deletes
      expr: 'action != "files.delete"'
plugins:
  - name: weather
    command: weather-mcp
    args: ["--stdio"]
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxActionsPerPlan)
	assert.Equal(t, 2*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, 10, cfg.Engine.PoolSize, "untouched keys keep defaults")
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Len(t, cfg.Policy.Rules, 1)
	assert.Equal(t, "no-deletes", cfg.Policy.Rules[0].Name)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, []string{"--stdio"}, cfg.Plugins[0].Args)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeSettings(t, "engine:\n  action_timeout: 2s\n")
	t.Setenv("CONDUCTOR_ENGINE_ACTION_TIMEOUT", "45s")
	t.Setenv("CONDUCTOR_LLM_API_KEY", "sk-test")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"zero max actions":   "engine:\n  max_actions_per_plan: 0\n",
		"unknown driver":     "store:\n  driver: postgres\n",
		"bad log level":      "log:\n  level: loud\n",
		"rule without expr":  "policy:\n  rules:\n    - name: r\n",
		"duplicate plugin":   "plugins:\n  - {name: a, command: x}\n  - {name: a, command: y}\n",
		"redis without addr": "store:\n  driver: redis\nredis:\n  addr: \"\"\n",
		"malformed yaml":     "engine: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeSettings(t, body))
			require.Error(t, err)
		})
	}
}

func TestTransformEnvKey(t *testing.T) {
	k, v := transformEnvKey("CONDUCTOR_STORE_MAX_SESSIONS", "7")
	assert.Equal(t, "store.max_sessions", k)
	assert.Equal(t, "7", v)

	k, _ = transformEnvKey("CONDUCTOR_DEBUG", "1")
	assert.Equal(t, "debug", k)
}
