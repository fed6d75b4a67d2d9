package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lessonforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("E2B_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.Equal(t, int64(4000), cfg.LLM.MaxTokens)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(home, ".lessonforge", "lessonforge.db"), cfg.Storage.DBPath)
	assert.Equal(t, "docker", cfg.Sandbox.Provider)
	assert.Equal(t, "digital_lessons", cfg.Sandbox.Template)
	assert.Equal(t, 3000, cfg.Sandbox.Port)
	assert.Equal(t, 10*time.Minute, cfg.Sandbox.Timeout)
	assert.Equal(t, "/home/user/app/page.tsx", cfg.Sandbox.AppPath)
	assert.Equal(t, "local", cfg.Jobs.Backend)
	assert.True(t, cfg.Lessons.AutoExecute)
	assert.False(t, cfg.Orchestrator.SingleFlight)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndExpandSecrets(t *testing.T) {
	t.Setenv("LF_TEST_OPENAI", "sk-test")
	t.Setenv("OPENAI_API_KEY", "")
	path := writeConfig(t, `
llm:
  api_key: ${LF_TEST_OPENAI}
  model: gpt-4o-mini
  timeout: 45s
sandbox:
  timeout: 5m
  docker:
    images:
      digital_lessons: example/nextjs:1
debounce:
  window: 500ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.Policy().Timeout)
	assert.Equal(t, "example/nextjs:1", cfg.Sandbox.DockerProviderConfig().Images["digital_lessons"])
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce.Window)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("E2B_API_KEY", "e2b-env")
	t.Setenv("LESSONFORGE_EVENT_KEY", "event-secret")
	t.Setenv("LESSONFORGE_SERVER_PORT", "9090")
	t.Setenv("LESSONFORGE_SANDBOX_PROVIDER", "e2b")

	cfg, err := Load(writeConfig(t, "server:\n  port: 7000\n"))
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, "e2b-env", cfg.Sandbox.APIKey)
	assert.Equal(t, "event-secret", cfg.Jobs.EventKey)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "e2b", cfg.Sandbox.Provider)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("E2B_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Storage.Driver = "postgres"
	cfg.Sandbox.Provider = "e2b"
	cfg.Sandbox.APIKey = ""
	cfg.LLM.Temperature = 0
	cfg.Debounce.Backend = "redis"

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"storage.dsn", "E2B_API_KEY", "temperature", "redis_url"} {
		assert.Contains(t, err.Error(), want)
	}
}
