package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/scriptforge/internal/notify"
	"github.com/michaelbrown/scriptforge/internal/queue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scriptforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_FORGE_KEY", "sk-secret")
	path := writeConfig(t, `
default_provider: openai
providers:
  openai:
    base_url: https://api.openai.com/v1
    api_key: ${TEST_FORGE_KEY}
    models:
      default: gpt-4o-mini
      smart: gpt-4o
workspace:
  scripts_dir: /srv/scripts
  default_timeout: 45s
  pip_args: ["--index-url", "https://mirror.example/simple"]
queue:
  driver: redis
  redis:
    address: localhost:6379
tools:
  pyenv:
    binary: ./bin/scriptforge-pyenv
    enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	p, err := cfg.Provider("")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", p.APIKey)
	assert.Equal(t, "gpt-4o-mini", p.Model(""))
	assert.Equal(t, "gpt-4o", p.Model("smart"))
	assert.Equal(t, "gpt-4.1", p.Model("gpt-4.1"))
	assert.False(t, p.IsOllama())

	env := cfg.EnvManager()
	assert.Equal(t, "/srv/scripts", env.ScriptsDir)
	assert.Equal(t, 45*time.Second, env.DefaultTimeout)
	assert.Equal(t, []string{"--index-url", "https://mirror.example/simple"}, env.PipArgs)

	q := cfg.QueueDriver()
	assert.Equal(t, "redis", q.Driver)
	assert.Equal(t, "localhost:6379", q.Redis.Address)
	assert.Equal(t, "scriptforge:runs", q.Redis.Key)
	assert.Equal(t, queue.DefaultMaxAttempts, q.Redis.MaxAttempts)

	require.Contains(t, cfg.Tools, "pyenv")
	assert.True(t, cfg.Tools["pyenv"].Enabled)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "providers: {}\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 4000, cfg.Agent.ToolOutputLimit)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "scripts", cfg.Workspace.ScriptsDir)
	assert.True(t, cfg.Workspace.KeepManifest)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("SCRIPTFORGE_SERVER_PORT", "9100")
	t.Setenv("SCRIPTFORGE_QUEUE_DRIVER", "rabbitmq")
	t.Setenv("SCRIPTFORGE_NOTIFY_TELEGRAM_CHAT_ID", "-100200")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "rabbitmq", cfg.Queue.Driver)
	assert.Equal(t, "-100200", cfg.Notify.Telegram.ChatID)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestUnknownProvider(t *testing.T) {
	cfg := &Config{DefaultProvider: "ghost"}
	_, err := cfg.Provider("")
	assert.ErrorContains(t, err, "unknown provider: ghost")
}

func TestIsOllama(t *testing.T) {
	assert.True(t, ProviderConfig{BaseURL: "http://localhost:11434/v1"}.IsOllama())
	assert.True(t, ProviderConfig{BaseURL: "http://ollama.internal/v1"}.IsOllama())
	assert.False(t, ProviderConfig{BaseURL: "https://api.openai.com/v1"}.IsOllama())
}

func TestNotifier(t *testing.T) {
	cfg := &Config{}
	n, err := cfg.Notifier()
	require.NoError(t, err)
	assert.IsType(t, notify.Nop{}, n)

	cfg.Notify.Telegram = TelegramConfig{Enabled: true}
	_, err = cfg.Notifier()
	assert.Error(t, err, "enabled telegram without credentials")

	cfg.Notify.Telegram = TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"}
	n, err = cfg.Notifier()
	require.NoError(t, err)
	assert.IsType(t, &notify.Telegram{}, n)
}
