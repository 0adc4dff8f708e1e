package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/logging"
	"github.com/michaelbrown/scriptforge/internal/notify"
	"github.com/michaelbrown/scriptforge/internal/queue"
	"github.com/michaelbrown/scriptforge/internal/tools"
)

type ProviderConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  map[string]string `mapstructure:"models"`
}

// Model returns the model named by alias, or the "default" entry.
func (p ProviderConfig) Model(alias string) string {
	if alias != "" {
		if m, ok := p.Models[alias]; ok {
			return m
		}
		return alias
	}
	return p.Models["default"]
}

type AgentConfig struct {
	MaxIterations   int    `mapstructure:"max_iterations"`
	ProfilesDir     string `mapstructure:"profiles_dir"`
	ToolOutputLimit int    `mapstructure:"tool_output_limit"`
}

type WorkspaceConfig struct {
	ScriptsDir     string        `mapstructure:"scripts_dir"`
	BasePython     string        `mapstructure:"base_python"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	MaxOutput      int           `mapstructure:"max_output"`
	KeepManifest   bool          `mapstructure:"keep_manifest"`
	PipArgs        []string      `mapstructure:"pip_args"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type RedisConfig struct {
	Address     string `mapstructure:"address"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Key         string `mapstructure:"key"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

type QueueConfig struct {
	Driver   string         `mapstructure:"driver"`
	Workers  int            `mapstructure:"workers"`
	Size     int            `mapstructure:"size"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	BaseURL  string `mapstructure:"base_url"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Config struct {
	Providers       map[string]ProviderConfig         `mapstructure:"providers"`
	DefaultProvider string                            `mapstructure:"default_provider"`
	Agent           AgentConfig                       `mapstructure:"agent"`
	Workspace       WorkspaceConfig                   `mapstructure:"workspace"`
	Server          ServerConfig                      `mapstructure:"server"`
	Storage         StorageConfig                     `mapstructure:"storage"`
	Queue           QueueConfig                       `mapstructure:"queue"`
	Notify          NotifyConfig                      `mapstructure:"notify"`
	Logging         LoggingConfig                     `mapstructure:"logging"`
	Tools           map[string]tools.ToolServerConfig `mapstructure:"tools"`
}

// Load reads configuration from path, or from scriptforge.yaml in the
// working directory or $HOME/.scriptforge when path is empty. A missing
// file is not an error; defaults and SCRIPTFORGE_* variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("scriptforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scriptforge")
	}

	v.SetEnvPrefix("SCRIPTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.expandSecrets()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".scriptforge")

	v.SetDefault("default_provider", "ollama")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.profiles_dir", filepath.Join(base, "profiles"))
	v.SetDefault("agent.tool_output_limit", 4000)
	v.SetDefault("workspace.scripts_dir", "scripts")
	v.SetDefault("workspace.base_python", envmgr.DefaultBasePython)
	v.SetDefault("workspace.default_timeout", envmgr.DefaultTimeout)
	v.SetDefault("workspace.install_timeout", 10*time.Minute)
	v.SetDefault("workspace.max_output", envmgr.DefaultMaxOutput)
	v.SetDefault("workspace.keep_manifest", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(base, "scriptforge.db"))
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.size", 64)
	v.SetDefault("queue.redis.key", "scriptforge:runs")
	v.SetDefault("queue.redis.max_attempts", queue.DefaultMaxAttempts)
	v.SetDefault("queue.rabbitmq.queue", "scriptforge.runs")
	v.SetDefault("queue.rabbitmq.prefetch", 1)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

// expandSecrets resolves ${VAR} references in credentials.
func (c *Config) expandSecrets() {
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		c.Providers[name] = p
	}
	c.Notify.Telegram.BotToken = os.ExpandEnv(c.Notify.Telegram.BotToken)
	c.Notify.Telegram.ChatID = os.ExpandEnv(c.Notify.Telegram.ChatID)
	c.Queue.Redis.Password = os.ExpandEnv(c.Queue.Redis.Password)
	c.Queue.RabbitMQ.URL = os.ExpandEnv(c.Queue.RabbitMQ.URL)
}

// IsOllama returns true if this provider looks like an Ollama instance.
func (p ProviderConfig) IsOllama() bool {
	return strings.Contains(p.BaseURL, ":11434") || strings.Contains(strings.ToLower(p.BaseURL), "ollama")
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// EnvManager converts the workspace section for envmgr.New.
func (c *Config) EnvManager() envmgr.Config {
	w := c.Workspace
	return envmgr.Config{
		ScriptsDir:     w.ScriptsDir,
		BasePython:     w.BasePython,
		DefaultTimeout: w.DefaultTimeout,
		InstallTimeout: w.InstallTimeout,
		MaxOutput:      w.MaxOutput,
		KeepManifest:   w.KeepManifest,
		PipArgs:        w.PipArgs,
	}
}

// QueueDriver converts the queue section for queue.New.
func (c *Config) QueueDriver() queue.Config {
	q := c.Queue
	return queue.Config{
		Driver: q.Driver,
		Size:   q.Size,
		Redis: queue.RedisConfig{
			Address:     q.Redis.Address,
			Password:    q.Redis.Password,
			DB:          q.Redis.DB,
			Key:         q.Redis.Key,
			MaxAttempts: q.Redis.MaxAttempts,
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.RabbitMQ.Queue,
			Prefetch: q.RabbitMQ.Prefetch,
		},
	}
}

// Log converts the logging section for logging.New.
func (c *Config) Log() logging.Config {
	l := c.Logging
	return logging.Config{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

// Notifier builds the configured notifier, or notify.Nop when disabled.
func (c *Config) Notifier() (notify.Notifier, error) {
	t := c.Notify.Telegram
	if !t.Enabled {
		return notify.Nop{}, nil
	}
	tg, err := notify.NewTelegram(notify.TelegramConfig{
		BotToken: t.BotToken,
		ChatID:   t.ChatID,
		BaseURL:  t.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return tg, nil
}
