package tools

import (
	"os"
	"strings"
)

// ToolServerConfig describes an MCP tool server binary.
type ToolServerConfig struct {
	Binary  string            `mapstructure:"binary"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
}

// Environ returns the process environment extended with cfg.Env. Values may
// reference other variables as ${VAR}. Names are upper-cased since viper
// lowercases map keys.
func (cfg ToolServerConfig) Environ() []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, strings.ToUpper(k)+"="+os.ExpandEnv(v))
	}
	return env
}
