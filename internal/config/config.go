// Package config loads and validates the orbit configuration file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	Model     ModelConfig     `yaml:"model"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`

	// DatabasePath holds session records and the event timeline.
	DatabasePath string `yaml:"database_path"`
}

type WorkspaceConfig struct {
	// Root holds one workspace directory per session.
	Root string `yaml:"root"`

	// StateDir holds per-session state.json and metadata.json.
	StateDir string `yaml:"state_dir"`
}

type AgentConfig struct {
	SystemPrompt        string        `yaml:"system_prompt"`
	MaxTurns            int           `yaml:"max_turns"`
	MaxOutputTokens     int           `yaml:"max_output_tokens"`
	ContextBudgetTokens int           `yaml:"context_budget_tokens"`
	MaxWallTime         time.Duration `yaml:"max_wall_time"`
}

type ToolsConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	PerToolTimeout      time.Duration `yaml:"per_tool_timeout"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	AutoApprove bool     `yaml:"auto_approve"`
	Allowlist   []string `yaml:"allowlist"`
	Denylist    []string `yaml:"denylist"`
}

type ModelConfig struct {
	Provider string            `yaml:"provider"`
	Options  map[string]string `yaml:"options"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands environment variables,
// applies ORBIT_* overrides and defaults, and validates. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse config: expected single document")
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the
// settings that change between deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORBIT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ORBIT_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("ORBIT_DATABASE_PATH"); v != "" {
		cfg.Server.DatabasePath = v
	}
	if v := os.Getenv("ORBIT_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("ORBIT_STATE_DIR"); v != "" {
		cfg.Workspace.StateDir = v
	}
	if v := os.Getenv("ORBIT_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("ORBIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORBIT_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxTurns = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8420"
	}
	home, _ := os.UserHomeDir()
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = home + "/.orbit/sessions.db"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = home + "/.orbit/workspaces"
	}
	if cfg.Workspace.StateDir == "" {
		cfg.Workspace.StateDir = home + "/.orbit/state"
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 50
	}
	if cfg.Agent.MaxOutputTokens == 0 {
		cfg.Agent.MaxOutputTokens = 4096
	}
	if cfg.Agent.ContextBudgetTokens == 0 {
		cfg.Agent.ContextBudgetTokens = 100_000
	}
	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 8
	}
	if cfg.Tools.PerToolTimeout == 0 {
		cfg.Tools.PerToolTimeout = 2 * time.Minute
	}
	if cfg.Tools.ConfirmationTimeout == 0 {
		cfg.Tools.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate rejects values defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Tools.Concurrency < 0 {
		return fmt.Errorf("tools.concurrency must be positive, got %d", c.Tools.Concurrency)
	}
	return nil
}
