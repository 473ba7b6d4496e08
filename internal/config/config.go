package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Engine    EngineConfig    `json:"engine"`
	Approvals ApprovalsConfig `json:"approvals"`
	Gateway   GatewayConfig   `json:"gateway"`
	Registry  RegistryConfig  `json:"registry"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	MaxAttempts   int      `json:"max_attempts"`
	StepTimeout   Duration `json:"step_timeout"`
	BackoffBase   Duration `json:"backoff_base"`
	PoolSize      int      `json:"pool_size"`
	MigrationsDir string   `json:"migrations_dir"`
}

// ApprovalsConfig tunes the approval gate manager.
type ApprovalsConfig struct {
	Expiry        Duration `json:"expiry"`
	SweepInterval Duration `json:"sweep_interval"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type RegistryConfig struct {
	DescriptorFile string `json:"descriptor_file"`
}

// Duration wraps time.Duration so config files can use strings like "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.StepTimeout == 0 {
		c.Engine.StepTimeout = Duration(5 * time.Minute)
	}
	if c.Engine.BackoffBase == 0 {
		c.Engine.BackoffBase = Duration(2 * time.Second)
	}
	if c.Engine.PoolSize == 0 {
		c.Engine.PoolSize = 10
	}
	if c.Engine.MigrationsDir == "" {
		c.Engine.MigrationsDir = "migrations"
	}
	if c.Approvals.Expiry == 0 {
		c.Approvals.Expiry = Duration(24 * time.Hour)
	}
	if c.Approvals.SweepInterval == 0 {
		c.Approvals.SweepInterval = Duration(time.Minute)
	}
}
