// Package config loads and validates the Vargos configuration from
// <data>/config.json. The file is JSON5, so comments are allowed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Config is the full process configuration.
type Config struct {
	DataDir  string         `json:"dataDir"`
	Gateway  GatewayConfig  `json:"gateway"`
	Agent    AgentConfig    `json:"agent"`
	Sessions SessionsConfig `json:"sessions"`
	Channels ChannelsConfig `json:"channels"`
	Cron     CronConfig     `json:"cron"`
	Log      LogConfig      `json:"log"`
}

// GatewayConfig configures the hub listener.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the hub listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// URL returns the websocket endpoint clients dial.
func (g GatewayConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", g.Host, g.Port)
}

// AgentConfig configures the runtime and its provider.
type AgentConfig struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	APIKey        string `json:"apiKey"`
	MaxIterations int    `json:"maxIterations"`
	MaxTokens     int    `json:"maxTokens"`
	ContextTokens int    `json:"contextTokens"`
	Workspace     string `json:"workspace"`
	Vision        bool   `json:"vision"`
}

// SessionsConfig selects the persistence backend.
type SessionsConfig struct {
	// Backend is "file" or "sqlite".
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlitePath"`
}

// ChannelsConfig holds per-adapter settings.
type ChannelsConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty"`
}

// ChannelCommon are the ingress/egress knobs every channel shares.
type ChannelCommon struct {
	Allowlist       []string `json:"allowlist,omitempty"`
	DebounceMs      int      `json:"debounceMs"`
	DedupTTLSec     int      `json:"dedupTtlSec"`
	MaxChunk        int      `json:"maxChunk"`
	TypingRefreshMs int      `json:"typingRefreshMs"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChannelCommon
}

// WhatsAppConfig configures the WhatsApp adapter.
type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled"`
	SessionPath string `json:"sessionPath"`
	ChannelCommon
}

// CronConfig configures scheduling extras.
type CronConfig struct {
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// HeartbeatConfig configures the optional built-in heartbeat task.
type HeartbeatConfig struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule"`
	Notify   []string `json:"notify,omitempty"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Default returns the configuration used when no file exists.
func Default(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 9000},
		Agent: AgentConfig{
			Provider:      "anthropic",
			MaxIterations: 10,
			MaxTokens:     4096,
		},
		Sessions: SessionsConfig{Backend: "file"},
		Cron: CronConfig{
			Heartbeat: HeartbeatConfig{Schedule: "*/30 * * * *"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Path returns the config file location for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// Load reads the config for dataDir, applying defaults for everything the
// file leaves out. A missing file yields the defaults.
func Load(dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	data, err := os.ReadFile(Path(dataDir))
	if os.IsNotExist(err) {
		cfg.applyFallbacks()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.applyFallbacks()
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 9000
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "anthropic"
	}
	if c.Agent.APIKey == "" {
		c.Agent.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.Workspace == "" {
		c.Agent.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = "file"
	}
	if c.Sessions.Backend == "sqlite" && c.Sessions.SQLitePath == "" {
		c.Sessions.SQLitePath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Channels.WhatsApp != nil && c.Channels.WhatsApp.SessionPath == "" {
		c.Channels.WhatsApp.SessionPath = filepath.Join(c.DataDir, "channels", "whatsapp", "session.db")
	}
	if c.Cron.Heartbeat.Schedule == "" {
		c.Cron.Heartbeat.Schedule = "*/30 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports fatal configuration problems; boot aborts on any.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	switch c.Sessions.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown sessions backend %q (file or sqlite)", c.Sessions.Backend)
	}
	if c.Agent.Provider != "anthropic" {
		return fmt.Errorf("unknown provider %q", c.Agent.Provider)
	}
	if c.Channels.Telegram != nil && c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram channel enabled without a token")
	}
	return nil
}

// Save writes the config file (pretty JSON; JSON is valid JSON5).
func Save(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(cfg.DataDir), data, 0o644)
}
