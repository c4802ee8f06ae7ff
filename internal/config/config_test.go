package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9000 || cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("gateway defaults = %+v", cfg.Gateway)
	}
	if cfg.Sessions.Backend != "file" {
		t.Errorf("backend = %q", cfg.Sessions.Backend)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("maxIterations = %d", cfg.Agent.MaxIterations)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadParsesJSON5WithComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
	// local overrides
	gateway: { port: 9100 },
	sessions: { backend: "sqlite" },
	agent: { model: "claude-sonnet-4" },
}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Sessions.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Sessions.Backend)
	}
	if cfg.Sessions.SQLitePath != filepath.Join(dir, "sessions.db") {
		t.Errorf("sqlitePath fallback = %q", cfg.Sessions.SQLitePath)
	}
	if cfg.Agent.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Sessions.Backend = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend must fail validation")
	}
}

func TestValidateRejectsTelegramWithoutToken(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Channels.Telegram = &TelegramConfig{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Error("enabled telegram without token must fail validation")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Gateway.Port = 9555
	cfg.Channels.Telegram = &TelegramConfig{Enabled: true, Token: "tok"}
	if err := Save(cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.Gateway.Port != 9555 {
		t.Errorf("port = %d", got.Gateway.Port)
	}
	if got.Channels.Telegram == nil || got.Channels.Telegram.Token != "tok" {
		t.Errorf("telegram = %+v", got.Channels.Telegram)
	}
}
