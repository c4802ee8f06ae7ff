package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/agent"
	"github.com/chozzz/vargos/internal/agent/providers"
	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/internal/channels"
	"github.com/chozzz/vargos/internal/channels/telegram"
	"github.com/chozzz/vargos/internal/channels/whatsapp"
	"github.com/chozzz/vargos/internal/config"
	"github.com/chozzz/vargos/internal/cron"
	"github.com/chozzz/vargos/internal/logging"
	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/internal/tools"
	"github.com/chozzz/vargos/internal/tools/sessiontools"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway hub and all services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg)
		},
	}
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	lock, err := bus.AcquireLock(cfg.DataDir)
	if err != nil {
		var contended *bus.LockContendedError
		if errors.As(err, &contended) {
			return fmt.Errorf("another instance running: host=%s pid=%d",
				contended.Holder.Host, contended.Holder.PID)
		}
		return err
	}
	defer lock.Release()

	hub := bus.NewHub(bus.HubConfig{Addr: cfg.Gateway.Addr(), Logger: logger})
	if err := hub.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(shutdownCtx)
	}()

	bootCtx, cancelBoot := context.WithTimeout(ctx, 30*time.Second)
	defer cancelBoot()
	url := cfg.Gateway.URL()

	// Session service over the configured backend.
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	sessionSvc := sessions.NewService(url, store, logger)
	if err := sessionSvc.Start(bootCtx); err != nil {
		return err
	}
	defer sessionSvc.Stop()

	// Tools: registry populated at boot, read-only afterwards.
	registry := tools.NewRegistry()
	toolSvc := tools.NewService(url, registry, logger)
	if err := sessiontools.Register(registry, toolSvc.Client(), logger); err != nil {
		return err
	}
	if err := toolSvc.Start(bootCtx); err != nil {
		return err
	}
	defer toolSvc.Stop()

	// Agent runtime and service.
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.Agent.APIKey,
		DefaultModel: cfg.Agent.Model,
		MaxTokens:    cfg.Agent.MaxTokens,
	})
	if err != nil {
		return err
	}
	runtime := agent.NewRuntime(agent.RuntimeConfig{
		Provider:      provider,
		DefaultModel:  cfg.Agent.Model,
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		WorkspaceDir:  cfg.Agent.Workspace,
		Compaction:    agent.DefaultCompactionPolicy(cfg.Agent.ContextTokens),
		Logger:        logger,
	})
	agentSvc := agent.NewService(agent.ServiceConfig{
		URL:           url,
		Runtime:       runtime,
		VisionCapable: cfg.Agent.Vision,
		Logger:        logger,
	})
	if err := agentSvc.Start(bootCtx); err != nil {
		return err
	}
	defer agentSvc.Stop()

	// Channels.
	media, err := channels.NewMediaStore(filepath.Join(cfg.DataDir, "media"))
	if err != nil {
		return err
	}
	channelSvc := channels.NewService(url, media, logger)
	if err := addAdapters(cfg, channelSvc, logger); err != nil {
		return err
	}
	if err := channelSvc.Start(bootCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		channelSvc.Stop(stopCtx)
	}()

	// Cron.
	cronStore, err := cron.NewStore(filepath.Join(cfg.DataDir, "cron.json"))
	if err != nil {
		return err
	}
	cronSvc := cron.NewService(url, cronStore, logger)
	if cfg.Cron.Heartbeat.Enabled {
		if err := cronSvc.EnsureHeartbeat(cfg.Cron.Heartbeat.Schedule, cfg.Cron.Heartbeat.Notify); err != nil {
			return err
		}
	}
	if err := cronSvc.Start(bootCtx); err != nil {
		return err
	}
	defer cronSvc.Stop()

	logger.Info("vargos gateway up", "addr", cfg.Gateway.Addr(), "data", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("shutting down")
	case <-ctx.Done():
	}
	return nil
}

func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Sessions.SQLitePath)
	default:
		return sessions.NewFileStore(filepath.Join(cfg.DataDir, "sessions"))
	}
}

func addAdapters(cfg *config.Config, svc *channels.Service, logger *slog.Logger) error {
	if tg := cfg.Channels.Telegram; tg != nil && tg.Enabled {
		adapter, err := telegram.New(telegram.Config{Token: tg.Token, Logger: logger})
		if err != nil {
			return err
		}
		svc.AddAdapter(adapter, settingsFrom(tg.ChannelCommon))
	}
	if wa := cfg.Channels.WhatsApp; wa != nil && wa.Enabled {
		adapter, err := whatsapp.New(whatsapp.Config{SessionPath: wa.SessionPath, Logger: logger})
		if err != nil {
			return err
		}
		svc.AddAdapter(adapter, settingsFrom(wa.ChannelCommon))
	}
	return nil
}

func settingsFrom(c config.ChannelCommon) channels.ChannelSettings {
	return channels.ChannelSettings{
		Allowlist:     c.Allowlist,
		DebounceDelay: time.Duration(c.DebounceMs) * time.Millisecond,
		DedupTTL:      time.Duration(c.DedupTTLSec) * time.Second,
		MaxChunk:      c.MaxChunk,
		TypingRefresh: time.Duration(c.TypingRefreshMs) * time.Millisecond,
	}
}
