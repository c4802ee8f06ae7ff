package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/internal/config"
)

var flagDataDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vargos",
		Short:         "Self-hosted agent server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data", defaultDataDir(), "data directory")

	root.AddCommand(
		newGatewayCmd(),
		newConfigCmd(),
		newSessionsCmd(),
		newCronCmd(),
		newHealthCmd(),
		newInspectCmd(),
	)
	return root
}

func defaultDataDir() string {
	if dir := os.Getenv("VARGOS_DATA"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vargos"
	}
	return filepath.Join(home, ".vargos")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dialGateway connects a short-lived CLI client to a running hub.
func dialGateway(cfg *config.Config) (*bus.Client, error) {
	client := bus.NewClient(bus.ClientConfig{
		URL:          cfg.Gateway.URL(),
		Registration: bus.Registration{Service: "cli", Version: "1"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
