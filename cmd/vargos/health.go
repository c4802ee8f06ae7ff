package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/internal/channels"
	"github.com/chozzz/vargos/internal/config"
)

// dialFromConfig loads the config and connects a CLI client to the hub.
func dialFromConfig() (*bus.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return dialGateway(cfg)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show channel adapter health",
		RunE: func(*cobra.Command, []string) error {
			client, err := dialFromConfig()
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Channels map[string]channels.Status `json:"channels"`
			}
			if err := client.CallInto(context.Background(), "channel.status", nil, &out, 30*time.Second); err != nil {
				return err
			}
			if len(out.Channels) == 0 {
				fmt.Println("no channels configured")
				return nil
			}
			for name, status := range out.Channels {
				line := name + ": "
				if status.Connected {
					line += "connected"
				} else {
					line += "disconnected"
					if status.State != "" {
						line += " (" + status.State + ")"
					}
				}
				if status.Error != "" {
					line += " — " + status.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show services registered on the gateway",
		RunE: func(*cobra.Command, []string) error {
			client, err := dialFromConfig()
			if err != nil {
				return err
			}
			defer client.Close()

			raw, err := client.Call(context.Background(), "gateway.inspect", nil, 30*time.Second)
			if err != nil {
				return err
			}
			var pretty any
			if err := json.Unmarshal(raw, &pretty); err != nil {
				return err
			}
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(*cobra.Command, []string) error {
			cfg := config.Default(flagDataDir)
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Println("wrote", config.Path(flagDataDir))
			return nil
		},
	}
	cmd.AddCommand(show, initCmd)
	return cmd
}
