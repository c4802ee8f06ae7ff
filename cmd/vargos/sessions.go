package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/pkg/models"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}

	var kind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := dialGateway(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Sessions []*models.Session `json:"sessions"`
			}
			params := map[string]any{}
			if kind != "" {
				params["kind"] = kind
			}
			if limit > 0 {
				params["limit"] = limit
			}
			if err := client.CallInto(context.Background(), "session.list", params, &out, 30*time.Second); err != nil {
				return err
			}
			for _, s := range out.Sessions {
				line := fmt.Sprintf("%s\t%s\t%s", s.SessionKey, s.Kind, s.UpdatedAt.Format(time.RFC3339))
				if s.Label != "" {
					line += "\t" + s.Label
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "filter by kind (main, subagent, cron)")
	list.Flags().IntVar(&limit, "limit", 0, "maximum sessions to show")

	var historyLimit int
	history := &cobra.Command{
		Use:   "history <sessionKey>",
		Short: "Show a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := dialGateway(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Messages []*models.SessionMessage `json:"messages"`
			}
			params := map[string]any{"sessionKey": args[0]}
			if historyLimit > 0 {
				params["limit"] = historyLimit
			}
			if err := client.CallInto(context.Background(), "session.getMessages", params, &out, 30*time.Second); err != nil {
				return err
			}
			for _, m := range out.Messages {
				fmt.Printf("%s [%s] %s\n", m.Timestamp.Format(time.RFC3339), m.Role, m.TextContent())
			}
			return nil
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 50, "maximum messages to show")

	del := &cobra.Command{
		Use:   "delete <sessionKey>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := dialGateway(cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			err = client.CallInto(context.Background(), "session.delete",
				map[string]string{"sessionKey": args[0]}, nil, 30*time.Second)
			if err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, history, del)
	return cmd
}
