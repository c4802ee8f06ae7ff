package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	croncore "github.com/chozzz/vargos/internal/cron"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(*cobra.Command, []string) error {
			client, err := dialFromConfig()
			if err != nil {
				return err
			}
			defer client.Close()
			var out struct {
				Tasks []*croncore.Task `json:"tasks"`
			}
			if err := client.CallInto(context.Background(), "cron.list", nil, &out, 30*time.Second); err != nil {
				return err
			}
			for _, t := range out.Tasks {
				state := "disabled"
				if t.Enabled {
					state = "enabled"
				}
				next := ""
				if !t.NextRun.IsZero() {
					next = "\tnext " + t.NextRun.Format(time.RFC3339)
				}
				fmt.Printf("%s\t%q\t%s\t%s%s\n", t.ID, t.Schedule, state, t.Task, next)
			}
			return nil
		},
	}

	var schedule, task, sessionKey string
	var notify []string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled task",
		RunE: func(*cobra.Command, []string) error {
			client, err := dialFromConfig()
			if err != nil {
				return err
			}
			defer client.Close()
			var out croncore.Task
			err = client.CallInto(context.Background(), "cron.add", map[string]any{
				"schedule":   schedule,
				"task":       task,
				"sessionKey": sessionKey,
				"notify":     notify,
			}, &out, 30*time.Second)
			if err != nil {
				return err
			}
			fmt.Println("added task", out.ID)
			return nil
		},
	}
	add.Flags().StringVar(&schedule, "schedule", "", "cron expression (required)")
	add.Flags().StringVar(&task, "task", "", "instruction text (required)")
	add.Flags().StringVar(&sessionKey, "session", "", "session key override")
	add.Flags().StringSliceVar(&notify, "notify", nil, "delivery targets (channel:userId)")
	_ = add.MarkFlagRequired("schedule")
	_ = add.MarkFlagRequired("task")

	remove := &cobra.Command{
		Use:   "remove <taskId>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := dialFromConfig()
			if err != nil {
				return err
			}
			defer client.Close()
			err = client.CallInto(context.Background(), "cron.remove",
				map[string]string{"id": args[0]}, nil, 30*time.Second)
			if err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run <taskId>",
		Short: "Fire a task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := dialFromConfig()
			if err != nil {
				return err
			}
			defer client.Close()
			err = client.CallInto(context.Background(), "cron.run",
				map[string]string{"taskId": args[0]}, nil, 30*time.Second)
			if err != nil {
				return err
			}
			fmt.Println("triggered", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, add, remove, run)
	return cmd
}
