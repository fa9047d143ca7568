package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memorycore/p8/internal/bootstrap"
	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/types"
)

func newAdminCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "admin",
		Short: "Operational commands: health, queue, quota, enqueue",
	}
	root.AddCommand(newAdminHealthCmd(), newAdminQueueCmd(), newAdminQuotaCmd(), newAdminEnqueueCmd())
	return root
}

func withApp(cmd *cobra.Command, fn func(app *bootstrap.App) error) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func newAdminHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bootstrap.App) error {
				if err := app.Store.Pool().Ping(cmd.Context()); err != nil {
					return fmt.Errorf("admin health: %w", err)
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newAdminQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print task_queue counts by tier and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bootstrap.App) error {
				stats, err := app.Queue.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("admin queue: %w", err)
				}
				return printJSON(stats)
			})
		},
	}
}

func newAdminQuotaCmd() *cobra.Command {
	var userID, tenantID string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Print a user's plan and current usage across all resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bootstrap.App) error {
				planID, err := app.Usage.GetUserPlan(cmd.Context(), userID, tenantID)
				if err != nil {
					return fmt.Errorf("admin quota: %w", err)
				}
				summary, err := app.Usage.GetAllUsage(cmd.Context(), userID, planID)
				if err != nil {
					return fmt.Errorf("admin quota: %w", err)
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newAdminEnqueueCmd() *cobra.Command {
	var taskType, userID, tenantID, tier string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Manually enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bootstrap.App) error {
				taskID, err := app.Queue.Enqueue(cmd.Context(), taskType, types.Tier(tier), map[string]any{}, types.EnqueueOptions{
					UserID:   userID,
					TenantID: tenantID,
				})
				if err != nil {
					return fmt.Errorf("admin enqueue: %w", err)
				}
				fmt.Println(taskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "dreaming", "task_type to enqueue")
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&tier, "tier", "small", "queue tier")
	cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
