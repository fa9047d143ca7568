package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memorycore/p8/internal/bootstrap"
	"github.com/memorycore/p8/internal/ids"
	"github.com/memorycore/p8/internal/types"
)

func newDreamCmd() *cobra.Command {
	var userID, tenantID string
	var lookbackDays int

	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Manually run the dreaming handler for one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *bootstrap.App) error {
				task := types.Task{
					ID:       ids.Random(),
					TaskType: "dreaming",
					UserID:   userID,
					TenantID: tenantID,
					Payload:  map[string]any{"lookback_days": float64(lookbackDays)},
				}
				result, err := app.Dreaming.Handle(cmd.Context(), task)
				if err != nil {
					return fmt.Errorf("dream: %w", err)
				}
				return printJSON(result)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID to dream for")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 1, "days of history to consider")
	cmd.MarkFlagRequired("user")
	return cmd
}
