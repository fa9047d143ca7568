package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memorycore/p8/internal/bootstrap"
	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
)

func newServeCmd() *cobra.Command {
	var tiersFlag []string
	var batchSize int
	var pollEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background worker pools, embeddings drain loop, and maintenance cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app, err := bootstrap.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Cron.Register(); err != nil {
				return err
			}
			app.Cron.Start()
			defer app.Cron.Stop()

			tiers := parseTiers(tiersFlag)
			workers := app.Workers(tiers, batchSize, pollEvery)
			for _, w := range workers {
				w.Start()
				defer w.Stop()
			}

			go app.Embeddings.Run(ctx)

			log.WithComponent("serve").Info().Strs("tiers", tiersFlag).Msg("p8 serving")
			return app.ServeMetrics(ctx)
		},
	}

	cmd.Flags().StringSliceVar(&tiersFlag, "tiers", []string{"micro", "small", "medium", "large"}, "task queue tiers to run workers for")
	cmd.Flags().IntVar(&batchSize, "batch-size", 5, "tasks claimed per tick per tier")
	cmd.Flags().DurationVar(&pollEvery, "poll-interval", 2*time.Second, "how often each tier worker polls for claimable tasks")
	return cmd
}

func parseTiers(names []string) []types.Tier {
	tiers := make([]types.Tier, 0, len(names))
	for _, n := range names {
		tiers = append(tiers, types.Tier(n))
	}
	return tiers
}
