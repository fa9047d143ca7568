package main

import (
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("migrate: connect: %w", err)
			}
			defer pool.Close()

			entries, err := store.Migrations.ReadDir("migrations")
			if err != nil {
				return fmt.Errorf("migrate: read embedded migrations: %w", err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)

			for _, name := range names {
				sql, err := store.Migrations.ReadFile("migrations/" + name)
				if err != nil {
					return fmt.Errorf("migrate: read %s: %w", name, err)
				}
				fmt.Printf("applying %s\n", name)
				if _, err := pool.Exec(cmd.Context(), string(sql)); err != nil {
					return fmt.Errorf("migrate: apply %s: %w", name, err)
				}
			}
			fmt.Println("migrations complete")
			return nil
		},
	}
}
