package main

import (
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/store"
)

func newDBCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "db",
		Short: "Schema inspection commands: diff, apply",
	}
	root.AddCommand(newDBDiffCmd(), newDBApplyCmd())
	return root
}

func newDBDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "List embedded migration files not yet recorded as applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db diff: connect: %w", err)
			}
			defer pool.Close()

			if _, err := pool.Exec(cmd.Context(), `
				CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())
			`); err != nil {
				return fmt.Errorf("db diff: ensure schema_migrations: %w", err)
			}

			rows, err := pool.Query(cmd.Context(), `SELECT name FROM schema_migrations`)
			if err != nil {
				return fmt.Errorf("db diff: %w", err)
			}
			applied := map[string]bool{}
			for rows.Next() {
				var name string
				if err := rows.Scan(&name); err != nil {
					return err
				}
				applied[name] = true
			}
			rows.Close()

			entries, err := store.Migrations.ReadDir("migrations")
			if err != nil {
				return fmt.Errorf("db diff: read embedded migrations: %w", err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)

			for _, name := range names {
				if !applied[name] {
					fmt.Printf("pending: %s\n", name)
				}
			}
			return nil
		},
	}
}

func newDBApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply pending migrations and record them in schema_migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db apply: connect: %w", err)
			}
			defer pool.Close()

			if _, err := pool.Exec(cmd.Context(), `
				CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())
			`); err != nil {
				return fmt.Errorf("db apply: ensure schema_migrations: %w", err)
			}

			entries, err := store.Migrations.ReadDir("migrations")
			if err != nil {
				return fmt.Errorf("db apply: read embedded migrations: %w", err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)

			for _, name := range names {
				var exists bool
				if err := pool.QueryRow(cmd.Context(), `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&exists); err != nil {
					return fmt.Errorf("db apply: check %s: %w", name, err)
				}
				if exists {
					continue
				}
				sql, err := store.Migrations.ReadFile("migrations/" + name)
				if err != nil {
					return fmt.Errorf("db apply: read %s: %w", name, err)
				}
				if _, err := pool.Exec(cmd.Context(), string(sql)); err != nil {
					return fmt.Errorf("db apply: apply %s: %w", name, err)
				}
				if _, err := pool.Exec(cmd.Context(), `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
					return fmt.Errorf("db apply: record %s: %w", name, err)
				}
				fmt.Printf("applied %s\n", name)
			}
			return nil
		},
	}
}
