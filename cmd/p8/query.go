package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/memorycore/p8/internal/bootstrap"
	"github.com/memorycore/p8/internal/config"
)

func newQueryCmd() *cobra.Command {
	var tenantID, format string

	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run one dialect statement (LOOKUP/SEARCH/FUZZY/TRAVERSE/SQL) and print results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			return runQuery(ctx, app, tenantID, strings.Join(args, " "), format)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID to scope the statement to")
	cmd.Flags().StringVarP(&format, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func runQuery(ctx context.Context, app *bootstrap.App, tenantID, statement, format string) error {
	result, err := app.Dialect.Run(ctx, tenantID, statement)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if format == "yaml" {
		out, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("query: encode yaml: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
