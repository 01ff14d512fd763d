package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jsherman999/occupancyhub/internal/config"
	"github.com/jsherman999/occupancyhub/internal/exporter"
	"github.com/jsherman999/occupancyhub/internal/store"
	"github.com/spf13/cobra"
)

// openStore loads config and opens the store directly, bypassing the hub.
func openStore(ctx context.Context, cfgPath string) (store.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDB(); err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
}

func exportCmd(cfgPath *string) *cobra.Command {
	var building int64
	var format string
	var outPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recent observations for a building",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("unknown format %q (use json|csv)", format)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			st, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			b, _, err := exporter.Export(ctx, st, format, building, limit)
			if err != nil {
				return err
			}

			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(outPath, b, 0644)
		},
	}

	cmd.Flags().Int64Var(&building, "building", 0, "building id")
	cmd.Flags().StringVar(&format, "format", "json", "export format: json|csv")
	cmd.Flags().StringVar(&outPath, "out", "-", "output path (or - for stdout)")
	cmd.Flags().IntVar(&limit, "limit", 500, "max observations, newest first")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}
