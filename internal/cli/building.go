package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func buildingCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "building",
		Short: "Manage the building registry",
	}
	cmd.AddCommand(buildingAddCmd(cfgPath))
	cmd.AddCommand(buildingListCmd(cfgPath))
	return cmd
}

func buildingAddCmd(cfgPath *string) *cobra.Command {
	var name, address string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a building",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name must not be empty")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.CreateBuilding(ctx, name, address)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "building_id=%d\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "building name")
	cmd.Flags().StringVar(&address, "address", "", "street address")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildingListCmd(cfgPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered buildings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			bs, err := st.ListBuildings(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, b := range bs {
				fmt.Fprintf(out, "%d\t%s\t%s\n", b.ID, b.Name, b.Address)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 1000, "max buildings")
	return cmd
}
