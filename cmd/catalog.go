package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/catalog"
)

var (
	catalogSite  string
	catalogLimit int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and curate the device spec catalog",
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search cached device specs by reference or manufacturer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		query := ""
		if len(args) > 0 {
			query = args[0]
		}

		entries, err := catalog.NewCache(st).Search(ctx, catalogSite, query, catalogLimit)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		os.Stdout.Write([]byte("\n"))
		return nil
	},
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <entry-id>",
	Short: "Mark a catalog entry as human-validated",
	Long:  "Validated entries are authoritative: pipeline writes can no longer overwrite their specification fields.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := catalog.NewCache(st).Validate(ctx, args[0]); err != nil {
			return err
		}

		zap.L().Info("catalog entry validated", zap.String("id", args[0]))
		return nil
	},
}

func init() {
	catalogCmd.PersistentFlags().StringVar(&catalogSite, "site", "", "restrict to a site")
	catalogSearchCmd.Flags().IntVar(&catalogLimit, "limit", 50, "maximum entries to return")
	catalogCmd.AddCommand(catalogSearchCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}
