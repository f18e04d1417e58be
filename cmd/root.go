package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/electrohub/panelscan/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "panelscan",
	Short: "Electrical panel recognition pipeline",
	Long:  "Extracts protective devices from distribution panel photos via vision models, enriches their catalog specifications, and reconciles them against the site inventory.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
