package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inventoryops/stocktake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "stocktake",
	Short: "Inventory stocktake reconciliation engine",
	Long:  "Cross-references item records across the FBI, STAC, and STOCK indices, scores per-item disagreement against the configured cutoff, and publishes discrepancies to the exchange and the results index.",
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
