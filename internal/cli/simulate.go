package cli

import (
	"github.com/spf13/cobra"

	"price-oracle-aggregator/internal/app"
)

var (
	simulateAsset   string
	simulateOutcome string
	simulatePrice   string
	simulateDryRun  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic degraded-price alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Asset:   simulateAsset,
			Outcome: simulateOutcome,
			Price:   simulatePrice,
			DryRun:  simulateDryRun,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset address or symbol")
	simulateCmd.Flags().StringVar(&simulateOutcome, "outcome", "last_good", "Outcome to simulate (fallback, last_good, frozen, unavailable)")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Price in base-currency units")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "dry-run", false, "Log the alert instead of sending it")
	_ = simulateCmd.MarkFlagRequired("asset")
}
