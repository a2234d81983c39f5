package cli

import (
	"github.com/spf13/cobra"

	"price-oracle-aggregator/internal/app"
)

var (
	priceCached bool
	priceStrict bool
)

var priceCmd = &cobra.Command{
	Use:   "price [asset...]",
	Short: "Evaluate and print current asset prices",
	Long:  "Assets are hex addresses or configured symbols. Without arguments every configured asset is printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), app.PriceOptions{
			Assets: args,
			Cached: priceCached,
			Strict: priceStrict,
		})
	},
}

func init() {
	priceCmd.Flags().BoolVar(&priceCached, "cached", false, "Read the last snapshot from Redis instead of querying sources")
	priceCmd.Flags().BoolVar(&priceStrict, "strict", false, "Exit with an error unless every price is alive")
}
