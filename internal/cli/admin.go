package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"price-oracle-aggregator/internal/app"
)

var (
	freezeOverride string
	lgpPrice       string
	lgpUpdatedAt   string
)

var freezeCmd = &cobra.Command{
	Use:   "freeze <asset>",
	Short: "Freeze an asset, optionally pinning it to an override price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Freeze(cmd.Context(), app.FreezeOptions{
			Asset:    args[0],
			Override: freezeOverride,
		})
	},
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <asset>",
	Short: "Resume live pricing of a frozen asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Unfreeze(cmd.Context(), args[0])
	},
}

var setLastGoodPriceCmd = &cobra.Command{
	Use:   "set-lgp <asset>",
	Short: "Seed or raise the last good price of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if lgpPrice == "" {
			return fmt.Errorf("--price is required")
		}
		opts := app.SetLastGoodPriceOptions{Asset: args[0], Price: lgpPrice}
		if lgpUpdatedAt != "" {
			ts, err := time.Parse(time.RFC3339, lgpUpdatedAt)
			if err != nil {
				return fmt.Errorf("invalid --updated-at value: %w", err)
			}
			opts.UpdatedAt = &ts
		}
		return getApp().SetLastGoodPrice(cmd.Context(), opts)
	},
}

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage role membership",
}

var rolesGrantCmd = &cobra.Command{
	Use:   "grant <role> <account>",
	Short: "Grant a role to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().GrantRole(cmd.Context(), app.RoleOptions{Role: args[0], Account: args[1]})
	},
}

var rolesRevokeCmd = &cobra.Command{
	Use:   "revoke <role> <account>",
	Short: "Revoke a role from an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RevokeRole(cmd.Context(), app.RoleOptions{Role: args[0], Account: args[1]})
	},
}

var rolesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List role members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListRoles(cmd.Context())
	},
}

func init() {
	freezeCmd.Flags().StringVar(&freezeOverride, "override", "", "Override price in base-currency units")
	setLastGoodPriceCmd.Flags().StringVar(&lgpPrice, "price", "", "Price in base-currency units")
	setLastGoodPriceCmd.Flags().StringVar(&lgpUpdatedAt, "updated-at", "", "Observation time (RFC3339, defaults to now)")

	rolesCmd.AddCommand(rolesGrantCmd, rolesRevokeCmd, rolesListCmd)
}
