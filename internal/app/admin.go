package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/access"
	"price-oracle-aggregator/internal/oracle"
)

// FreezeOptions configure the freeze command.
type FreezeOptions struct {
	Asset string
	// Override is a human-readable price; empty freezes without an override.
	Override string
}

// SetLastGoodPriceOptions configure the set-lgp command.
type SetLastGoodPriceOptions struct {
	Asset     string
	Price     string
	UpdatedAt *time.Time
}

// RoleOptions configure the roles grant/revoke commands.
type RoleOptions struct {
	Role    string
	Account string
}

// adminRuntime is a runtime with persistence required: admin changes made
// without a database would be lost when the command exits. A running daemon
// picks the change up on its next scheduler tick.
func (a *App) adminRuntime(ctx context.Context) (*runtime, common.Address, error) {
	caller, err := a.operator()
	if err != nil {
		return nil, common.Address{}, err
	}
	if a.Config.Database.DSN == "" {
		return nil, common.Address{}, errors.New("database not configured; admin changes would not persist")
	}
	rt, err := a.build(ctx, buildOptions{unverified: true})
	if err != nil {
		return nil, common.Address{}, err
	}
	return rt, caller, nil
}

// Freeze pins an asset to an override price, or to no price.
func (a *App) Freeze(ctx context.Context, opts FreezeOptions) error {
	rt, caller, err := a.adminRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	asset, err := a.resolveAsset(opts.Asset)
	if err != nil {
		return err
	}
	var override *uint256.Int
	if opts.Override != "" {
		v, err := oracle.ParseAmount(opts.Override, rt.aggregator.BaseCurrencyUnit())
		if err != nil {
			return err
		}
		override = &v
	}
	if err := rt.aggregator.FreezeAsset(ctx, caller, asset, override); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "frozen %s\n", asset.Hex())
	return nil
}

// Unfreeze returns an asset to live evaluation.
func (a *App) Unfreeze(ctx context.Context, assetRef string) error {
	rt, caller, err := a.adminRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	asset, err := a.resolveAsset(assetRef)
	if err != nil {
		return err
	}
	if err := rt.aggregator.UnfreezeAsset(ctx, caller, asset); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "unfrozen %s\n", asset.Hex())
	return nil
}

// SetLastGoodPrice seeds or corrects the last-good price of an asset.
func (a *App) SetLastGoodPrice(ctx context.Context, opts SetLastGoodPriceOptions) error {
	rt, caller, err := a.adminRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	asset, err := a.resolveAsset(opts.Asset)
	if err != nil {
		return err
	}
	price, err := oracle.ParseAmount(opts.Price, rt.aggregator.BaseCurrencyUnit())
	if err != nil {
		return err
	}
	var at time.Time
	if opts.UpdatedAt != nil {
		at = *opts.UpdatedAt
	}
	if err := rt.aggregator.UpdateLastGoodPrice(ctx, caller, asset, price, at); err != nil {
		return err
	}
	lgp, _ := rt.aggregator.LastGoodPrice(asset)
	fmt.Fprintf(os.Stdout, "last good price of %s set to %s %s at %s\n",
		asset.Hex(),
		oracle.FormatAmount(lgp.Price, rt.aggregator.BaseCurrencyUnit()).String(),
		rt.aggregator.BaseCurrency(),
		lgp.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return nil
}

// GrantRole adds an account to a role.
func (a *App) GrantRole(ctx context.Context, opts RoleOptions) error {
	return a.changeRole(ctx, opts, true)
}

// RevokeRole removes an account from a role. Members seeded from configuration
// come back on the next start unless they are also removed from the file.
func (a *App) RevokeRole(ctx context.Context, opts RoleOptions) error {
	return a.changeRole(ctx, opts, false)
}

func (a *App) changeRole(ctx context.Context, opts RoleOptions, grant bool) error {
	role, err := access.ParseRole(opts.Role)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(opts.Account) {
		return fmt.Errorf("%q is not a hex address", opts.Account)
	}
	account := common.HexToAddress(opts.Account)

	rt, caller, err := a.adminRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if grant {
		err = rt.access.Grant(ctx, caller, role, account)
	} else {
		if a.seeded(role, account) {
			a.Logger.Warn().Str("role", string(role)).Str("account", account.Hex()).
				Msg("account is seeded from configuration and will be restored on restart")
		}
		err = rt.access.Revoke(ctx, caller, role, account)
	}
	if err != nil {
		return err
	}
	verb := "revoked"
	if grant {
		verb = "granted"
	}
	fmt.Fprintf(os.Stdout, "%s %s %s\n", verb, role, account.Hex())
	return nil
}

// ListRoles prints every role member.
func (a *App) ListRoles(ctx context.Context) error {
	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.close()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Role\tAccount\tSeeded")
	for _, role := range access.Roles {
		for _, acct := range rt.access.Members(role) {
			fmt.Fprintf(writer, "%s\t%s\t%t\n", role, acct.Hex(), a.seeded(role, acct))
		}
	}
	return writer.Flush()
}

func (a *App) seeded(role access.Role, account common.Address) bool {
	for _, acct := range a.roleSeed()[role] {
		if acct == account {
			return true
		}
	}
	return false
}
