package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/oracle"
)

// PriceOptions configure the price command.
type PriceOptions struct {
	// Assets are hex addresses or configured symbols; empty means every asset.
	Assets []string
	// Cached reads the Redis snapshot instead of evaluating live.
	Cached bool
	// Strict fails unless every price is alive.
	Strict bool
}

// Price evaluates assets and prints one line per asset.
func (a *App) Price(ctx context.Context, opts PriceOptions) error {
	if opts.Cached {
		return a.cachedPrice(ctx, opts, os.Stdout)
	}

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.close()

	assets, err := a.selectAssets(opts.Assets, rt.aggregator.Assets())
	if err != nil {
		return err
	}

	symbols := a.symbols()
	unit := rt.aggregator.BaseCurrencyUnit()
	now := time.Now().UTC()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Asset\tSymbol\tPrice (%s)\tOutcome\tAlive\tAge\tSource\tRejections\n", rt.aggregator.BaseCurrency())

	var dead []string
	for _, asset := range assets {
		info, err := rt.aggregator.GetPriceInfo(ctx, asset)
		if err != nil {
			return err
		}
		if !info.IsAlive {
			dead = append(dead, asset.Hex())
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			asset.Hex(),
			symbols[asset],
			displayPrice(info, unit),
			info.Outcome,
			info.IsAlive,
			formatAge(now, info.UpdatedAt),
			dash(info.Source),
			dash(formatRejections(info.Rejections)),
		)
	}
	writer.Flush()

	if opts.Strict && len(dead) > 0 {
		return fmt.Errorf("%w: %s", oracle.ErrPriceNotAlive, strings.Join(dead, ","))
	}
	return nil
}

func (a *App) cachedPrice(ctx context.Context, opts PriceOptions, out io.Writer) error {
	if a.Config.Redis.Addr == "" {
		return errors.New("redis.addr not configured; cannot read cached prices")
	}
	pub := a.newCache()
	defer pub.Close()

	configured := make([]common.Address, 0, len(a.Config.Assets))
	for _, ac := range a.Config.Assets {
		configured = append(configured, common.HexToAddress(ac.Address))
	}
	assets, err := a.selectAssets(opts.Assets, configured)
	if err != nil {
		return err
	}

	symbols := a.symbols()
	now := time.Now().UTC()
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Asset\tSymbol\tPrice (%s)\tOutcome\tAlive\tAge\tObserved\n", a.Config.Oracle.BaseCurrency)
	for _, asset := range assets {
		snap, ok, err := pub.Get(ctx, asset)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(writer, "%s\t%s\t-\tmiss\t-\t-\t-\n", asset.Hex(), symbols[asset])
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			asset.Hex(),
			symbols[asset],
			snap.Display,
			snap.Outcome,
			snap.IsAlive,
			formatAge(now, snap.UpdatedAt),
			snap.ObservedAt.Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func (a *App) selectAssets(requested []string, all []common.Address) ([]common.Address, error) {
	if len(requested) == 0 {
		return all, nil
	}
	out := make([]common.Address, 0, len(requested))
	for _, r := range requested {
		asset, err := a.resolveAsset(r)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

func displayPrice(info oracle.PriceInfo, unit uint256.Int) string {
	if info.Outcome == oracle.OutcomeUnavailable || (info.Outcome == oracle.OutcomeFrozen && !info.IsAlive && info.Price.IsZero()) {
		return "-"
	}
	return oracle.FormatAmount(info.Price, unit).String()
}

func formatRejections(rs []oracle.Rejection) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s=%s", r.Source, oracle.Reason(r.Err)))
	}
	return strings.Join(parts, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
