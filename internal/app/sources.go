package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"price-oracle-aggregator/internal/config"
	"price-oracle-aggregator/internal/fetcher"
	"price-oracle-aggregator/internal/oracle"
)

// buildSources instantiates every declared source. Vault sources are built
// after their underlying source, in dependency order. Sources that stamp their
// own observations read clock.
func (a *App) buildSources(dialer *fetcher.Dialer, clock oracle.Clock) (map[string]oracle.Source, error) {
	declared := make(map[string]config.SourceConfig, len(a.Config.Sources))
	for _, s := range a.Config.Sources {
		declared[s.Name] = s
	}

	built := make(map[string]oracle.Source, len(declared))
	visiting := make(map[string]bool)

	var build func(name string) (oracle.Source, error)
	build = func(name string) (oracle.Source, error) {
		if src, ok := built[name]; ok {
			return src, nil
		}
		sc, ok := declared[name]
		if !ok {
			return nil, fmt.Errorf("source %q is not declared", name)
		}
		if visiting[name] {
			return nil, fmt.Errorf("source %q: underlying cycle", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		var underlying oracle.Source
		if sc.Type == config.SourceERC4626 {
			u, err := build(sc.Underlying)
			if err != nil {
				return nil, err
			}
			underlying = u
		}

		src, err := a.newSource(sc, dialer, clock, underlying)
		if err != nil {
			return nil, err
		}
		built[name] = src
		return src, nil
	}

	for _, s := range a.Config.Sources {
		if _, err := build(s.Name); err != nil {
			return nil, err
		}
	}
	return built, nil
}

func (a *App) newSource(sc config.SourceConfig, dialer *fetcher.Dialer, clock oracle.Clock, underlying oracle.Source) (oracle.Source, error) {
	denom := fetcher.Denomination{
		Currency: a.Config.Oracle.BaseCurrency,
		Unit:     oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals),
	}
	if sc.BaseCurrency != "" {
		denom.Currency = sc.BaseCurrency
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = a.Config.Ethereum.RequestTimeout
	}

	switch sc.Type {
	case config.SourceChainlink:
		return fetcher.NewChainlink(fetcher.ChainlinkOptions{
			Name:         sc.Name,
			Feed:         common.HexToAddress(sc.Address),
			Timeout:      timeout,
			Denomination: denom,
		}, dialer.Caller(a.Config.SourceRPCURL(sc)), a.Logger)

	case config.SourceAPI3:
		return fetcher.NewAPI3(fetcher.API3Options{
			Name:         sc.Name,
			Proxy:        common.HexToAddress(sc.Address),
			Timeout:      timeout,
			Denomination: denom,
		}, dialer.Caller(a.Config.SourceRPCURL(sc)), a.Logger)

	case config.SourceERC4626:
		return fetcher.NewERC4626(fetcher.ERC4626Options{
			Name:    sc.Name,
			Vault:   common.HexToAddress(sc.Address),
			Timeout: timeout,
		}, dialer.Caller(a.Config.SourceRPCURL(sc)), underlying, a.Logger)

	case config.SourcePeg:
		price, err := oracle.ParseAmount(sc.Price, denom.Unit)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		return fetcher.NewPeg(fetcher.PegOptions{Name: sc.Name, Price: price, Denomination: denom}, clock)

	case config.SourceCow:
		cow := a.Config.Cow
		cowTimeout := sc.Timeout
		if cowTimeout <= 0 {
			cowTimeout = cow.RequestTimeout
		}
		opts := fetcher.CowQuoteOptions{
			Name:         sc.Name,
			BaseURL:      cow.BaseURL,
			PriceQuality: cow.PriceQuality,
			UserAgent:    cow.UserAgent,
			Timeout:      cowTimeout,
			SellDecimals: sc.SellDecimals,
			Notional:     decimal.NewFromFloat(sc.Notional),
			BuyToken:     common.HexToAddress(sc.BuyToken),
			BuyDecimals:  sc.BuyDecimals,
			Denomination: denom,
			Clock:        clock,
		}
		if sc.SellToken != "" {
			opts.SellToken = common.HexToAddress(sc.SellToken)
		}
		return fetcher.NewCowQuote(opts, a.Logger)

	default:
		return nil, fmt.Errorf("source %q: unknown type %q", sc.Name, sc.Type)
	}
}

// unverifiedSource hides the Verify method of the wrapped source.
type unverifiedSource struct {
	oracle.Source
}

// registerRoutes binds every configured asset to its sources as the operator,
// or the first oracle manager when no operator is set.
func (a *App) registerRoutes(ctx context.Context, agg *oracle.Aggregator, sources map[string]oracle.Source) error {
	if len(a.Config.Assets) == 0 {
		return nil
	}
	caller, err := a.routeRegistrar()
	if err != nil {
		return err
	}

	unit := oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals)
	for _, ac := range a.Config.Assets {
		route, err := buildRoute(ac, sources, unit)
		if err != nil {
			return err
		}
		asset := common.HexToAddress(ac.Address)
		if err := agg.SetOracle(ctx, caller, asset, route); err != nil {
			return fmt.Errorf("register %s: %w", asset.Hex(), err)
		}
	}
	a.Logger.Info().Int("assets", len(a.Config.Assets)).Msg("asset routes registered")
	return nil
}

func (a *App) routeRegistrar() (common.Address, error) {
	if a.Config.Access.Operator != "" {
		return common.HexToAddress(a.Config.Access.Operator), nil
	}
	if len(a.Config.Access.OracleManagers) > 0 {
		return common.HexToAddress(a.Config.Access.OracleManagers[0]), nil
	}
	return common.Address{}, fmt.Errorf("assets are configured but neither access.operator nor access.oracle_managers is set")
}

func buildRoute(ac config.AssetConfig, sources map[string]oracle.Source, unit uint256.Int) (oracle.Route, error) {
	th, err := buildThresholds(ac.ThresholdsConfig, unit)
	if err != nil {
		return oracle.Route{}, fmt.Errorf("asset %s: %w", ac.Address, err)
	}
	route := oracle.Route{Primary: sources[ac.Primary], Thresholds: th}
	if ac.Fallback != "" {
		route.Fallback = sources[ac.Fallback]
	}
	if ac.FallbackThresholds != nil {
		fth, err := buildThresholds(*ac.FallbackThresholds, unit)
		if err != nil {
			return oracle.Route{}, fmt.Errorf("asset %s fallback: %w", ac.Address, err)
		}
		route.FallbackThresholds = &fth
	}
	return route, nil
}

func buildThresholds(tc config.ThresholdsConfig, unit uint256.Int) (oracle.Thresholds, error) {
	th := oracle.Thresholds{
		Heartbeat:       tc.Heartbeat,
		MaxStaleTime:    tc.MaxStaleTime,
		MaxDeviationBps: tc.MaxDeviationBps,
	}
	if tc.MinAnswer != "" {
		v, err := oracle.ParseAmount(tc.MinAnswer, unit)
		if err != nil {
			return th, fmt.Errorf("min_answer: %w", err)
		}
		th.MinAnswer = v
	}
	if tc.MaxAnswer != "" {
		v, err := oracle.ParseAmount(tc.MaxAnswer, unit)
		if err != nil {
			return th, fmt.Errorf("max_answer: %w", err)
		}
		th.MaxAnswer = v
	}
	return th, nil
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}
