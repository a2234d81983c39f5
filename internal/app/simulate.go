package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"price-oracle-aggregator/internal/alerting"
	"price-oracle-aggregator/internal/oracle"
	"price-oracle-aggregator/internal/service"
)

// SimulateOptions describe a synthetic degraded evaluation.
type SimulateOptions struct {
	Asset   string
	Outcome string
	// Price is a human-readable price; ignored for the unavailable outcome.
	Price string
	// DryRun logs the alert instead of dispatching it.
	DryRun bool
}

// SimulateAlert pushes a synthetic evaluation through the alert path so that
// channel configuration can be checked without degrading a real feed.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled && !opts.DryRun {
		return errors.New("alerting is not enabled")
	}

	var notifier alerting.Notifier = alerting.NewLogNotifier(a.Logger)
	if !opts.DryRun {
		notifier = a.newNotifier()
		if notifier == nil {
			return errors.New("no alert channel configured")
		}
	}

	asset, err := a.resolveAsset(opts.Asset)
	if err != nil {
		return err
	}
	outcome := oracle.Outcome(opts.Outcome)
	switch outcome {
	case oracle.OutcomePrimary, oracle.OutcomeFallback, oracle.OutcomeLastGood, oracle.OutcomeFrozen, oracle.OutcomeUnavailable:
	default:
		return fmt.Errorf("unknown outcome %q", opts.Outcome)
	}

	unit := oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals)
	now := time.Now().UTC()
	info := oracle.PriceInfo{
		Asset:   asset,
		Outcome: outcome,
		Source:  "simulated",
		Rejections: []oracle.Rejection{
			{Source: "simulated-primary", Err: oracle.ErrStalePrice},
		},
	}
	if outcome != oracle.OutcomeUnavailable {
		if opts.Price == "" {
			return errors.New("--price is required unless --outcome=unavailable")
		}
		price, err := oracle.ParseAmount(opts.Price, unit)
		if err != nil {
			return err
		}
		info.Price = price
		info.UpdatedAt = now.Add(-time.Hour)
		info.IsAlive = outcome == oracle.OutcomePrimary || outcome == oracle.OutcomeFallback
	}

	bucket := now.Truncate(a.Config.Scheduler.Interval)
	note := service.NotificationFor(bucket, info, a.symbols()[asset], a.Config.Oracle.BaseCurrency, unit, a.Config.Alerting.Channels)
	note.AdditionalMsg = "(simulated)"
	return notifier.Notify(ctx, note)
}
