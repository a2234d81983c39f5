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
	"price-oracle-aggregator/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// Asset filters evaluations to one asset when set.
	Asset string
	// Alerts lists recent alerts instead of evaluations.
	Alerts bool
}

// Show prints recent evaluations or alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show evaluations")
	}
	defer store.Close()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printAlerts(os.Stdout, alerts)
	}

	var filter *common.Address
	if opts.Asset != "" {
		asset, err := a.resolveAsset(opts.Asset)
		if err != nil {
			return err
		}
		filter = &asset
	}

	evaluations, err := store.ListRecentEvaluations(ctx, filter, opts.Limit)
	if err != nil {
		return err
	}
	return a.printEvaluations(os.Stdout, evaluations, oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals))
}

func (a *App) printEvaluations(out io.Writer, evaluations []storage.Evaluation, unit uint256.Int) error {
	if len(evaluations) == 0 {
		fmt.Fprintln(out, "no evaluations found")
		return nil
	}

	symbols := a.symbols()
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (UTC)\tAsset\tPrice (%s)\tOutcome\tAlive\tSource\tRejections\n", a.Config.Oracle.BaseCurrency)
	for _, ev := range evaluations {
		label := symbols[ev.Asset]
		if label == "" {
			label = ev.Asset.Hex()
		}
		price := "-"
		if ev.Outcome != string(oracle.OutcomeUnavailable) {
			price = oracle.FormatAmount(ev.Price, unit).String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			ev.Bucket.UTC().Format(time.RFC3339),
			label,
			price,
			ev.Outcome,
			ev.IsAlive,
			dash(ev.Source),
			dash(sanitizeInline(joinRejections(ev.Rejections))),
		)
	}
	return writer.Flush()
}

func (a *App) printAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	symbols := a.symbols()
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tBucket\tAsset\tOutcome\tChannels")
	for _, al := range alerts {
		label := symbols[al.Asset]
		if label == "" {
			label = al.Asset.Hex()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			al.CreatedAt.UTC().Format(time.RFC3339),
			al.Bucket.UTC().Format(time.RFC3339),
			label,
			al.Outcome,
			dash(strings.Join(al.Channels, ",")),
		)
	}
	return writer.Flush()
}

func joinRejections(rs []storage.RejectionRecord) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, r.Source+"="+r.Reason)
	}
	return strings.Join(parts, "; ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
