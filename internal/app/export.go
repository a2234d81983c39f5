package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	chart "github.com/wcharczuk/go-chart/v2"

	"price-oracle-aggregator/internal/oracle"
	"price-oracle-aggregator/internal/storage"
)

// ExportOptions hold parameters for exporting evaluation history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Asset     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders evaluation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.PNGPath != "" && opts.Asset == "" {
		return errors.New("--png charts one asset; pass --asset")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	var filter *common.Address
	if opts.Asset != "" {
		asset, err := a.resolveAsset(opts.Asset)
		if err != nil {
			return err
		}
		filter = &asset
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	evaluations, err := store.ListEvaluationsBetween(ctx, filter, from, to)
	if err != nil {
		return err
	}
	if len(evaluations) == 0 {
		a.Logger.Info().Msg("no evaluations found for export window")
		return nil
	}

	downsampled := downsampleEvaluations(evaluations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(evaluations)).Int("exported", len(downsampled)).Msg("exporting evaluations")

	unit := oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals)
	if opts.CSVPath != "" {
		if err := a.writeEvaluationsCSV(opts.CSVPath, downsampled, unit); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeEvaluationsPNG(opts.PNGPath, downsampled, unit); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEvaluations(evaluations []storage.Evaluation, limit int) []storage.Evaluation {
	if limit <= 0 || len(evaluations) <= limit {
		return evaluations
	}
	if limit == 1 {
		return evaluations[len(evaluations)-1:]
	}

	result := make([]storage.Evaluation, 0, limit)
	step := float64(len(evaluations)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(evaluations) {
			idx = len(evaluations) - 1
		}
		result = append(result, evaluations[idx])
	}
	return result
}

func (a *App) writeEvaluationsCSV(path string, evaluations []storage.Evaluation, unit uint256.Int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "asset", "symbol", "price_atoms", "price", "price_updated_at", "is_alive", "outcome", "source", "rejections"}
	if err := writer.Write(header); err != nil {
		return err
	}

	symbols := a.symbols()
	for _, ev := range evaluations {
		updatedAt := ""
		if ev.PriceUpdatedAt != nil {
			updatedAt = ev.PriceUpdatedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			ev.Bucket.UTC().Format(time.RFC3339),
			ev.Asset.Hex(),
			symbols[ev.Asset],
			ev.Price.Dec(),
			oracle.FormatAmount(ev.Price, unit).String(),
			updatedAt,
			strconv.FormatBool(ev.IsAlive),
			ev.Outcome,
			ev.Source,
			joinRejections(ev.Rejections),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (a *App) writeEvaluationsPNG(path string, evaluations []storage.Evaluation, unit uint256.Int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(evaluations))
	price := make([]float64, 0, len(evaluations))
	alive := make([]float64, 0, len(evaluations))
	for _, ev := range evaluations {
		if ev.Outcome == string(oracle.OutcomeUnavailable) {
			continue
		}
		x = append(x, ev.Bucket)
		price = append(price, oracle.FormatAmount(ev.Price, unit).InexactFloat64())
		if ev.IsAlive {
			alive = append(alive, 1)
		} else {
			alive = append(alive, 0)
		}
	}
	if len(x) < 2 {
		return errors.New("not enough priced evaluations to draw a chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + a.Config.Oracle.BaseCurrency + ")",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:  "Alive",
			Range: &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Alive",
				XValues: x,
				YValues: alive,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
