// Package metrics exposes Prometheus metrics for the price pipeline.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"price-oracle-aggregator/internal/oracle"
)

// Recorder owns a registry and the pipeline collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry
	unit     uint256.Int
	now      func() time.Time

	evaluations *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	price       *prometheus.GaugeVec
	priceAge    *prometheus.GaugeVec
	alive       *prometheus.GaugeVec
	sweeps      *prometheus.HistogramVec
	alerts      *prometheus.CounterVec
}

// NewRecorder registers the collectors under namespace. unit converts prices
// from atoms to the exported float gauge.
func NewRecorder(namespace string, unit uint256.Int) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		unit:     unit,
		now:      time.Now,
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_evaluations_total",
				Help:      "Price evaluations by resolving outcome",
			},
			[]string{"asset", "outcome"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_rejections_total",
				Help:      "Observations rejected by the validator",
			},
			[]string{"asset", "source", "reason"},
		),
		price: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "asset_price",
				Help:      "Last resolved price in the base currency",
			},
			[]string{"asset"},
		),
		priceAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "asset_price_age_seconds",
				Help:      "Age of the last resolved price",
			},
			[]string{"asset"},
		),
		alive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "asset_price_alive",
				Help:      "Whether the last resolved price was alive (1) or not (0)",
			},
			[]string{"asset"},
		),
		sweeps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of scheduled evaluation sweeps",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_sent_total",
				Help:      "Alerts dispatched by outcome",
			},
			[]string{"outcome", "status"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.evaluations, r.rejections, r.price, r.priceAge, r.alive, r.sweeps, r.alerts,
	)
	return r
}

// ObservePrice implements oracle.Observer.
func (r *Recorder) ObservePrice(_ context.Context, info oracle.PriceInfo) {
	asset := info.Asset.Hex()
	r.evaluations.WithLabelValues(asset, string(info.Outcome)).Inc()
	for _, rej := range info.Rejections {
		r.rejections.WithLabelValues(asset, rej.Source, oracle.Reason(rej.Err)).Inc()
	}

	if info.Outcome == oracle.OutcomeUnavailable {
		r.alive.WithLabelValues(asset).Set(0)
		return
	}
	value, _ := oracle.FormatAmount(info.Price, r.unit).Float64()
	r.price.WithLabelValues(asset).Set(value)
	if !info.UpdatedAt.IsZero() {
		r.priceAge.WithLabelValues(asset).Set(r.now().Sub(info.UpdatedAt).Seconds())
	}
	r.alive.WithLabelValues(asset).Set(boolGauge(info.IsAlive))
}

// ObserveSweep records the duration of one sweep.
func (r *Recorder) ObserveSweep(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.sweeps.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveAlert counts one dispatched alert.
func (r *Recorder) ObserveAlert(outcome oracle.Outcome, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	r.alerts.WithLabelValues(string(outcome), status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

var _ oracle.Observer = (*Recorder)(nil)
