// Package service runs the periodic evaluation sweep: every registered asset is
// priced, the result is recorded and degraded outcomes raise alerts.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"price-oracle-aggregator/internal/alerting"
	"price-oracle-aggregator/internal/oracle"
	"price-oracle-aggregator/internal/scheduler"
	"price-oracle-aggregator/internal/storage"
)

// PriceReader is the part of the aggregator the sweep needs.
type PriceReader interface {
	Assets() []common.Address
	GetPriceInfo(ctx context.Context, asset common.Address) (oracle.PriceInfo, error)
	BaseCurrency() string
	BaseCurrencyUnit() uint256.Int
}

// AlertRecorder counts dispatched alerts.
type AlertRecorder interface {
	ObserveAlert(outcome oracle.Outcome, err error)
}

// StateReloader pulls state written by other processes into this one.
type StateReloader interface {
	Reload(ctx context.Context) error
}

// Options tune alerting and locking.
type Options struct {
	AlertsEnabled  bool
	AlertOutcomes  []oracle.Outcome
	Channels       []string
	Cooldown       time.Duration
	AlertRetention time.Duration
	LockKey        int64
	Symbols        map[common.Address]string
}

// Deps are the collaborators of a Service. Only Reader is required.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Reader      PriceReader
	Evaluations storage.EvaluationStore
	Alerts      storage.AlertStore
	Locker      storage.AdvisoryLocker
	Notifier    alerting.Notifier
	Recorder    AlertRecorder
	// Reloaders run at the start of every bucket, before the advisory lock,
	// so replicas that lose the lock still serve fresh admin state.
	Reloaders []StateReloader
}

// Service orchestrates sweeps, persistence and alerting.
type Service struct {
	deps     Deps
	opts     Options
	outcomes map[oracle.Outcome]bool
	cooldown *alerting.Cooldown
	now      func() time.Time
	logger   zerolog.Logger
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Bucket    time.Time
	Evaluated int
	Degraded  int
	Alerted   int
}

// New constructs the sweep service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	outcomes := make(map[oracle.Outcome]bool, len(opts.AlertOutcomes))
	for _, o := range opts.AlertOutcomes {
		outcomes[o] = true
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		outcomes: outcomes,
		cooldown: alerting.NewCooldown(opts.Cooldown),
		now:      time.Now,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket runs one sweep unless another instance holds the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	s.reload(ctx, bucket)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.Sweep(ctx, bucket)
	return err
}

func (s *Service) reload(ctx context.Context, bucket time.Time) {
	for _, r := range s.deps.Reloaders {
		if err := r.Reload(ctx); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to reload persisted state")
		}
	}
}

// Sweep evaluates every registered asset once.
func (s *Service) Sweep(ctx context.Context, bucket time.Time) (SweepResult, error) {
	if s.deps.Reader == nil {
		return SweepResult{}, fmt.Errorf("price reader not configured")
	}

	result := SweepResult{Bucket: bucket}
	var errs []error
	for _, asset := range s.deps.Reader.Assets() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		info, err := s.deps.Reader.GetPriceInfo(ctx, asset)
		if err != nil {
			if errors.Is(err, oracle.ErrAssetNotConfigured) {
				// Removed between Assets and GetPriceInfo.
				continue
			}
			errs = append(errs, fmt.Errorf("evaluate %s: %w", asset.Hex(), err))
			continue
		}
		result.Evaluated++

		if s.deps.Evaluations != nil {
			if err := s.deps.Evaluations.UpsertEvaluation(ctx, storage.EvaluationFromInfo(bucket, info)); err != nil {
				s.logger.Error().Err(err).Time("bucket", bucket).Str("asset", asset.Hex()).Msg("failed to persist evaluation")
			}
		}

		event := s.logger.Debug()
		if info.Outcome != oracle.OutcomePrimary {
			result.Degraded++
			event = s.logger.Warn()
		} else {
			s.cooldown.Reset(asset)
		}
		event.Time("bucket", bucket).
			Str("asset", asset.Hex()).
			Str("outcome", string(info.Outcome)).
			Str("price", info.Price.Dec()).
			Bool("alive", info.IsAlive).
			Int("rejections", len(info.Rejections)).
			Msg("asset evaluated")

		if s.alert(ctx, bucket, info) {
			result.Alerted++
		}
	}

	s.pruneAlerts(ctx)

	s.logger.Info().Time("bucket", bucket).
		Int("evaluated", result.Evaluated).
		Int("degraded", result.Degraded).
		Int("alerted", result.Alerted).
		Msg("sweep complete")
	return result, errors.Join(errs...)
}

func (s *Service) alert(ctx context.Context, bucket time.Time, info oracle.PriceInfo) bool {
	if !s.opts.AlertsEnabled || s.deps.Notifier == nil || !s.outcomes[info.Outcome] {
		return false
	}
	if !s.cooldown.Allow(info.Asset, string(info.Outcome), s.now()) {
		s.logger.Debug().Str("asset", info.Asset.Hex()).Str("outcome", string(info.Outcome)).Msg("alert suppressed by cooldown")
		return false
	}

	note := NotificationFor(bucket, info, s.opts.Symbols[info.Asset], s.deps.Reader.BaseCurrency(), s.deps.Reader.BaseCurrencyUnit(), s.opts.Channels)
	if s.deps.Alerts != nil {
		record := storage.AlertRecord{
			Bucket:   bucket,
			Asset:    info.Asset,
			Outcome:  string(info.Outcome),
			Channels: s.opts.Channels,
		}
		if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}

	err := s.deps.Notifier.Notify(ctx, note)
	if s.deps.Recorder != nil {
		s.deps.Recorder.ObserveAlert(info.Outcome, err)
	}
	if err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Str("asset", info.Asset.Hex()).Msg("failed to dispatch alert")
		return false
	}
	return true
}

func (s *Service) pruneAlerts(ctx context.Context) {
	if s.opts.AlertRetention <= 0 || s.deps.Alerts == nil {
		return
	}
	if err := s.deps.Alerts.DeleteAlertsBefore(ctx, s.now().Add(-s.opts.AlertRetention)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune alert history")
	}
}

// NotificationFor renders a pipeline result as an alert.
func NotificationFor(bucket time.Time, info oracle.PriceInfo, symbol, baseCurrency string, unit uint256.Int, channels []string) alerting.Notification {
	note := alerting.Notification{
		Bucket:       bucket,
		Asset:        info.Asset,
		Symbol:       symbol,
		Outcome:      string(info.Outcome),
		Price:        oracle.FormatAmount(info.Price, unit),
		BaseCurrency: baseCurrency,
		UpdatedAt:    info.UpdatedAt,
		IsAlive:      info.IsAlive,
		Source:       info.Source,
		Channels:     channels,
	}
	for _, r := range info.Rejections {
		reason := "unknown"
		if r.Err != nil {
			reason = r.Err.Error()
		}
		note.Rejections = append(note.Rejections, fmt.Sprintf("%s: %s", r.Source, reason))
	}
	return note
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
