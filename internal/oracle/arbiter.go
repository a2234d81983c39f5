package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type candidate struct {
	outcome    Outcome
	source     Source
	thresholds Thresholds
}

// evaluate walks primary, fallback, last-good price, in that order. The primary
// is always tried first; there is no ranking by past reliability.
func (a *Aggregator) evaluate(ctx context.Context, asset common.Address, st *assetState, snap snapshot) PriceInfo {
	now := a.clock.Now()
	info := PriceInfo{Asset: asset}

	var reference *uint256.Int
	if snap.lastGood != nil {
		reference = &snap.lastGood.Price
	}

	candidates := []candidate{{outcome: OutcomePrimary, source: snap.route.Primary, thresholds: snap.route.Thresholds}}
	if snap.route.Fallback != nil {
		candidates = append(candidates, candidate{outcome: OutcomeFallback, source: snap.route.Fallback, thresholds: snap.route.fallbackThresholds()})
	}

	for _, c := range candidates {
		obs, err := a.try(ctx, asset, c, reference, now)
		if err != nil {
			info.Rejections = append(info.Rejections, Rejection{Source: c.source.Name(), Err: err})
			a.logger.Debug().Err(err).Str("asset", asset.Hex()).Str("source", c.source.Name()).
				Str("stage", string(c.outcome)).Msg("source rejected")
			continue
		}

		a.refreshLastGood(ctx, asset, st, snap.version, obs)
		info.Price = obs.Price
		info.UpdatedAt = obs.UpdatedAt
		info.IsAlive = true
		info.Outcome = c.outcome
		info.Source = c.source.Name()
		return info
	}

	if snap.lastGood != nil {
		info.Price = snap.lastGood.Price
		info.UpdatedAt = snap.lastGood.UpdatedAt
		info.Outcome = OutcomeLastGood
		a.logger.Warn().Str("asset", asset.Hex()).Int("rejections", len(info.Rejections)).
			Time("last_good_at", snap.lastGood.UpdatedAt).Msg("serving last good price")
		return info
	}

	info.Outcome = OutcomeUnavailable
	a.logger.Error().Str("asset", asset.Hex()).Int("rejections", len(info.Rejections)).Msg("no usable price")
	return info
}

func (a *Aggregator) try(ctx context.Context, asset common.Address, c candidate, reference *uint256.Int, now time.Time) (Observation, error) {
	obs, err := c.source.Observe(ctx, asset)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %w", ErrSourceFailure, err)
	}
	if !obs.IsAlive {
		return Observation{}, invalid(ErrSourceNotAlive, "%s reported not alive", c.source.Name())
	}
	th := c.thresholds.WithDefaults(a.defaultHeartbeat, a.defaultMaxStale)
	if err := ValidateObservation(obs, th, reference, now); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

// refreshLastGood stores obs unless the route changed since the snapshot was
// taken or a concurrent evaluation already refreshed from a newer round. A
// manual seed is replaced by the next accepted observation whatever its age.
func (a *Aggregator) refreshLastGood(ctx context.Context, asset common.Address, st *assetState, version uint64, obs Observation) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.version != version {
		return
	}
	if obs.UpdatedAt.Before(st.refreshedAt) {
		return
	}
	if cur := st.lastGood; cur != nil && obs.UpdatedAt.Equal(cur.UpdatedAt) && obs.Price.Eq(&cur.Price) {
		st.refreshedAt = obs.UpdatedAt
		return
	}

	lgp := LastGoodPrice{Price: obs.Price, UpdatedAt: obs.UpdatedAt}
	st.lastGood = &lgp
	st.refreshedAt = obs.UpdatedAt
	st.writes++
	if a.store != nil {
		if err := a.store.SaveLastGoodPrice(ctx, asset, lgp); err != nil {
			a.logger.Error().Err(err).Str("asset", asset.Hex()).Msg("failed to persist last good price")
		}
	}
}
