// Package oracle resolves one trustworthy base-currency price per asset from a
// primary feed, an optional fallback feed, a last-good-price cache and a
// guardian freeze override.
package oracle

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale used by deviation gating.
const BpsDenominator = 10_000

const (
	// DefaultHeartbeat applies when a route leaves its heartbeat unset.
	DefaultHeartbeat = time.Hour
	// DefaultMaxStaleTime applies when a route leaves its stale buffer unset.
	DefaultMaxStaleTime = time.Hour
)

// Observation is one reading from a Source, already scaled to the base-currency unit.
type Observation struct {
	Price     uint256.Int
	UpdatedAt time.Time
	IsAlive   bool
}

// Source produces observations for assets in a fixed base currency.
//
// Implementations report a failed liveness check through Observation.IsAlive and
// reserve errors for exceptional conditions such as an unreachable endpoint.
type Source interface {
	Name() string
	BaseCurrency() string
	BaseCurrencyUnit() uint256.Int
	Observe(ctx context.Context, asset common.Address) (Observation, error)
}

// Verifier is implemented by sources that can check their binding up front.
// SetOracle refuses a route whose source fails Verify.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Thresholds are the validation parameters applied to one source.
// A zero bound disables that bound; a zero MaxDeviationBps disables deviation gating.
type Thresholds struct {
	Heartbeat       time.Duration
	MaxStaleTime    time.Duration
	MaxDeviationBps uint16
	MinAnswer       uint256.Int
	MaxAnswer       uint256.Int
}

// WithDefaults fills an unset heartbeat or stale buffer.
func (t Thresholds) WithDefaults(heartbeat, maxStale time.Duration) Thresholds {
	if t.Heartbeat == 0 {
		t.Heartbeat = heartbeat
	}
	if t.MaxStaleTime == 0 {
		t.MaxStaleTime = maxStale
	}
	return t
}

// Route maps an asset to its sources. FallbackThresholds, when nil, reuses the
// primary thresholds for the fallback source.
type Route struct {
	Primary  Source
	Fallback Source
	Thresholds
	FallbackThresholds *Thresholds
}

func (r Route) fallbackThresholds() Thresholds {
	if r.FallbackThresholds != nil {
		return *r.FallbackThresholds
	}
	return r.Thresholds
}

// LastGoodPrice is the most recent accepted price of an asset.
type LastGoodPrice struct {
	Price     uint256.Int
	UpdatedAt time.Time
}

// FreezeState is the guardian override of an asset.
type FreezeState struct {
	Frozen      bool
	HasOverride bool
	Override    uint256.Int
	FrozenAt    time.Time
}

// Outcome names the pipeline stage that produced a PriceInfo.
type Outcome string

const (
	OutcomePrimary     Outcome = "primary"
	OutcomeFallback    Outcome = "fallback"
	OutcomeLastGood    Outcome = "last_good"
	OutcomeFrozen      Outcome = "frozen"
	OutcomeUnavailable Outcome = "unavailable"
)

// Rejection records why a source was skipped during an evaluation.
type Rejection struct {
	Source string
	Err    error
}

// PriceInfo is the result of one evaluation.
type PriceInfo struct {
	Asset      common.Address
	Price      uint256.Int
	UpdatedAt  time.Time
	IsAlive    bool
	Outcome    Outcome
	Source     string
	Rejections []Rejection
}

// Observer is notified after every evaluation.
type Observer interface {
	ObservePrice(ctx context.Context, info PriceInfo)
}

// Observers fans a notification out to several observers.
type Observers []Observer

// ObservePrice implements Observer.
func (o Observers) ObservePrice(ctx context.Context, info PriceInfo) {
	for _, obs := range o {
		obs.ObservePrice(ctx, info)
	}
}

// AssetState is the persisted part of an asset.
type AssetState struct {
	LastGood *LastGoodPrice
	Freeze   FreezeState
}

// StateStore persists last-good prices and freeze states.
type StateStore interface {
	SaveLastGoodPrice(ctx context.Context, asset common.Address, lgp LastGoodPrice) error
	SaveFreezeState(ctx context.Context, asset common.Address, state FreezeState) error
	LoadAssetStates(ctx context.Context) (map[common.Address]AssetState, error)
}
