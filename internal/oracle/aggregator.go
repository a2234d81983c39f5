package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"price-oracle-aggregator/internal/access"
)

// Authorizer checks that a principal holds a role.
type Authorizer interface {
	Require(role access.Role, principal common.Address) error
}

// Options configure an Aggregator.
type Options struct {
	BaseCurrency     string
	BaseCurrencyUnit uint256.Int
	// DefaultHeartbeat and DefaultMaxStaleTime replace unset route windows.
	DefaultHeartbeat    time.Duration
	DefaultMaxStaleTime time.Duration

	Clock    Clock
	Access   Authorizer
	Store    StateStore
	Observer Observer
}

// Aggregator is the single entry point for price reads and oracle administration.
type Aggregator struct {
	baseCurrency     string
	baseCurrencyUnit uint256.Int
	defaultHeartbeat time.Duration
	defaultMaxStale  time.Duration

	clock    Clock
	access   Authorizer
	store    StateStore
	observer Observer
	logger   zerolog.Logger

	mu     sync.RWMutex
	assets map[common.Address]*assetState
}

// assetState is guarded by its own mutex; writers to one asset never block
// readers or writers of another.
type assetState struct {
	mu       sync.Mutex
	route    *Route
	version  uint64
	lastGood *LastGoodPrice
	freeze   FreezeState
	// refreshedAt is the timestamp of the last automatic refresh. Manual seeds
	// leave it alone.
	refreshedAt time.Time
	// writes counts local last-good and freeze writes so Reload can tell
	// whether persisted state it read is already outdated.
	writes uint64
}

type snapshot struct {
	route    Route
	version  uint64
	lastGood *LastGoodPrice
	freeze   FreezeState
}

// New constructs an Aggregator. Access is mandatory: every mutating operation
// is capability-checked.
func New(opts Options, logger zerolog.Logger) (*Aggregator, error) {
	if opts.BaseCurrency == "" {
		return nil, fmt.Errorf("%w: base currency required", ErrInvalidRoute)
	}
	if opts.BaseCurrencyUnit.IsZero() {
		return nil, fmt.Errorf("%w: base currency unit must be positive", ErrInvalidRoute)
	}
	if opts.Access == nil {
		return nil, errors.New("oracle: access controller required")
	}
	if opts.Clock == nil {
		opts.Clock = NewSystemClock()
	}
	if opts.DefaultHeartbeat <= 0 {
		opts.DefaultHeartbeat = DefaultHeartbeat
	}
	if opts.DefaultMaxStaleTime <= 0 {
		opts.DefaultMaxStaleTime = DefaultMaxStaleTime
	}

	return &Aggregator{
		baseCurrency:     opts.BaseCurrency,
		baseCurrencyUnit: opts.BaseCurrencyUnit,
		defaultHeartbeat: opts.DefaultHeartbeat,
		defaultMaxStale:  opts.DefaultMaxStaleTime,
		clock:            opts.Clock,
		access:           opts.Access,
		store:            opts.Store,
		observer:         opts.Observer,
		logger:           logger.With().Str("component", "aggregator").Logger(),
		assets:           make(map[common.Address]*assetState),
	}, nil
}

// BaseCurrency returns the denomination of every price.
func (a *Aggregator) BaseCurrency() string { return a.baseCurrency }

// BaseCurrencyUnit returns the fixed-point scale of every price.
func (a *Aggregator) BaseCurrencyUnit() uint256.Int { return a.baseCurrencyUnit }

// Restore loads persisted last-good prices and freeze states. It is meant to run
// once before routes are registered.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	states, err := a.store.LoadAssetStates(ctx)
	if err != nil {
		return fmt.Errorf("load asset states: %w", err)
	}
	for asset, persisted := range states {
		st := a.state(asset, true)
		st.mu.Lock()
		if persisted.LastGood != nil {
			lgp := *persisted.LastGood
			st.lastGood = &lgp
		}
		st.freeze = persisted.Freeze
		st.mu.Unlock()
	}
	a.logger.Info().Int("assets", len(states)).Msg("restored persisted oracle state")
	return nil
}

// Reload applies last-good prices and freeze states written by other processes,
// such as the admin CLI, to a running aggregator. Assets written locally while
// the store was being read keep their local state.
func (a *Aggregator) Reload(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	marks := a.writeMarks()
	states, err := a.store.LoadAssetStates(ctx)
	if err != nil {
		return fmt.Errorf("reload asset states: %w", err)
	}

	for asset, persisted := range states {
		st := a.state(asset, true)
		st.mu.Lock()
		if st.writes != marks[asset] {
			st.mu.Unlock()
			continue
		}
		if !sameFreeze(st.freeze, persisted.Freeze) {
			st.freeze = persisted.Freeze
			a.logger.Warn().Str("asset", asset.Hex()).Bool("frozen", persisted.Freeze.Frozen).
				Bool("has_override", persisted.Freeze.HasOverride).Msg("freeze state reloaded")
		}
		if lgp := persisted.LastGood; lgp != nil && !sameLastGood(st.lastGood, lgp) {
			cp := *lgp
			st.lastGood = &cp
			a.logger.Info().Str("asset", asset.Hex()).Str("price", cp.Price.Dec()).
				Time("updated_at", cp.UpdatedAt).Msg("last good price reloaded")
		}
		st.mu.Unlock()
	}
	return nil
}

func (a *Aggregator) writeMarks() map[common.Address]uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	marks := make(map[common.Address]uint64, len(a.assets))
	for asset, st := range a.assets {
		st.mu.Lock()
		marks[asset] = st.writes
		st.mu.Unlock()
	}
	return marks
}

func sameFreeze(x, y FreezeState) bool {
	return x.Frozen == y.Frozen && x.HasOverride == y.HasOverride &&
		x.Override.Eq(&y.Override) && x.FrozenAt.Equal(y.FrozenAt)
}

func sameLastGood(cur, next *LastGoodPrice) bool {
	return cur != nil && cur.Price.Eq(&next.Price) && cur.UpdatedAt.Equal(next.UpdatedAt)
}

// GetAssetPrice returns a valid price or fails. Consumers that cannot proceed
// without a live price use this variant.
func (a *Aggregator) GetAssetPrice(ctx context.Context, asset common.Address) (uint256.Int, error) {
	info, err := a.GetPriceInfo(ctx, asset)
	if err != nil {
		return uint256.Int{}, err
	}
	if info.IsAlive {
		return info.Price, nil
	}
	if info.Outcome == OutcomeFrozen {
		return uint256.Int{}, fmt.Errorf("%w: %s", ErrFrozenNoOverride, asset.Hex())
	}
	return uint256.Int{}, fmt.Errorf("%w: %s", ErrPriceNotAlive, asset.Hex())
}

// GetPriceInfo runs the pipeline and signals degradation through IsAlive instead
// of failing. It fails only for unregistered assets.
func (a *Aggregator) GetPriceInfo(ctx context.Context, asset common.Address) (PriceInfo, error) {
	st := a.state(asset, false)
	if st == nil {
		return PriceInfo{}, fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}
	snap, ok := st.snapshot()
	if !ok {
		return PriceInfo{}, fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}

	var info PriceInfo
	if snap.freeze.Frozen {
		info = frozenInfo(asset, snap)
	} else {
		info = a.evaluate(ctx, asset, st, snap)
	}

	if a.observer != nil {
		a.observer.ObservePrice(ctx, info)
	}
	return info, nil
}

func frozenInfo(asset common.Address, snap snapshot) PriceInfo {
	info := PriceInfo{Asset: asset, Outcome: OutcomeFrozen, UpdatedAt: snap.freeze.FrozenAt}
	if snap.freeze.HasOverride {
		info.Price = snap.freeze.Override
		info.IsAlive = true
		info.Source = "guardian"
		return info
	}
	if snap.lastGood != nil {
		info.Price = snap.lastGood.Price
		info.UpdatedAt = snap.lastGood.UpdatedAt
	}
	return info
}

// SetOracle registers or replaces the route of asset.
func (a *Aggregator) SetOracle(ctx context.Context, caller, asset common.Address, route Route) error {
	if err := a.access.Require(access.RoleOracleManager, caller); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := a.validateRoute(route); err != nil {
		return fmt.Errorf("asset %s: %w", asset.Hex(), err)
	}
	for _, src := range []Source{route.Primary, route.Fallback} {
		v, ok := src.(Verifier)
		if !ok {
			continue
		}
		if err := v.Verify(ctx); err != nil {
			return fmt.Errorf("asset %s: verify %s: %w", asset.Hex(), src.Name(), err)
		}
	}

	st := a.state(asset, true)
	st.mu.Lock()
	r := route
	st.route = &r
	st.version++
	st.refreshedAt = time.Time{}
	st.mu.Unlock()

	event := a.logger.Info().Str("asset", asset.Hex()).Str("primary", route.Primary.Name())
	if route.Fallback != nil {
		event = event.Str("fallback", route.Fallback.Name())
	}
	event.Str("caller", caller.Hex()).Msg("oracle route set")
	return nil
}

// RemoveOracle unregisters asset. Its last-good price and freeze state are kept
// so that a later registration resumes from them.
func (a *Aggregator) RemoveOracle(ctx context.Context, caller, asset common.Address) error {
	if err := a.access.Require(access.RoleOracleManager, caller); err != nil {
		return err
	}
	st := a.state(asset, false)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.route == nil {
		return fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}
	st.route = nil
	st.version++

	a.logger.Info().Str("asset", asset.Hex()).Str("caller", caller.Hex()).Msg("oracle route removed")
	return nil
}

// UpdateLastGoodPrice seeds or corrects the last-good price of asset. Bounds of a
// registered route still apply; heartbeat and deviation do not. A zero updatedAt
// means now.
func (a *Aggregator) UpdateLastGoodPrice(ctx context.Context, caller, asset common.Address, price uint256.Int, updatedAt time.Time) error {
	if err := a.access.Require(access.RoleOracleManager, caller); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if price.IsZero() {
		return invalid(ErrZeroPrice, "manual update for %s", asset.Hex())
	}
	now := a.clock.Now()
	if updatedAt.IsZero() {
		updatedAt = now
	}
	if updatedAt.After(now) {
		return invalid(ErrTimestampInFuture, "manual update for %s at %s", asset.Hex(), updatedAt.UTC().Format(time.RFC3339))
	}

	st := a.state(asset, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.route != nil {
		if err := CheckBounds(&price, st.route.Thresholds); err != nil {
			return err
		}
	}

	lgp := LastGoodPrice{Price: price, UpdatedAt: updatedAt}
	if a.store != nil {
		if err := a.store.SaveLastGoodPrice(ctx, asset, lgp); err != nil {
			return fmt.Errorf("persist last good price: %w", err)
		}
	}
	st.lastGood = &lgp
	st.writes++

	a.logger.Info().Str("asset", asset.Hex()).Str("price", price.Dec()).Time("updated_at", updatedAt).
		Str("caller", caller.Hex()).Msg("last good price updated manually")
	return nil
}

// FreezeAsset pins asset to override, or to no price at all when override is nil.
// Freezing a frozen asset replaces its override.
func (a *Aggregator) FreezeAsset(ctx context.Context, caller, asset common.Address, override *uint256.Int) error {
	if err := a.access.Require(access.RoleGuardian, caller); err != nil {
		return err
	}
	if override != nil && override.IsZero() {
		return invalid(ErrZeroPrice, "freeze override for %s", asset.Hex())
	}

	state := FreezeState{Frozen: true, FrozenAt: a.clock.Now()}
	if override != nil {
		state.HasOverride = true
		state.Override = *override
	}
	if err := a.setFreeze(ctx, asset, state, true); err != nil {
		return err
	}

	event := a.logger.Warn().Str("asset", asset.Hex()).Str("caller", caller.Hex())
	if override != nil {
		event = event.Str("override", override.Dec())
	}
	event.Msg("asset frozen")
	return nil
}

// UnfreezeAsset returns asset to live evaluation and clears its override.
func (a *Aggregator) UnfreezeAsset(ctx context.Context, caller, asset common.Address) error {
	if err := a.access.Require(access.RoleGuardian, caller); err != nil {
		return err
	}
	if err := a.setFreeze(ctx, asset, FreezeState{}, false); err != nil {
		return err
	}
	a.logger.Warn().Str("asset", asset.Hex()).Str("caller", caller.Hex()).Msg("asset unfrozen")
	return nil
}

func (a *Aggregator) setFreeze(ctx context.Context, asset common.Address, state FreezeState, freezing bool) error {
	st := a.state(asset, false)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.route == nil {
		return fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}
	if !freezing && !st.freeze.Frozen {
		return fmt.Errorf("%w: %s", ErrAssetNotFrozen, asset.Hex())
	}
	if a.store != nil {
		if err := a.store.SaveFreezeState(ctx, asset, state); err != nil {
			return fmt.Errorf("persist freeze state: %w", err)
		}
	}
	st.freeze = state
	st.writes++
	return nil
}

// Route returns the registered route of asset.
func (a *Aggregator) Route(asset common.Address) (Route, bool) {
	st := a.state(asset, false)
	if st == nil {
		return Route{}, false
	}
	snap, ok := st.snapshot()
	return snap.route, ok
}

// LastGoodPrice returns the last-good price of asset, registered or not.
func (a *Aggregator) LastGoodPrice(asset common.Address) (LastGoodPrice, bool) {
	st := a.state(asset, false)
	if st == nil {
		return LastGoodPrice{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastGood == nil {
		return LastGoodPrice{}, false
	}
	return *st.lastGood, true
}

// FreezeState returns the freeze state of asset.
func (a *Aggregator) FreezeState(asset common.Address) FreezeState {
	st := a.state(asset, false)
	if st == nil {
		return FreezeState{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.freeze
}

// Assets lists registered assets in address order.
func (a *Aggregator) Assets() []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Address, 0, len(a.assets))
	for asset, st := range a.assets {
		st.mu.Lock()
		registered := st.route != nil
		st.mu.Unlock()
		if registered {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (a *Aggregator) state(asset common.Address, create bool) *assetState {
	a.mu.RLock()
	st, ok := a.assets[asset]
	a.mu.RUnlock()
	if ok || !create {
		return st
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok = a.assets[asset]; ok {
		return st
	}
	st = &assetState{}
	a.assets[asset] = st
	return st
}

func (s *assetState) snapshot() (snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.route == nil {
		return snapshot{}, false
	}
	snap := snapshot{route: *s.route, version: s.version, freeze: s.freeze}
	if s.lastGood != nil {
		lgp := *s.lastGood
		snap.lastGood = &lgp
	}
	return snap, true
}

func (a *Aggregator) validateRoute(r Route) error {
	if r.Primary == nil {
		return ErrMissingSource
	}
	if r.Fallback != nil && r.Fallback.Name() == r.Primary.Name() {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, r.Primary.Name())
	}
	for _, src := range []Source{r.Primary, r.Fallback} {
		if src == nil {
			continue
		}
		if err := a.checkCurrency(src); err != nil {
			return err
		}
	}
	if err := validateThresholds(r.Thresholds); err != nil {
		return err
	}
	if r.FallbackThresholds != nil {
		if r.Fallback == nil {
			return fmt.Errorf("%w: fallback thresholds without fallback source", ErrInvalidRoute)
		}
		if err := validateThresholds(*r.FallbackThresholds); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	return nil
}

func (a *Aggregator) checkCurrency(src Source) error {
	if src.BaseCurrency() != a.baseCurrency {
		return fmt.Errorf("%w: source %s prices in %q, aggregator in %q", ErrBaseCurrencyMismatch, src.Name(), src.BaseCurrency(), a.baseCurrency)
	}
	unit := src.BaseCurrencyUnit()
	if !unit.Eq(&a.baseCurrencyUnit) {
		return fmt.Errorf("%w: source %s unit %s, aggregator unit %s", ErrBaseCurrencyMismatch, src.Name(), unit.Dec(), a.baseCurrencyUnit.Dec())
	}
	return nil
}

func validateThresholds(t Thresholds) error {
	if t.MaxDeviationBps > BpsDenominator {
		return fmt.Errorf("%w: max deviation %d bps above %d", ErrInvalidRoute, t.MaxDeviationBps, BpsDenominator)
	}
	if t.Heartbeat < 0 || t.MaxStaleTime < 0 {
		return fmt.Errorf("%w: negative heartbeat or stale time", ErrInvalidRoute)
	}
	if !t.MinAnswer.IsZero() && !t.MaxAnswer.IsZero() && t.MinAnswer.Gt(&t.MaxAnswer) {
		return fmt.Errorf("%w: min answer %s above max answer %s", ErrInvalidRoute, t.MinAnswer.Dec(), t.MaxAnswer.Dec())
	}
	return nil
}
