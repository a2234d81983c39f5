package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-oracle-aggregator/internal/access"
)

var (
	testAdmin    = common.HexToAddress("0x000000000000000000000000000000000000a001")
	testManager  = common.HexToAddress("0x000000000000000000000000000000000000b001")
	testGuardian = common.HexToAddress("0x000000000000000000000000000000000000c001")
	testStranger = common.HexToAddress("0x000000000000000000000000000000000000d001")

	wethAsset = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	wbtcAsset = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")

	usdUnit = *uint256.NewInt(100_000000)
)

type fakeSource struct {
	name     string
	currency string
	unit     uint256.Int

	mu    sync.Mutex
	obs   Observation
	err   error
	calls int
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, currency: "USD", unit: usdUnit}
}

func (f *fakeSource) Name() string                  { return f.name }
func (f *fakeSource) BaseCurrency() string          { return f.currency }
func (f *fakeSource) BaseCurrencyUnit() uint256.Int { return f.unit }

func (f *fakeSource) Observe(context.Context, common.Address) (Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.obs, f.err
}

func (f *fakeSource) set(price uint64, updatedAt time.Time, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = Observation{Price: *uint256.NewInt(price), UpdatedAt: updatedAt, IsAlive: alive}
	f.err = nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryStateStore struct {
	mu      sync.Mutex
	lgps    map[common.Address]LastGoodPrice
	freezes map[common.Address]FreezeState
	failErr error
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{lgps: map[common.Address]LastGoodPrice{}, freezes: map[common.Address]FreezeState{}}
}

func (m *memoryStateStore) SaveLastGoodPrice(_ context.Context, asset common.Address, lgp LastGoodPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.lgps[asset] = lgp
	return nil
}

func (m *memoryStateStore) SaveFreezeState(_ context.Context, asset common.Address, state FreezeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.freezes[asset] = state
	return nil
}

func (m *memoryStateStore) LoadAssetStates(context.Context) (map[common.Address]AssetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[common.Address]AssetState)
	for asset, lgp := range m.lgps {
		l := lgp
		st := out[asset]
		st.LastGood = &l
		out[asset] = st
	}
	for asset, fs := range m.freezes {
		st := out[asset]
		st.Freeze = fs
		out[asset] = st
	}
	return out, nil
}

type recordingObserver struct {
	mu    sync.Mutex
	infos []PriceInfo
}

func (r *recordingObserver) ObservePrice(_ context.Context, info PriceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
}

type harness struct {
	t        *testing.T
	now      time.Time
	agg      *Aggregator
	primary  *fakeSource
	fallback *fakeSource
	store    *memoryStateStore
	observer *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		now:      time.Unix(1_700_000_000, 0).UTC(),
		primary:  newFakeSource("chainlink-eth"),
		fallback: newFakeSource("api3-eth"),
		store:    newMemoryStateStore(),
		observer: &recordingObserver{},
	}

	ctrl, err := access.New(map[access.Role][]common.Address{
		access.RoleAdmin:         {testAdmin},
		access.RoleOracleManager: {testManager},
		access.RoleGuardian:      {testGuardian},
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	h.agg, err = New(Options{
		BaseCurrency:     "USD",
		BaseCurrencyUnit: usdUnit,
		Clock:            ClockFunc(func() time.Time { return h.now }),
		Access:           ctrl,
		Store:            h.store,
		Observer:         h.observer,
	}, zerolog.Nop())
	require.NoError(t, err)
	return h
}

func (h *harness) register(route Route) {
	h.t.Helper()
	require.NoError(h.t, h.agg.SetOracle(context.Background(), testManager, wethAsset, route))
}

func (h *harness) defaultRoute() Route {
	return Route{
		Primary:    h.primary,
		Fallback:   h.fallback,
		Thresholds: Thresholds{Heartbeat: time.Hour, MaxStaleTime: time.Hour},
	}
}

func TestGetAssetPriceUnregistered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.agg.GetAssetPrice(ctx, wbtcAsset)
	assert.ErrorIs(t, err, ErrAssetNotConfigured)

	_, err = h.agg.GetPriceInfo(ctx, wbtcAsset)
	assert.ErrorIs(t, err, ErrAssetNotConfigured)
}

func TestGetAssetPriceReturnsPrimaryAndRefreshesLastGood(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	updated := h.now.Add(-7199 * time.Second)
	h.primary.set(100_000000, updated, true)

	price, err := h.agg.GetAssetPrice(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000000), price.Uint64())
	assert.Equal(t, 0, h.fallback.callCount())

	lgp, ok := h.agg.LastGoodPrice(wethAsset)
	require.True(t, ok)
	assert.Equal(t, uint64(100_000000), lgp.Price.Uint64())
	assert.True(t, lgp.UpdatedAt.Equal(updated))
	stored := h.store.lgps[wethAsset]
	assert.Equal(t, uint64(100_000000), stored.Price.Uint64())
}

func TestStalePrimaryFallsBackToFreshFallback(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	h.primary.set(100_000000, h.now.Add(-7201*time.Second), true)
	h.fallback.set(101_000000, h.now.Add(-time.Minute), true)

	info, err := h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.True(t, info.IsAlive)
	assert.Equal(t, OutcomeFallback, info.Outcome)
	assert.Equal(t, "api3-eth", info.Source)
	assert.Equal(t, uint64(101_000000), info.Price.Uint64())
	require.Len(t, info.Rejections, 1)
	assert.ErrorIs(t, info.Rejections[0].Err, ErrStalePrice)

	lgp, ok := h.agg.LastGoodPrice(wethAsset)
	require.True(t, ok)
	assert.Equal(t, uint64(101_000000), lgp.Price.Uint64())
}

func TestPrimaryNotAliveOrFailingFallsBack(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	h.fallback.set(99_000000, h.now, true)

	h.primary.set(100_000000, h.now, false)
	info, err := h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, info.Outcome)
	assert.ErrorIs(t, info.Rejections[0].Err, ErrSourceNotAlive)

	h.primary.fail(errors.New("dial tcp: connection refused"))
	info, err = h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, info.Outcome)
	assert.ErrorIs(t, info.Rejections[0].Err, ErrSourceFailure)
}

func TestBothRejectedServesLastGoodPrice(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()

	h.primary.set(100_000000, h.now, true)
	_, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)
	lgpAt := h.now

	h.now = h.now.Add(3 * time.Hour)
	h.fallback.set(100_000000, lgpAt, true)

	info, err := h.agg.GetPriceInfo(ctx, wethAsset)
	require.NoError(t, err)
	assert.False(t, info.IsAlive)
	assert.Equal(t, OutcomeLastGood, info.Outcome)
	assert.Equal(t, uint64(100_000000), info.Price.Uint64())
	assert.True(t, info.UpdatedAt.Equal(lgpAt))
	assert.Len(t, info.Rejections, 2)

	_, err = h.agg.GetAssetPrice(ctx, wethAsset)
	assert.ErrorIs(t, err, ErrPriceNotAlive)

	lgp, _ := h.agg.LastGoodPrice(wethAsset)
	assert.True(t, lgp.UpdatedAt.Equal(lgpAt), "failed reads must not touch the last good price")
}

func TestBothRejectedWithoutLastGoodPrice(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	h.primary.fail(errors.New("boom"))
	h.fallback.set(0, h.now, true)

	info, err := h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.False(t, info.IsAlive)
	assert.Equal(t, OutcomeUnavailable, info.Outcome)
	assert.True(t, info.Price.IsZero())

	_, err = h.agg.GetAssetPrice(context.Background(), wethAsset)
	assert.ErrorIs(t, err, ErrPriceNotAlive)

	_, ok := h.agg.LastGoodPrice(wethAsset)
	assert.False(t, ok)
}

func TestPrimaryOnlyRouteSkipsFallback(t *testing.T) {
	h := newHarness(t)
	route := h.defaultRoute()
	route.Fallback = nil
	h.register(route)
	h.primary.set(100_000000, h.now.Add(-3*time.Hour), true)

	info, err := h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, info.Outcome)
	assert.Len(t, info.Rejections, 1)
	assert.Equal(t, 0, h.fallback.callCount())
}

func TestDeviationMeasuredAgainstLastGoodPrice(t *testing.T) {
	h := newHarness(t)
	route := h.defaultRoute()
	route.MaxDeviationBps = 1000
	h.register(route)
	ctx := context.Background()

	h.primary.set(100_000000, h.now, true)
	_, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)

	h.now = h.now.Add(time.Minute)
	h.primary.set(150_000000, h.now, true)
	h.fallback.set(105_000000, h.now, true)

	info, err := h.agg.GetPriceInfo(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, info.Outcome)
	assert.Equal(t, uint64(105_000000), info.Price.Uint64())
	assert.ErrorIs(t, info.Rejections[0].Err, ErrDeviationExceeded)
}

func TestDeviationDisabledAcceptsAnyMagnitude(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()

	for _, p := range []uint64{1, 100_000000, 1 << 60, 3} {
		h.now = h.now.Add(time.Second)
		h.primary.set(p, h.now, true)
		price, err := h.agg.GetAssetPrice(ctx, wethAsset)
		require.NoError(t, err)
		assert.Equal(t, p, price.Uint64())
	}
}

func TestFallbackUsesOwnThresholds(t *testing.T) {
	h := newHarness(t)
	route := h.defaultRoute()
	route.Heartbeat = time.Minute
	route.MaxStaleTime = time.Minute
	route.FallbackThresholds = &Thresholds{Heartbeat: 24 * time.Hour, MaxStaleTime: time.Hour}
	h.register(route)

	h.primary.set(100_000000, h.now.Add(-3*time.Minute), true)
	h.fallback.set(100_500000, h.now.Add(-20*time.Hour), true)

	info, err := h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, info.Outcome)
}

func TestAcceptedObservationReplacesManualSeed(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()

	require.NoError(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, *uint256.NewInt(200_000000), h.now))
	roundAt := h.now.Add(-30 * time.Minute)
	h.primary.set(100_000000, roundAt, true)

	price, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000000), price.Uint64())

	lgp, ok := h.agg.LastGoodPrice(wethAsset)
	require.True(t, ok)
	assert.Equal(t, uint64(100_000000), lgp.Price.Uint64())
	assert.True(t, lgp.UpdatedAt.Equal(roundAt))
	stored := h.store.lgps[wethAsset]
	assert.Equal(t, uint64(100_000000), stored.Price.Uint64())
}

func TestOlderRoundDoesNotOvertakeAutomaticRefresh(t *testing.T) {
	h := newHarness(t)
	route := h.defaultRoute()
	route.Fallback = nil
	h.register(route)
	ctx := context.Background()

	h.primary.set(100_000000, h.now.Add(-time.Minute), true)
	_, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)

	// A lagging replica serves an earlier round that is still fresh.
	h.primary.set(99_000000, h.now.Add(-10*time.Minute), true)
	price, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(99_000000), price.Uint64())

	lgp, _ := h.agg.LastGoodPrice(wethAsset)
	assert.Equal(t, uint64(100_000000), lgp.Price.Uint64())
	assert.True(t, lgp.UpdatedAt.Equal(h.now.Add(-time.Minute)))
}

func TestFreezeOverridesEvaluation(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()
	override := uint256.NewInt(123_450000)

	require.NoError(t, h.agg.FreezeAsset(ctx, testGuardian, wethAsset, override))
	calls := h.primary.callCount()

	for _, p := range []uint64{1, 500_000000} {
		h.primary.set(p, h.now, true)
		price, err := h.agg.GetAssetPrice(ctx, wethAsset)
		require.NoError(t, err)
		assert.Equal(t, uint64(123_450000), price.Uint64())
	}
	h.primary.fail(errors.New("down"))
	price, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(123_450000), price.Uint64())
	assert.Equal(t, calls, h.primary.callCount(), "frozen assets must not reach the sources")

	info, err := h.agg.GetPriceInfo(ctx, wethAsset)
	require.NoError(t, err)
	assert.True(t, info.IsAlive)
	assert.Equal(t, OutcomeFrozen, info.Outcome)
	assert.True(t, h.store.freezes[wethAsset].Frozen)
}

func TestUnfreezeClearsOverride(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()

	require.NoError(t, h.agg.FreezeAsset(ctx, testGuardian, wethAsset, uint256.NewInt(42)))
	require.NoError(t, h.agg.UnfreezeAsset(ctx, testGuardian, wethAsset))
	assert.False(t, h.store.freezes[wethAsset].HasOverride)

	// Unfrozen: the live pipeline answers again.
	h.primary.set(100_000000, h.now, true)
	price, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000000), price.Uint64())

	// Refrozen without an override: the old override is gone.
	require.NoError(t, h.agg.FreezeAsset(ctx, testGuardian, wethAsset, nil))
	_, err = h.agg.GetAssetPrice(ctx, wethAsset)
	assert.ErrorIs(t, err, ErrFrozenNoOverride)

	info, err := h.agg.GetPriceInfo(ctx, wethAsset)
	require.NoError(t, err)
	assert.False(t, info.IsAlive)
	assert.Equal(t, OutcomeFrozen, info.Outcome)
	assert.Equal(t, uint64(100_000000), info.Price.Uint64())

	require.NoError(t, h.agg.UnfreezeAsset(ctx, testGuardian, wethAsset))
	assert.ErrorIs(t, h.agg.UnfreezeAsset(ctx, testGuardian, wethAsset), ErrAssetNotFrozen)
}

func TestFreezeRequiresRegisteredAsset(t *testing.T) {
	h := newHarness(t)
	err := h.agg.FreezeAsset(context.Background(), testGuardian, wbtcAsset, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrAssetNotConfigured)
}

func TestCapabilityChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.agg.SetOracle(ctx, testGuardian, wethAsset, h.defaultRoute()), ErrUnauthorized)
	h.register(h.defaultRoute())

	assert.ErrorIs(t, h.agg.FreezeAsset(ctx, testManager, wethAsset, nil), ErrUnauthorized)
	assert.ErrorIs(t, h.agg.UnfreezeAsset(ctx, testStranger, wethAsset), ErrUnauthorized)
	assert.ErrorIs(t, h.agg.UpdateLastGoodPrice(ctx, testGuardian, wethAsset, *uint256.NewInt(1), time.Time{}), ErrUnauthorized)
	assert.ErrorIs(t, h.agg.RemoveOracle(ctx, testAdmin, wethAsset), ErrUnauthorized)
}

func TestSetOracleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	same := h.defaultRoute()
	same.Fallback = newFakeSource(h.primary.Name())
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, same), ErrDuplicateSource)

	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, Route{}), ErrMissingSource)
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, common.Address{}, h.defaultRoute()), ErrZeroAddress)

	eur := h.defaultRoute()
	eurSource := newFakeSource("ecb-eur")
	eurSource.currency = "EUR"
	eur.Fallback = eurSource
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, eur), ErrBaseCurrencyMismatch)

	wrongUnit := h.defaultRoute()
	wei := newFakeSource("wei-scaled")
	wei.unit = *uint256.NewInt(1_000_000_000_000_000_000)
	wrongUnit.Primary = wei
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, wrongUnit), ErrBaseCurrencyMismatch)

	bps := h.defaultRoute()
	bps.MaxDeviationBps = 10_001
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, bps), ErrInvalidRoute)

	bounds := h.defaultRoute()
	bounds.MinAnswer = *uint256.NewInt(10)
	bounds.MaxAnswer = *uint256.NewInt(5)
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, bounds), ErrInvalidRoute)

	orphan := h.defaultRoute()
	orphan.Fallback = nil
	orphan.FallbackThresholds = &Thresholds{}
	assert.ErrorIs(t, h.agg.SetOracle(ctx, testManager, wethAsset, orphan), ErrInvalidRoute)

	assert.Empty(t, h.agg.Assets())
}

type verifyingSource struct {
	*fakeSource
	verifyErr error
}

func (v *verifyingSource) Verify(context.Context) error { return v.verifyErr }

func TestSetOracleVerifiesSources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	route := h.defaultRoute()
	route.Fallback = &verifyingSource{fakeSource: newFakeSource("api3-eth"), verifyErr: ErrNotContract}
	err := h.agg.SetOracle(ctx, testManager, wethAsset, route)
	assert.ErrorIs(t, err, ErrNotContract)
	assert.Empty(t, h.agg.Assets())

	route.Fallback = &verifyingSource{fakeSource: newFakeSource("api3-eth")}
	require.NoError(t, h.agg.SetOracle(ctx, testManager, wethAsset, route))
	assert.Equal(t, []common.Address{wethAsset}, h.agg.Assets())
}

func TestRemoveOracleKeepsLastGoodPrice(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()

	h.primary.set(100_000000, h.now, true)
	_, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)

	require.NoError(t, h.agg.RemoveOracle(ctx, testManager, wethAsset))
	_, err = h.agg.GetAssetPrice(ctx, wethAsset)
	assert.ErrorIs(t, err, ErrAssetNotConfigured)
	assert.ErrorIs(t, h.agg.RemoveOracle(ctx, testManager, wethAsset), ErrAssetNotConfigured)

	_, ok := h.agg.LastGoodPrice(wethAsset)
	assert.True(t, ok)
	assert.Empty(t, h.agg.Assets())

	h.register(h.defaultRoute())
	assert.Equal(t, []common.Address{wethAsset}, h.agg.Assets())
}

func TestUpdateLastGoodPriceChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Seeding before registration is allowed and unbounded.
	require.NoError(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wbtcAsset, *uint256.NewInt(7), time.Time{}))
	lgp, ok := h.agg.LastGoodPrice(wbtcAsset)
	require.True(t, ok)
	assert.True(t, lgp.UpdatedAt.Equal(h.now))

	route := h.defaultRoute()
	route.MinAnswer = *uint256.NewInt(10)
	route.MaxAnswer = *uint256.NewInt(1_000)
	h.register(route)

	assert.ErrorIs(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, *uint256.NewInt(9), time.Time{}), ErrPriceBelowMinimum)
	assert.ErrorIs(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, *uint256.NewInt(1_001), time.Time{}), ErrPriceAboveMaximum)
	assert.ErrorIs(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, uint256.Int{}, time.Time{}), ErrZeroPrice)
	assert.ErrorIs(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, *uint256.NewInt(10), h.now.Add(time.Second)), ErrTimestampInFuture)

	// Heartbeat does not apply to manual updates.
	old := h.now.Add(-30 * 24 * time.Hour)
	require.NoError(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, *uint256.NewInt(500), old))
	lgp, _ = h.agg.LastGoodPrice(wethAsset)
	assert.Equal(t, uint64(500), lgp.Price.Uint64())

	h.store.failErr = errors.New("db down")
	assert.Error(t, h.agg.UpdateLastGoodPrice(ctx, testManager, wethAsset, *uint256.NewInt(600), time.Time{}))
	lgp, _ = h.agg.LastGoodPrice(wethAsset)
	assert.Equal(t, uint64(500), lgp.Price.Uint64())
}

func TestRestoreLoadsPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.lgps[wethAsset] = LastGoodPrice{Price: *uint256.NewInt(77), UpdatedAt: h.now.Add(-time.Hour)}
	h.store.freezes[wethAsset] = FreezeState{Frozen: true, HasOverride: true, Override: *uint256.NewInt(88), FrozenAt: h.now}

	require.NoError(t, h.agg.Restore(ctx))
	h.register(h.defaultRoute())

	price, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(88), price.Uint64())

	require.NoError(t, h.agg.UnfreezeAsset(ctx, testGuardian, wethAsset))
	h.primary.fail(errors.New("down"))
	h.fallback.fail(errors.New("down"))
	info, err := h.agg.GetPriceInfo(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLastGood, info.Outcome)
	assert.Equal(t, uint64(77), info.Price.Uint64())
}

func TestReloadPicksUpStateWrittenElsewhere(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	ctx := context.Background()
	h.primary.set(100_000000, h.now, true)

	_, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err)

	// Another process freezes the asset through the shared store.
	h.store.mu.Lock()
	h.store.freezes[wethAsset] = FreezeState{Frozen: true, FrozenAt: h.now}
	h.store.mu.Unlock()

	price, err := h.agg.GetAssetPrice(ctx, wethAsset)
	require.NoError(t, err, "not visible before reload")
	assert.Equal(t, uint64(100_000000), price.Uint64())

	require.NoError(t, h.agg.Reload(ctx))
	_, err = h.agg.GetAssetPrice(ctx, wethAsset)
	assert.ErrorIs(t, err, ErrFrozenNoOverride)
	assert.True(t, h.agg.FreezeState(wethAsset).Frozen)

	// And unfreezes it again with a corrected last-good price.
	h.store.mu.Lock()
	h.store.freezes[wethAsset] = FreezeState{}
	h.store.lgps[wethAsset] = LastGoodPrice{Price: *uint256.NewInt(90_000000), UpdatedAt: h.now.Add(-time.Hour)}
	h.store.mu.Unlock()

	require.NoError(t, h.agg.Reload(ctx))
	assert.False(t, h.agg.FreezeState(wethAsset).Frozen)
	lgp, _ := h.agg.LastGoodPrice(wethAsset)
	assert.Equal(t, uint64(90_000000), lgp.Price.Uint64())

	h.primary.fail(errors.New("down"))
	h.fallback.fail(errors.New("down"))
	info, err := h.agg.GetPriceInfo(ctx, wethAsset)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLastGood, info.Outcome)
	assert.Equal(t, uint64(90_000000), info.Price.Uint64())
}

func TestReloadWithoutStoreIsNoop(t *testing.T) {
	ctrl, err := access.New(map[access.Role][]common.Address{access.RoleAdmin: {testAdmin}}, nil, zerolog.Nop())
	require.NoError(t, err)
	agg, err := New(Options{BaseCurrency: "USD", BaseCurrencyUnit: usdUnit, Access: ctrl}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, agg.Reload(context.Background()))
}

func TestObserverSeesEveryEvaluation(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	h.primary.set(100_000000, h.now, true)

	_, err := h.agg.GetAssetPrice(context.Background(), wethAsset)
	require.NoError(t, err)
	_, err = h.agg.GetPriceInfo(context.Background(), wethAsset)
	require.NoError(t, err)

	require.Len(t, h.observer.infos, 2)
	assert.Equal(t, OutcomePrimary, h.observer.infos[0].Outcome)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	h := newHarness(t)
	h.register(h.defaultRoute())
	h.primary.set(100_000000, h.now, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := h.agg.GetPriceInfo(ctx, wethAsset)
				assert.NoError(t, err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (i+j)%2 == 0 {
					_ = h.agg.FreezeAsset(ctx, testGuardian, wethAsset, uint256.NewInt(1))
				} else {
					_ = h.agg.UnfreezeAsset(ctx, testGuardian, wethAsset)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestNewValidatesOptions(t *testing.T) {
	ctrl, err := access.New(map[access.Role][]common.Address{access.RoleAdmin: {testAdmin}}, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = New(Options{BaseCurrencyUnit: usdUnit, Access: ctrl}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Options{BaseCurrency: "USD", Access: ctrl}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Options{BaseCurrency: "USD", BaseCurrencyUnit: usdUnit}, zerolog.Nop())
	assert.Error(t, err)

	agg, err := New(Options{BaseCurrency: "USD", BaseCurrencyUnit: usdUnit, Access: ctrl}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "USD", agg.BaseCurrency())
	unit := agg.BaseCurrencyUnit()
	assert.Equal(t, uint64(100_000000), unit.Uint64())
}
