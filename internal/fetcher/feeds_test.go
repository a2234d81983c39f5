package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/oracle"
)

var (
	feedAddr   = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	proxyAddr  = common.HexToAddress("0x26690F9f17FdC26D419371315bc17950a0FC90eD")
	vaultAddr  = common.HexToAddress("0x9D39A5DE30e57443BfF2A8307A4256c8797A3497")
	usdcAddr   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wethAddr   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	observedAt = time.Unix(1_700_000_000, 0).UTC()
)

func newTestChainlink(t *testing.T, caller *fakeCaller) *Chainlink {
	t.Helper()
	c, err := NewChainlink(ChainlinkOptions{Name: "chainlink-eth-usd", Feed: feedAddr, Timeout: time.Second, Denomination: usd8}, caller, noopLogger())
	if err != nil {
		t.Fatalf("new chainlink: %v", err)
	}
	return c
}

func roundData(t *testing.T, caller *fakeCaller, round int64, answer *big.Int, updatedAt int64, answeredIn int64) {
	caller.respond(t, feedAddr, aggregatorV3ABI, "latestRoundData",
		big.NewInt(round), answer, big.NewInt(updatedAt), big.NewInt(updatedAt), big.NewInt(answeredIn))
}

func TestChainlinkObserve(t *testing.T) {
	caller := newFakeCaller()
	caller.deploy(feedAddr)
	caller.respond(t, feedAddr, aggregatorV3ABI, "decimals", uint8(8))
	roundData(t, caller, 7, big.NewInt(2_000_00000000), observedAt.Unix(), 7)

	c := newTestChainlink(t, caller)
	obs, err := c.Observe(context.Background(), wethAddr)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !obs.IsAlive {
		t.Fatal("valid round should be alive")
	}
	if obs.Price.Uint64() != 2_000_00000000 {
		t.Fatalf("expected 2000 USD at 8 decimals, got %s", obs.Price.Dec())
	}
	if !obs.UpdatedAt.Equal(observedAt) {
		t.Fatalf("expected updatedAt %s, got %s", observedAt, obs.UpdatedAt)
	}

	calls := caller.calls
	if _, err := c.Observe(context.Background(), wethAddr); err != nil {
		t.Fatalf("second observe: %v", err)
	}
	if caller.calls-calls != 1 {
		t.Fatalf("decimals should be cached, saw %d calls", caller.calls-calls)
	}
}

func TestChainlinkRescalesDecimals(t *testing.T) {
	caller := newFakeCaller()
	caller.deploy(feedAddr)
	caller.respond(t, feedAddr, aggregatorV3ABI, "decimals", uint8(18))
	roundData(t, caller, 1, big.NewInt(1_500_000_000_000_000_000), observedAt.Unix(), 1)

	obs, err := newTestChainlink(t, caller).Observe(context.Background(), wethAddr)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Price.Uint64() != 150_000000 {
		t.Fatalf("expected 1.5 at 8 decimals, got %s", obs.Price.Dec())
	}
}

func TestChainlinkNotAlive(t *testing.T) {
	cases := []struct {
		name       string
		answer     *big.Int
		updatedAt  int64
		answeredIn int64
	}{
		{"zero answer", big.NewInt(0), observedAt.Unix(), 3},
		{"negative answer", big.NewInt(-1), observedAt.Unix(), 3},
		{"never updated", big.NewInt(1), 0, 3},
		{"stale round", big.NewInt(1), observedAt.Unix(), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := newFakeCaller()
			caller.deploy(feedAddr)
			caller.respond(t, feedAddr, aggregatorV3ABI, "decimals", uint8(8))
			roundData(t, caller, 3, tc.answer, tc.updatedAt, tc.answeredIn)

			obs, err := newTestChainlink(t, caller).Observe(context.Background(), wethAddr)
			if err != nil {
				t.Fatalf("not-alive rounds are not errors: %v", err)
			}
			if obs.IsAlive {
				t.Fatal("expected not alive")
			}
		})
	}
}

func TestChainlinkRejectsEOA(t *testing.T) {
	caller := newFakeCaller()
	_, err := newTestChainlink(t, caller).Observe(context.Background(), wethAddr)
	if !errors.Is(err, ErrNotContract) {
		t.Fatalf("expected ErrNotContract, got %v", err)
	}
}

func TestChainlinkRPCFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.err = errors.New("dial tcp: connection refused")
	if _, err := newTestChainlink(t, caller).Observe(context.Background(), wethAddr); err == nil {
		t.Fatal("rpc failure should surface as an error")
	}
}

func TestChainlinkConfigRequired(t *testing.T) {
	if _, err := NewChainlink(ChainlinkOptions{Name: "x", Denomination: usd8}, newFakeCaller(), noopLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("missing feed should fail, got %v", err)
	}
}

func TestAPI3Observe(t *testing.T) {
	caller := newFakeCaller()
	caller.deploy(proxyAddr)
	value, _ := new(big.Int).SetString("2001230000000000000000", 10)
	caller.respond(t, proxyAddr, api3ProxyABI, "read", value, uint32(observedAt.Unix()))

	a, err := NewAPI3(API3Options{Name: "api3-eth-usd", Proxy: proxyAddr, Denomination: usd8}, caller, noopLogger())
	if err != nil {
		t.Fatalf("new api3: %v", err)
	}
	obs, err := a.Observe(context.Background(), wethAddr)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !obs.IsAlive || obs.Price.Uint64() != 2_001_23000000 {
		t.Fatalf("unexpected observation price=%s alive=%v", obs.Price.Dec(), obs.IsAlive)
	}
	if !obs.UpdatedAt.Equal(observedAt) {
		t.Fatalf("expected %s, got %s", observedAt, obs.UpdatedAt)
	}

	caller.respond(t, proxyAddr, api3ProxyABI, "read", big.NewInt(0), uint32(observedAt.Unix()))
	obs, err = a.Observe(context.Background(), wethAddr)
	if err != nil || obs.IsAlive {
		t.Fatalf("zero value should be not alive without error, got alive=%v err=%v", obs.IsAlive, err)
	}
}

func TestERC4626Observe(t *testing.T) {
	caller := newFakeCaller()
	caller.deploy(vaultAddr)
	caller.respond(t, vaultAddr, erc4626ABI, "decimals", uint8(18))
	caller.respond(t, vaultAddr, erc4626ABI, "asset", usdcAddr)
	caller.respond(t, vaultAddr, erc4626ABI, "convertToAssets", big.NewInt(1_050_000))
	caller.respond(t, usdcAddr, decimalsABI, "decimals", uint8(6))

	peg, err := NewPeg(PegOptions{Name: "usdc-peg", Price: *uint256.NewInt(100_000000), Denomination: usd8}, oracle.ClockFunc(func() time.Time { return observedAt }))
	if err != nil {
		t.Fatalf("new peg: %v", err)
	}

	v, err := NewERC4626(ERC4626Options{Name: "vault-share", Vault: vaultAddr}, caller, peg, noopLogger())
	if err != nil {
		t.Fatalf("new erc4626: %v", err)
	}
	if v.BaseCurrency() != "USD" {
		t.Fatalf("vault should inherit underlying currency, got %q", v.BaseCurrency())
	}

	obs, err := v.Observe(context.Background(), vaultAddr)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !obs.IsAlive || obs.Price.Uint64() != 105_000000 {
		t.Fatalf("expected 1.05 USD per share, got %s alive=%v", obs.Price.Dec(), obs.IsAlive)
	}
	if !obs.UpdatedAt.Equal(observedAt) {
		t.Fatalf("timestamp should come from underlying, got %s", obs.UpdatedAt)
	}
}

func TestERC4626NeedsUnderlying(t *testing.T) {
	if _, err := NewERC4626(ERC4626Options{Name: "v", Vault: vaultAddr}, newFakeCaller(), nil, noopLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestVerifyRejectsAddressesWithoutCode(t *testing.T) {
	caller := newFakeCaller()

	if err := newTestChainlink(t, caller).Verify(context.Background()); !errors.Is(err, oracle.ErrNotContract) {
		t.Fatalf("chainlink: expected ErrNotContract, got %v", err)
	}

	a, err := NewAPI3(API3Options{Name: "api3-eth-usd", Proxy: proxyAddr, Denomination: usd8}, caller, noopLogger())
	if err != nil {
		t.Fatalf("new api3: %v", err)
	}
	if err := a.Verify(context.Background()); !errors.Is(err, ErrNotContract) {
		t.Fatalf("api3: expected ErrNotContract, got %v", err)
	}

	// The vault has code but its underlying feed does not.
	caller.deploy(vaultAddr)
	caller.respond(t, vaultAddr, erc4626ABI, "decimals", uint8(18))
	caller.respond(t, vaultAddr, erc4626ABI, "asset", usdcAddr)
	caller.respond(t, usdcAddr, decimalsABI, "decimals", uint8(6))
	v, err := NewERC4626(ERC4626Options{Name: "vault-share", Vault: vaultAddr}, caller, newTestChainlink(t, caller), noopLogger())
	if err != nil {
		t.Fatalf("new erc4626: %v", err)
	}
	if err := v.Verify(context.Background()); !errors.Is(err, ErrNotContract) {
		t.Fatalf("erc4626: expected ErrNotContract from underlying, got %v", err)
	}
}

func TestVerifyCachesFeedDecimals(t *testing.T) {
	caller := newFakeCaller()
	caller.deploy(feedAddr)
	caller.respond(t, feedAddr, aggregatorV3ABI, "decimals", uint8(8))

	c := newTestChainlink(t, caller)
	if err := c.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	calls := caller.calls
	if err := c.Verify(context.Background()); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if caller.calls != calls {
		t.Fatalf("decimals should be read once, got %d extra calls", caller.calls-calls)
	}
}
