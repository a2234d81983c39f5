package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"price-oracle-aggregator/internal/oracle"
)

// API3 data feed values always carry 18 decimals.
const api3Decimals = 18

// API3Options parameterise an API3 dAPI proxy.
type API3Options struct {
	Name    string
	Proxy   common.Address
	Timeout time.Duration
	Denomination
}

// API3 reads an API3 proxy.
type API3 struct {
	opts   API3Options
	caller bind.ContractCaller
	logger zerolog.Logger

	mu       sync.Mutex
	verified bool
}

// NewAPI3 builds an API3 source.
func NewAPI3(opts API3Options, caller bind.ContractCaller, logger zerolog.Logger) (*API3, error) {
	if err := opts.validate(opts.Name); err != nil {
		return nil, err
	}
	if opts.Proxy == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s: proxy address required", ErrNotConfigured, opts.Name)
	}
	return &API3{
		opts:   opts,
		caller: caller,
		logger: logger.With().Str("component", "api3").Str("source", opts.Name).Logger(),
	}, nil
}

func (a *API3) Name() string                  { return a.opts.Name }
func (a *API3) BaseCurrency() string          { return a.opts.BaseCurrency() }
func (a *API3) BaseCurrencyUnit() uint256.Int { return a.opts.BaseCurrencyUnit() }

// Observe implements oracle.Source.
func (a *API3) Observe(ctx context.Context, asset common.Address) (oracle.Observation, error) {
	ctx, cancel := withTimeout(ctx, a.opts.Timeout)
	defer cancel()

	if err := a.verify(ctx); err != nil {
		return oracle.Observation{}, err
	}

	out, err := call(ctx, a.caller, api3ProxyABI, a.opts.Proxy, "read")
	if err != nil {
		return oracle.Observation{}, err
	}
	if len(out) != 2 {
		return oracle.Observation{}, fmt.Errorf("%w: read returned %d values", ErrUnexpectedOutput, len(out))
	}
	value, ok1 := out[0].(*big.Int)
	ts, ok2 := out[1].(uint32)
	if !ok1 || !ok2 {
		return oracle.Observation{}, fmt.Errorf("%w: read types %T, %T", ErrUnexpectedOutput, out[0], out[1])
	}

	updatedAt := time.Unix(int64(ts), 0).UTC()
	if value.Sign() <= 0 {
		a.logger.Debug().Str("asset", asset.Hex()).Str("value", value.String()).Msg("proxy value not positive")
		return oracle.Observation{UpdatedAt: updatedAt}, nil
	}

	price, err := scale(value, api3Decimals, &a.opts.Unit)
	if err != nil {
		return oracle.Observation{}, fmt.Errorf("%s: %w", a.opts.Name, err)
	}
	return oracle.Observation{Price: price, UpdatedAt: updatedAt, IsAlive: true}, nil
}

// Verify implements oracle.Verifier.
func (a *API3) Verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, a.opts.Timeout)
	defer cancel()
	return a.verify(ctx)
}

func (a *API3) verify(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.verified {
		return nil
	}
	if err := ensureContract(ctx, a.caller, a.opts.Proxy); err != nil {
		return err
	}
	a.verified = true
	return nil
}

var (
	_ oracle.Source   = (*API3)(nil)
	_ oracle.Verifier = (*API3)(nil)
)
