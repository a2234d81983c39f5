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

// ERC4626Options parameterise a vault share source.
type ERC4626Options struct {
	Name    string
	Vault   common.Address
	Timeout time.Duration
}

// ERC4626 prices a vault share as convertToAssets(one share) times the price of
// the underlying asset. Liveness and timestamp come from the underlying source.
type ERC4626 struct {
	opts       ERC4626Options
	caller     bind.ContractCaller
	underlying oracle.Source
	logger     zerolog.Logger

	mu   sync.Mutex
	meta *vaultMeta
}

type vaultMeta struct {
	shareDecimals uint8
	asset         common.Address
	assetDecimals uint8
}

// NewERC4626 builds a vault source priced through underlying.
func NewERC4626(opts ERC4626Options, caller bind.ContractCaller, underlying oracle.Source, logger zerolog.Logger) (*ERC4626, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrNotConfigured)
	}
	if opts.Vault == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s: vault address required", ErrNotConfigured, opts.Name)
	}
	if underlying == nil {
		return nil, fmt.Errorf("%w: %s: underlying source required", ErrNotConfigured, opts.Name)
	}
	return &ERC4626{
		opts:       opts,
		caller:     caller,
		underlying: underlying,
		logger:     logger.With().Str("component", "erc4626").Str("source", opts.Name).Logger(),
	}, nil
}

func (e *ERC4626) Name() string                  { return e.opts.Name }
func (e *ERC4626) BaseCurrency() string          { return e.underlying.BaseCurrency() }
func (e *ERC4626) BaseCurrencyUnit() uint256.Int { return e.underlying.BaseCurrencyUnit() }

// Observe implements oracle.Source.
func (e *ERC4626) Observe(ctx context.Context, asset common.Address) (oracle.Observation, error) {
	ctx, cancel := withTimeout(ctx, e.opts.Timeout)
	defer cancel()

	meta, err := e.metadata(ctx)
	if err != nil {
		return oracle.Observation{}, err
	}

	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(meta.shareDecimals)), nil)
	out, err := call(ctx, e.caller, erc4626ABI, e.opts.Vault, "convertToAssets", oneShare)
	if err != nil {
		return oracle.Observation{}, err
	}
	if len(out) != 1 {
		return oracle.Observation{}, fmt.Errorf("%w: convertToAssets", ErrUnexpectedOutput)
	}
	assets, ok := out[0].(*big.Int)
	if !ok {
		return oracle.Observation{}, fmt.Errorf("%w: convertToAssets type %T", ErrUnexpectedOutput, out[0])
	}

	under, err := e.underlying.Observe(ctx, meta.asset)
	if err != nil {
		return oracle.Observation{}, fmt.Errorf("underlying %s: %w", e.underlying.Name(), err)
	}
	if !under.IsAlive || assets.Sign() == 0 {
		e.logger.Debug().Str("asset", asset.Hex()).Bool("underlying_alive", under.IsAlive).
			Str("assets_per_share", assets.String()).Msg("vault share not priced")
		return oracle.Observation{UpdatedAt: under.UpdatedAt}, nil
	}

	perShare, overflow := uint256.FromBig(assets)
	if overflow {
		return oracle.Observation{}, ErrScaleOverflow
	}
	price, err := scaleUint(perShare, meta.assetDecimals, &under.Price)
	if err != nil {
		return oracle.Observation{}, fmt.Errorf("%s: %w", e.opts.Name, err)
	}
	return oracle.Observation{Price: price, UpdatedAt: under.UpdatedAt, IsAlive: !price.IsZero()}, nil
}

// Verify implements oracle.Verifier. The vault is checked first, then the
// underlying source when it can verify itself.
func (e *ERC4626) Verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, e.opts.Timeout)
	defer cancel()
	if _, err := e.metadata(ctx); err != nil {
		return err
	}
	if v, ok := e.underlying.(oracle.Verifier); ok {
		if err := v.Verify(ctx); err != nil {
			return fmt.Errorf("underlying %s: %w", e.underlying.Name(), err)
		}
	}
	return nil
}

func (e *ERC4626) metadata(ctx context.Context) (vaultMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta != nil {
		return *e.meta, nil
	}

	if err := ensureContract(ctx, e.caller, e.opts.Vault); err != nil {
		return vaultMeta{}, err
	}
	shareDecimals, err := readDecimals(ctx, e.caller, e.opts.Vault)
	if err != nil {
		return vaultMeta{}, err
	}
	out, err := call(ctx, e.caller, erc4626ABI, e.opts.Vault, "asset")
	if err != nil {
		return vaultMeta{}, err
	}
	if len(out) != 1 {
		return vaultMeta{}, fmt.Errorf("%w: asset", ErrUnexpectedOutput)
	}
	underlying, ok := out[0].(common.Address)
	if !ok {
		return vaultMeta{}, fmt.Errorf("%w: asset type %T", ErrUnexpectedOutput, out[0])
	}
	assetDecimals, err := readDecimals(ctx, e.caller, underlying)
	if err != nil {
		return vaultMeta{}, fmt.Errorf("underlying decimals: %w", err)
	}

	e.meta = &vaultMeta{shareDecimals: shareDecimals, asset: underlying, assetDecimals: assetDecimals}
	e.logger.Debug().Str("underlying", underlying.Hex()).Uint8("share_decimals", shareDecimals).
		Uint8("asset_decimals", assetDecimals).Msg("vault metadata loaded")
	return *e.meta, nil
}

var (
	_ oracle.Source   = (*ERC4626)(nil)
	_ oracle.Verifier = (*ERC4626)(nil)
)
