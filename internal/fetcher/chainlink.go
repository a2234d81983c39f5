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

// ChainlinkOptions parameterise a Chainlink AggregatorV3 feed.
type ChainlinkOptions struct {
	Name    string
	Feed    common.Address
	Timeout time.Duration
	Denomination
}

// Chainlink reads latestRoundData from one AggregatorV3 feed.
type Chainlink struct {
	opts   ChainlinkOptions
	caller bind.ContractCaller
	logger zerolog.Logger

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlink builds a Chainlink source.
func NewChainlink(opts ChainlinkOptions, caller bind.ContractCaller, logger zerolog.Logger) (*Chainlink, error) {
	if err := opts.validate(opts.Name); err != nil {
		return nil, err
	}
	if opts.Feed == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s: feed address required", ErrNotConfigured, opts.Name)
	}
	return &Chainlink{
		opts:   opts,
		caller: caller,
		logger: logger.With().Str("component", "chainlink").Str("source", opts.Name).Logger(),
	}, nil
}

// Name implements oracle.Source.
func (c *Chainlink) Name() string { return c.opts.Name }

// BaseCurrency implements oracle.Source.
func (c *Chainlink) BaseCurrency() string { return c.opts.BaseCurrency() }

// BaseCurrencyUnit implements oracle.Source.
func (c *Chainlink) BaseCurrencyUnit() uint256.Int { return c.opts.BaseCurrencyUnit() }

// Observe implements oracle.Source. The feed is bound at construction so asset
// is informational.
func (c *Chainlink) Observe(ctx context.Context, asset common.Address) (oracle.Observation, error) {
	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()

	decimals, err := c.feedDecimals(ctx)
	if err != nil {
		return oracle.Observation{}, err
	}

	out, err := call(ctx, c.caller, aggregatorV3ABI, c.opts.Feed, "latestRoundData")
	if err != nil {
		return oracle.Observation{}, err
	}
	if len(out) != 5 {
		return oracle.Observation{}, fmt.Errorf("%w: latestRoundData returned %d values", ErrUnexpectedOutput, len(out))
	}
	roundID, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	updatedAt, ok3 := out[3].(*big.Int)
	answeredInRound, ok4 := out[4].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return oracle.Observation{}, fmt.Errorf("%w: latestRoundData types", ErrUnexpectedOutput)
	}

	alive := answer.Sign() > 0 && updatedAt.Sign() > 0 && answeredInRound.Cmp(roundID) >= 0
	if !alive {
		c.logger.Debug().Str("asset", asset.Hex()).Str("round", roundID.String()).Str("answer", answer.String()).
			Str("answered_in_round", answeredInRound.String()).Msg("feed round not alive")
		return oracle.Observation{UpdatedAt: unixTime(updatedAt)}, nil
	}

	price, err := scale(answer, decimals, &c.opts.Unit)
	if err != nil {
		return oracle.Observation{}, fmt.Errorf("%s: %w", c.opts.Name, err)
	}
	return oracle.Observation{Price: price, UpdatedAt: unixTime(updatedAt), IsAlive: true}, nil
}

// Verify implements oracle.Verifier. It checks the feed holds code and caches
// its decimals.
func (c *Chainlink) Verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()
	_, err := c.feedDecimals(ctx)
	return err
}

func (c *Chainlink) feedDecimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decimals != nil {
		return *c.decimals, nil
	}
	if err := ensureContract(ctx, c.caller, c.opts.Feed); err != nil {
		return 0, err
	}
	dec, err := readDecimals(ctx, c.caller, c.opts.Feed)
	if err != nil {
		return 0, err
	}
	c.decimals = &dec
	return dec, nil
}

func unixTime(v *big.Int) time.Time {
	if !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

var (
	_ oracle.Source   = (*Chainlink)(nil)
	_ oracle.Verifier = (*Chainlink)(nil)
)
