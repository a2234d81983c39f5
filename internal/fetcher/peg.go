package fetcher

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/oracle"
)

// PegOptions parameterise a constant-price source.
type PegOptions struct {
	Name  string
	Price uint256.Int
	Denomination
}

// Peg reports a fixed price stamped with the current time.
type Peg struct {
	opts  PegOptions
	clock oracle.Clock
}

// NewPeg builds a Peg source stamped by clock, which should be the clock of the
// aggregator the source is registered with. A nil clock reads system time.
func NewPeg(opts PegOptions, clock oracle.Clock) (*Peg, error) {
	if err := opts.validate(opts.Name); err != nil {
		return nil, err
	}
	if opts.Price.IsZero() {
		return nil, fmt.Errorf("%w: %s: peg price required", ErrNotConfigured, opts.Name)
	}
	if clock == nil {
		clock = oracle.NewSystemClock()
	}
	return &Peg{opts: opts, clock: clock}, nil
}

func (p *Peg) Name() string                  { return p.opts.Name }
func (p *Peg) BaseCurrency() string          { return p.opts.BaseCurrency() }
func (p *Peg) BaseCurrencyUnit() uint256.Int { return p.opts.BaseCurrencyUnit() }

// Observe implements oracle.Source.
func (p *Peg) Observe(context.Context, common.Address) (oracle.Observation, error) {
	return oracle.Observation{Price: p.opts.Price, UpdatedAt: p.clock.Now().UTC(), IsAlive: true}, nil
}

var _ oracle.Source = (*Peg)(nil)
