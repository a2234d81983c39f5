// Package fetcher adapts on-chain feeds and quote APIs to oracle.Source.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/oracle"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrNotContract indicates a configured feed address holds no code.
	ErrNotContract = oracle.ErrNotContract
	// ErrUnexpectedOutput indicates a call returned data of the wrong shape.
	ErrUnexpectedOutput = errors.New("unexpected contract output")
	// ErrNotConfigured indicates a required adapter option is missing.
	ErrNotConfigured = errors.New("source not configured")
	// ErrScaleOverflow indicates a scaled price exceeds 256 bits.
	ErrScaleOverflow = errors.New("scaled price overflows")
)

// Denomination is the base currency a source prices in.
type Denomination struct {
	Currency string
	Unit     uint256.Int
}

// BaseCurrency implements oracle.Source.
func (d Denomination) BaseCurrency() string { return d.Currency }

// BaseCurrencyUnit implements oracle.Source.
func (d Denomination) BaseCurrencyUnit() uint256.Int { return d.Unit }

func (d Denomination) validate(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name required", ErrNotConfigured)
	}
	if d.Currency == "" {
		return fmt.Errorf("%w: %s: base currency required", ErrNotConfigured, name)
	}
	if d.Unit.IsZero() {
		return fmt.Errorf("%w: %s: base currency unit required", ErrNotConfigured, name)
	}
	return nil
}

// scale converts value, expressed with decimals fractional digits, to unit.
// Negative values are rejected by the caller before scaling.
func scale(value *big.Int, decimals uint8, unit *uint256.Int) (uint256.Int, error) {
	v, overflow := uint256.FromBig(value)
	if overflow {
		return uint256.Int{}, ErrScaleOverflow
	}
	return scaleUint(v, decimals, unit)
}

func scaleUint(v *uint256.Int, decimals uint8, unit *uint256.Int) (uint256.Int, error) {
	divisor := pow10(decimals)
	var out uint256.Int
	if _, overflow := out.MulDivOverflow(v, unit, divisor); overflow {
		return uint256.Int{}, ErrScaleOverflow
	}
	return out, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// call packs method, executes it against addr and unpacks the outputs.
func call(ctx context.Context, caller bind.ContractCaller, parsed abi.ABI, addr common.Address, method string, args ...any) ([]any, error) {
	payload, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	outputs, err := parsed.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func ensureContract(ctx context.Context, caller bind.ContractCaller, addr common.Address) error {
	code, err := caller.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNotContract, addr.Hex())
	}
	return nil
}

func readDecimals(ctx context.Context, caller bind.ContractCaller, addr common.Address) (uint8, error) {
	out, err := call(ctx, caller, decimalsABI, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: decimals", ErrUnexpectedOutput)
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals type %T", ErrUnexpectedOutput, out[0])
	}
	return dec, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
