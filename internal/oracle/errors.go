package oracle

import (
	"errors"
	"fmt"

	"price-oracle-aggregator/internal/access"
)

// Configuration errors.
var (
	// ErrAssetNotConfigured indicates no route is registered for the asset.
	ErrAssetNotConfigured = errors.New("asset not configured")
	// ErrZeroAddress indicates the zero address was supplied as an asset.
	ErrZeroAddress = errors.New("zero address")
	// ErrMissingSource indicates a route without a primary source.
	ErrMissingSource = errors.New("primary source missing")
	// ErrDuplicateSource indicates the fallback is the primary source.
	ErrDuplicateSource = errors.New("fallback source equals primary source")
	// ErrBaseCurrencyMismatch indicates a source priced in another base currency or unit.
	ErrBaseCurrencyMismatch = errors.New("base currency mismatch")
	// ErrInvalidRoute indicates out-of-range route thresholds.
	ErrInvalidRoute = errors.New("invalid route")
	// ErrNotContract indicates a source is bound to an address without code.
	ErrNotContract = errors.New("address has no contract code")
	// ErrAssetNotFrozen indicates an unfreeze of an asset that is not frozen.
	ErrAssetNotFrozen = errors.New("asset not frozen")
	// ErrUnauthorized is re-exported from access for callers of this package.
	ErrUnauthorized = access.ErrUnauthorized
)

// Data-quality errors. These are recovered by the fallback pipeline.
var (
	ErrTimestampInFuture = errors.New("timestamp in future")
	ErrStalePrice        = errors.New("stale price")
	ErrZeroPrice         = errors.New("zero price")
	ErrPriceBelowMinimum = errors.New("price below minimum")
	ErrPriceAboveMaximum = errors.New("price above maximum")
	ErrDeviationExceeded = errors.New("deviation exceeded")
	ErrSourceNotAlive    = errors.New("source not alive")
	ErrSourceFailure     = errors.New("source failure")
)

// Terminal errors.
var (
	// ErrPriceNotAlive indicates every source and the last-good price are unusable.
	ErrPriceNotAlive = errors.New("price not alive")
	// ErrFrozenNoOverride indicates the asset is frozen without an override price.
	ErrFrozenNoOverride = errors.New("asset frozen without override price")
)

// ValidationError carries a data-quality reason and its context.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func invalid(reason error, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsDataQuality reports whether err is a recoverable data-quality failure.
func IsDataQuality(err error) bool {
	for _, target := range []error{
		ErrTimestampInFuture, ErrStalePrice, ErrZeroPrice, ErrPriceBelowMinimum,
		ErrPriceAboveMaximum, ErrDeviationExceeded, ErrSourceNotAlive, ErrSourceFailure,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns the sentinel text of a data-quality error with its detail
// stripped, suitable as a low-cardinality label. Other errors map to "error".
func Reason(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Reason != nil {
		return verr.Reason.Error()
	}
	for _, target := range []error{
		ErrTimestampInFuture, ErrStalePrice, ErrZeroPrice, ErrPriceBelowMinimum,
		ErrPriceAboveMaximum, ErrDeviationExceeded, ErrSourceNotAlive, ErrSourceFailure,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "error"
}
