package oracle

import (
	"time"

	"github.com/holiman/uint256"
)

var bpsScale = uint256.NewInt(BpsDenominator)

// ValidateObservation checks freshness, bounds and deviation of obs. reference may
// be nil or zero, in which case deviation gating is skipped. Liveness is the
// caller's concern.
func ValidateObservation(obs Observation, th Thresholds, reference *uint256.Int, now time.Time) error {
	if err := CheckFreshness(obs.UpdatedAt, th, now); err != nil {
		return err
	}
	if obs.Price.IsZero() {
		return invalid(ErrZeroPrice, "observation reported zero")
	}
	if err := CheckBounds(&obs.Price, th); err != nil {
		return err
	}
	return CheckDeviation(&obs.Price, reference, th.MaxDeviationBps)
}

// CheckFreshness rejects timestamps ahead of now and timestamps older than
// heartbeat plus the stale buffer. The two windows add up.
func CheckFreshness(updatedAt time.Time, th Thresholds, now time.Time) error {
	if updatedAt.After(now) {
		return invalid(ErrTimestampInFuture, "updated at %s, now %s", updatedAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	th = th.WithDefaults(DefaultHeartbeat, DefaultMaxStaleTime)
	window := th.Heartbeat + th.MaxStaleTime
	if age := now.Sub(updatedAt); age > window {
		return invalid(ErrStalePrice, "age %s exceeds %s", age, window)
	}
	return nil
}

// CheckBounds enforces the non-zero min/max answer of th.
func CheckBounds(price *uint256.Int, th Thresholds) error {
	if !th.MinAnswer.IsZero() && price.Lt(&th.MinAnswer) {
		return invalid(ErrPriceBelowMinimum, "%s < %s", price.Dec(), th.MinAnswer.Dec())
	}
	if !th.MaxAnswer.IsZero() && price.Gt(&th.MaxAnswer) {
		return invalid(ErrPriceAboveMaximum, "%s > %s", price.Dec(), th.MaxAnswer.Dec())
	}
	return nil
}

// CheckDeviation fails when |price-reference|*10000/reference exceeds maxBps.
func CheckDeviation(price, reference *uint256.Int, maxBps uint16) error {
	if maxBps == 0 || reference == nil || reference.IsZero() {
		return nil
	}

	bps, ok := DeviationBps(price, reference)
	if !ok || bps.GtUint64(uint64(maxBps)) {
		return invalid(ErrDeviationExceeded, "%s vs reference %s exceeds %d bps", price.Dec(), reference.Dec(), maxBps)
	}
	return nil
}

// DeviationBps returns the floored basis-point distance of price from reference.
// ok is false when reference is zero or the intermediate product overflows.
func DeviationBps(price, reference *uint256.Int) (*uint256.Int, bool) {
	if reference.IsZero() {
		return nil, false
	}
	diff := new(uint256.Int)
	if price.Gt(reference) {
		diff.Sub(price, reference)
	} else {
		diff.Sub(reference, price)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(diff, bpsScale)
	if overflow {
		return nil, false
	}
	return scaled.Div(scaled, reference), true
}
