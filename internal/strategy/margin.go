package strategy

import "math"

const (
	// LeverageTolerance is the deadband around the target leverage inside
	// which no margin adjustment happens.
	LeverageTolerance = 0.1

	// MinViableMargin floors the computed target margin so a position never
	// has its collateral adjusted to effectively zero.
	MinViableMargin = 0.05

	// MinMarginDiff is the smallest margin move worth sending to an
	// exchange, in USDT-equivalent units.
	MinMarginDiff = 1.0
)

// EffectiveLeverage is the live notional over current margin. Margin of
// zero yields zero rather than infinity so callers can treat the position
// as unadjustable.
func EffectiveLeverage(notional, margin float64) float64 {
	if margin <= 0 {
		return 0
	}
	return math.Abs(notional) / margin
}

// MarginAdjustment is a computed collateral move for one position. Diff is
// positive when margin must be added and negative when it can be removed.
type MarginAdjustment struct {
	TargetMargin float64
	Diff         float64
}

// CalculateMarginAdjustment decides whether a position's margin needs to
// move to bring effective leverage back to target. The second return is
// false when the position is already within tolerance or the computed move
// is too small to act on.
func CalculateMarginAdjustment(notional, margin, unrealizedPnL, targetLeverage float64) (MarginAdjustment, bool) {
	if targetLeverage <= 0 {
		return MarginAdjustment{}, false
	}
	effective := EffectiveLeverage(notional, margin)
	if math.Abs(effective-targetLeverage) <= LeverageTolerance {
		return MarginAdjustment{}, false
	}
	target := math.Abs(notional)/targetLeverage - unrealizedPnL
	if target < MinViableMargin {
		target = MinViableMargin
	}
	diff := target - margin
	if math.Abs(diff) < MinMarginDiff {
		return MarginAdjustment{}, false
	}
	return MarginAdjustment{TargetMargin: target, Diff: diff}, true
}
