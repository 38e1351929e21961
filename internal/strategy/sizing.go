package strategy

import "math"

// DefaultSizeIncrement is the base-asset step positions are floored to.
const DefaultSizeIncrement = 0.1

// PositionSize converts a per-exchange capital slice into a base-asset
// quantity at the given leverage, floored to the exchange's minimum size
// increment. Returns 0 when the inputs cannot produce a valid size.
func PositionSize(capitalPerExchange, leverage, price, increment float64) float64 {
	if capitalPerExchange <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	if increment <= 0 {
		increment = DefaultSizeIncrement
	}
	raw := capitalPerExchange * leverage / price
	return math.Floor(raw/increment) * increment
}
