package strategy

import (
	"math"

	"funding-arb-bot/internal/bot"
)

// TriggerValue derives a price level between the liquidation price and the
// entry price. thresholdPct is the fraction of the entry-to-liquidation gap,
// as a plain percentage (20 = 20%).
//
// When the entry price is unknown the percentage is applied directly to the
// liquidation price. That legacy mode is cruder but still produces a level
// on the correct side of liquidation.
func TriggerValue(side bot.Side, entryPrice, liquidationPrice, thresholdPct float64) float64 {
	if liquidationPrice <= 0 {
		return 0
	}
	if entryPrice <= 0 {
		return legacyTriggerValue(side, liquidationPrice, thresholdPct)
	}
	if side == bot.SideLong {
		gap := entryPrice - liquidationPrice
		return round6(liquidationPrice + gap*thresholdPct/100)
	}
	gap := liquidationPrice - entryPrice
	return round6(liquidationPrice - gap*thresholdPct/100)
}

func legacyTriggerValue(side bot.Side, liquidationPrice, thresholdPct float64) float64 {
	if side == bot.SideLong {
		return round6(liquidationPrice + liquidationPrice*thresholdPct/100)
	}
	return round6(liquidationPrice - liquidationPrice*thresholdPct/100)
}

// Triggers computes both monitor levels for a position. The rebalance
// threshold is normally larger than the safety threshold, so the rebalance
// level sits further from liquidation and fires first.
func Triggers(side bot.Side, entryPrice, liquidationPrice, safetyPct, rebalancePct float64) (safety, rebalance float64) {
	safety = TriggerValue(side, entryPrice, liquidationPrice, safetyPct)
	rebalance = TriggerValue(side, entryPrice, liquidationPrice, rebalancePct)
	return safety, rebalance
}

// TriggerBreached reports whether the live price has crossed a trigger level
// in the direction of liquidation.
func TriggerBreached(side bot.Side, price, trigger float64) bool {
	if trigger <= 0 || price <= 0 {
		return false
	}
	if side == bot.SideLong {
		return price < trigger
	}
	return price > trigger
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
