package strategy

import (
	"math"

	"funding-arb-bot/internal/bot"
)

// distributionTolerance allows each exchange to sit 1% under its half of
// the required capital before the split is considered broken.
const distributionTolerance = 0.99

// readyCapitalTolerance is the fraction of configured capital a freshly
// funded account must hold before the ready gate switches to checking the
// live balance, so a deposit that lost a little to fees still opens.
const readyCapitalTolerance = 0.98

type CapitalVerdict int

const (
	// CapitalSufficient means both exchanges hold enough to open the pair.
	CapitalSufficient CapitalVerdict = iota
	// CapitalInsufficient means the combined balance cannot cover the pair.
	CapitalInsufficient
	// CapitalMaldistributed means the total suffices but one exchange is
	// short and funds must move cross-exchange first.
	CapitalMaldistributed
)

func (v CapitalVerdict) String() string {
	switch v {
	case CapitalSufficient:
		return "sufficient"
	case CapitalInsufficient:
		return "insufficient"
	case CapitalMaldistributed:
		return "maldistributed"
	default:
		return "unknown"
	}
}

// EvaluateCapital runs the two balance gates against a per-exchange check
// amount. It is deterministic in its inputs so a rerun on unchanged
// balances always yields the same verdict.
func EvaluateCapital(longBalance, shortBalance, perExchangeCheck float64) CapitalVerdict {
	if perExchangeCheck <= 0 {
		return CapitalSufficient
	}
	if longBalance+shortBalance < 2*perExchangeCheck {
		return CapitalInsufficient
	}
	floor := perExchangeCheck * distributionTolerance
	if longBalance < floor || shortBalance < floor {
		return CapitalMaldistributed
	}
	return CapitalSufficient
}

// PerExchangeCheck picks the capital amount each exchange must individually
// hold before opening. The amount depends on how the bot arrived at the
// opener, not only on its configuration.
func PerExchangeCheck(b *bot.Bot, availableBalance, deployCapital float64) float64 {
	if b.Increase {
		return deployCapital / 2
	}
	switch {
	case b.Status == bot.StatusReady:
		// Within the 2% tolerance the live balance sets the bar, so each
		// exchange must hold half of what is actually there. Below it the
		// configured capital stays the bar and the total gate fails.
		if availableBalance >= deployCapital*readyCapitalTolerance {
			return availableBalance / 2
		}
		return deployCapital / 2
	case b.TransferReason == bot.TransferFirstStart || b.TransferReason == bot.TransferEmergencyClose:
		return deployCapital / 2
	default:
		return availableBalance / 2
	}
}

// BaseAmountForSizing caps position sizing at the configured capital so
// surplus funds sitting on the exchanges never inflate the position.
func BaseAmountForSizing(availableBalance, capital float64) float64 {
	return math.Min(availableBalance, capital)
}

// StopLossBreached reports whether combined balances have eroded past the
// configured loss line. capital=100 with stopLossPct=20 trips at 80.
func StopLossBreached(availableBalance, capital, stopLossPct float64) bool {
	if capital <= 0 || stopLossPct <= 0 {
		return false
	}
	return availableBalance <= capital-capital*stopLossPct/100
}
