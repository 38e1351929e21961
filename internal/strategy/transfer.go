package strategy

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Fee buffers around cross-exchange moves. The target per exchange carries
// +1 each for the on-chain fee, and the transferred amount drops a further
// unit so the destination never lands short again after fees.
const (
	targetFeeBuffer   = 2.0
	transferFeeBuffer = 1.0

	// deficitEpsilon treats dust-sized shortfalls as already balanced.
	deficitEpsilon = 0.01

	// MinRebalanceTransfer floors margin-driven transfers.
	MinRebalanceTransfer = 1.0
)

// ErrBothDeficit means neither exchange holds a surplus to draw from, so no
// transfer can fix the split.
var ErrBothDeficit = errors.New("both exchanges below target balance")

// TransferPlan is a computed cross-exchange move. Amount is in USDT,
// rounded to cents. Balanced means no move is needed.
type TransferPlan struct {
	Amount   float64
	FromLong bool
	Balanced bool
}

// PlanTransfer computes the amount and direction needed to split the
// usable capital evenly across the two exchanges. Money arithmetic runs on
// decimals so repeated cent-level moves cannot drift.
func PlanTransfer(longBalance, shortBalance, capital float64) (TransferPlan, error) {
	base := math.Min(longBalance+shortBalance, capital)
	target := decimal.NewFromFloat(base).
		Add(decimal.NewFromFloat(targetFeeBuffer)).
		Div(decimal.NewFromInt(2))

	longDeficit := target.Sub(decimal.NewFromFloat(longBalance))
	shortDeficit := target.Sub(decimal.NewFromFloat(shortBalance))
	eps := decimal.NewFromFloat(deficitEpsilon)

	longShort := longDeficit.GreaterThan(eps)
	shortShort := shortDeficit.GreaterThan(eps)
	switch {
	case longShort && shortShort:
		return TransferPlan{}, ErrBothDeficit
	case !longShort && !shortShort:
		return TransferPlan{Balanced: true}, nil
	}

	deficit := longDeficit
	fromLong := false
	if shortShort {
		deficit = shortDeficit
		fromLong = true
	}
	amount := deficit.Sub(decimal.NewFromFloat(transferFeeBuffer)).Round(2)
	if amount.IsNegative() {
		return TransferPlan{Balanced: true}, nil
	}
	f, _ := amount.Float64()
	return TransferPlan{Amount: f, FromLong: fromLong}, nil
}

// PlanRebalanceTransfer moves funds toward the leg that needs more margin.
// The inputs are each exchange's required margin delta from
// CalculateMarginAdjustment: positive means that exchange needs margin.
func PlanRebalanceTransfer(longMarginDiff, shortMarginDiff float64) TransferPlan {
	if longMarginDiff == shortMarginDiff {
		return TransferPlan{Balanced: true}
	}
	need := longMarginDiff
	fromLong := false
	if shortMarginDiff > longMarginDiff {
		need = shortMarginDiff
		fromLong = true
	}
	amount := decimal.NewFromFloat(need).
		Sub(decimal.NewFromFloat(transferFeeBuffer)).
		Round(2)
	f, _ := amount.Float64()
	if f < MinRebalanceTransfer {
		return TransferPlan{Balanced: true}
	}
	return TransferPlan{Amount: f, FromLong: fromLong}
}
