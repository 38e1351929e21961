package strategy

import (
	"math"
	"testing"
)

func TestEffectiveLeverage(t *testing.T) {
	if got := EffectiveLeverage(300, 150); got != 2.0 {
		t.Fatalf("expected 2.0, got %v", got)
	}
	if got := EffectiveLeverage(-300, 150); got != 2.0 {
		t.Fatalf("short notional must not flip the sign: got %v", got)
	}
	if got := EffectiveLeverage(300, 0); got != 0 {
		t.Fatalf("zero margin yields 0, got %v", got)
	}
}

func TestCalculateMarginAdjustmentReduce(t *testing.T) {
	adj, ok := CalculateMarginAdjustment(300, 150, 0, 3)
	if !ok {
		t.Fatalf("expected adjustment for leverage 2.0 vs target 3.0")
	}
	if adj.TargetMargin != 100 {
		t.Fatalf("expected target margin 100, got %v", adj.TargetMargin)
	}
	if adj.Diff != -50 {
		t.Fatalf("expected diff -50, got %v", adj.Diff)
	}
}

func TestCalculateMarginAdjustmentWithinTolerance(t *testing.T) {
	// effective leverage 2.95 against target 3.0 sits inside the deadband.
	if _, ok := CalculateMarginAdjustment(295, 100, 0, 3); ok {
		t.Fatalf("adjustment must not fire inside the tolerance band")
	}
}

func TestCalculateMarginAdjustmentInsignificantDiff(t *testing.T) {
	// target margin 100.17 vs current 100.5 is under the 1 USDT floor even
	// though leverage deviates past the deadband.
	adj, ok := CalculateMarginAdjustment(353, 100.5, 17.16, 3)
	if ok {
		t.Fatalf("sub-unit diff must be a no-op, got %+v", adj)
	}
}

func TestCalculateMarginAdjustmentPnLOffset(t *testing.T) {
	adj, ok := CalculateMarginAdjustment(300, 50, 20, 3)
	if !ok {
		t.Fatalf("expected adjustment")
	}
	if math.Abs(adj.TargetMargin-80) > 1e-9 {
		t.Fatalf("unrealized pnl must offset the target: expected 80, got %v", adj.TargetMargin)
	}
}

func TestCalculateMarginAdjustmentFloorsTarget(t *testing.T) {
	adj, ok := CalculateMarginAdjustment(3, 50, 10, 3)
	if !ok {
		t.Fatalf("expected adjustment")
	}
	if adj.TargetMargin != MinViableMargin {
		t.Fatalf("target must floor at %v, got %v", MinViableMargin, adj.TargetMargin)
	}
}
