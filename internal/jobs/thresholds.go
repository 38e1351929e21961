package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/strategy"
)

// ThresholdMonitor refreshes the safety and rebalance trigger levels of
// every open position from live liquidation prices, and redirects running
// bots with a pending capital increase back to the opener.
type ThresholdMonitor struct {
	deps Deps
}

func NewThresholdMonitor(d Deps) *ThresholdMonitor {
	return &ThresholdMonitor{deps: d}
}

func (m *ThresholdMonitor) Run(ctx context.Context) error {
	bots, err := m.deps.Store.BotsByStatus(ctx,
		bot.StatusReady, bot.StatusRunning, bot.StatusStopRequested,
		bot.StatusTransferRequested, bot.StatusExternalTransferPending,
		bot.StatusTransfering)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range bots {
		if b.Status == bot.StatusRunning && b.Increase {
			if err := m.deps.transition(ctx, b, bot.Event{Kind: bot.EventIncreaseRequested}); err != nil {
				m.deps.Log.Error("increase redirect failed",
					zap.String("bot_id", b.ID), zap.Error(err))
			}
			continue
		}
		if err := m.refresh(ctx, b); err != nil {
			m.deps.Log.Error("threshold refresh failed",
				zap.String("bot_id", b.ID), zap.Error(err))
		}
	}
	return nil
}

func (m *ThresholdMonitor) refresh(ctx context.Context, b *bot.Bot) error {
	positions, err := m.deps.Store.OpenPositions(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		ex, err := m.deps.session(ctx, b.UserID, p.Exchange)
		if err != nil {
			return err
		}
		live, err := ex.FetchPosition(ctx)
		if err != nil {
			return err
		}
		if live.LiquidationPrice <= 0 || live.LiquidationPrice == p.LiquidationPrice {
			continue
		}
		safety, rebalance := strategy.Triggers(
			p.Side, p.EntryPrice, live.LiquidationPrice, b.SafetyThreshold, b.RebalanceThreshold)
		if err := m.deps.Store.UpdateThresholds(ctx, p.ID, live.LiquidationPrice, safety, rebalance); err != nil {
			return err
		}
		m.deps.Log.Debug("thresholds refreshed",
			zap.String("bot_id", b.ID),
			zap.String("exchange", p.Exchange),
			zap.Float64("liquidation", live.LiquidationPrice),
			zap.Float64("safety", safety),
			zap.Float64("rebalance", rebalance))
	}
	return nil
}
