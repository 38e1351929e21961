package jobs

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/strategy"
)

// Balancer keeps both legs of each running pair at the target leverage by
// shifting margin on the exchange, and completes rebalance transfers once
// the moved funds have landed.
type Balancer struct {
	deps Deps
}

func NewBalancer(d Deps) *Balancer {
	return &Balancer{deps: d}
}

func (bl *Balancer) Run(ctx context.Context) error {
	bots, err := bl.deps.Store.BotsByStatus(ctx,
		bot.StatusRunning, bot.StatusTransfering, bot.StatusExternalTransferPending)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range bots {
		if b.Status != bot.StatusRunning && b.TransferReason != bot.TransferRebalance {
			continue
		}
		if err := bl.balance(ctx, b); err != nil {
			bl.deps.Log.Error("balance cycle failed",
				zap.String("bot_id", b.ID),
				zap.String("status", string(b.Status)),
				zap.Error(err))
			bl.deps.noProgress(ctx, b)
		}
	}
	return nil
}

func (bl *Balancer) balance(ctx context.Context, b *bot.Bot) error {
	// A bot waiting on an external rebalance transfer is not protected by
	// the price monitor, which only watches running bots. Check the safety
	// triggers here against the cached price before touching margin.
	if b.Status == bot.StatusExternalTransferPending {
		tripped, err := bl.safetyTripped(ctx, b)
		if err != nil {
			return err
		}
		if tripped {
			return bl.deps.transition(ctx, b, bot.Event{
				Kind:       bot.EventStopRequested,
				StopReason: bot.StopSafety,
			})
		}
	}

	positions, err := bl.deps.Store.OpenPositions(ctx, b.ID)
	if err != nil {
		return err
	}

	balanced := true
	for _, p := range positions {
		ex, err := bl.deps.session(ctx, b.UserID, p.Exchange)
		if err != nil {
			return err
		}
		live, err := ex.FetchPosition(ctx)
		if err != nil {
			return err
		}
		price, err := ex.FetchPrice(ctx)
		if err != nil {
			return err
		}
		notional := math.Abs(live.Size) * price
		adj, ok := strategy.CalculateMarginAdjustment(notional, live.Margin, live.UnrealizedPnL, b.Leverage)
		if !ok {
			continue
		}
		balanced = false
		if adj.Diff > 0 {
			// Sweep idle funds toward the margin wallet so the add has
			// something to draw on. Failure here is not fatal; the margin
			// call below reports the real shortfall.
			if err := ex.ConsolidateWallets(ctx); err != nil {
				bl.deps.Log.Warn("wallet sweep failed",
					zap.String("bot_id", b.ID),
					zap.String("exchange", ex.Name()),
					zap.Error(err))
			}
		}
		if err := ex.AdjustMargin(ctx, adj.Diff); err != nil {
			return fmt.Errorf("adjust margin on %s: %w", ex.Name(), err)
		}
		bl.deps.Metrics.MarginAdjustments.Inc()
		bl.deps.Log.Info("margin adjusted",
			zap.String("bot_id", b.ID),
			zap.String("exchange", ex.Name()),
			zap.Float64("diff", adj.Diff),
			zap.Float64("target_margin", adj.TargetMargin))
	}

	if b.Status == bot.StatusTransfering && balanced {
		return bl.deps.transition(ctx, b, bot.Event{Kind: bot.EventRebalanced})
	}
	return nil
}

func (bl *Balancer) safetyTripped(ctx context.Context, b *bot.Bot) (bool, error) {
	cached, err := bl.deps.Store.LatestPrice(ctx, bl.deps.PriceSymbol)
	if err != nil {
		// No cached price yet means nothing to test against.
		return false, nil
	}
	positions, err := bl.deps.Store.OpenPositions(ctx, b.ID)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.SafetyValue <= 0 {
			continue
		}
		if strategy.TriggerBreached(p.Side, cached.Price, p.SafetyValue) {
			bl.deps.Log.Warn("safety trigger during external transfer",
				zap.String("bot_id", b.ID),
				zap.String("side", string(p.Side)),
				zap.Float64("price", cached.Price),
				zap.Float64("trigger", p.SafetyValue))
			return true, nil
		}
	}
	return false, nil
}
