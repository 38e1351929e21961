package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/store"
	"funding-arb-bot/internal/strategy"
)

// PriceSource delivers the current reference price for the monitored symbol.
type PriceSource interface {
	Current(ctx context.Context) (price float64, source string, err error)
}

// PriceMonitor caches the reference price and tests it against the trigger
// levels of every running bot. A safety breach wins over a rebalance breach
// and each bot moves at most once per cycle.
type PriceMonitor struct {
	deps Deps
	feed PriceSource
}

func NewPriceMonitor(d Deps, feed PriceSource) *PriceMonitor {
	return &PriceMonitor{deps: d, feed: feed}
}

func (m *PriceMonitor) Run(ctx context.Context) error {
	price, source, err := m.feed.Current(ctx)
	if err != nil {
		return fmt.Errorf("fetch reference price: %w", err)
	}
	if err := m.deps.Store.SavePrice(ctx, store.Price{
		Symbol:    m.deps.PriceSymbol,
		Price:     price,
		Source:    source,
		UpdatedAt: m.deps.now(),
	}); err != nil {
		return fmt.Errorf("cache price: %w", err)
	}
	return m.Evaluate(ctx, price)
}

// Evaluate runs the trigger checks against an already-known price. The
// streaming mode calls it directly on every tick.
func (m *PriceMonitor) Evaluate(ctx context.Context, price float64) error {
	bots, err := m.deps.Store.BotsByStatus(ctx, bot.StatusRunning)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range bots {
		if err := m.check(ctx, b, price); err != nil {
			m.deps.Log.Error("trigger check failed",
				zap.String("bot_id", b.ID), zap.Error(err))
		}
	}
	return nil
}

func (m *PriceMonitor) check(ctx context.Context, b *bot.Bot, price float64) error {
	positions, err := m.deps.Store.OpenPositions(ctx, b.ID)
	if err != nil {
		return err
	}
	var rebalanceHit bool
	for _, p := range positions {
		if p.SafetyValue > 0 && strategy.TriggerBreached(p.Side, price, p.SafetyValue) {
			m.deps.Log.Warn("safety trigger breached",
				zap.String("bot_id", b.ID),
				zap.String("side", string(p.Side)),
				zap.Float64("price", price),
				zap.Float64("trigger", p.SafetyValue))
			if err := m.deps.transition(ctx, b, bot.Event{
				Kind:       bot.EventStopRequested,
				StopReason: bot.StopSafety,
			}); err != nil {
				return err
			}
			m.deps.Metrics.SafetyStops.Inc()
			return nil
		}
		if p.RebalanceValue > 0 && strategy.TriggerBreached(p.Side, price, p.RebalanceValue) {
			rebalanceHit = true
		}
	}
	if rebalanceHit {
		m.deps.Log.Info("rebalance trigger breached",
			zap.String("bot_id", b.ID),
			zap.Float64("price", price))
		if err := m.deps.transition(ctx, b, bot.Event{Kind: bot.EventRebalanceBreach}); err != nil {
			return err
		}
		m.deps.Metrics.RebalanceTriggers.Inc()
	}
	return nil
}

// Stream evaluates triggers on every pushed tick and refreshes the cached
// price at most once per persistInterval.
func (m *PriceMonitor) Stream(ctx context.Context, persistInterval time.Duration) func(price float64, at time.Time) {
	var lastSaved time.Time
	return func(price float64, at time.Time) {
		if at.Sub(lastSaved) >= persistInterval {
			if err := m.deps.Store.SavePrice(ctx, store.Price{
				Symbol:    m.deps.PriceSymbol,
				Price:     price,
				Source:    "stream",
				UpdatedAt: at,
			}); err != nil {
				m.deps.Log.Error("cache price failed", zap.Error(err))
			} else {
				lastSaved = at
			}
		}
		if err := m.Evaluate(ctx, price); err != nil {
			m.deps.Log.Error("stream evaluation failed", zap.Error(err))
		}
	}
}
