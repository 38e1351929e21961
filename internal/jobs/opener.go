package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/strategy"
)

// Opener scans bots waiting to enter the market, validates capital, and
// places the paired long/short orders.
type Opener struct {
	deps Deps
}

func NewOpener(d Deps) *Opener {
	return &Opener{deps: d}
}

func (o *Opener) Run(ctx context.Context) error {
	bots, err := o.deps.Store.BotsByStatus(ctx, bot.StatusReady, bot.StatusTransfering)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range bots {
		if !o.claims(b) {
			continue
		}
		if err := o.open(ctx, b); err != nil {
			o.deps.Log.Error("open cycle failed",
				zap.String("bot_id", b.ID),
				zap.String("status", string(b.Status)),
				zap.Error(err))
			o.deps.Metrics.OpenFailed.Inc()
			o.deps.noProgress(ctx, b)
		}
	}
	return nil
}

// claims filters the scan to the bots this job owns: everything ready,
// and transfering bots re-entering after a first-start or emergency
// transfer. Rebalance transfers belong to the balancer.
func (o *Opener) claims(b *bot.Bot) bool {
	if b.Status == bot.StatusReady {
		return true
	}
	return b.TransferReason == bot.TransferFirstStart || b.TransferReason == bot.TransferEmergencyClose
}

func (o *Opener) open(ctx context.Context, b *bot.Bot) error {
	deployCapital := b.Capital
	if b.Increase {
		deployCapital = b.CapitalIncrease
	}

	long, short, err := o.deps.sessions(ctx, b)
	if err != nil {
		return err
	}
	if err := o.resumeCompensation(ctx, b, long, short); err != nil {
		return err
	}

	longBalance, err := long.FetchTotalBalance(ctx)
	if err != nil {
		return err
	}
	shortBalance, err := short.FetchTotalBalance(ctx)
	if err != nil {
		return err
	}
	available := longBalance + shortBalance

	if b.Status == bot.StatusTransfering && !b.Increase &&
		strategy.StopLossBreached(available, b.Capital, b.StopLossPercentage) {
		o.deps.Log.Warn("stop loss tripped before re-entry",
			zap.String("bot_id", b.ID),
			zap.Float64("available", available),
			zap.Float64("capital", b.Capital))
		return o.deps.transition(ctx, b, bot.Event{Kind: bot.EventStopLoss})
	}

	check := strategy.PerExchangeCheck(b, available, deployCapital)
	switch strategy.EvaluateCapital(longBalance, shortBalance, check) {
	case strategy.CapitalInsufficient:
		if b.Status == bot.StatusReady {
			o.deps.Log.Warn("total capital insufficient",
				zap.String("bot_id", b.ID),
				zap.Float64("available", available),
				zap.Float64("required", 2*check))
			return o.deps.transition(ctx, b, bot.Event{Kind: bot.EventCapitalInsufficient})
		}
		o.deps.noProgress(ctx, b)
		return nil
	case strategy.CapitalMaldistributed:
		if b.Status == bot.StatusReady {
			return o.deps.transition(ctx, b, bot.Event{Kind: bot.EventMaldistributed})
		}
		o.deps.noProgress(ctx, b)
		return nil
	}

	if err := long.ConsolidateWallets(ctx); err != nil {
		return fmt.Errorf("consolidate %s: %w", long.Name(), err)
	}
	if err := short.ConsolidateWallets(ctx); err != nil {
		return fmt.Errorf("consolidate %s: %w", short.Name(), err)
	}

	base := strategy.BaseAmountForSizing(available, deployCapital)
	capitalPerExchange := base / 2

	longPrice, err := long.FetchPrice(ctx)
	if err != nil {
		return err
	}
	shortPrice, err := short.FetchPrice(ctx)
	if err != nil {
		return err
	}
	avgPrice := (longPrice + shortPrice) / 2

	size := strategy.PositionSize(capitalPerExchange, b.Leverage, avgPrice, strategy.DefaultSizeIncrement)
	if size <= 0 {
		return fmt.Errorf("computed size is zero for capital %v at price %v", capitalPerExchange, avgPrice)
	}

	longOrder, err := long.PlaceMarketOrder(ctx, gateway.Buy, size, b.Leverage)
	if err != nil {
		return fmt.Errorf("long leg on %s: %w", long.Name(), err)
	}
	shortOrder, err := short.PlaceMarketOrder(ctx, gateway.Sell, size, b.Leverage)
	if err != nil {
		// The long leg is live but unhedged. Undo it now; if the undo
		// fails too, flag the leg so the next cycle resumes the cleanup
		// before opening anything.
		o.compensate(ctx, b, long, longOrder)
		return fmt.Errorf("short leg on %s after long fill: %w", short.Name(), err)
	}

	if err := o.recordPosition(ctx, b, long, bot.SideLong, longOrder); err != nil {
		return err
	}
	if err := o.recordPosition(ctx, b, short, bot.SideShort, shortOrder); err != nil {
		return err
	}

	if b.Increase {
		if err := o.deps.Store.FoldCapitalIncrease(ctx, b.ID); err != nil {
			return err
		}
		b.Capital += b.CapitalIncrease
		b.CapitalIncrease = 0
		b.Increase = false
	}

	if err := o.deps.transition(ctx, b, bot.Event{Kind: bot.EventOpened}); err != nil {
		return err
	}
	o.deps.Metrics.BotsOpened.Inc()
	o.deps.Log.Info("bot running",
		zap.String("bot_id", b.ID),
		zap.Float64("size", size),
		zap.Float64("avg_price", avgPrice))
	return nil
}

// resumeCompensation finishes any half-undone pair from a previous cycle.
func (o *Opener) resumeCompensation(ctx context.Context, b *bot.Bot, long, short gateway.Exchange) error {
	pending, err := o.deps.Store.CompensationPending(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		ex := long
		if p.Exchange == short.Name() {
			ex = short
		}
		order, err := ex.ClosePosition(ctx)
		if err != nil && !errors.Is(err, gateway.ErrNoPosition) {
			return fmt.Errorf("resume compensation on %s: %w", ex.Name(), err)
		}
		var closePrice, pnl float64
		if order != nil {
			closePrice = order.AvgPrice
			pnl = realizedPnL(p, closePrice)
		}
		if err := o.deps.Store.ClosePosition(ctx, p.ID, o.deps.now(), closePrice, pnl, bot.CloseReasonCompensation); err != nil {
			return err
		}
		o.deps.Log.Warn("compensated stray leg",
			zap.String("bot_id", b.ID),
			zap.String("exchange", p.Exchange))
	}
	return nil
}

// compensate best-effort closes the long leg after the short leg failed.
func (o *Opener) compensate(ctx context.Context, b *bot.Bot, long gateway.Exchange, longOrder *gateway.Order) {
	if _, err := long.ClosePosition(ctx); err == nil || errors.Is(err, gateway.ErrNoPosition) {
		return
	}
	// The undo failed. Persist the stray leg so the next run keeps
	// trying instead of forgetting it ever existed.
	p := &bot.Position{
		ID:         uuid.NewString(),
		BotID:      b.ID,
		UserID:     b.UserID,
		Exchange:   long.Name(),
		Symbol:     longOrder.Symbol,
		Side:       bot.SideLong,
		Size:       longOrder.Size,
		EntryPrice: longOrder.AvgPrice,
		Leverage:   b.Leverage,
		Status:     bot.PositionOpen,
		OpenedAt:   o.deps.now(),
	}
	if err := o.deps.Store.CreatePosition(ctx, p); err != nil {
		o.deps.Log.Error("failed to persist stray leg", zap.String("bot_id", b.ID), zap.Error(err))
		return
	}
	if err := o.deps.Store.MarkCompensation(ctx, p.ID); err != nil {
		o.deps.Log.Error("failed to flag stray leg", zap.String("bot_id", b.ID), zap.Error(err))
	}
}

func (o *Opener) recordPosition(ctx context.Context, b *bot.Bot, ex gateway.Exchange, side bot.Side, order *gateway.Order) error {
	p := &bot.Position{
		ID:         uuid.NewString(),
		BotID:      b.ID,
		UserID:     b.UserID,
		Exchange:   ex.Name(),
		Symbol:     order.Symbol,
		Side:       side,
		Size:       order.Size,
		EntryPrice: order.AvgPrice,
		Leverage:   b.Leverage,
		Status:     bot.PositionOpen,
		OpenedAt:   o.deps.now(),
	}
	if live, err := ex.FetchPosition(ctx); err == nil && live.LiquidationPrice > 0 {
		p.LiquidationPrice = live.LiquidationPrice
		p.SafetyValue, p.RebalanceValue = strategy.Triggers(
			side, p.EntryPrice, live.LiquidationPrice, b.SafetyThreshold, b.RebalanceThreshold)
	}
	return o.deps.Store.CreatePosition(ctx, p)
}

func realizedPnL(p *bot.Position, closePrice float64) float64 {
	if closePrice <= 0 || p.EntryPrice <= 0 {
		return 0
	}
	diff := closePrice - p.EntryPrice
	if p.Side == bot.SideShort {
		diff = -diff
	}
	return diff * p.Size
}
