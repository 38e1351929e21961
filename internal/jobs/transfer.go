package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/strategy"
)

// TransferManager moves funds between the two exchanges in two phases.
// Phase one plans the move for bots in transfer_requested and stages the
// amount. Phase two submits the withdrawal for bots already waiting in
// external_transfer_pending and confirms settlement.
type TransferManager struct {
	deps Deps
}

func NewTransferManager(d Deps) *TransferManager {
	return &TransferManager{deps: d}
}

func (t *TransferManager) Run(ctx context.Context) error {
	requested, err := t.deps.Store.BotsByStatus(ctx, bot.StatusTransferRequested)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range requested {
		if err := t.plan(ctx, b); err != nil {
			t.deps.Log.Error("transfer planning failed",
				zap.String("bot_id", b.ID), zap.Error(err))
			t.deps.noProgress(ctx, b)
		}
	}

	pending, err := t.deps.Store.BotsByStatus(ctx, bot.StatusExternalTransferPending)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range pending {
		if err := t.execute(ctx, b); err != nil {
			t.deps.Log.Error("transfer execution failed",
				zap.String("bot_id", b.ID), zap.Error(err))
			t.deps.Metrics.TransferFailed.Inc()
			t.deps.noProgress(ctx, b)
		}
	}
	return nil
}

func (t *TransferManager) plan(ctx context.Context, b *bot.Bot) error {
	long, short, err := t.deps.sessions(ctx, b)
	if err != nil {
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

	if strategy.StopLossBreached(longBalance+shortBalance, b.Capital, b.StopLossPercentage) {
		t.deps.Log.Warn("stop loss tripped during transfer planning",
			zap.String("bot_id", b.ID),
			zap.Float64("available", longBalance+shortBalance),
			zap.Float64("capital", b.Capital))
		return t.deps.transition(ctx, b, bot.Event{Kind: bot.EventStopLoss})
	}

	var plan strategy.TransferPlan
	if b.TransferReason == bot.TransferRebalance {
		plan, err = t.planRebalance(ctx, b, long, short)
	} else {
		plan, err = strategy.PlanTransfer(longBalance, shortBalance, b.Capital)
	}
	if errors.Is(err, strategy.ErrBothDeficit) {
		// No surplus anywhere to draw from. Leave the bot in place and let
		// the retry budget surface it if the situation never improves.
		t.deps.Log.Warn("no surplus to transfer from",
			zap.String("bot_id", b.ID),
			zap.Float64("long_balance", longBalance),
			zap.Float64("short_balance", shortBalance))
		t.deps.noProgress(ctx, b)
		return nil
	}
	if err != nil {
		return err
	}
	if plan.Balanced {
		return t.deps.transition(ctx, b, bot.Event{Kind: bot.EventAlreadyBalanced})
	}

	source := short
	if plan.FromLong {
		source = long
	}
	// Funds may sit in non-withdrawable sub-wallets. Sweep before staging
	// so phase two's withdrawal can actually cover the amount.
	if err := source.ConsolidateWallets(ctx); err != nil {
		t.deps.Log.Warn("source wallet sweep failed",
			zap.String("bot_id", b.ID),
			zap.String("exchange", source.Name()),
			zap.Error(err))
		t.deps.noProgress(ctx, b)
		return nil
	}

	t.deps.Log.Info("transfer staged",
		zap.String("bot_id", b.ID),
		zap.String("from", source.Name()),
		zap.Float64("amount", plan.Amount))
	return t.deps.transition(ctx, b, bot.Event{
		Kind:           bot.EventTransferStaged,
		TransferAmount: plan.Amount,
	})
}

// planRebalance sizes the move from each leg's live margin requirement
// instead of raw balances, so the transfer lands where leverage drifted.
func (t *TransferManager) planRebalance(ctx context.Context, b *bot.Bot, long, short gateway.Exchange) (strategy.TransferPlan, error) {
	longDiff, err := marginDiff(ctx, long, b.Leverage)
	if err != nil {
		return strategy.TransferPlan{}, err
	}
	shortDiff, err := marginDiff(ctx, short, b.Leverage)
	if err != nil {
		return strategy.TransferPlan{}, err
	}
	return strategy.PlanRebalanceTransfer(longDiff, shortDiff), nil
}

func marginDiff(ctx context.Context, ex gateway.Exchange, leverage float64) (float64, error) {
	live, err := ex.FetchPosition(ctx)
	if errors.Is(err, gateway.ErrNoPosition) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	price, err := ex.FetchPrice(ctx)
	if err != nil {
		return 0, err
	}
	adj, ok := strategy.CalculateMarginAdjustment(math.Abs(live.Size)*price, live.Margin, live.UnrealizedPnL, leverage)
	if !ok {
		return 0, nil
	}
	return adj.Diff, nil
}

func (t *TransferManager) execute(ctx context.Context, b *bot.Bot) error {
	if b.TransferAmount <= 0 {
		return fmt.Errorf("bot %s: pending transfer has no staged amount", b.ID)
	}
	long, short, err := t.deps.sessions(ctx, b)
	if err != nil {
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

	// The staged plan recorded the direction implicitly: funds always flow
	// out of the richer side. Re-deriving it here keeps the move correct
	// even if balances shifted while the bot waited.
	source, dest := short, long
	destExchange := b.ExchangeLong
	if longBalance > shortBalance {
		source, dest = long, short
		destExchange = b.ExchangeShort
	}

	address, err := t.deps.withdrawalAddress(ctx, b.UserID, destExchange)
	if err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("no withdrawal address registered for %s", dest.Name())
	}

	if err := source.Withdraw(ctx, b.TransferAmount, address); err != nil {
		return fmt.Errorf("withdraw %.2f from %s: %w", b.TransferAmount, source.Name(), err)
	}
	t.deps.Metrics.TransfersExecuted.Inc()
	t.deps.Log.Info("transfer executed",
		zap.String("bot_id", b.ID),
		zap.String("from", source.Name()),
		zap.String("to", dest.Name()),
		zap.Float64("amount", b.TransferAmount))
	return t.deps.transition(ctx, b, bot.Event{Kind: bot.EventTransferSettled})
}
