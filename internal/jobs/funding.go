package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/history"
)

// FundingRecorder collects settled funding payments from both exchanges of
// every running bot and ships them to the analytics database. The lookback
// should match the scheduling interval so consecutive runs tile the
// timeline.
type FundingRecorder struct {
	deps     Deps
	lookback time.Duration
}

func NewFundingRecorder(d Deps, lookback time.Duration) *FundingRecorder {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &FundingRecorder{deps: d, lookback: lookback}
}

func (r *FundingRecorder) Run(ctx context.Context) error {
	bots, err := r.deps.Store.BotsByStatus(ctx, bot.StatusRunning)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range bots {
		if err := r.collect(ctx, b); err != nil {
			r.deps.Log.Error("funding collection failed",
				zap.String("bot_id", b.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *FundingRecorder) collect(ctx context.Context, b *bot.Bot) error {
	since := r.deps.now().Add(-r.lookback)
	if b.StartedAt.After(since) {
		since = b.StartedAt
	}
	long, short, err := r.deps.sessions(ctx, b)
	if err != nil {
		return err
	}
	for _, ex := range []gateway.Exchange{long, short} {
		payments, err := ex.FundingHistory(ctx, since)
		if err != nil {
			return fmt.Errorf("funding history on %s: %w", ex.Name(), err)
		}
		for _, p := range payments {
			r.deps.History.EnqueueFunding(history.FundingEvent{
				Time:     p.Time,
				UserID:   b.UserID,
				Exchange: p.Exchange,
				Symbol:   p.Symbol,
				Amount:   p.Amount,
				Rate:     p.Rate,
			})
		}
	}
	return nil
}
