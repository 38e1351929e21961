package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/store"
)

// Deps is everything a job needs, injected so tests can swap in fakes.
// Jobs coordinate only through bot status in the store; none of them holds
// state between runs.
type Deps struct {
	Store    store.Store
	Gateways gateway.Factory
	History  *history.Writer
	Metrics  *metrics.Metrics
	Alerts   *alerts.Telegram
	Log      *zap.Logger

	// MaxRetryCount is the no-progress budget per status before an
	// operator alert fires. Zero disables the alert.
	MaxRetryCount int

	// PriceSymbol is the reference symbol the price cache is keyed by.
	PriceSymbol string

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// transition applies a lifecycle event and persists it conditionally on
// the status the job read. A concurrent move by another job surfaces as
// ErrStaleStatus and the caller drops its work for this cycle.
func (d *Deps) transition(ctx context.Context, b *bot.Bot, ev bot.Event) error {
	prev := b.Status
	if err := bot.Apply(b, ev, d.now()); err != nil {
		return err
	}
	if err := d.Store.SaveTransition(ctx, b, prev); err != nil {
		return err
	}
	reason := string(b.StoppedType)
	if reason == "" {
		reason = string(b.TransferReason)
	}
	d.History.EnqueueLifecycle(history.LifecycleEvent{
		Time:       d.now(),
		BotID:      b.ID,
		UserID:     b.UserID,
		FromStatus: string(prev),
		ToStatus:   string(b.Status),
		Reason:     reason,
	})
	return nil
}

// noProgress records a cycle that left the bot's status unchanged. The
// next scheduled run is the retry; past the budget, an operator alert
// fires once per budget multiple.
func (d *Deps) noProgress(ctx context.Context, b *bot.Bot) {
	count, err := d.Store.BumpRetry(ctx, b.ID)
	if err != nil {
		d.Log.Warn("retry count update failed", zap.String("bot_id", b.ID), zap.Error(err))
		return
	}
	if d.MaxRetryCount > 0 && count >= d.MaxRetryCount && count%d.MaxRetryCount == 0 {
		d.Metrics.RetryBudgetExceeded.Inc()
		if d.Alerts != nil {
			d.Alerts.NotifyStuckBot(ctx, b.ID, string(b.Status), count)
		}
	}
}

// sessions opens the long and short exchange sessions for a bot.
func (d *Deps) sessions(ctx context.Context, b *bot.Bot) (long, short gateway.Exchange, err error) {
	long, err = d.session(ctx, b.UserID, b.ExchangeLong)
	if err != nil {
		return nil, nil, err
	}
	short, err = d.session(ctx, b.UserID, b.ExchangeShort)
	if err != nil {
		return nil, nil, err
	}
	return long, short, nil
}

func (d *Deps) session(ctx context.Context, userID, exchange string) (gateway.Exchange, error) {
	creds, err := d.Store.GetCredentials(ctx, userID, exchange)
	if err != nil {
		return nil, err
	}
	return d.Gateways.Session(ctx, exchange, creds)
}

// withdrawalAddress is the registered deposit address of the destination
// exchange for cross-exchange transfers.
func (d *Deps) withdrawalAddress(ctx context.Context, userID, exchange string) (string, error) {
	creds, err := d.Store.GetCredentials(ctx, userID, exchange)
	if err != nil {
		return "", err
	}
	return creds.WalletAddress, nil
}
