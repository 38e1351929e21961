package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/gateway"
)

// Closer unwinds both legs of every bot asked to stop, then routes the bot
// either to shutdown or to the emergency transfer cycle depending on why
// the stop was requested.
type Closer struct {
	deps Deps
}

func NewCloser(d Deps) *Closer {
	return &Closer{deps: d}
}

func (c *Closer) Run(ctx context.Context) error {
	bots, err := c.deps.Store.BotsByStatus(ctx, bot.StatusStopRequested)
	if err != nil {
		return fmt.Errorf("scan bots: %w", err)
	}
	for _, b := range bots {
		if err := c.close(ctx, b); err != nil {
			c.deps.Log.Error("close cycle failed",
				zap.String("bot_id", b.ID),
				zap.Error(err))
			c.deps.noProgress(ctx, b)
		}
	}
	return nil
}

func (c *Closer) close(ctx context.Context, b *bot.Bot) error {
	positions, err := c.deps.Store.OpenPositions(ctx, b.ID)
	if err != nil {
		return err
	}

	var closed, failed int
	for _, p := range positions {
		if err := c.closeLeg(ctx, b, p); err != nil {
			failed++
			c.deps.Log.Error("leg close failed",
				zap.String("bot_id", b.ID),
				zap.String("exchange", p.Exchange),
				zap.String("side", string(p.Side)),
				zap.Error(err))
			c.deps.Metrics.CloseFailed.Inc()
			continue
		}
		closed++
		c.deps.Metrics.PositionsClosed.Inc()
	}

	switch {
	case failed == 0:
		// A bot with no open legs still completes the stop, recorded as
		// no_positions so the empty case stays visible.
		ev := bot.Event{Kind: bot.EventCloseSucceeded}
		if len(positions) == 0 {
			ev.StopReason = bot.StopNoPositions
		}
		return c.deps.transition(ctx, b, ev)
	case closed > 0:
		return c.deps.transition(ctx, b, bot.Event{
			Kind:       bot.EventCloseFailed,
			StopReason: bot.StopPartialClose,
		})
	default:
		return c.deps.transition(ctx, b, bot.Event{
			Kind:       bot.EventCloseFailed,
			StopReason: bot.StopCloseError,
		})
	}
}

func (c *Closer) closeLeg(ctx context.Context, b *bot.Bot, p *bot.Position) error {
	ex, err := c.deps.session(ctx, b.UserID, p.Exchange)
	if err != nil {
		return err
	}
	order, err := ex.ClosePosition(ctx)
	if errors.Is(err, gateway.ErrNoPosition) {
		// Already flat on the exchange. Finalize the record without fill
		// data so it stops matching the open scan.
		return c.deps.Store.ClosePosition(ctx, p.ID, c.deps.now(), 0, 0, string(b.StoppedType))
	}
	if err != nil {
		return err
	}
	pnl := realizedPnL(p, order.AvgPrice)
	return c.deps.Store.ClosePosition(ctx, p.ID, c.deps.now(), order.AvgPrice, pnl, string(b.StoppedType))
}
