package store

import (
	"context"
	"errors"
	"time"

	"funding-arb-bot/internal/bot"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStaleStatus means a conditional status update found the bot no
	// longer in the expected status. Another job moved it first; the
	// caller drops its work and the next cycle re-reads.
	ErrStaleStatus = errors.New("bot status changed concurrently")
)

// Credentials are the per-user, per-exchange API secrets plus the
// registered deposit address used as the withdrawal target.
type Credentials struct {
	APIKey        string
	APISecret     string
	WalletAddress string
}

// Price is the single-row reference price cache, overwritten each cycle.
type Price struct {
	Symbol    string
	Price     float64
	Source    string
	UpdatedAt time.Time
}

// BotStore persists bot lifecycle records. Records are never deleted.
type BotStore interface {
	// CreateBot inserts a new bot in ready status and force-stops any
	// prior active bot for the same user in the same transaction.
	CreateBot(ctx context.Context, b *bot.Bot) error
	GetBot(ctx context.Context, id string) (*bot.Bot, error)
	// CurrentBot returns the most recently created bot for the user.
	CurrentBot(ctx context.Context, userID string) (*bot.Bot, error)
	BotHistory(ctx context.Context, userID string) ([]*bot.Bot, error)
	BotsByStatus(ctx context.Context, statuses ...bot.Status) ([]*bot.Bot, error)
	// SaveTransition writes the bot only if its stored status still equals
	// prev. ErrStaleStatus otherwise.
	SaveTransition(ctx context.Context, b *bot.Bot, prev bot.Status) error
	// BumpRetry increments the no-progress counter for a bot that stayed
	// in its status through a full job cycle. Returns the new count.
	BumpRetry(ctx context.Context, id string) (int, error)
	// FoldCapitalIncrease merges a pending top-up into capital and clears
	// the increase flag atomically.
	FoldCapitalIncrease(ctx context.Context, id string) error
}

// PositionStore persists individual exchange legs.
type PositionStore interface {
	CreatePosition(ctx context.Context, p *bot.Position) error
	GetPosition(ctx context.Context, id string) (*bot.Position, error)
	OpenPositions(ctx context.Context, botID string) ([]*bot.Position, error)
	// UpdateThresholds refreshes the liquidation price and derived trigger
	// levels on an open position.
	UpdateThresholds(ctx context.Context, id string, liquidation, safety, rebalance float64) error
	// ClosePosition finalizes a leg. closePrice and pnl may be zero when
	// the exchange had no fill data.
	ClosePosition(ctx context.Context, id string, closedAt time.Time, closePrice, pnl float64, reason string) error
	// MarkCompensation flags an open leg whose paired leg failed, so the
	// opener finishes the undo before opening anything new for the bot.
	MarkCompensation(ctx context.Context, id string) error
	CompensationPending(ctx context.Context, botID string) ([]*bot.Position, error)
}

// UserStore holds per-user exchange API credentials and registered
// withdrawal addresses.
type UserStore interface {
	SaveCredentials(ctx context.Context, userID, exchange string, creds Credentials) error
	GetCredentials(ctx context.Context, userID, exchange string) (Credentials, error)
}

// PriceStore is the reference price cache.
type PriceStore interface {
	SavePrice(ctx context.Context, p Price) error
	LatestPrice(ctx context.Context, symbol string) (Price, error)
}

// Store is the full persistence surface the jobs are constructed with.
type Store interface {
	BotStore
	PositionStore
	UserStore
	PriceStore
	Close() error
}
