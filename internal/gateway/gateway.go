package gateway

import (
	"context"
	"errors"
	"time"

	"funding-arb-bot/internal/store"
)

// ErrNoPosition means the exchange reports no open position for the
// symbol. Callers treat it as "already closed", not as a failure.
var ErrNoPosition = errors.New("no open position on exchange")

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// PositionInfo is the normalized live view of one exchange position.
// Size is in base asset units, positive for long and negative for short.
type PositionInfo struct {
	Symbol           string
	Size             float64
	EntryPrice       float64
	LiquidationPrice float64
	Margin           float64
	UnrealizedPnL    float64
	// MaxRemovableMargin is the exchange-reported ceiling on margin
	// withdrawal, zero when the exchange does not report one.
	MaxRemovableMargin float64
}

// FundingPayment is one settled funding exchange on a perpetual position.
// Amount is in USDT, positive when received and negative when paid.
type FundingPayment struct {
	Exchange string
	Symbol   string
	Amount   float64
	Rate     float64
	Time     time.Time
}

// Order is a normalized fill report.
type Order struct {
	ID       string
	Symbol   string
	Side     OrderSide
	Size     float64
	AvgPrice float64
}

// Exchange is one authenticated session against a single venue. All quirks
// (sub-wallet layout, contract sizing, margin API shape) stay behind it.
type Exchange interface {
	Name() string

	FetchPrice(ctx context.Context) (float64, error)
	// FetchTotalBalance sums USDT-equivalent funds across every sub-wallet.
	FetchTotalBalance(ctx context.Context) (float64, error)
	FetchPosition(ctx context.Context) (*PositionInfo, error)

	PlaceMarketOrder(ctx context.Context, side OrderSide, size, leverage float64) (*Order, error)
	// ClosePosition market-closes whatever is open. ErrNoPosition when the
	// book is already flat.
	ClosePosition(ctx context.Context) (*Order, error)

	// AdjustMargin moves collateral on the open position. Positive adds
	// margin, negative removes it, subject to exchange-side caps.
	AdjustMargin(ctx context.Context, amount float64) error
	// ConsolidateWallets sweeps stray funds from non-trading sub-wallets
	// into the derivatives margin wallet.
	ConsolidateWallets(ctx context.Context) error
	Withdraw(ctx context.Context, amount float64, address string) error

	// FundingHistory lists funding payments settled since the given time,
	// oldest first.
	FundingHistory(ctx context.Context, since time.Time) ([]FundingPayment, error)
}

// Factory opens per-user sessions. Sessions live for one job cycle only.
type Factory interface {
	Session(ctx context.Context, exchange string, creds store.Credentials) (Exchange, error)
}
