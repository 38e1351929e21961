package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/store"
)

type fakeStore struct {
	bots      map[string]*bot.Bot
	positions map[string]*bot.Position
	creds     map[string]store.Credentials
	price     store.Price
	hasPrice  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:      map[string]*bot.Bot{},
		positions: map[string]*bot.Position{},
		creds:     map[string]store.Credentials{},
	}
}

func (s *fakeStore) CreateBot(ctx context.Context, b *bot.Bot) error {
	cp := *b
	s.bots[b.ID] = &cp
	return nil
}

func (s *fakeStore) GetBot(ctx context.Context, id string) (*bot.Bot, error) {
	b, ok := s.bots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) CurrentBot(ctx context.Context, userID string) (*bot.Bot, error) {
	var newest *bot.Bot
	for _, b := range s.bots {
		if b.UserID != userID {
			continue
		}
		if newest == nil || b.CreatedAt.After(newest.CreatedAt) {
			newest = b
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *fakeStore) BotHistory(ctx context.Context, userID string) ([]*bot.Bot, error) {
	var out []*bot.Bot
	for _, b := range s.bots {
		if b.UserID == userID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) BotsByStatus(ctx context.Context, statuses ...bot.Status) ([]*bot.Bot, error) {
	var out []*bot.Bot
	for _, b := range s.bots {
		for _, st := range statuses {
			if b.Status == st {
				cp := *b
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) SaveTransition(ctx context.Context, b *bot.Bot, prev bot.Status) error {
	stored, ok := s.bots[b.ID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.Status != prev {
		return store.ErrStaleStatus
	}
	cp := *b
	s.bots[b.ID] = &cp
	return nil
}

func (s *fakeStore) BumpRetry(ctx context.Context, id string) (int, error) {
	b, ok := s.bots[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	b.RetryCount++
	return b.RetryCount, nil
}

func (s *fakeStore) FoldCapitalIncrease(ctx context.Context, id string) error {
	b, ok := s.bots[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Capital += b.CapitalIncrease
	b.CapitalIncrease = 0
	b.Increase = false
	return nil
}

func (s *fakeStore) CreatePosition(ctx context.Context, p *bot.Position) error {
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *fakeStore) GetPosition(ctx context.Context, id string) (*bot.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) OpenPositions(ctx context.Context, botID string) ([]*bot.Position, error) {
	var out []*bot.Position
	for _, p := range s.positions {
		if p.BotID == botID && p.Status == bot.PositionOpen && p.CloseReason != bot.CloseReasonCompensation {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) UpdateThresholds(ctx context.Context, id string, liquidation, safety, rebalance float64) error {
	p, ok := s.positions[id]
	if !ok {
		return store.ErrNotFound
	}
	p.LiquidationPrice = liquidation
	p.SafetyValue = safety
	p.RebalanceValue = rebalance
	return nil
}

func (s *fakeStore) ClosePosition(ctx context.Context, id string, closedAt time.Time, closePrice, pnl float64, reason string) error {
	p, ok := s.positions[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status == bot.PositionClosed {
		return fmt.Errorf("position %s already closed", id)
	}
	p.Status = bot.PositionClosed
	p.ClosedAt = closedAt
	p.ClosePrice = closePrice
	p.RealizedPnL = pnl
	p.CloseReason = reason
	return nil
}

func (s *fakeStore) MarkCompensation(ctx context.Context, id string) error {
	p, ok := s.positions[id]
	if !ok {
		return store.ErrNotFound
	}
	p.CloseReason = bot.CloseReasonCompensation
	return nil
}

func (s *fakeStore) CompensationPending(ctx context.Context, botID string) ([]*bot.Position, error) {
	var out []*bot.Position
	for _, p := range s.positions {
		if p.BotID == botID && p.Status == bot.PositionOpen && p.CloseReason == bot.CloseReasonCompensation {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveCredentials(ctx context.Context, userID, exchange string, creds store.Credentials) error {
	s.creds[userID+"|"+exchange] = creds
	return nil
}

func (s *fakeStore) GetCredentials(ctx context.Context, userID, exchange string) (store.Credentials, error) {
	c, ok := s.creds[userID+"|"+exchange]
	if !ok {
		return store.Credentials{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) SavePrice(ctx context.Context, p store.Price) error {
	s.price = p
	s.hasPrice = true
	return nil
}

func (s *fakeStore) LatestPrice(ctx context.Context, symbol string) (store.Price, error) {
	if !s.hasPrice || s.price.Symbol != symbol {
		return store.Price{}, store.ErrNotFound
	}
	return s.price, nil
}

func (s *fakeStore) Close() error { return nil }

type fakeExchange struct {
	name    string
	price   float64
	balance float64
	// position is the live exchange-side view, nil for a flat book.
	position *gateway.PositionInfo

	placeErr       map[gateway.OrderSide]error
	closeErr       error
	adjustErr      error
	consolidateErr error
	withdrawErr    error

	placed       []gateway.Order
	closes       int
	adjustments  []float64
	consolidates int
	withdrawals  []float64
	withdrawAddr string

	funding      []gateway.FundingPayment
	fundingSince time.Time
}

func (e *fakeExchange) Name() string { return e.name }

func (e *fakeExchange) FetchPrice(ctx context.Context) (float64, error) {
	return e.price, nil
}

func (e *fakeExchange) FetchTotalBalance(ctx context.Context) (float64, error) {
	return e.balance, nil
}

func (e *fakeExchange) FetchPosition(ctx context.Context) (*gateway.PositionInfo, error) {
	if e.position == nil {
		return nil, gateway.ErrNoPosition
	}
	cp := *e.position
	return &cp, nil
}

func (e *fakeExchange) PlaceMarketOrder(ctx context.Context, side gateway.OrderSide, size, leverage float64) (*gateway.Order, error) {
	if err := e.placeErr[side]; err != nil {
		return nil, err
	}
	o := gateway.Order{
		ID:       fmt.Sprintf("%s-%d", e.name, len(e.placed)+1),
		Symbol:   e.name + "-SOL",
		Side:     side,
		Size:     size,
		AvgPrice: e.price,
	}
	e.placed = append(e.placed, o)
	return &o, nil
}

func (e *fakeExchange) ClosePosition(ctx context.Context) (*gateway.Order, error) {
	e.closes++
	if e.closeErr != nil {
		return nil, e.closeErr
	}
	if e.position == nil {
		return nil, gateway.ErrNoPosition
	}
	o := gateway.Order{ID: e.name + "-close", Symbol: e.name + "-SOL", Size: e.position.Size, AvgPrice: e.price}
	e.position = nil
	return &o, nil
}

func (e *fakeExchange) AdjustMargin(ctx context.Context, amount float64) error {
	if e.adjustErr != nil {
		return e.adjustErr
	}
	e.adjustments = append(e.adjustments, amount)
	if e.position != nil {
		e.position.Margin += amount
	}
	return nil
}

func (e *fakeExchange) ConsolidateWallets(ctx context.Context) error {
	e.consolidates++
	return e.consolidateErr
}

func (e *fakeExchange) Withdraw(ctx context.Context, amount float64, address string) error {
	if e.withdrawErr != nil {
		return e.withdrawErr
	}
	e.withdrawals = append(e.withdrawals, amount)
	e.withdrawAddr = address
	return nil
}

func (e *fakeExchange) FundingHistory(ctx context.Context, since time.Time) ([]gateway.FundingPayment, error) {
	e.fundingSince = since
	var out []gateway.FundingPayment
	for _, p := range e.funding {
		if !p.Time.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeFactory struct {
	byName map[string]*fakeExchange
}

func (f *fakeFactory) Session(ctx context.Context, exchange string, creds store.Credentials) (gateway.Exchange, error) {
	ex, ok := f.byName[exchange]
	if !ok {
		return nil, fmt.Errorf("no fake for exchange %s", exchange)
	}
	return ex, nil
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func testDeps(st *fakeStore, f *fakeFactory) Deps {
	return Deps{
		Store:         st,
		Gateways:      f,
		Metrics:       metrics.NewNoop(),
		Log:           zap.NewNop(),
		MaxRetryCount: 20,
		PriceSymbol:   "SOLUSDT",
		Now:           func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func seedBot(st *fakeStore, b *bot.Bot) *bot.Bot {
	cp := *b
	st.bots[b.ID] = &cp
	st.creds[b.UserID+"|"+b.ExchangeLong] = store.Credentials{APIKey: "k", APISecret: "s", WalletAddress: "addr-" + b.ExchangeLong}
	st.creds[b.UserID+"|"+b.ExchangeShort] = store.Credentials{APIKey: "k", APISecret: "s", WalletAddress: "addr-" + b.ExchangeShort}
	return st.bots[b.ID]
}
