package bitfinex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/store"
)

const (
	// Sub-wallet names in the Bitfinex wallet model.
	walletExchange = "exchange"
	walletMargin   = "margin"
	walletFunding  = "funding"

	// USTF0 collateralizes derivatives positions; UST is plain tether in
	// the exchange wallet.
	currencyDeriv = "USTF0"
	currencySpot  = "UST"

	withdrawalMethod = "tetherusl"

	minLeverage = 1
	maxLeverage = 100
)

// Client is one authenticated Bitfinex session. Bitfinex replies with
// positional arrays; every response is normalized here and nowhere else.
type Client struct {
	baseURL string
	symbol  string
	creds   store.Credentials
	http    *http.Client
	retry   *gateway.Retryer
	log     *zap.Logger
	nonce   func() string
}

func New(cfg config.ExchangeConfig, retryCfg config.RetryConfig, creds store.Credentials, log *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		symbol:  cfg.Symbol,
		creds:   creds,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   gateway.NewRetryer(retryCfg),
		log:     log,
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixMicro(), 10)
		},
	}
}

func (c *Client) Name() string { return "bitfinex" }

func (c *Client) FetchPrice(ctx context.Context) (float64, error) {
	var ticker []any
	if err := c.public(ctx, "/v2/ticker/"+c.symbol, &ticker); err != nil {
		return 0, err
	}
	// Ticker layout: [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE,
	// DAILY_CHANGE_RELATIVE, LAST_PRICE, ...].
	price, ok := floatAt(ticker, 6)
	if !ok {
		return 0, fmt.Errorf("bitfinex: malformed ticker for %s", c.symbol)
	}
	return price, nil
}

func (c *Client) FetchTotalBalance(ctx context.Context) (float64, error) {
	wallets, err := c.wallets(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, w := range wallets {
		if w.Currency == currencyDeriv || w.Currency == currencySpot || w.Currency == "USDT" {
			total += w.Balance
		}
	}
	return total, nil
}

type wallet struct {
	Type     string
	Currency string
	Balance  float64
}

func (c *Client) wallets(ctx context.Context) ([]wallet, error) {
	var raw [][]any
	if err := c.auth(ctx, "/v2/auth/r/wallets", nil, &raw); err != nil {
		return nil, err
	}
	// Wallet layout: [WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED_INTEREST,
	// AVAILABLE_BALANCE, ...].
	var out []wallet
	for _, entry := range raw {
		wType, _ := stringAt(entry, 0)
		currency, _ := stringAt(entry, 1)
		balance, ok := floatAt(entry, 2)
		if !ok {
			continue
		}
		out = append(out, wallet{Type: wType, Currency: currency, Balance: balance})
	}
	return out, nil
}

func (c *Client) FetchPosition(ctx context.Context) (*gateway.PositionInfo, error) {
	var raw [][]any
	if err := c.auth(ctx, "/v2/auth/r/positions", nil, &raw); err != nil {
		return nil, err
	}
	// Position layout: [SYMBOL, STATUS, AMOUNT, BASE_PRICE, FUNDING,
	// FUNDING_TYPE, PL, PL_PERC, PRICE_LIQ, LEVERAGE, _, POSITION_ID, _,
	// _, _, _, _, COLLATERAL, COLLATERAL_MIN, META].
	for _, entry := range raw {
		symbol, _ := stringAt(entry, 0)
		status, _ := stringAt(entry, 1)
		if symbol != c.symbol || status != "ACTIVE" {
			continue
		}
		amount, ok := floatAt(entry, 2)
		if !ok || amount == 0 {
			continue
		}
		entryPrice, _ := floatAt(entry, 3)
		pl, _ := floatAt(entry, 6)
		liq, _ := floatAt(entry, 8)
		collateral, _ := floatAt(entry, 17)
		return &gateway.PositionInfo{
			Symbol:           symbol,
			Size:             amount,
			EntryPrice:       entryPrice,
			LiquidationPrice: liq,
			Margin:           collateral,
			UnrealizedPnL:    pl,
		}, nil
	}
	return nil, gateway.ErrNoPosition
}

func (c *Client) PlaceMarketOrder(ctx context.Context, side gateway.OrderSide, size, leverage float64) (*gateway.Order, error) {
	amount := size
	if side == gateway.Sell {
		amount = -size
	}
	lev := int(leverage)
	if lev < minLeverage {
		lev = minLeverage
	}
	if lev > maxLeverage {
		lev = maxLeverage
	}
	body := map[string]any{
		"type":   "MARKET",
		"symbol": c.symbol,
		"amount": strconv.FormatFloat(amount, 'f', -1, 64),
		"lev":    lev,
	}
	var raw []any
	if err := c.auth(ctx, "/v2/auth/w/order/submit", body, &raw); err != nil {
		return nil, err
	}
	return c.orderFromNotification(raw, side, size)
}

// orderFromNotification unwraps the submit notification:
// [MTS, TYPE, MESSAGE_ID, null, [[ORDER, ...]], CODE, STATUS, TEXT].
func (c *Client) orderFromNotification(raw []any, side gateway.OrderSide, size float64) (*gateway.Order, error) {
	if status, _ := stringAt(raw, 6); status == "ERROR" {
		text, _ := stringAt(raw, 7)
		return nil, fmt.Errorf("bitfinex: order rejected: %s", text)
	}
	order := &gateway.Order{Symbol: c.symbol, Side: side, Size: size}
	if len(raw) > 4 {
		if orders, ok := raw[4].([]any); ok && len(orders) > 0 {
			if first, ok := orders[0].([]any); ok {
				if id, ok := floatAt(first, 0); ok {
					order.ID = strconv.FormatInt(int64(id), 10)
				}
				if px, ok := floatAt(first, 17); ok {
					order.AvgPrice = px
				}
			}
		}
	}
	return order, nil
}

func (c *Client) ClosePosition(ctx context.Context) (*gateway.Order, error) {
	pos, err := c.FetchPosition(ctx)
	if err != nil {
		return nil, err
	}
	side := gateway.Sell
	amount := -pos.Size
	if pos.Size < 0 {
		side = gateway.Buy
		amount = -pos.Size
	}
	body := map[string]any{
		"type":   "MARKET",
		"symbol": c.symbol,
		"amount": strconv.FormatFloat(amount, 'f', -1, 64),
	}
	var raw []any
	if err := c.auth(ctx, "/v2/auth/w/order/submit", body, &raw); err != nil {
		return nil, err
	}
	size := pos.Size
	if size < 0 {
		size = -size
	}
	return c.orderFromNotification(raw, side, size)
}

func (c *Client) AdjustMargin(ctx context.Context, amount float64) error {
	pos, err := c.FetchPosition(ctx)
	if err != nil {
		return err
	}
	target := pos.Margin + amount
	if target < 0 {
		return fmt.Errorf("bitfinex: collateral target %v below zero", target)
	}
	body := []map[string]any{{
		"symbol":     c.symbol,
		"collateral": target,
	}}
	return c.auth(ctx, "/v2/auth/w/deriv/collateral/set", body, nil)
}

// ConsolidateWallets sweeps tether from the exchange and funding wallets
// into derivatives margin so it can collateralize positions and be
// withdrawn from one place.
func (c *Client) ConsolidateWallets(ctx context.Context) error {
	wallets, err := c.wallets(ctx)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if w.Type == walletMargin || w.Balance <= 0 {
			continue
		}
		if w.Currency != currencySpot && w.Currency != "USDT" {
			continue
		}
		body := map[string]any{
			"from":        w.Type,
			"to":          walletMargin,
			"currency":    w.Currency,
			"currency_to": currencyDeriv,
			"amount":      strconv.FormatFloat(w.Balance, 'f', -1, 64),
		}
		if err := c.auth(ctx, "/v2/auth/w/transfer", body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Withdraw(ctx context.Context, amount float64, address string) error {
	// External withdrawals leave from the exchange wallet, so margin funds
	// move there first.
	move := map[string]any{
		"from":        walletMargin,
		"to":          walletExchange,
		"currency":    currencyDeriv,
		"currency_to": currencySpot,
		"amount":      strconv.FormatFloat(amount, 'f', -1, 64),
	}
	if err := c.auth(ctx, "/v2/auth/w/transfer", move, nil); err != nil {
		return err
	}
	body := map[string]any{
		"wallet":  walletExchange,
		"method":  withdrawalMethod,
		"amount":  strconv.FormatFloat(amount, 'f', -1, 64),
		"address": address,
	}
	return c.auth(ctx, "/v2/auth/w/withdraw", body, nil)
}

// ledgerCategoryFunding selects derivatives funding events in the ledgers
// endpoint.
const ledgerCategoryFunding = 29

func (c *Client) FundingHistory(ctx context.Context, since time.Time) ([]gateway.FundingPayment, error) {
	body := map[string]any{
		"category": ledgerCategoryFunding,
		"start":    since.UTC().UnixMilli(),
		"limit":    500,
	}
	var raw [][]any
	if err := c.auth(ctx, "/v2/auth/r/ledgers/"+currencyDeriv+"/hist", body, &raw); err != nil {
		return nil, err
	}
	// Ledger layout: [ID, CURRENCY, null, MTS, null, AMOUNT, BALANCE, null,
	// DESCRIPTION]. Entries arrive newest first.
	payments := make([]gateway.FundingPayment, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		entry := raw[i]
		amount, ok := floatAt(entry, 5)
		if !ok {
			continue
		}
		mts, ok := floatAt(entry, 3)
		if !ok {
			continue
		}
		payments = append(payments, gateway.FundingPayment{
			Exchange: "bitfinex",
			Symbol:   c.symbol,
			Amount:   amount,
			Time:     time.UnixMilli(int64(mts)).UTC(),
		})
	}
	return payments, nil
}

func (c *Client) public(ctx context.Context, path string, out any) error {
	return c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		return c.send(req, out)
	})
}

func (c *Client) auth(ctx context.Context, path string, body, out any) error {
	return c.retry.Do(ctx, func() error {
		payload := []byte("{}")
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			if err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		nonce := c.nonce()
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("bfx-nonce", nonce)
		req.Header.Set("bfx-apikey", c.creds.APIKey)
		req.Header.Set("bfx-signature", c.sign(path, nonce, payload))
		return c.send(req, out)
	})
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &gateway.APIError{Exchange: "bitfinex", StatusCode: resp.StatusCode, Message: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sign builds the v2 auth signature:
// HMAC-SHA384(secret, "/api" + path + nonce + body), hex encoded.
func (c *Client) sign(path, nonce string, body []byte) string {
	mac := hmac.New(sha512.New384, []byte(c.creds.APISecret))
	mac.Write([]byte("/api"))
	mac.Write([]byte(path))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func floatAt(arr []any, idx int) (float64, bool) {
	if idx >= len(arr) {
		return 0, false
	}
	f, ok := arr[idx].(float64)
	return f, ok
}

func stringAt(arr []any, idx int) (string, bool) {
	if idx >= len(arr) {
		return "", false
	}
	s, ok := arr[idx].(string)
	return s, ok
}
