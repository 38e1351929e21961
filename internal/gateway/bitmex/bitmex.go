package bitmex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/store"
)

const (
	// contractMultiplier converts base asset units to BitMEX contracts:
	// 10000 contracts equal 1 SOL.
	contractMultiplier = 10000
	// minOrderContracts is the exchange minimum, and orders must land on
	// hundred-contract boundaries.
	minOrderContracts = 1000
	contractLotSize   = 100
	// usdtScale is BitMEX's fixed-point representation of USDT amounts.
	usdtScale = 1e6

	withdrawalNetwork = "sol"
	marginCurrency    = "USDt"
	signatureWindow   = 10 * time.Second
)

// Client is one authenticated BitMEX session.
type Client struct {
	baseURL string
	symbol  string
	creds   store.Credentials
	http    *http.Client
	retry   *gateway.Retryer
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg config.ExchangeConfig, retryCfg config.RetryConfig, creds store.Credentials, log *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		symbol:  cfg.Symbol,
		creds:   creds,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   gateway.NewRetryer(retryCfg),
		log:     log,
		now:     time.Now,
	}
}

func (c *Client) Name() string { return "bitmex" }

type instrument struct {
	Symbol    string  `json:"symbol"`
	MarkPrice float64 `json:"markPrice"`
	LastPrice float64 `json:"lastPrice"`
}

func (c *Client) FetchPrice(ctx context.Context) (float64, error) {
	var out []instrument
	query := url.Values{"symbol": {c.symbol}, "count": {"1"}}
	if err := c.get(ctx, "/api/v1/instrument", query, &out); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("bitmex: no instrument data for %s", c.symbol)
	}
	if out[0].MarkPrice > 0 {
		return out[0].MarkPrice, nil
	}
	return out[0].LastPrice, nil
}

type marginEntry struct {
	Currency      string `json:"currency"`
	WalletBalance int64  `json:"walletBalance"`
}

func (c *Client) FetchTotalBalance(ctx context.Context) (float64, error) {
	var out []marginEntry
	query := url.Values{"currency": {"all"}}
	if err := c.get(ctx, "/api/v1/user/margin", query, &out); err != nil {
		return 0, err
	}
	var total float64
	for _, m := range out {
		if m.Currency == "USDt" || m.Currency == "usdt" {
			total += float64(m.WalletBalance) / usdtScale
		}
	}
	return total, nil
}

type positionEntry struct {
	Symbol           string  `json:"symbol"`
	CurrentQty       float64 `json:"currentQty"`
	AvgEntryPrice    float64 `json:"avgEntryPrice"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	PosMargin        int64   `json:"posMargin"`
	PosCross         int64   `json:"posCross"`
	UnrealisedPnl    int64   `json:"unrealisedPnl"`
	IsOpen           bool    `json:"isOpen"`
}

func (c *Client) FetchPosition(ctx context.Context) (*gateway.PositionInfo, error) {
	var out []positionEntry
	filter, _ := json.Marshal(map[string]string{"symbol": c.symbol})
	query := url.Values{"filter": {string(filter)}}
	if err := c.get(ctx, "/api/v1/position", query, &out); err != nil {
		return nil, err
	}
	for _, p := range out {
		if p.Symbol != c.symbol || !p.IsOpen || p.CurrentQty == 0 {
			continue
		}
		return &gateway.PositionInfo{
			Symbol:             p.Symbol,
			Size:               p.CurrentQty / contractMultiplier,
			EntryPrice:         p.AvgEntryPrice,
			LiquidationPrice:   p.LiquidationPrice,
			Margin:             float64(p.PosMargin) / usdtScale,
			UnrealizedPnL:      float64(p.UnrealisedPnl) / usdtScale,
			MaxRemovableMargin: float64(p.PosCross) / usdtScale,
		}, nil
	}
	return nil, gateway.ErrNoPosition
}

type orderResponse struct {
	OrderID  string  `json:"orderID"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	OrderQty float64 `json:"orderQty"`
	AvgPx    float64 `json:"avgPx"`
}

// Contracts converts a base asset size into an order quantity, rounded
// down to the contract lot. Zero means the size is below the minimum.
func Contracts(size float64) int64 {
	qty := int64(math.Floor(size*contractMultiplier/contractLotSize)) * contractLotSize
	if qty < minOrderContracts {
		return 0
	}
	return qty
}

func (c *Client) PlaceMarketOrder(ctx context.Context, side gateway.OrderSide, size, leverage float64) (*gateway.Order, error) {
	qty := Contracts(size)
	if qty == 0 {
		return nil, fmt.Errorf("bitmex: size %v below minimum order of %d contracts", size, minOrderContracts)
	}
	// Isolated margin at the requested leverage must be in place before
	// the order, otherwise BitMEX fills at cross margin.
	if err := c.setLeverage(ctx, leverage); err != nil {
		return nil, err
	}

	bmSide := "Buy"
	if side == gateway.Sell {
		bmSide = "Sell"
	}
	var out orderResponse
	body := map[string]any{
		"symbol":   c.symbol,
		"side":     bmSide,
		"orderQty": qty,
		"ordType":  "Market",
	}
	if err := c.post(ctx, "/api/v1/order", body, &out); err != nil {
		return nil, err
	}
	return &gateway.Order{
		ID:       out.OrderID,
		Symbol:   out.Symbol,
		Side:     side,
		Size:     out.OrderQty / contractMultiplier,
		AvgPrice: out.AvgPx,
	}, nil
}

func (c *Client) setLeverage(ctx context.Context, leverage float64) error {
	body := map[string]any{"symbol": c.symbol, "leverage": leverage}
	return c.post(ctx, "/api/v1/position/leverage", body, nil)
}

func (c *Client) ClosePosition(ctx context.Context) (*gateway.Order, error) {
	if _, err := c.FetchPosition(ctx); err != nil {
		return nil, err
	}
	var out orderResponse
	body := map[string]any{
		"symbol":   c.symbol,
		"ordType":  "Market",
		"execInst": "Close",
	}
	if err := c.post(ctx, "/api/v1/order", body, &out); err != nil {
		return nil, err
	}
	side := gateway.Sell
	if out.Side == "Buy" {
		side = gateway.Buy
	}
	return &gateway.Order{
		ID:       out.OrderID,
		Symbol:   out.Symbol,
		Side:     side,
		Size:     out.OrderQty / contractMultiplier,
		AvgPrice: out.AvgPx,
	}, nil
}

func (c *Client) AdjustMargin(ctx context.Context, amount float64) error {
	if amount < 0 {
		pos, err := c.FetchPosition(ctx)
		if err != nil {
			return err
		}
		// BitMEX rejects removals past its reported ceiling; stay at 90%
		// of it to leave headroom for mark price movement.
		ceiling := pos.MaxRemovableMargin * 0.9
		if ceiling <= 0 {
			return fmt.Errorf("bitmex: no removable margin on %s", c.symbol)
		}
		if -amount > ceiling {
			amount = -ceiling
		}
	}
	body := map[string]any{
		"symbol": c.symbol,
		"amount": int64(math.Round(amount * usdtScale)),
	}
	return c.post(ctx, "/api/v1/position/transferMargin", body, nil)
}

// ConsolidateWallets is a no-op: BitMEX keeps all funds in a single margin
// wallet.
func (c *Client) ConsolidateWallets(ctx context.Context) error {
	return nil
}

func (c *Client) Withdraw(ctx context.Context, amount float64, address string) error {
	body := map[string]any{
		"currency": marginCurrency,
		"network":  withdrawalNetwork,
		"amount":   int64(math.Round(amount * usdtScale)),
		"address":  address,
	}
	return c.post(ctx, "/api/v1/user/requestWithdrawal", body, nil)
}

type executionEntry struct {
	Symbol       string    `json:"symbol"`
	ExecType     string    `json:"execType"`
	ExecComm     int64     `json:"execComm"`
	Commission   float64   `json:"commission"`
	TransactTime time.Time `json:"transactTime"`
}

func (c *Client) FundingHistory(ctx context.Context, since time.Time) ([]gateway.FundingPayment, error) {
	var out []executionEntry
	filter, _ := json.Marshal(map[string]string{"execType": "Funding"})
	query := url.Values{
		"symbol":    {c.symbol},
		"filter":    {string(filter)},
		"startTime": {since.UTC().Format(time.RFC3339)},
		"count":     {"500"},
	}
	if err := c.get(ctx, "/api/v1/execution/tradeHistory", query, &out); err != nil {
		return nil, err
	}
	payments := make([]gateway.FundingPayment, 0, len(out))
	for _, e := range out {
		if e.ExecType != "Funding" {
			continue
		}
		// execComm is the charged amount: positive means the position paid
		// funding. Commission carries the funding rate.
		payments = append(payments, gateway.FundingPayment{
			Exchange: "bitmex",
			Symbol:   e.Symbol,
			Amount:   -float64(e.ExecComm) / usdtScale,
			Rate:     e.Commission,
			Time:     e.TransactTime.UTC(),
		})
	}
	return payments, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.retry.Do(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, query, nil, out)
	})
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.retry.Do(ctx, func() error {
		return c.do(ctx, http.MethodPost, path, nil, body, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	expires := strconv.FormatInt(c.now().Add(signatureWindow).Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-expires", expires)
	req.Header.Set("api-key", c.creds.APIKey)
	req.Header.Set("api-signature", c.sign(method, fullPath, expires, payload))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &gateway.APIError{Exchange: "bitmex", StatusCode: resp.StatusCode, Message: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sign builds the BitMEX request signature:
// HMAC-SHA256(secret, verb + path + expires + body), hex encoded.
func (c *Client) sign(verb, path, expires string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(verb))
	mac.Write([]byte(path))
	mac.Write([]byte(expires))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
