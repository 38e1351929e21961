package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"funding-arb-bot/internal/config"
)

// Binance is the primary spot reference price source.
type Binance struct {
	baseURL string
	symbol  string
	http    *http.Client
}

func NewBinance(cfg config.PriceFeedConfig) *Binance {
	return &Binance{
		baseURL: cfg.BinanceURL,
		symbol:  cfg.Symbol,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) FetchPrice(ctx context.Context) (float64, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", b.baseURL, url.QueryEscape(b.symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("binance: http %d: %s", resp.StatusCode, msg)
	}
	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: bad price %q: %w", out.Price, err)
	}
	return price, nil
}

// tradeMessage is the @trade stream payload; only the price matters here.
type tradeMessage struct {
	Price string `json:"p"`
	Time  int64  `json:"T"`
}

func parseTrade(data []byte) (float64, time.Time, error) {
	var msg tradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, time.Time{}, err
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("binance: bad trade price %q: %w", msg.Price, err)
	}
	return price, time.UnixMilli(msg.Time).UTC(), nil
}
