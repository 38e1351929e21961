package bitmex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/store"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ExchangeConfig{BaseURL: srv.URL, Symbol: "SOLUSDT", Timeout: 5 * time.Second}
	retry := config.RetryConfig{Attempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
	creds := store.Credentials{APIKey: "key", APISecret: "secret"}
	return New(cfg, retry, creds, zap.NewNop())
}

func TestContracts(t *testing.T) {
	if got := Contracts(1.6); got != 16000 {
		t.Fatalf("expected 16000 contracts, got %d", got)
	}
	if got := Contracts(0.1234); got != 1200 {
		t.Fatalf("expected lot rounding to 1200, got %d", got)
	}
	if got := Contracts(0.05); got != 0 {
		t.Fatalf("below-minimum size must yield 0, got %d", got)
	}
}

func TestFetchTotalBalanceScalesFromMicros(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") == "" || r.Header.Get("api-signature") == "" {
			t.Errorf("missing auth headers")
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"currency": "USDt", "walletBalance": 52_500_000},
			{"currency": "XBt", "walletBalance": 1_000_000},
		})
	}))
	got, err := c.FetchTotalBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != 52.5 {
		t.Fatalf("expected 52.5, got %v", got)
	}
}

func TestFetchPositionNormalizes(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"symbol":           "SOLUSDT",
			"currentQty":       16000,
			"avgEntryPrice":    150.0,
			"liquidationPrice": 120.0,
			"posMargin":        48_000_000,
			"posCross":         30_000_000,
			"unrealisedPnl":    2_500_000,
			"isOpen":           true,
		}})
	}))
	pos, err := c.FetchPosition(context.Background())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Size != 1.6 {
		t.Fatalf("expected size 1.6, got %v", pos.Size)
	}
	if pos.Margin != 48 || pos.UnrealizedPnL != 2.5 || pos.MaxRemovableMargin != 30 {
		t.Fatalf("unexpected normalization %+v", pos)
	}
}

func TestFetchPositionFlat(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	if _, err := c.FetchPosition(context.Background()); !errors.Is(err, gateway.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestPlaceMarketOrderSetsLeverageFirst(t *testing.T) {
	var paths []string
	var orderBody map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/v1/order" {
			_ = json.NewDecoder(r.Body).Decode(&orderBody)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"orderID": "o-1", "symbol": "SOLUSDT", "side": "Buy",
				"orderQty": 16000, "avgPx": 150.25,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))

	order, err := c.PlaceMarketOrder(context.Background(), gateway.Buy, 1.6, 5)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/api/v1/position/leverage" || paths[1] != "/api/v1/order" {
		t.Fatalf("expected leverage call before order, got %v", paths)
	}
	if orderBody["orderQty"].(float64) != 16000 || orderBody["ordType"] != "Market" {
		t.Fatalf("unexpected order body %v", orderBody)
	}
	if order.Size != 1.6 || order.AvgPrice != 150.25 {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestPlaceMarketOrderRejectsTinySize(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected for sub-minimum size")
	}))
	if _, err := c.PlaceMarketOrder(context.Background(), gateway.Buy, 0.05, 5); err == nil {
		t.Fatalf("expected error for sub-minimum size")
	}
}

func TestAdjustMarginCapsRemoval(t *testing.T) {
	var transferBody map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/position":
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"symbol": "SOLUSDT", "currentQty": 16000, "isOpen": true,
				"posMargin": 48_000_000, "posCross": 10_000_000,
			}})
		case "/api/v1/position/transferMargin":
			_ = json.NewDecoder(r.Body).Decode(&transferBody)
			_ = json.NewEncoder(w).Encode(map[string]any{})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// Requested removal of 50 exceeds 90% of the 10 USDT ceiling.
	if err := c.AdjustMargin(context.Background(), -50); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := transferBody["amount"].(float64); got != -9_000_000 {
		t.Fatalf("expected capped removal of -9000000 micros, got %v", got)
	}
}

func TestFundingHistoryNormalizesCharges(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/execution/tradeHistory" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("filter") == "" || r.URL.Query().Get("startTime") == "" {
			t.Errorf("missing filter or start time in %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"symbol": "SOLUSDT", "execType": "Funding",
				"execComm": -420_000, "commission": -0.0001,
				"transactTime": "2026-03-01T08:00:00.000Z",
			},
			{"symbol": "SOLUSDT", "execType": "Trade", "execComm": 100},
		})
	}))

	payments, err := c.FundingHistory(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("expected trade rows filtered out, got %d payments", len(payments))
	}
	// A negative charge is funding received.
	if payments[0].Amount != 0.42 || payments[0].Rate != -0.0001 {
		t.Fatalf("unexpected payment %+v", payments[0])
	}
}

func TestAdjustMarginAddSkipsPositionFetch(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	if err := c.AdjustMargin(context.Background(), 25); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/api/v1/position/transferMargin" {
		t.Fatalf("expected a single transfer call, got %v", paths)
	}
}
