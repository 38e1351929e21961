package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"funding-arb-bot/internal/config"

	"go.uber.org/zap"
)

type stubSource struct {
	name  string
	price float64
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchPrice(ctx context.Context) (float64, error) {
	s.calls++
	return s.price, s.err
}

func TestFeedPrefersPrimary(t *testing.T) {
	primary := &stubSource{name: "binance", price: 150.2}
	fallback := &stubSource{name: "coingecko", price: 150.0}
	feed := New(primary, fallback, zap.NewNop())

	price, source, err := feed.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if price != 150.2 || source != "binance" {
		t.Fatalf("expected primary price, got %v from %s", price, source)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback must not be called when primary works")
	}
}

func TestFeedFallsBack(t *testing.T) {
	primary := &stubSource{name: "binance", err: errors.New("timeout")}
	fallback := &stubSource{name: "coingecko", price: 149.8}
	feed := New(primary, fallback, zap.NewNop())

	price, source, err := feed.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if price != 149.8 || source != "coingecko" {
		t.Fatalf("expected fallback price, got %v from %s", price, source)
	}
}

func TestFeedBothFail(t *testing.T) {
	primary := &stubSource{name: "binance", err: errors.New("timeout")}
	fallback := &stubSource{name: "coingecko", err: errors.New("rate limited")}
	feed := New(primary, fallback, zap.NewNop())

	if _, _, err := feed.Current(context.Background()); err == nil {
		t.Fatalf("expected error when both sources fail")
	}
}

func TestBinanceFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "SOLUSDT" {
			t.Errorf("unexpected symbol %q", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"symbol":"SOLUSDT","price":"150.25000000"}`))
	}))
	defer srv.Close()

	b := NewBinance(config.PriceFeedConfig{BinanceURL: srv.URL, Symbol: "SOLUSDT", Timeout: time.Second})
	price, err := b.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 150.25 {
		t.Fatalf("expected 150.25, got %v", price)
	}
}

func TestCoinGeckoFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"solana":{"usd":149.87}}`))
	}))
	defer srv.Close()

	c := NewCoinGecko(config.PriceFeedConfig{CoinGeckoURL: srv.URL, CoinGeckoID: "solana", Timeout: time.Second})
	price, err := c.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 149.87 {
		t.Fatalf("expected 149.87, got %v", price)
	}
}

func TestParseTrade(t *testing.T) {
	price, at, err := parseTrade([]byte(`{"e":"trade","p":"150.31","T":1748800000000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if price != 150.31 {
		t.Fatalf("expected 150.31, got %v", price)
	}
	if at.Location() != time.UTC {
		t.Fatalf("trade time must be utc")
	}
	if _, _, err := parseTrade([]byte(`{"p":"garbage"}`)); err == nil {
		t.Fatalf("expected parse error")
	}
}
