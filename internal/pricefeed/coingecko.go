package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"funding-arb-bot/internal/config"
)

// CoinGecko is the fallback price source. Slower and coarser than the
// exchange ticker, but independent of it.
type CoinGecko struct {
	baseURL string
	coinID  string
	http    *http.Client
}

func NewCoinGecko(cfg config.PriceFeedConfig) *CoinGecko {
	return &CoinGecko{
		baseURL: cfg.CoinGeckoURL,
		coinID:  cfg.CoinGeckoID,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) FetchPrice(ctx context.Context) (float64, error) {
	u := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(c.coinID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("coingecko: http %d: %s", resp.StatusCode, msg)
	}
	var out map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	price, ok := out[c.coinID]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("coingecko: no usd price for %s", c.coinID)
	}
	return price, nil
}
