package exchanges

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/gateway/bitfinex"
	"funding-arb-bot/internal/gateway/bitmex"
	"funding-arb-bot/internal/store"
)

// Factory opens authenticated sessions against the supported venues.
type Factory struct {
	cfg config.ExchangesConfig
	log *zap.Logger
}

func NewFactory(cfg config.ExchangesConfig, log *zap.Logger) *Factory {
	return &Factory{cfg: cfg, log: log}
}

func (f *Factory) Session(ctx context.Context, exchange string, creds store.Credentials) (gateway.Exchange, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("missing api credentials for %s", exchange)
	}
	switch exchange {
	case "bitmex":
		return bitmex.New(f.cfg.BitMEX, f.cfg.Retry, creds, f.log), nil
	case "bitfinex":
		return bitfinex.New(f.cfg.Bitfinex, f.cfg.Retry, creds, f.log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
}
