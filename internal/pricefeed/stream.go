package pricefeed

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"funding-arb-bot/internal/config"
)

// Stream consumes the Binance trade websocket and pushes each price to a
// handler. It reconnects on read errors until the context ends.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	log            *zap.Logger
}

func NewStream(cfg config.PriceFeedConfig, log *zap.Logger) *Stream {
	return &Stream{
		url:            cfg.BinanceWSURL + "/ws/" + strings.ToLower(cfg.Symbol) + "@trade",
		reconnectDelay: 3 * time.Second,
		log:            log,
	}
}

func (s *Stream) Run(ctx context.Context, handler func(price float64, at time.Time)) error {
	for {
		if err := s.readOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("price stream dropped, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) readOnce(ctx context.Context, handler func(price float64, at time.Time)) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		price, at, err := parseTrade(data)
		if err != nil {
			s.log.Debug("skipping malformed trade message", zap.Error(err))
			continue
		}
		handler(price, at)
	}
}
