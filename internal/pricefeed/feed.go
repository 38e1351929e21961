package pricefeed

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Source is one reference price provider.
type Source interface {
	Name() string
	FetchPrice(ctx context.Context) (float64, error)
}

// Feed serves the freshest reference price, falling back to a secondary
// provider when the primary fails.
type Feed struct {
	primary  Source
	fallback Source
	log      *zap.Logger
}

func New(primary, fallback Source, log *zap.Logger) *Feed {
	return &Feed{primary: primary, fallback: fallback, log: log}
}

// Current returns the live price and the name of the source that served it.
func (f *Feed) Current(ctx context.Context) (float64, string, error) {
	price, err := f.primary.FetchPrice(ctx)
	if err == nil && price > 0 {
		return price, f.primary.Name(), nil
	}
	if f.fallback == nil {
		return 0, "", fmt.Errorf("%s price fetch: %w", f.primary.Name(), err)
	}
	f.log.Warn("primary price source failed, using fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.Error(err))
	price, ferr := f.fallback.FetchPrice(ctx)
	if ferr != nil {
		return 0, "", fmt.Errorf("both price sources failed: %s: %v; %s: %w",
			f.primary.Name(), err, f.fallback.Name(), ferr)
	}
	return price, f.fallback.Name(), nil
}
