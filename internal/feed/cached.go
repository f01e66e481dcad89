package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// Source is the price feed contract wrapped by Cached.
type Source interface {
	NextPrices(ctx context.Context, block uint64) (supply, debt decimal.Decimal, err error)
}

// Cached mirrors every price served by the inner feed into a PriceCache so
// dashboards can read live prices. Cache failures are logged and ignored.
type Cached struct {
	inner       Source
	cache       domain.PriceCache
	supplyToken string
	debtToken   string
	now         func() time.Time
	logger      *slog.Logger
}

// NewCached wraps inner.
func NewCached(inner Source, cache domain.PriceCache, supplyToken, debtToken string, logger *slog.Logger) *Cached {
	return &Cached{
		inner:       inner,
		cache:       cache,
		supplyToken: supplyToken,
		debtToken:   debtToken,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "price_feed")),
	}
}

func (c *Cached) NextPrices(ctx context.Context, block uint64) (decimal.Decimal, decimal.Decimal, error) {
	supply, debt, err := c.inner.NextPrices(ctx, block)
	if err != nil {
		return supply, debt, err
	}

	ts := c.now()
	c.mirror(ctx, c.supplyToken, supply, ts)
	c.mirror(ctx, c.debtToken, debt, ts)
	return supply, debt, nil
}

func (c *Cached) mirror(ctx context.Context, token string, price decimal.Decimal, ts time.Time) {
	f, _ := price.Float64()
	if err := c.cache.SetPrice(ctx, token, f, ts); err != nil {
		c.logger.WarnContext(ctx, "price cache update failed",
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
	}
}
