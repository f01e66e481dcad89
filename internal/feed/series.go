package feed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Point is one scripted price pair.
type Point struct {
	Supply decimal.Decimal
	Debt   decimal.Decimal
}

// Series replays a fixed list of prices; block n reads points[n-1].
type Series struct {
	points []Point
}

// NewSeries builds a series from parallel price slices.
func NewSeries(supply, debt []float64) (*Series, error) {
	if len(supply) != len(debt) {
		return nil, fmt.Errorf("feed: series length mismatch (%d supply, %d debt)", len(supply), len(debt))
	}
	points := make([]Point, len(supply))
	for i := range supply {
		if supply[i] <= 0 || debt[i] <= 0 {
			return nil, fmt.Errorf("feed: series point %d has a non-positive price", i)
		}
		points[i] = Point{Supply: decimal.NewFromFloat(supply[i]), Debt: decimal.NewFromFloat(debt[i])}
	}
	return &Series{points: points}, nil
}

// NewSeriesFromPoints wraps already-built points.
func NewSeriesFromPoints(points []Point) *Series {
	return &Series{points: points}
}

// Len returns the number of blocks the series can serve.
func (s *Series) Len() int { return len(s.points) }

func (s *Series) NextPrices(_ context.Context, block uint64) (decimal.Decimal, decimal.Decimal, error) {
	if block == 0 || block > uint64(len(s.points)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("feed: series has no prices for block %d (len %d)", block, len(s.points))
	}
	p := s.points[block-1]
	return p.Supply, p.Debt, nil
}
