package venue

import (
	"context"
	"time"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side for a held position.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
)

// Asset describes a tradable perpetual contract. Listings and precision can
// change between cycles, so assets are fetched fresh and never cached.
type Asset struct {
	Symbol         string
	Base           string
	Quote          string
	MinSize        float64
	PricePrecision int
	SizePrecision  int
}

// Order is a submission intent. Price is zero for market orders.
type Order struct {
	Symbol   string
	Side     Side
	Kind     OrderKind
	Size     float64
	Price    float64
	Leverage float64
	Venue    string
}

type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        Side
	Size        float64
	FilledPrice float64
	Status      string
	Timestamp   time.Time
}

// Position mirrors venue-held state. The venue is the source of truth; local
// copies are advisory and re-fetched before liquidation-critical decisions.
type Position struct {
	Venue            string
	Symbol           string
	Side             Side
	Size             float64
	EntryPrice       float64
	CurrentPrice     float64
	UnrealizedPnL    float64
	Leverage         float64
	LiquidationPrice float64
}

type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

type PricePoint struct {
	Time  time.Time
	Price float64
}

// Gateway is the per-venue capability set consumed by the portfolio engine
// and the selector. Implementations own their transport and credentials;
// one Gateway instance is used by exactly one engine at a time.
type Gateway interface {
	Name() string
	Initialize(ctx context.Context) error
	AvailableAssets(ctx context.Context) ([]Asset, error)
	AccountBalance(ctx context.Context) (Balance, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	HistoricalPrices(ctx context.Context, symbol, interval string, limit int) ([]PricePoint, error)
	PlaceOrder(ctx context.Context, order Order) (OrderResult, error)
	Positions(ctx context.Context) ([]Position, error)
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
	CloseAllPositions(ctx context.Context) ([]OrderResult, error)
	LiquidationRisk(ctx context.Context) (bool, error)
	Close() error
}

// Delta is the signed dollar exposure of a position: positive for longs,
// negative for shorts.
func Delta(p Position) float64 {
	d := p.Size * p.CurrentPrice
	if p.Side == SideShort {
		return -d
	}
	return d
}

// NearLiquidation reports whether the mark price sits within the given
// fraction of the liquidation price on the losing side. Positions without a
// reported liquidation price are never considered at risk.
func NearLiquidation(p Position, threshold float64) bool {
	if p.LiquidationPrice <= 0 || p.CurrentPrice <= 0 {
		return false
	}
	gap := p.CurrentPrice - p.LiquidationPrice
	if p.Side == SideShort {
		gap = p.LiquidationPrice - p.CurrentPrice
	}
	if gap < 0 {
		return true
	}
	return gap/p.CurrentPrice <= threshold
}
