// Package portfolio builds and manages the two opposing baskets that make
// up a delta-neutral position across venues.
package portfolio

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/metrics"
	"perp-basket-bot/internal/selector"
	"perp-basket-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxSizePlaces caps order size precision. Venues advertise more but fills
// get rejected above two decimals often enough that we clamp globally.
const maxSizePlaces = 2

type Basket struct {
	Side   venue.Side
	Venues []string
	Orders []venue.Order
}

type Engine struct {
	gateways map[string]venue.Gateway
	leverage map[string]float64
	cfg      config.StrategyConfig
	sel      *selector.Selector
	rng      *rand.Rand
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(gateways map[string]venue.Gateway, leverage map[string]float64, cfg config.StrategyConfig, sel *selector.Selector, rng *rand.Rand, m *metrics.Metrics, log *zap.Logger) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		gateways: gateways,
		leverage: leverage,
		cfg:      cfg,
		sel:      sel,
		rng:      rng,
		metrics:  m,
		log:      log,
	}
}

// CreateDeltaNeutralPortfolio splits venues across two sides, picks assets,
// sizes orders, and balances the baskets until net delta is inside
// tolerance. Per-asset failures shrink the baskets rather than abort; an
// error is returned only when no orders could be built at all.
func (e *Engine) CreateDeltaNeutralPortfolio(ctx context.Context) (*Basket, *Basket, error) {
	longVenues, shortVenues, err := e.splitVenues()
	if err != nil {
		return nil, nil, err
	}

	perVenue := e.assetsPerVenue()
	long := &Basket{Side: venue.SideLong, Venues: longVenues}
	short := &Basket{Side: venue.SideShort, Venues: shortVenues}
	used := make(map[string]struct{})

	if e.cfg.UseCorrelation && e.sel != nil {
		longPicks, shortPicks := e.sel.SelectBestAssets(ctx, longVenues, shortVenues, perVenue)
		e.buildSide(ctx, long, longPicks, used)
		e.buildSide(ctx, short, shortPicks, used)
	} else {
		e.buildSideRandom(ctx, long, perVenue, used)
		e.buildSideRandom(ctx, short, perVenue, used)
	}

	if len(long.Orders) == 0 || len(short.Orders) == 0 {
		return nil, nil, errors.New("portfolio construction produced an empty basket")
	}

	residual := e.BalanceBaskets(ctx, long, short)
	e.log.Info("portfolio built",
		zap.Strings("long_venues", longVenues),
		zap.Strings("short_venues", shortVenues),
		zap.Int("long_orders", len(long.Orders)),
		zap.Int("short_orders", len(short.Orders)),
		zap.Float64("residual_delta", residual))
	return long, short, nil
}

// splitVenues shuffles the venues and cuts the list in half, long side
// first. With a single venue both baskets share it.
func (e *Engine) splitVenues() (longVenues, shortVenues []string, err error) {
	names := make([]string, 0, len(e.gateways))
	for name := range e.gateways {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil, errors.New("no venues available")
	}
	e.rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	if len(names) == 1 {
		e.log.Warn("single venue mode, both baskets share one venue", zap.String("venue", names[0]))
		return []string{names[0]}, []string{names[0]}, nil
	}
	mid := len(names) / 2
	return names[:mid], names[mid:], nil
}

// assetsPerVenue draws a count in [3, 5], capped by configuration.
func (e *Engine) assetsPerVenue() int {
	count := 3 + e.rng.Intn(3)
	if count > e.cfg.AssetsPerVenue {
		count = e.cfg.AssetsPerVenue
	}
	if count < 1 {
		count = 1
	}
	return count
}

func (e *Engine) buildSide(ctx context.Context, b *Basket, picks map[string][]venue.Asset, used map[string]struct{}) {
	capital := e.cfg.CapitalPerSide / float64(len(b.Venues))
	for _, name := range b.Venues {
		orders := e.BuildBasketOrders(ctx, name, b.Side, picks[name], capital, used)
		b.Orders = append(b.Orders, orders...)
	}
}

func (e *Engine) buildSideRandom(ctx context.Context, b *Basket, perVenue int, used map[string]struct{}) {
	capital := e.cfg.CapitalPerSide / float64(len(b.Venues))
	for _, name := range b.Venues {
		assets := e.randomAssets(ctx, name, perVenue, used)
		orders := e.BuildBasketOrders(ctx, name, b.Side, assets, capital, used)
		b.Orders = append(b.Orders, orders...)
	}
}

// randomAssets picks count random contracts on a venue, honoring the
// allow-list when one is configured. An allow-list that filters everything
// out falls back to the full listing.
func (e *Engine) randomAssets(ctx context.Context, venueName string, count int, used map[string]struct{}) []venue.Asset {
	gw, ok := e.gateways[venueName]
	if !ok {
		return nil
	}
	assets, err := gw.AvailableAssets(ctx)
	if err != nil {
		e.log.Warn("asset listing failed", zap.String("venue", venueName), zap.Error(err))
		return nil
	}
	assets = e.filterAllowed(venueName, assets)
	e.rng.Shuffle(len(assets), func(i, j int) { assets[i], assets[j] = assets[j], assets[i] })
	var picked []venue.Asset
	for _, a := range assets {
		if len(picked) >= count {
			break
		}
		if _, dup := used[a.Symbol]; dup {
			continue
		}
		picked = append(picked, a)
	}
	return picked
}

func (e *Engine) filterAllowed(venueName string, assets []venue.Asset) []venue.Asset {
	if len(e.cfg.AllowedSymbols) == 0 {
		return assets
	}
	allowed := make(map[string]struct{}, len(e.cfg.AllowedSymbols))
	for _, s := range e.cfg.AllowedSymbols {
		allowed[s] = struct{}{}
	}
	var filtered []venue.Asset
	for _, a := range assets {
		if _, ok := allowed[a.Base]; ok {
			filtered = append(filtered, a)
			continue
		}
		if _, ok := allowed[a.Symbol]; ok {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		e.log.Warn("allow-list matched nothing, using full listing", zap.String("venue", venueName))
		return assets
	}
	return filtered
}

// BuildBasketOrders sizes market orders for the given assets, splitting
// capital evenly. Undersized orders are raised to twice the venue minimum
// before rounding; orders that still land below the minimum are dropped.
func (e *Engine) BuildBasketOrders(ctx context.Context, venueName string, side venue.Side, assets []venue.Asset, capital float64, used map[string]struct{}) []venue.Order {
	gw, ok := e.gateways[venueName]
	if !ok || len(assets) == 0 || capital <= 0 {
		return nil
	}
	perAsset := capital / float64(len(assets))
	var orders []venue.Order
	for _, a := range assets {
		if _, dup := used[a.Symbol]; dup {
			continue
		}
		price, err := gw.CurrentPrice(ctx, a.Symbol)
		if err != nil || price <= 0 {
			e.log.Warn("price unavailable, skipping asset",
				zap.String("venue", venueName),
				zap.String("symbol", a.Symbol),
				zap.Error(err))
			continue
		}
		size := perAsset / price
		if a.MinSize > 0 && size < a.MinSize*2 {
			size = a.MinSize * 2
		}
		size = roundHalfAway(size, sizePlaces(a))
		if size <= 0 || (a.MinSize > 0 && size < a.MinSize) {
			e.log.Warn("order below venue minimum, dropped",
				zap.String("venue", venueName),
				zap.String("symbol", a.Symbol),
				zap.Float64("size", size),
				zap.Float64("min_size", a.MinSize))
			continue
		}
		orders = append(orders, venue.Order{
			Symbol:   a.Symbol,
			Side:     side,
			Kind:     venue.OrderMarket,
			Size:     size,
			Leverage: e.leverage[venueName],
			Venue:    venueName,
		})
		used[a.Symbol] = struct{}{}
	}
	return orders
}

// ComputeBasketDelta prices every order fresh and sums signed notional.
// Unpriceable orders contribute nothing.
func (e *Engine) ComputeBasketDelta(ctx context.Context, b *Basket) float64 {
	var delta float64
	for _, o := range b.Orders {
		gw, ok := e.gateways[o.Venue]
		if !ok {
			continue
		}
		price, err := gw.CurrentPrice(ctx, o.Symbol)
		if err != nil || price <= 0 {
			e.log.Warn("delta price fetch failed",
				zap.String("venue", o.Venue),
				zap.String("symbol", o.Symbol),
				zap.Error(err))
			continue
		}
		d := o.Size * price
		if o.Side == venue.SideShort {
			d = -d
		}
		delta += d
	}
	return delta
}

// BalanceBaskets shrinks the heavier side until net delta is inside
// tolerance or the attempt budget runs out. Scaled sizes stay unrounded so
// repeated scaling does not walk away from the target. Returns the final
// net delta.
func (e *Engine) BalanceBaskets(ctx context.Context, long, short *Basket) float64 {
	var net float64
	for attempt := 0; ; attempt++ {
		longDelta := e.ComputeBasketDelta(ctx, long)
		shortDelta := e.ComputeBasketDelta(ctx, short)
		net = longDelta + shortDelta
		if math.Abs(net) <= e.cfg.DeltaTolerance {
			return net
		}
		if attempt >= e.cfg.BalanceAttempts {
			break
		}
		absLong := math.Abs(longDelta)
		absShort := math.Abs(shortDelta)
		if absLong == 0 || absShort == 0 {
			break
		}
		ratio := math.Min(absLong, absShort) / math.Max(absLong, absShort)
		target := long
		if absShort > absLong {
			target = short
		}
		for i := range target.Orders {
			target.Orders[i].Size *= ratio
		}
		e.log.Info("basket rescaled",
			zap.Int("attempt", attempt+1),
			zap.Float64("net_delta", net),
			zap.Float64("ratio", ratio))
	}
	e.log.Warn("residual delta imbalance after balancing", zap.Float64("net_delta", net))
	return net
}

// ExecuteBasket places every order in the basket. Failed orders are logged
// and skipped; the returned positions reflect only what actually filled.
func (e *Engine) ExecuteBasket(ctx context.Context, b *Basket) ([]venue.OrderResult, []venue.Position) {
	var results []venue.OrderResult
	var positions []venue.Position
	for _, o := range b.Orders {
		gw, ok := e.gateways[o.Venue]
		if !ok {
			continue
		}
		res, err := gw.PlaceOrder(ctx, o)
		if err != nil {
			e.metrics.OrdersFailed.Inc()
			e.log.Error("order placement failed",
				zap.String("venue", o.Venue),
				zap.String("symbol", o.Symbol),
				zap.String("side", string(o.Side)),
				zap.Error(err))
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		results = append(results, res)
		positions = append(positions, venue.Position{
			Venue:        o.Venue,
			Symbol:       o.Symbol,
			Side:         o.Side,
			Size:         res.Size,
			EntryPrice:   res.FilledPrice,
			CurrentPrice: res.FilledPrice,
			Leverage:     o.Leverage,
		})
	}
	return results, positions
}

// TotalPnL sums unrealized pnl across all venue positions. Venues that fail
// to report are skipped.
func (e *Engine) TotalPnL(ctx context.Context) (float64, int) {
	var total float64
	count := 0
	for name, gw := range e.gateways {
		positions, err := gw.Positions(ctx)
		if err != nil {
			e.log.Warn("position poll failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		for _, p := range positions {
			total += p.UnrealizedPnL
			count++
		}
	}
	return total, count
}

// CheckLiquidationRisk reports true if any venue flags a position near
// liquidation. Poll failures count as no risk.
func (e *Engine) CheckLiquidationRisk(ctx context.Context) bool {
	for name, gw := range e.gateways {
		atRisk, err := gw.LiquidationRisk(ctx)
		if err != nil {
			e.log.Warn("liquidation check failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		if atRisk {
			e.log.Warn("liquidation risk detected", zap.String("venue", name))
			return true
		}
	}
	return false
}

// CloseAllPositions closes everything on every venue. A venue whose close
// fails maps to an empty result slice so the caller can see the gap.
func (e *Engine) CloseAllPositions(ctx context.Context) map[string][]venue.OrderResult {
	closed := make(map[string][]venue.OrderResult, len(e.gateways))
	for name, gw := range e.gateways {
		results, err := gw.CloseAllPositions(ctx)
		if err != nil {
			e.log.Error("close all failed", zap.String("venue", name), zap.Error(err))
			closed[name] = []venue.OrderResult{}
			continue
		}
		closed[name] = results
	}
	return closed
}

func sizePlaces(a venue.Asset) int {
	places := a.SizePrecision
	if places > maxSizePlaces {
		places = maxSizePlaces
	}
	if places < 0 {
		places = 0
	}
	return places
}

func roundHalfAway(v float64, places int) float64 {
	return decimal.NewFromFloat(v).Round(int32(places)).InexactFloat64()
}
