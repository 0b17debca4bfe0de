// Package grvt implements the venue gateway for GRVT. The API is JSON over
// POST; private calls carry the API key headers and orders are additionally
// signed as EIP-712 typed data.
package grvt

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/venue"
	"perp-basket-bot/internal/venue/rest"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://trades.grvt.io"
	riskThreshold  = 0.05

	// on-wire fixed point for sizes and prices in signed payloads
	fixedPointScale = 1e9

	tifGoodTillTime      = 1
	tifImmediateOrCancel = 3

	orderExpiry = 5 * time.Minute
)

type instrumentInfo struct {
	Instrument     string `json:"instrument"`
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	MinSize        string `json:"min_size"`
	TickSize       string `json:"tick_size"`
	InstrumentHash string `json:"instrument_hash"`
}

type Gateway struct {
	client       *rest.Client
	apiKey       string
	subAccountID uint64
	signer       *signer
	log          *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	instruments map[string]instrumentInfo
}

func New(cfg config.VenueConfig, apiKey, privateKey string, subAccountID uint64, log *zap.Logger) (*Gateway, error) {
	if apiKey == "" {
		return nil, errors.New("grvt api key is required")
	}
	if subAccountID == 0 {
		return nil, errors.New("grvt sub-account id is required")
	}
	signer, err := newSigner(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse grvt private key: %w", err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Gateway{
		client:       rest.New(baseURL, cfg.Timeout, log),
		apiKey:       apiKey,
		subAccountID: subAccountID,
		signer:       signer,
		log:          log,
		now:          time.Now,
		instruments:  make(map[string]instrumentInfo),
	}, nil
}

func (g *Gateway) Name() string { return "GRVT" }

func (g *Gateway) Initialize(ctx context.Context) error {
	if _, err := g.AccountBalance(ctx); err != nil {
		return fmt.Errorf("grvt auth check: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error { return nil }

func (g *Gateway) headers() http.Header {
	h := http.Header{}
	h.Set("X-Api-Key", g.apiKey)
	h.Set("X-Grvt-Account-Id", strconv.FormatUint(g.subAccountID, 10))
	return h
}

func (g *Gateway) AvailableAssets(ctx context.Context) ([]venue.Asset, error) {
	req := map[string]any{
		"kind":      []string{"PERPETUAL"},
		"is_active": true,
	}
	var resp struct {
		Result []instrumentInfo `json:"result"`
	}
	if err := g.client.PostJSON(ctx, "/full/v1/instruments", req, nil, &resp); err != nil {
		return nil, err
	}
	g.mu.Lock()
	for _, inst := range resp.Result {
		g.instruments[inst.Instrument] = inst
	}
	g.mu.Unlock()

	assets := make([]venue.Asset, 0, len(resp.Result))
	for _, inst := range resp.Result {
		minSize, _ := strconv.ParseFloat(inst.MinSize, 64)
		if minSize == 0 {
			minSize = 0.001
		}
		assets = append(assets, venue.Asset{
			Symbol:         inst.Instrument,
			Base:           inst.Base,
			Quote:          inst.Quote,
			MinSize:        minSize,
			PricePrecision: decimalsOf(inst.TickSize),
			SizePrecision:  decimalsOf(inst.MinSize),
		})
	}
	return assets, nil
}

// instrument resolves metadata for one contract, refreshing the listing
// cache on a miss.
func (g *Gateway) instrument(ctx context.Context, symbol string) (instrumentInfo, error) {
	g.mu.Lock()
	inst, ok := g.instruments[symbol]
	g.mu.Unlock()
	if ok {
		return inst, nil
	}
	if _, err := g.AvailableAssets(ctx); err != nil {
		return instrumentInfo{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	inst, ok = g.instruments[symbol]
	if !ok {
		return instrumentInfo{}, fmt.Errorf("unknown grvt instrument %s", symbol)
	}
	return inst, nil
}

func (g *Gateway) AccountBalance(ctx context.Context) (venue.Balance, error) {
	req := map[string]any{"sub_account_id": strconv.FormatUint(g.subAccountID, 10)}
	var resp struct {
		Result struct {
			TotalEquity      string `json:"total_equity"`
			AvailableBalance string `json:"available_balance"`
		} `json:"result"`
	}
	if err := g.client.PostJSON(ctx, "/full/v1/sub_account_summary", req, g.headers(), &resp); err != nil {
		return venue.Balance{}, err
	}
	total, _ := strconv.ParseFloat(resp.Result.TotalEquity, 64)
	free, _ := strconv.ParseFloat(resp.Result.AvailableBalance, 64)
	return venue.Balance{Asset: "USDT", Free: free, Locked: total - free, Total: total}, nil
}

func (g *Gateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	req := map[string]any{"instrument": symbol}
	var resp struct {
		Result struct {
			LastPrice string `json:"last_price"`
			MarkPrice string `json:"mark_price"`
		} `json:"result"`
	}
	if err := g.client.PostJSON(ctx, "/full/v1/ticker", req, nil, &resp); err != nil {
		return 0, err
	}
	raw := resp.Result.LastPrice
	if raw == "" {
		raw = resp.Result.MarkPrice
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("bad ticker price %q for %s", raw, symbol)
	}
	return price, nil
}

func (g *Gateway) HistoricalPrices(ctx context.Context, symbol, interval string, limit int) ([]venue.PricePoint, error) {
	req := map[string]any{
		"instrument": symbol,
		"interval":   strings.ToUpper(interval),
		"limit":      limit,
	}
	var resp struct {
		Result []struct {
			OpenTime int64  `json:"open_time"`
			Close    string `json:"close"`
		} `json:"result"`
	}
	if err := g.client.PostJSON(ctx, "/full/v1/kline", req, nil, &resp); err != nil {
		return nil, err
	}
	points := make([]venue.PricePoint, 0, len(resp.Result))
	for _, k := range resp.Result {
		price, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			continue
		}
		points = append(points, venue.PricePoint{Time: time.Unix(0, k.OpenTime), Price: price})
	}
	return points, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderResult, error) {
	inst, err := g.instrument(ctx, order.Symbol)
	if err != nil {
		return venue.OrderResult{}, err
	}
	assetID := new(big.Int)
	if inst.InstrumentHash != "" {
		assetID.SetString(strings.TrimPrefix(inst.InstrumentHash, "0x"), 16)
	}
	isMarket := order.Kind == venue.OrderMarket
	tif := tifGoodTillTime
	if isMarket {
		tif = tifImmediateOrCancel
	}
	now := g.now()
	nonce := uint32(now.UnixNano())
	expiration := now.Add(orderExpiry).UnixNano()
	leg := orderLeg{
		assetID:      assetID,
		contractSize: uint64(order.Size * fixedPointScale),
		limitPrice:   uint64(order.Price * fixedPointScale),
		isBuying:     order.Side == venue.SideLong,
	}
	sig, err := g.signer.signOrder(g.subAccountID, isMarket, uint8(tif), []orderLeg{leg}, nonce, expiration)
	if err != nil {
		return venue.OrderResult{}, err
	}

	tifName := "GOOD_TILL_TIME"
	if isMarket {
		tifName = "IMMEDIATE_OR_CANCEL"
	}
	req := map[string]any{
		"order": map[string]any{
			"sub_account_id": strconv.FormatUint(g.subAccountID, 10),
			"is_market":      isMarket,
			"time_in_force":  tifName,
			"legs": []map[string]any{{
				"instrument":      order.Symbol,
				"size":            strconv.FormatFloat(order.Size, 'f', -1, 64),
				"limit_price":     strconv.FormatFloat(order.Price, 'f', -1, 64),
				"is_buying_asset": order.Side == venue.SideLong,
			}},
			"signature": sig,
		},
	}
	var resp struct {
		Result struct {
			OrderID string `json:"order_id"`
			State   struct {
				Status       string   `json:"status"`
				TradedSize   []string `json:"traded_size"`
				AveragePrice []string `json:"average_fill_price"`
			} `json:"state"`
		} `json:"result"`
	}
	if err := g.client.PostJSON(ctx, "/full/v1/create_order", req, g.headers(), &resp); err != nil {
		return venue.OrderResult{}, err
	}
	filledSize := order.Size
	if len(resp.Result.State.TradedSize) > 0 {
		if v, err := strconv.ParseFloat(resp.Result.State.TradedSize[0], 64); err == nil && v > 0 {
			filledSize = v
		}
	}
	var filledPrice float64
	if len(resp.Result.State.AveragePrice) > 0 {
		filledPrice, _ = strconv.ParseFloat(resp.Result.State.AveragePrice[0], 64)
	}
	return venue.OrderResult{
		OrderID:     resp.Result.OrderID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Size:        filledSize,
		FilledPrice: filledPrice,
		Status:      resp.Result.State.Status,
		Timestamp:   now,
	}, nil
}

func (g *Gateway) Positions(ctx context.Context) ([]venue.Position, error) {
	req := map[string]any{"sub_account_id": strconv.FormatUint(g.subAccountID, 10)}
	var resp struct {
		Result []struct {
			Instrument          string `json:"instrument"`
			Size                string `json:"size"`
			EntryPrice          string `json:"entry_price"`
			MarkPrice           string `json:"mark_price"`
			UnrealizedPnL       string `json:"unrealized_pnl"`
			EstLiquidationPrice string `json:"est_liquidation_price"`
			Leverage            string `json:"leverage"`
		} `json:"result"`
	}
	if err := g.client.PostJSON(ctx, "/full/v1/positions", req, g.headers(), &resp); err != nil {
		return nil, err
	}
	var positions []venue.Position
	for _, p := range resp.Result {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		side := venue.SideLong
		if size < 0 {
			side = venue.SideShort
			size = -size
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnrealizedPnL, 64)
		liq, _ := strconv.ParseFloat(p.EstLiquidationPrice, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
		positions = append(positions, venue.Position{
			Venue:            g.Name(),
			Symbol:           p.Instrument,
			Side:             side,
			Size:             size,
			EntryPrice:       entry,
			CurrentPrice:     mark,
			UnrealizedPnL:    pnl,
			Leverage:         lev,
			LiquidationPrice: liq,
		})
	}
	return positions, nil
}

func (g *Gateway) ClosePosition(ctx context.Context, symbol string) (venue.OrderResult, error) {
	positions, err := g.Positions(ctx)
	if err != nil {
		return venue.OrderResult{}, err
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		return g.PlaceOrder(ctx, venue.Order{
			Symbol: symbol,
			Side:   p.Side.Opposite(),
			Kind:   venue.OrderMarket,
			Size:   p.Size,
			Venue:  g.Name(),
		})
	}
	return venue.OrderResult{}, fmt.Errorf("no open position for %s", symbol)
}

func (g *Gateway) CloseAllPositions(ctx context.Context) ([]venue.OrderResult, error) {
	positions, err := g.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var results []venue.OrderResult
	for _, p := range positions {
		result, err := g.PlaceOrder(ctx, venue.Order{
			Symbol: p.Symbol,
			Side:   p.Side.Opposite(),
			Kind:   venue.OrderMarket,
			Size:   p.Size,
			Venue:  g.Name(),
		})
		if err != nil {
			g.log.Error("grvt close failed", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (g *Gateway) LiquidationRisk(ctx context.Context) (bool, error) {
	positions, err := g.Positions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if venue.NearLiquidation(p, riskThreshold) {
			return true, nil
		}
	}
	return false, nil
}

func decimalsOf(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}
