// Package backpack implements the venue gateway for Backpack Exchange.
// Private endpoints are authenticated with an ED25519 instruction signature.
package backpack

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/venue"
	"perp-basket-bot/internal/venue/rest"
	"perp-basket-bot/internal/venue/stream"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.backpack.exchange"
	defaultWSURL   = "wss://ws.backpack.exchange"
	signWindow     = "5000"
	riskThreshold  = 0.05
)

// instructionMap binds each signed endpoint to the instruction name that
// goes into the signature payload.
var instructionMap = map[string]string{
	"/api/v1/capital":           "balanceQuery",
	"/api/v1/account":           "accountQuery",
	"/api/v1/order":             "orderExecute",
	"/api/v1/orders":            "orderQueryAll",
	"/api/v1/order/cancel":      "orderCancel",
	"/api/v1/order/cancelAll":   "orderCancelAll",
	"/api/v1/futures/positions": "positionQuery",
}

type Gateway struct {
	client *rest.Client
	feed   *stream.Feed
	apiKey string
	priv   ed25519.PrivateKey
	log    *zap.Logger
	now    func() time.Time
}

// New builds a Backpack gateway from venue config and base64-encoded
// ED25519 key material.
func New(cfg config.VenueConfig, apiKey, secretKey string, log *zap.Logger) (*Gateway, error) {
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("backpack api key and secret are required")
	}
	seed, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("decode backpack secret: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(seed) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(seed)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(seed)
	default:
		return nil, fmt.Errorf("backpack secret must be a %d or %d byte key", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &Gateway{
		client: rest.New(baseURL, cfg.Timeout, log),
		feed:   stream.New(wsURL, 3*time.Second, 30*time.Second, 30*time.Second, log),
		apiKey: apiKey,
		priv:   priv,
		log:    log,
		now:    time.Now,
	}, nil
}

func (g *Gateway) Name() string { return "Backpack" }

// Initialize verifies credentials with a balance query and starts the
// ticker feed in the background.
func (g *Gateway) Initialize(ctx context.Context) error {
	if _, err := g.AccountBalance(ctx); err != nil {
		return fmt.Errorf("backpack auth check: %w", err)
	}
	go func() {
		if err := g.feed.Run(ctx, g.handleFrame); err != nil && ctx.Err() == nil {
			g.log.Warn("backpack ticker feed stopped", zap.Error(err))
		}
	}()
	return nil
}

func (g *Gateway) Close() error {
	return g.feed.Close()
}

// sign produces the auth headers for a private endpoint. The payload is
// the instruction name, the sorted request params, and the timestamp
// window, all ampersand-joined.
func (g *Gateway) sign(path string, params map[string]string) http.Header {
	instruction, ok := instructionMap[path]
	if !ok {
		parts := strings.Split(path, "/")
		instruction = parts[len(parts)-1]
	}
	timestamp := strconv.FormatInt(g.now().UnixMilli(), 10)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("instruction=" + instruction)
	for _, k := range keys {
		sb.WriteString("&" + k + "=" + params[k])
	}
	sb.WriteString("&timestamp=" + timestamp + "&window=" + signWindow)

	signature := base64.StdEncoding.EncodeToString(ed25519.Sign(g.priv, []byte(sb.String())))
	headers := http.Header{}
	headers.Set("X-API-Key", g.apiKey)
	headers.Set("X-Signature", signature)
	headers.Set("X-Timestamp", timestamp)
	headers.Set("X-Window", signWindow)
	return headers
}

type marketInfo struct {
	Symbol         string `json:"symbol"`
	MinOrderSize   string `json:"minOrderSize"`
	PricePrecision int    `json:"pricePrecision"`
	SizePrecision  int    `json:"sizePrecision"`
}

func (g *Gateway) AvailableAssets(ctx context.Context) ([]venue.Asset, error) {
	var markets []marketInfo
	if err := g.client.GetWithRetry(ctx, "/api/v1/markets", nil, nil, &markets); err != nil {
		return nil, err
	}
	var assets []venue.Asset
	for _, m := range markets {
		if !strings.Contains(m.Symbol, "PERP") {
			continue
		}
		minSize, _ := strconv.ParseFloat(m.MinOrderSize, 64)
		if minSize == 0 {
			minSize = 0.001
		}
		base := strings.SplitN(m.Symbol, "_", 2)[0]
		assets = append(assets, venue.Asset{
			Symbol:         m.Symbol,
			Base:           base,
			Quote:          "USDC",
			MinSize:        minSize,
			PricePrecision: m.PricePrecision,
			SizePrecision:  m.SizePrecision,
		})
	}
	return assets, nil
}

func (g *Gateway) AccountBalance(ctx context.Context) (venue.Balance, error) {
	var capital map[string]struct {
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	headers := g.sign("/api/v1/capital", nil)
	if err := g.client.Get(ctx, "/api/v1/capital", nil, headers, &capital); err != nil {
		return venue.Balance{}, err
	}
	for _, asset := range []string{"USDC", "USDT"} {
		entry, ok := capital[asset]
		if !ok {
			continue
		}
		free, _ := strconv.ParseFloat(entry.Available, 64)
		locked, _ := strconv.ParseFloat(entry.Locked, 64)
		return venue.Balance{Asset: asset, Free: free, Locked: locked, Total: free + locked}, nil
	}
	return venue.Balance{Asset: "USDC"}, nil
}

func (g *Gateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := g.feed.Price(symbol); ok {
		return price, nil
	}
	// Not cached yet. Subscribe for next time and fall back to REST.
	if err := g.feed.Subscribe(ctx, map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{"ticker." + symbol},
	}); err != nil {
		g.log.Debug("ticker subscribe failed", zap.String("symbol", symbol), zap.Error(err))
	}
	var ticker struct {
		LastPrice string `json:"lastPrice"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := g.client.Get(ctx, "/api/v1/ticker", query, nil, &ticker); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(ticker.LastPrice, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("bad ticker price %q for %s", ticker.LastPrice, symbol)
	}
	return price, nil
}

// handleFrame parses ticker frames from the websocket feed.
func (g *Gateway) handleFrame(raw json.RawMessage) {
	var frame struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string `json:"s"`
			Last   string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if !strings.HasPrefix(frame.Stream, "ticker.") || frame.Data.Symbol == "" {
		return
	}
	if price, err := strconv.ParseFloat(frame.Data.Last, 64); err == nil {
		g.feed.SetPrice(frame.Data.Symbol, price)
	}
}

func (g *Gateway) HistoricalPrices(ctx context.Context, symbol, interval string, limit int) ([]venue.PricePoint, error) {
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var klines []struct {
		Start json.Number `json:"start"`
		Close string      `json:"close"`
	}
	if err := g.client.GetWithRetry(ctx, "/api/v1/klines", query, nil, &klines); err != nil {
		return nil, err
	}
	points := make([]venue.PricePoint, 0, len(klines))
	for _, k := range klines {
		price, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			continue
		}
		ms, _ := k.Start.Int64()
		points = append(points, venue.PricePoint{Time: time.UnixMilli(ms), Price: price})
	}
	return points, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderResult, error) {
	side := "Bid"
	if order.Side == venue.SideShort {
		side = "Ask"
	}
	kind := "Market"
	if order.Kind == venue.OrderLimit {
		kind = "Limit"
	}
	params := map[string]string{
		"symbol":    order.Symbol,
		"side":      side,
		"orderType": kind,
		"quantity":  strconv.FormatFloat(order.Size, 'f', -1, 64),
	}
	if order.Kind == venue.OrderLimit && order.Price > 0 {
		params["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
	}
	headers := g.sign("/api/v1/order", params)
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Price  string `json:"price"`
	}
	if err := g.client.PostJSON(ctx, "/api/v1/order", params, headers, &resp); err != nil {
		return venue.OrderResult{}, err
	}
	filled, _ := strconv.ParseFloat(resp.Price, 64)
	return venue.OrderResult{
		OrderID:     resp.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Size:        order.Size,
		FilledPrice: filled,
		Status:      resp.Status,
		Timestamp:   g.now(),
	}, nil
}

type positionInfo struct {
	Symbol           string `json:"symbol"`
	NetQuantity      string `json:"netQuantity"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	PnlUnrealized    string `json:"pnlUnrealized"`
	EstLiquidation   string `json:"estLiquidationPrice"`
	PositionLeverage string `json:"leverage"`
}

func (g *Gateway) Positions(ctx context.Context) ([]venue.Position, error) {
	var raw []positionInfo
	headers := g.sign("/api/v1/futures/positions", nil)
	if err := g.client.Get(ctx, "/api/v1/futures/positions", nil, headers, &raw); err != nil {
		return nil, err
	}
	var positions []venue.Position
	for _, p := range raw {
		size, _ := strconv.ParseFloat(p.NetQuantity, 64)
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
		pnl, _ := strconv.ParseFloat(p.PnlUnrealized, 64)
		liq, _ := strconv.ParseFloat(p.EstLiquidation, 64)
		lev, _ := strconv.ParseFloat(p.PositionLeverage, 64)
		positions = append(positions, venue.Position{
			Venue:            g.Name(),
			Symbol:           p.Symbol,
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
			g.log.Error("backpack close failed", zap.String("symbol", p.Symbol), zap.Error(err))
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
