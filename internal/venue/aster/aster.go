// Package aster implements the venue gateway for Aster. Private endpoints
// carry a Web3 signature: the request params are serialized to sorted
// compact JSON, ABI-encoded with the account addresses and a nonce, hashed
// with Keccak256, and personal-signed.
package aster

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/venue"
	"perp-basket-bot/internal/venue/rest"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://fapi.asterdex.com"
	recvWindow     = "50000"
	riskThreshold  = 0.05
)

var signArgs abi.Arguments

func init() {
	stringTy, _ := abi.NewType("string", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	signArgs = abi.Arguments{
		{Type: stringTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint256Ty},
	}
}

type Gateway struct {
	client *rest.Client
	user   common.Address
	signer common.Address
	key    *ecdsa.PrivateKey
	log    *zap.Logger
	now    func() time.Time
}

// New builds an Aster gateway. userAddress may be empty when the signing
// key controls the account directly.
func New(cfg config.VenueConfig, userAddress, privateKeyHex string, log *zap.Logger) (*Gateway, error) {
	if privateKeyHex == "" {
		return nil, errors.New("aster private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse aster private key: %w", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	user := signer
	if userAddress != "" {
		user = common.HexToAddress(userAddress)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Gateway{
		client: rest.New(baseURL, cfg.Timeout, log),
		user:   user,
		signer: signer,
		key:    key,
		log:    log,
		now:    time.Now,
	}, nil
}

func (g *Gateway) Name() string { return "Aster" }

func (g *Gateway) Initialize(ctx context.Context) error {
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := g.client.Get(ctx, "/fapi/v3/time", nil, nil, &serverTime); err != nil {
		return fmt.Errorf("aster connectivity check: %w", err)
	}
	if _, err := g.AccountBalance(ctx); err != nil {
		return fmt.Errorf("aster auth check: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error { return nil }

// signed adds auth fields to the params and returns them as form values.
func (g *Gateway) signed(params map[string]string) (url.Values, error) {
	if params == nil {
		params = make(map[string]string)
	}
	params["recvWindow"] = recvWindow
	params["timestamp"] = strconv.FormatInt(g.now().UnixMilli(), 10)

	// encoding/json sorts map keys and emits no whitespace, matching the
	// canonical payload the venue verifies.
	jsonBytes, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	nonce := big.NewInt(g.now().UnixMicro())
	packed, err := signArgs.Pack(string(jsonBytes), g.user, g.signer, nonce)
	if err != nil {
		return nil, err
	}
	digest := crypto.Keccak256(packed)
	sig, err := crypto.Sign(accounts.TextHash(digest), g.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("nonce", nonce.String())
	values.Set("user", g.user.Hex())
	values.Set("signer", g.signer.Hex())
	values.Set("signature", "0x"+hex.EncodeToString(sig))
	return values, nil
}

type symbolInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
	Filters      []struct {
		FilterType string `json:"filterType"`
		MinQty     string `json:"minQty"`
		TickSize   string `json:"tickSize"`
	} `json:"filters"`
}

func (g *Gateway) AvailableAssets(ctx context.Context) ([]venue.Asset, error) {
	var info struct {
		Symbols []symbolInfo `json:"symbols"`
	}
	if err := g.client.GetWithRetry(ctx, "/fapi/v3/exchangeInfo", nil, nil, &info); err != nil {
		return nil, err
	}
	var assets []venue.Asset
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}
		asset := venue.Asset{
			Symbol:         s.Symbol,
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			MinSize:        0.001,
			PricePrecision: 2,
			SizePrecision:  3,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				if minQty, err := strconv.ParseFloat(f.MinQty, 64); err == nil && minQty > 0 {
					asset.MinSize = minQty
					asset.SizePrecision = decimalsOf(f.MinQty)
				}
			case "PRICE_FILTER":
				if f.TickSize != "" {
					asset.PricePrecision = decimalsOf(f.TickSize)
				}
			}
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func decimalsOf(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}

func (g *Gateway) AccountBalance(ctx context.Context) (venue.Balance, error) {
	query, err := g.signed(nil)
	if err != nil {
		return venue.Balance{}, err
	}
	var balances []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := g.client.Get(ctx, "/fapi/v3/balance", query, nil, &balances); err != nil {
		return venue.Balance{}, err
	}
	for _, b := range balances {
		if b.Asset != "USDT" {
			continue
		}
		total, _ := strconv.ParseFloat(b.Balance, 64)
		free, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		return venue.Balance{Asset: "USDT", Free: free, Locked: total - free, Total: total}, nil
	}
	return venue.Balance{Asset: "USDT"}, nil
}

func (g *Gateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker struct {
		Price string `json:"price"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := g.client.Get(ctx, "/fapi/v3/ticker/price", query, nil, &ticker); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("bad ticker price %q for %s", ticker.Price, symbol)
	}
	return price, nil
}

func (g *Gateway) HistoricalPrices(ctx context.Context, symbol, interval string, limit int) ([]venue.PricePoint, error) {
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var klines [][]json.RawMessage
	if err := g.client.GetWithRetry(ctx, "/fapi/v3/klines", query, nil, &klines); err != nil {
		return nil, err
	}
	points := make([]venue.PricePoint, 0, len(klines))
	for _, k := range klines {
		// [openTime, open, high, low, close, volume, ...]
		if len(k) < 5 {
			continue
		}
		var ms int64
		var closeStr string
		if json.Unmarshal(k[0], &ms) != nil || json.Unmarshal(k[4], &closeStr) != nil {
			continue
		}
		price, err := strconv.ParseFloat(closeStr, 64)
		if err != nil {
			continue
		}
		points = append(points, venue.PricePoint{Time: time.UnixMilli(ms), Price: price})
	}
	return points, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderResult, error) {
	side := "BUY"
	if order.Side == venue.SideShort {
		side = "SELL"
	}
	kind := "MARKET"
	params := map[string]string{
		"symbol":       order.Symbol,
		"side":         side,
		"type":         kind,
		"quantity":     strconv.FormatFloat(order.Size, 'f', -1, 64),
		"positionSide": "BOTH",
	}
	if order.Kind == venue.OrderLimit {
		params["type"] = "LIMIT"
		params["timeInForce"] = "GTC"
		params["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
	}
	form, err := g.signed(params)
	if err != nil {
		return venue.OrderResult{}, err
	}
	var resp struct {
		OrderID     json.Number `json:"orderId"`
		ExecutedQty string      `json:"executedQty"`
		AvgPrice    string      `json:"avgPrice"`
		Status      string      `json:"status"`
	}
	if err := g.client.PostForm(ctx, "/fapi/v3/order", form, nil, &resp); err != nil {
		return venue.OrderResult{}, err
	}
	filledSize, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	if filledSize == 0 {
		filledSize = order.Size
	}
	filledPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return venue.OrderResult{
		OrderID:     resp.OrderID.String(),
		Symbol:      order.Symbol,
		Side:        order.Side,
		Size:        filledSize,
		FilledPrice: filledPrice,
		Status:      resp.Status,
		Timestamp:   g.now(),
	}, nil
}

func (g *Gateway) Positions(ctx context.Context) ([]venue.Position, error) {
	query, err := g.signed(nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
	}
	if err := g.client.Get(ctx, "/fapi/v3/positionRisk", query, nil, &raw); err != nil {
		return nil, err
	}
	var positions []venue.Position
	for _, p := range raw {
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
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
		pnl, _ := strconv.ParseFloat(p.UnrealizedProfit, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
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
			g.log.Error("aster close failed", zap.String("symbol", p.Symbol), zap.Error(err))
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
