package grvt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/venue"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const testKey = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	cfg := config.VenueConfig{Name: "GRVT", BaseURL: baseURL, Timeout: 5 * time.Second}
	gw, err := New(cfg, "api-key", testKey, 42, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	gw.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return gw
}

func TestNewValidatesInputs(t *testing.T) {
	cfg := config.VenueConfig{Name: "GRVT"}
	if _, err := New(cfg, "", testKey, 42, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := New(cfg, "key", testKey, 0, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing sub-account id")
	}
	if _, err := New(cfg, "key", "not-hex", 42, zap.NewNop()); err == nil {
		t.Fatal("expected error for bad private key")
	}
}

func TestSignOrderRecovers(t *testing.T) {
	s, err := newSigner(testKey)
	if err != nil {
		t.Fatal(err)
	}
	legs := []orderLeg{{
		assetID:      big.NewInt(123456),
		contractSize: 500_000_000,
		limitPrice:   0,
		isBuying:     true,
	}}
	sig, err := s.signOrder(42, true, tifImmediateOrCancel, legs, 7, 1700000300000000000)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := orderDigest(42, true, tifImmediateOrCancel, legs, 7, 1700000300000000000)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(sig.R, "0x") + strings.TrimPrefix(sig.S, "0x"))
	if err != nil || len(raw) != 64 {
		t.Fatalf("bad signature parts: %v", err)
	}
	raw = append(raw, byte(sig.V-27))
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.PubkeyToAddress(*pub).Hex() != sig.Signer {
		t.Fatal("recovered address does not match signer")
	}
}

func TestAvailableAssetsCachesInstruments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/full/v1/instruments" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]string{
				{"instrument": "BTC_USDT_Perp", "base": "BTC", "quote": "USDT", "min_size": "0.001", "tick_size": "0.1", "instrument_hash": "0x1e240"},
			},
		})
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	assets, err := gw.AvailableAssets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	a := assets[0]
	if a.MinSize != 0.001 || a.SizePrecision != 3 || a.PricePrecision != 1 {
		t.Fatalf("unexpected asset %+v", a)
	}
	inst, err := gw.instrument(context.Background(), "BTC_USDT_Perp")
	if err != nil {
		t.Fatal(err)
	}
	if inst.InstrumentHash != "0x1e240" {
		t.Fatalf("unexpected instrument %+v", inst)
	}
}

func TestPlaceOrderSendsSignedPayload(t *testing.T) {
	var gotOrder map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/full/v1/instruments":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": []map[string]string{
					{"instrument": "ETH_USDT_Perp", "base": "ETH", "quote": "USDT", "min_size": "0.01", "tick_size": "0.01", "instrument_hash": "0x2a"},
				},
			})
		case "/full/v1/create_order":
			if r.Header.Get("X-Api-Key") != "api-key" || r.Header.Get("X-Grvt-Account-Id") != "42" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotOrder, _ = body["order"].(map[string]any)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"order_id": "ord-1",
					"state": map[string]any{
						"status":             "FILLED",
						"traded_size":        []string{"1.5"},
						"average_fill_price": []string{"3000"},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	result, err := gw.PlaceOrder(context.Background(), venue.Order{
		Symbol: "ETH_USDT_Perp",
		Side:   venue.SideLong,
		Kind:   venue.OrderMarket,
		Size:   1.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.OrderID != "ord-1" || result.Size != 1.5 || result.FilledPrice != 3000 {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotOrder["is_market"] != true || gotOrder["time_in_force"] != "IMMEDIATE_OR_CANCEL" {
		t.Fatalf("unexpected order payload %+v", gotOrder)
	}
	sig, _ := gotOrder["signature"].(map[string]any)
	if sig == nil || sig["r"] == "" || sig["s"] == "" {
		t.Fatalf("missing signature in payload %+v", gotOrder)
	}
}

func TestPositionsParsesSides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]string{
				{"instrument": "BTC_USDT_Perp", "size": "0.5", "entry_price": "60000", "mark_price": "61000", "unrealized_pnl": "500", "est_liquidation_price": "40000", "leverage": "3"},
				{"instrument": "ETH_USDT_Perp", "size": "-2", "entry_price": "3000", "mark_price": "2900", "unrealized_pnl": "200", "est_liquidation_price": "3500", "leverage": "3"},
				{"instrument": "SOL_USDT_Perp", "size": "0"},
			},
		})
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL)
	positions, err := gw.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].Side != venue.SideLong || positions[1].Side != venue.SideShort {
		t.Fatalf("unexpected sides %+v", positions)
	}
	if positions[1].Size != 2 {
		t.Fatalf("expected abs size 2, got %v", positions[1].Size)
	}
}
