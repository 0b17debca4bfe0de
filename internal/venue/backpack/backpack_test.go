package backpack

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/venue"

	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, baseURL string) (*Gateway, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.VenueConfig{Name: "Backpack", BaseURL: baseURL, Timeout: 5 * time.Second}
	gw, err := New(cfg, "api-key", base64.StdEncoding.EncodeToString(priv.Seed()), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	gw.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return gw, pub
}

func TestNewRejectsBadSecret(t *testing.T) {
	cfg := config.VenueConfig{Name: "Backpack"}
	if _, err := New(cfg, "key", "not-base64!!", zap.NewNop()); err == nil {
		t.Fatal("expected error for undecodable secret")
	}
	if _, err := New(cfg, "key", base64.StdEncoding.EncodeToString([]byte("short")), zap.NewNop()); err == nil {
		t.Fatal("expected error for wrong key length")
	}
}

func TestSignVerifies(t *testing.T) {
	gw, pub := newTestGateway(t, "http://unused")
	headers := gw.sign("/api/v1/order", map[string]string{
		"symbol":    "SOL_USDC_PERP",
		"side":      "Bid",
		"orderType": "Market",
		"quantity":  "1.5",
	})
	sig, err := base64.StdEncoding.DecodeString(headers.Get("X-Signature"))
	if err != nil {
		t.Fatal(err)
	}
	payload := "instruction=orderExecute&orderType=Market&quantity=1.5&side=Bid&symbol=SOL_USDC_PERP" +
		"&timestamp=1700000000000&window=5000"
	if !ed25519.Verify(pub, []byte(payload), sig) {
		t.Fatal("signature does not verify against sorted payload")
	}
	if headers.Get("X-API-Key") != "api-key" {
		t.Fatalf("missing api key header")
	}
}

func TestAvailableAssetsFiltersPerps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/markets" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"symbol": "SOL_USDC_PERP", "minOrderSize": "0.01", "pricePrecision": 2, "sizePrecision": 2},
			{"symbol": "SOL_USDC", "minOrderSize": "0.01"},
			{"symbol": "BTC_USDC_PERP", "minOrderSize": "0.0001", "pricePrecision": 1, "sizePrecision": 5},
		})
	}))
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	assets, err := gw.AvailableAssets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 perp assets, got %d", len(assets))
	}
	if assets[0].Base != "SOL" || assets[0].MinSize != 0.01 {
		t.Fatalf("unexpected asset %+v", assets[0])
	}
}

func TestPlaceOrderMapsSides(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/order" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Signature") == "" || r.Header.Get("X-Timestamp") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "abc123", "status": "Filled", "price": "142.5",
		})
	}))
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	result, err := gw.PlaceOrder(context.Background(), venue.Order{
		Symbol: "SOL_USDC_PERP",
		Side:   venue.SideShort,
		Kind:   venue.OrderMarket,
		Size:   1.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotBody["side"] != "Ask" || gotBody["orderType"] != "Market" || gotBody["quantity"] != "1.5" {
		t.Fatalf("unexpected order body %+v", gotBody)
	}
	if result.OrderID != "abc123" || result.FilledPrice != 142.5 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestPositionsParsesSides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"symbol": "SOL_USDC_PERP", "netQuantity": "2", "entryPrice": "140", "markPrice": "142", "pnlUnrealized": "4", "estLiquidationPrice": "100"},
			{"symbol": "BTC_USDC_PERP", "netQuantity": "-0.1", "entryPrice": "60000", "markPrice": "59000", "pnlUnrealized": "100", "estLiquidationPrice": "70000"},
			{"symbol": "ETH_USDC_PERP", "netQuantity": "0"},
		})
	}))
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	positions, err := gw.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].Side != venue.SideLong || positions[0].Size != 2 {
		t.Fatalf("unexpected long position %+v", positions[0])
	}
	if positions[1].Side != venue.SideShort || positions[1].Size != 0.1 {
		t.Fatalf("unexpected short position %+v", positions[1])
	}
}

func TestLiquidationRisk(t *testing.T) {
	atRisk := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		liq := "100"
		if atRisk {
			liq = "138"
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"symbol": "SOL_USDC_PERP", "netQuantity": "2", "entryPrice": "140", "markPrice": "142", "estLiquidationPrice": liq},
		})
	}))
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	risk, err := gw.LiquidationRisk(context.Background())
	if err != nil || risk {
		t.Fatalf("expected no risk, got %v err %v", risk, err)
	}
	atRisk = true
	risk, err = gw.LiquidationRisk(context.Background())
	if err != nil || !risk {
		t.Fatalf("expected risk, got %v err %v", risk, err)
	}
}
