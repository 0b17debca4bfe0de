package cycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/ledger"
	"perp-basket-bot/internal/portfolio"
	"perp-basket-bot/internal/venue"

	"go.uber.org/zap"
)

type fakeGateway struct {
	name         string
	assets       []venue.Asset
	prices       map[string]float64
	positions    []venue.Position
	pnlPerPos    float64
	risk         bool
	balance      float64
	balanceCalls int
	closeAllErr  error
	closed       []string
	initErr      error
}

func newFakeGateway(name string) *fakeGateway {
	gw := &fakeGateway{name: name, prices: make(map[string]float64), balance: 250}
	for i := 0; i < 6; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		gw.assets = append(gw.assets, venue.Asset{Symbol: sym, Base: sym, MinSize: 0.01, SizePrecision: 2})
		gw.prices[sym] = 100
	}
	return gw
}

func (f *fakeGateway) Name() string                         { return f.name }
func (f *fakeGateway) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeGateway) Close() error                         { return nil }

func (f *fakeGateway) AvailableAssets(ctx context.Context) ([]venue.Asset, error) {
	out := make([]venue.Asset, len(f.assets))
	copy(out, f.assets)
	return out, nil
}

func (f *fakeGateway) AccountBalance(ctx context.Context) (venue.Balance, error) {
	f.balanceCalls++
	return venue.Balance{Asset: "USDC", Free: f.balance, Total: f.balance}, nil
}

func (f *fakeGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	price, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

func (f *fakeGateway) HistoricalPrices(ctx context.Context, symbol, interval string, limit int) ([]venue.PricePoint, error) {
	return nil, nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, order venue.Order) (venue.OrderResult, error) {
	f.positions = append(f.positions, venue.Position{
		Venue:         f.name,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Size:          order.Size,
		EntryPrice:    f.prices[order.Symbol],
		CurrentPrice:  f.prices[order.Symbol],
		UnrealizedPnL: f.pnlPerPos,
	})
	return venue.OrderResult{
		OrderID:     order.Symbol + "-1",
		Symbol:      order.Symbol,
		Side:        order.Side,
		Size:        order.Size,
		FilledPrice: f.prices[order.Symbol],
		Status:      "FILLED",
	}, nil
}

func (f *fakeGateway) Positions(ctx context.Context) ([]venue.Position, error) {
	out := make([]venue.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeGateway) ClosePosition(ctx context.Context, symbol string) (venue.OrderResult, error) {
	for i, p := range f.positions {
		if p.Symbol == symbol {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			f.closed = append(f.closed, symbol)
			return venue.OrderResult{Symbol: symbol, Status: "FILLED"}, nil
		}
	}
	return venue.OrderResult{}, errors.New("no position")
}

func (f *fakeGateway) CloseAllPositions(ctx context.Context) ([]venue.OrderResult, error) {
	if f.closeAllErr != nil {
		return nil, f.closeAllErr
	}
	results := make([]venue.OrderResult, 0, len(f.positions))
	for _, p := range f.positions {
		results = append(results, venue.OrderResult{Symbol: p.Symbol, Status: "FILLED"})
		f.closed = append(f.closed, p.Symbol)
	}
	f.positions = nil
	return results, nil
}

func (f *fakeGateway) LiquidationRisk(ctx context.Context) (bool, error) { return f.risk, nil }

type memoryStore struct {
	capitals map[string]float64
	records  map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{capitals: make(map[string]float64), records: make(map[string][]byte)}
}

func (m *memoryStore) Capital(ctx context.Context, venueName string) (float64, bool, error) {
	amount, ok := m.capitals[venueName]
	return amount, ok, nil
}

func (m *memoryStore) UpdateCapital(ctx context.Context, venueName string, amount float64) error {
	m.capitals[venueName] = amount
	return nil
}

func (m *memoryStore) Capitals(ctx context.Context) (map[string]float64, error) {
	return m.capitals, nil
}

func (m *memoryStore) PutRecord(ctx context.Context, key string, payload []byte) error {
	m.records[key] = payload
	return nil
}

func (m *memoryStore) GetRecord(ctx context.Context, key string) ([]byte, bool, error) {
	payload, ok := m.records[key]
	return payload, ok, nil
}

func (m *memoryStore) Close() error { return nil }

func testStrategy() config.StrategyConfig {
	return config.StrategyConfig{
		CapitalPerSide:      200,
		AssetsPerVenue:      3,
		ProfitTarget:        1.0,
		HoldDuration:        time.Second,
		MonitorPollInterval: time.Second,
		CycleWait:           time.Second,
		ErrorCooldown:       time.Second,
		DeltaTolerance:      0.5,
		BalanceAttempts:     5,
	}
}

func newTestOrchestrator(gw *fakeGateway, store ledger.Store) *Orchestrator {
	gateways := map[string]venue.Gateway{gw.name: gw}
	cfg := testStrategy()
	engine := portfolio.New(gateways, map[string]float64{gw.name: 2}, cfg, nil, rand.New(rand.NewSource(3)), nil, zap.NewNop())
	o := NewOrchestrator(gateways, engine, cfg, store, nil, nil, nil, zap.NewNop())
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	o.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return o
}

func TestStateMachineFullCycle(t *testing.T) {
	m := NewStateMachine()
	steps := []struct {
		event Event
		want  State
	}{
		{EventBuild, StateBuild},
		{EventEnter, StateEnter},
		{EventHold, StateHold},
		{EventMonitor, StateMonitor},
		{EventExit, StateExit},
		{EventPersist, StatePersist},
		{EventDone, StateIdle},
	}
	for _, step := range steps {
		if got := m.Apply(step.event); got != step.want {
			t.Fatalf("event %s: got %s want %s", step.event, got, step.want)
		}
	}
}

func TestStateMachineIgnoresInvalidEvents(t *testing.T) {
	m := NewStateMachine()
	if got := m.Apply(EventExit); got != StateIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}
	m.Apply(EventBuild)
	if got := m.Apply(EventDone); got != StateBuild {
		t.Fatalf("expected BUILD, got %s", got)
	}
}

func TestStateMachineAbort(t *testing.T) {
	m := NewStateMachine()
	m.Apply(EventBuild)
	if got := m.Apply(EventAbort); got != StateIdle {
		t.Fatalf("expected IDLE after abort, got %s", got)
	}
	m.Apply(EventBuild)
	m.Apply(EventEnter)
	if got := m.Apply(EventAbort); got != StateIdle {
		t.Fatalf("expected IDLE after abort, got %s", got)
	}
}

func TestRunCycleCompletes(t *testing.T) {
	gw := newFakeGateway("alpha")
	gw.pnlPerPos = 1 // 6 positions clear the $1 target on the first poll
	store := newMemoryStore()
	o := newTestOrchestrator(gw, store)

	if err := o.runCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.machine.Current() != StateIdle {
		t.Fatalf("expected IDLE, got %s", o.machine.Current())
	}
	if len(gw.positions) != 0 {
		t.Fatalf("expected all positions closed, %d remain", len(gw.positions))
	}
	if store.capitals["alpha"] != 250 {
		t.Fatalf("expected capital 250 persisted, got %v", store.capitals["alpha"])
	}
	record, ok, err := ledger.LoadLastCycle(context.Background(), store)
	if err != nil || !ok {
		t.Fatalf("expected cycle record, ok=%v err=%v", ok, err)
	}
	if record.Number != 1 || record.ForcedExit {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Orders != 6 || record.Positions != 6 {
		t.Fatalf("expected 6 orders and positions, got %+v", record)
	}
}

func TestMonitorExitsAtDollarProfitTarget(t *testing.T) {
	gw := newFakeGateway("alpha")
	gw.positions = []venue.Position{
		{Venue: "alpha", Symbol: "SYM0", Side: venue.SideLong, Size: 1, UnrealizedPnL: 1.0},
		{Venue: "alpha", Symbol: "SYM1", Side: venue.SideShort, Size: 1, UnrealizedPnL: 0.5},
	}
	o := newTestOrchestrator(gw, newMemoryStore())
	// profit_target is a dollar amount, not a fraction of deployed capital:
	// pnl 1.5 must clear a $1 target even with 2x200 capital deployed.
	o.sleep = func(ctx context.Context, d time.Duration) error {
		return errors.New("kept polling past the profit target")
	}

	forced, err := o.monitor(context.Background())
	if err != nil {
		t.Fatalf("expected exit on first poll, got %v", err)
	}
	if forced {
		t.Fatal("profit-target exit must not be forced")
	}
}

func TestRunCycleForcedExitConvertsResiduals(t *testing.T) {
	gw := newFakeGateway("alpha")
	gw.risk = true
	gw.closeAllErr = errors.New("venue overloaded")
	store := newMemoryStore()
	o := newTestOrchestrator(gw, store)

	if err := o.runCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	record, ok, err := ledger.LoadLastCycle(context.Background(), store)
	if err != nil || !ok {
		t.Fatalf("expected cycle record, ok=%v err=%v", ok, err)
	}
	if !record.ForcedExit {
		t.Fatal("expected forced exit recorded")
	}
	// CloseAllPositions failed, so the cash-conversion pass must have
	// closed every position individually.
	if len(gw.positions) != 0 {
		t.Fatalf("expected residual positions closed, %d remain", len(gw.positions))
	}
	if len(gw.closed) == 0 {
		t.Fatal("expected individual closes")
	}
	// one balance fetch from the cash-conversion report, one from persist
	if gw.balanceCalls != 2 {
		t.Fatalf("expected post-exit balance report, got %d balance calls", gw.balanceCalls)
	}
}

func TestRunCycleAbortsOnEmptyPortfolio(t *testing.T) {
	gw := newFakeGateway("alpha")
	gw.assets = nil
	store := newMemoryStore()
	o := newTestOrchestrator(gw, store)

	if err := o.runCycle(context.Background()); err != nil {
		t.Fatalf("abort must not surface an error, got %v", err)
	}
	if o.machine.Current() != StateIdle {
		t.Fatalf("expected IDLE after abort, got %s", o.machine.Current())
	}
	if _, ok, _ := ledger.LoadLastCycle(context.Background(), store); ok {
		t.Fatal("aborted cycle must not persist a record")
	}
}

func TestRunExcludesFailedVenue(t *testing.T) {
	gw := newFakeGateway("alpha")
	gw.initErr = errors.New("auth failed")
	gateways := map[string]venue.Gateway{"alpha": gw}
	cfg := testStrategy()
	engine := portfolio.New(gateways, map[string]float64{"alpha": 2}, cfg, nil, rand.New(rand.NewSource(3)), nil, zap.NewNop())
	o := NewOrchestrator(gateways, engine, cfg, newMemoryStore(), nil, nil, nil, zap.NewNop())

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected error when every venue fails to initialize")
	}
}
