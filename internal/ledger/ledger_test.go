package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memoryStore struct {
	capitals map[string]float64
	records  map[string][]byte
	failFor  string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{capitals: make(map[string]float64), records: make(map[string][]byte)}
}

func (m *memoryStore) Capital(ctx context.Context, venueName string) (float64, bool, error) {
	_ = ctx
	amount, ok := m.capitals[venueName]
	return amount, ok, nil
}

func (m *memoryStore) UpdateCapital(ctx context.Context, venueName string, amount float64) error {
	_ = ctx
	if venueName == m.failFor {
		return errors.New("write failed")
	}
	m.capitals[venueName] = amount
	return nil
}

func (m *memoryStore) Capitals(ctx context.Context) (map[string]float64, error) {
	_ = ctx
	return m.capitals, nil
}

func (m *memoryStore) PutRecord(ctx context.Context, key string, payload []byte) error {
	_ = ctx
	m.records[key] = payload
	return nil
}

func (m *memoryStore) GetRecord(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	payload, ok := m.records[key]
	return payload, ok, nil
}

func (m *memoryStore) Close() error { return nil }

func TestUpdateCapitalsPartialFailure(t *testing.T) {
	store := newMemoryStore()
	store.failFor = "GRVT"
	results := UpdateCapitals(context.Background(), store, zap.NewNop(), map[string]float64{
		"Backpack": 210.4,
		"GRVT":     180.0,
	})
	if !results["Backpack"] {
		t.Fatal("expected Backpack update to succeed")
	}
	if results["GRVT"] {
		t.Fatal("expected GRVT update to fail")
	}
	if store.capitals["Backpack"] != 210.4 {
		t.Fatalf("unexpected Backpack capital: %v", store.capitals["Backpack"])
	}
}

func TestCycleRecordRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	if _, ok, err := LoadLastCycle(ctx, store); err != nil || ok {
		t.Fatalf("expected no record, got ok=%v err=%v", ok, err)
	}
	record := CycleRecord{
		Number:        3,
		StartedAt:     time.Unix(1700000000, 0).UTC(),
		EndedAt:       time.Unix(1700000900, 0).UTC(),
		Orders:        8,
		Positions:     7,
		FinalPnL:      0.42,
		ForcedExit:    true,
		ResidualDelta: 0.12,
	}
	if err := SaveLastCycle(ctx, store, record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, ok, err := LoadLastCycle(ctx, store)
	if err != nil || !ok {
		t.Fatalf("expected record, got ok=%v err=%v", ok, err)
	}
	if loaded != record {
		t.Fatalf("round trip mismatch: got %+v want %+v", loaded, record)
	}
}
