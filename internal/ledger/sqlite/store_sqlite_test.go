package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCapitalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Capital(ctx, "Backpack"); err != nil || ok {
		t.Fatalf("expected missing capital, got ok=%v err=%v", ok, err)
	}
	if err := store.UpdateCapital(ctx, "Backpack", 205.5); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	amount, ok, err := store.Capital(ctx, "Backpack")
	if err != nil || !ok {
		t.Fatalf("expected capital, got ok=%v err=%v", ok, err)
	}
	if amount != 205.5 {
		t.Fatalf("expected 205.5, got %v", amount)
	}
}

func TestCapitalUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpdateCapital(ctx, "GRVT", 100); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.UpdateCapital(ctx, "GRVT", 95.25); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	capitals, err := store.Capitals(ctx)
	if err != nil {
		t.Fatalf("capitals failed: %v", err)
	}
	if len(capitals) != 1 || capitals["GRVT"] != 95.25 {
		t.Fatalf("unexpected capitals: %v", capitals)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetRecord(ctx, "cycle:last"); err != nil || ok {
		t.Fatalf("expected missing record, got ok=%v err=%v", ok, err)
	}
	if err := store.PutRecord(ctx, "cycle:last", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	payload, ok, err := store.GetRecord(ctx, "cycle:last")
	if err != nil || !ok {
		t.Fatalf("expected record, got ok=%v err=%v", ok, err)
	}
	if len(payload) != 2 || payload[0] != 0x01 {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
