package ledger

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const lastCycleKey = "cycle:last"

// Store is the capital ledger consumed by the orchestrator's PERSIST step.
// It holds one capital row per venue plus opaque records keyed by string.
type Store interface {
	Capital(ctx context.Context, venueName string) (float64, bool, error)
	UpdateCapital(ctx context.Context, venueName string, amount float64) error
	Capitals(ctx context.Context) (map[string]float64, error)
	PutRecord(ctx context.Context, key string, payload []byte) error
	GetRecord(ctx context.Context, key string) ([]byte, bool, error)
	Close() error
}

// CycleRecord summarizes one completed trading cycle.
type CycleRecord struct {
	Number        int64     `msgpack:"number"`
	StartedAt     time.Time `msgpack:"started_at"`
	EndedAt       time.Time `msgpack:"ended_at"`
	Orders        int       `msgpack:"orders"`
	Positions     int       `msgpack:"positions"`
	FinalPnL      float64   `msgpack:"final_pnl"`
	ForcedExit    bool      `msgpack:"forced_exit"`
	ResidualDelta float64   `msgpack:"residual_delta"`
}

// UpdateCapitals writes every venue's capital, reporting per-venue success.
// A failed write is logged and does not block the remaining venues.
func UpdateCapitals(ctx context.Context, store Store, log *zap.Logger, amounts map[string]float64) map[string]bool {
	results := make(map[string]bool, len(amounts))
	for name, amount := range amounts {
		if err := store.UpdateCapital(ctx, name, amount); err != nil {
			log.Warn("capital update failed", zap.String("venue", name), zap.Error(err))
			results[name] = false
			continue
		}
		results[name] = true
	}
	return results
}

func SaveLastCycle(ctx context.Context, store Store, record CycleRecord) error {
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	return store.PutRecord(ctx, lastCycleKey, payload)
}

func LoadLastCycle(ctx context.Context, store Store) (CycleRecord, bool, error) {
	payload, ok, err := store.GetRecord(ctx, lastCycleKey)
	if err != nil || !ok {
		return CycleRecord{}, false, err
	}
	var record CycleRecord
	if err := msgpack.Unmarshal(payload, &record); err != nil {
		return CycleRecord{}, false, err
	}
	return record, true, nil
}
