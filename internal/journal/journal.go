// Package journal streams cycle telemetry into TimescaleDB. Writes are
// async and lossy under backpressure so trading is never blocked on the
// database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-basket-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type PnLPoll struct {
	Time          time.Time
	Cycle         int64
	TotalPnL      float64
	PositionCount int
	AtRisk        bool
}

type CycleSummary struct {
	Cycle         int64
	StartedAt     time.Time
	EndedAt       time.Time
	Orders        int
	Positions     int
	FinalPnL      float64
	ForcedExit    bool
	ResidualDelta float64
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	polls     chan PnLPoll
	cycles    chan CycleSummary
	started   atomic.Bool
	dropPoll  atomic.Uint64
	dropCycle atomic.Uint64
}

// New returns nil when the journal is disabled. A nil Writer is safe to
// use; every method is a no-op.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		polls:  make(chan PnLPoll, queueSize),
		cycles: make(chan CycleSummary, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePnL(poll PnLPoll) {
	if w == nil {
		return
	}
	select {
	case w.polls <- poll:
		return
	default:
		if w.dropPoll.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal pnl queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(summary CycleSummary) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- summary:
		return
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case poll := <-w.polls:
			w.writePnL(ctx, poll)
		case summary := <-w.cycles:
			w.writeCycle(ctx, summary)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle BIGINT NOT NULL,
		total_pnl DOUBLE PRECISION NOT NULL,
		position_count INTEGER NOT NULL,
		at_risk BOOLEAN NOT NULL
	)`, w.table("pnl_polls"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cycle BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		orders INTEGER NOT NULL,
		positions INTEGER NOT NULL,
		final_pnl DOUBLE PRECISION NOT NULL,
		forced_exit BOOLEAN NOT NULL,
		residual_delta DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (cycle, started_at)
	)`, w.table("cycle_summaries"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("pnl_polls"))); err != nil && w.log != nil {
		w.log.Warn("pnl_polls hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writePnL(ctx context.Context, poll PnLPoll) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle, total_pnl, position_count, at_risk
	) VALUES ($1,$2,$3,$4,$5)`, w.table("pnl_polls"))
	if _, err := w.db.ExecContext(ctx, query,
		poll.Time,
		poll.Cycle,
		poll.TotalPnL,
		poll.PositionCount,
		poll.AtRisk,
	); err != nil && w.log != nil {
		w.log.Warn("journal pnl insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, summary CycleSummary) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		cycle, started_at, ended_at, orders, positions, final_pnl, forced_exit, residual_delta
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (cycle, started_at) DO UPDATE SET
		ended_at = EXCLUDED.ended_at,
		orders = EXCLUDED.orders,
		positions = EXCLUDED.positions,
		final_pnl = EXCLUDED.final_pnl,
		forced_exit = EXCLUDED.forced_exit,
		residual_delta = EXCLUDED.residual_delta`, w.table("cycle_summaries"))
	if _, err := w.db.ExecContext(ctx, query,
		summary.Cycle,
		summary.StartedAt,
		summary.EndedAt,
		summary.Orders,
		summary.Positions,
		summary.FinalPnL,
		summary.ForcedExit,
		summary.ResidualDelta,
	); err != nil && w.log != nil {
		w.log.Warn("journal cycle upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
