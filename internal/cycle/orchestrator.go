// Package cycle drives the trading loop: build a portfolio, enter, hold,
// monitor, exit, persist, repeat forever.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp-basket-bot/internal/alerts"
	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/journal"
	"perp-basket-bot/internal/ledger"
	"perp-basket-bot/internal/metrics"
	"perp-basket-bot/internal/portfolio"
	"perp-basket-bot/internal/venue"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

type Orchestrator struct {
	gateways map[string]venue.Gateway
	engine   *portfolio.Engine
	machine  *StateMachine
	cfg      config.StrategyConfig
	store    ledger.Store
	journal  *journal.Writer
	telegram *alerts.Telegram
	metrics  *metrics.Metrics
	log      *zap.Logger

	cycle int64

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewOrchestrator(
	gateways map[string]venue.Gateway,
	engine *portfolio.Engine,
	cfg config.StrategyConfig,
	store ledger.Store,
	jw *journal.Writer,
	tg *alerts.Telegram,
	m *metrics.Metrics,
	log *zap.Logger,
) *Orchestrator {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Orchestrator{
		gateways: gateways,
		engine:   engine,
		machine:  NewStateMachine(),
		cfg:      cfg,
		store:    store,
		journal:  jw,
		telegram: tg,
		metrics:  m,
		log:      log,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run initializes venues and then loops cycles until the context is
// cancelled. Venues that fail to initialize are excluded for the lifetime
// of the process. An unexpected cycle error triggers an emergency close and
// a cooldown, never process exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	for name, gw := range o.gateways {
		if err := gw.Initialize(ctx); err != nil {
			o.log.Error("venue initialization failed, excluding venue",
				zap.String("venue", name), zap.Error(err))
			delete(o.gateways, name)
		}
	}
	if len(o.gateways) == 0 {
		return errors.New("no venues initialized")
	}
	o.journal.Start(ctx)

	for ctx.Err() == nil {
		if err := o.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			o.metrics.CyclesFailed.Inc()
			o.log.Error("cycle failed", zap.Int64("cycle", o.cycle), zap.Error(err))
			o.telegram.CycleFailed(ctx, o.cycle, err)
			o.emergencyClose(ctx)
			if o.sleep(ctx, o.cfg.ErrorCooldown) != nil {
				break
			}
		}
	}
	o.shutdown()
	return nil
}

// runCycle executes one full trading cycle. Expected failures (empty
// portfolio, nothing filled) abort the cycle internally and wait out the
// standard cycle interval; only panics and context cancellation surface as
// errors.
func (o *Orchestrator) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	o.cycle++
	started := o.now()
	o.log.Info("cycle starting", zap.Int64("cycle", o.cycle))

	o.machine.Apply(EventBuild)
	long, short, buildErr := o.engine.CreateDeltaNeutralPortfolio(ctx)
	if buildErr != nil {
		o.machine.Apply(EventAbort)
		o.log.Warn("portfolio build aborted", zap.Int64("cycle", o.cycle), zap.Error(buildErr))
		return o.sleep(ctx, o.cfg.CycleWait)
	}
	residual := o.engine.ComputeBasketDelta(ctx, long) + o.engine.ComputeBasketDelta(ctx, short)

	o.machine.Apply(EventEnter)
	longResults, longPositions := o.engine.ExecuteBasket(ctx, long)
	shortResults, shortPositions := o.engine.ExecuteBasket(ctx, short)
	orders := len(longResults) + len(shortResults)
	if len(longPositions) == 0 || len(shortPositions) == 0 {
		o.machine.Apply(EventAbort)
		o.log.Error("one-sided or empty entry, aborting cycle",
			zap.Int64("cycle", o.cycle),
			zap.Int("long_positions", len(longPositions)),
			zap.Int("short_positions", len(shortPositions)))
		o.emergencyClose(ctx)
		return o.sleep(ctx, o.cfg.CycleWait)
	}
	positionCount := len(longPositions) + len(shortPositions)
	o.log.Info("portfolio entered",
		zap.Int64("cycle", o.cycle),
		zap.Int("orders", orders),
		zap.Int("positions", positionCount))
	o.telegram.CycleEntered(ctx, o.cycle, orders, positionCount)

	o.machine.Apply(EventHold)
	o.log.Info("holding", zap.Duration("hold", o.cfg.HoldDuration))
	if err := o.sleep(ctx, o.cfg.HoldDuration); err != nil {
		return err
	}

	o.machine.Apply(EventMonitor)
	forced, monErr := o.monitor(ctx)
	if monErr != nil {
		return monErr
	}

	o.machine.Apply(EventExit)
	finalPnL, _ := o.engine.TotalPnL(ctx)
	o.engine.CloseAllPositions(ctx)
	if forced {
		o.convertAssetsToCash(ctx)
	}

	o.machine.Apply(EventPersist)
	o.persist(ctx, started, orders, positionCount, finalPnL, forced, residual)
	o.metrics.CyclesCompleted.Inc()
	o.machine.Apply(EventDone)
	o.log.Info("cycle complete",
		zap.Int64("cycle", o.cycle),
		zap.Float64("final_pnl", finalPnL),
		zap.Bool("forced_exit", forced),
		zap.Duration("elapsed", o.now().Sub(started)))
	o.telegram.CycleCompleted(ctx, o.cycle, finalPnL)
	return o.sleep(ctx, o.cfg.CycleWait)
}

// monitor polls pnl and liquidation risk until the dollar profit target is
// hit or risk forces an exit. Returns whether the exit was forced.
func (o *Orchestrator) monitor(ctx context.Context) (bool, error) {
	target := o.cfg.ProfitTarget
	for {
		total, count := o.engine.TotalPnL(ctx)
		atRisk := o.engine.CheckLiquidationRisk(ctx)
		o.journal.EnqueuePnL(journal.PnLPoll{
			Time:          o.now(),
			Cycle:         o.cycle,
			TotalPnL:      total,
			PositionCount: count,
			AtRisk:        atRisk,
		})
		if atRisk {
			o.metrics.ForcedExits.Inc()
			o.log.Warn("liquidation risk, forcing exit",
				zap.Int64("cycle", o.cycle), zap.Float64("pnl", total))
			o.telegram.ForcedExit(ctx, o.cycle, total)
			return true, nil
		}
		if total >= target {
			o.log.Info("profit target reached",
				zap.Int64("cycle", o.cycle),
				zap.Float64("pnl", total),
				zap.Float64("target", target))
			return false, nil
		}
		if err := o.sleep(ctx, o.cfg.MonitorPollInterval); err != nil {
			return false, err
		}
	}
}

// persist records realized balances per venue and the cycle summary.
// Persistence failures are logged; the loop carries on regardless.
func (o *Orchestrator) persist(ctx context.Context, started time.Time, orders, positions int, finalPnL float64, forced bool, residual float64) {
	amounts := make(map[string]float64, len(o.gateways))
	for name, gw := range o.gateways {
		bal, err := gw.AccountBalance(ctx)
		if err != nil {
			o.log.Warn("balance fetch failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		amounts[name] = bal.Total
	}
	if o.store != nil {
		ledger.UpdateCapitals(ctx, o.store, o.log, amounts)
		record := ledger.CycleRecord{
			Number:        o.cycle,
			StartedAt:     started,
			EndedAt:       o.now(),
			Orders:        orders,
			Positions:     positions,
			FinalPnL:      finalPnL,
			ForcedExit:    forced,
			ResidualDelta: residual,
		}
		if err := ledger.SaveLastCycle(ctx, o.store, record); err != nil {
			o.log.Warn("cycle record save failed", zap.Error(err))
		}
	}
	o.journal.EnqueueCycle(journal.CycleSummary{
		Cycle:         o.cycle,
		StartedAt:     started,
		EndedAt:       o.now(),
		Orders:        orders,
		Positions:     positions,
		FinalPnL:      finalPnL,
		ForcedExit:    forced,
		ResidualDelta: residual,
	})
}

// convertAssetsToCash closes anything still open after a forced exit and
// reports the cash each venue ended up with. CloseAllPositions can miss
// fills on a stressed venue, so this second pass walks positions one by one.
func (o *Orchestrator) convertAssetsToCash(ctx context.Context) {
	for name, gw := range o.gateways {
		positions, err := gw.Positions(ctx)
		if err != nil {
			o.log.Warn("residual position poll failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		for _, p := range positions {
			if _, err := gw.ClosePosition(ctx, p.Symbol); err != nil {
				o.log.Warn("residual position close failed",
					zap.String("venue", name),
					zap.String("symbol", p.Symbol),
					zap.Error(err))
			}
		}
		bal, err := gw.AccountBalance(ctx)
		if err != nil {
			o.log.Warn("post-exit balance fetch failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		o.log.Info("post-exit cash balance",
			zap.String("venue", name),
			zap.String("asset", bal.Asset),
			zap.Float64("total", bal.Total))
	}
}

func (o *Orchestrator) emergencyClose(ctx context.Context) {
	o.metrics.EmergencyCloses.Inc()
	o.log.Warn("emergency close", zap.Int64("cycle", o.cycle))
	o.engine.CloseAllPositions(ctx)
}

func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	o.log.Info("shutting down, closing positions")
	o.engine.CloseAllPositions(ctx)
	for name, gw := range o.gateways {
		if err := gw.Close(); err != nil {
			o.log.Warn("gateway close failed", zap.String("venue", name), zap.Error(err))
		}
	}
}
