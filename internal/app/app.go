// Package app wires configuration, venue gateways, storage, and the cycle
// orchestrator into a runnable bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"perp-basket-bot/internal/alerts"
	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/cycle"
	"perp-basket-bot/internal/journal"
	"perp-basket-bot/internal/ledger/sqlite"
	"perp-basket-bot/internal/metrics"
	"perp-basket-bot/internal/portfolio"
	"perp-basket-bot/internal/selector"
	"perp-basket-bot/internal/venue"
	"perp-basket-bot/internal/venue/aster"
	"perp-basket-bot/internal/venue/backpack"
	"perp-basket-bot/internal/venue/grvt"

	"go.uber.org/zap"
)

type App struct {
	cfg          *config.Config
	log          *zap.Logger
	store        *sqlite.Store
	gateways     map[string]venue.Gateway
	prom         *metrics.Prometheus
	journal      *journal.Writer
	orchestrator *cycle.Orchestrator
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	gateways, leverage, err := Gateways(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	jw, err := journal.New(cfg.Journal, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var sel *selector.Selector
	if cfg.Strategy.UseCorrelation {
		sel = selector.New(gateways, cfg.Correlation, rng, log)
	}
	engine := portfolio.New(gateways, leverage, cfg.Strategy, sel, rng, m, log)
	orchestrator := cycle.NewOrchestrator(gateways, engine, cfg.Strategy, store, jw, telegram, m, log)

	return &App{
		cfg:          cfg,
		log:          log,
		store:        store,
		gateways:     gateways,
		prom:         prom,
		journal:      jw,
		orchestrator: orchestrator,
	}, nil
}

// Gateways builds one gateway per enabled venue, pulling credentials from the
// environment. Venues with missing credentials are skipped, not fatal, so a
// bot can run on whatever subset is configured.
func Gateways(cfg *config.Config, log *zap.Logger) (map[string]venue.Gateway, map[string]float64, error) {
	gateways := make(map[string]venue.Gateway)
	leverage := make(map[string]float64)
	for _, vc := range cfg.Venues {
		if !vc.Enabled {
			log.Info("venue disabled", zap.String("venue", vc.Name))
			continue
		}
		gw, err := newGateway(vc, log)
		if err != nil {
			log.Warn("venue skipped", zap.String("venue", vc.Name), zap.Error(err))
			continue
		}
		gateways[gw.Name()] = gw
		leverage[gw.Name()] = vc.Leverage
	}
	if len(gateways) == 0 {
		return nil, nil, errors.New("no venue gateways configured")
	}
	return gateways, leverage, nil
}

func newGateway(vc config.VenueConfig, log *zap.Logger) (venue.Gateway, error) {
	switch strings.ToLower(vc.Name) {
	case "backpack":
		apiKey := strings.TrimSpace(os.Getenv("BACKPACK_PUBLIC_KEY"))
		secret := strings.TrimSpace(os.Getenv("BACKPACK_PRIVATE_KEY"))
		if apiKey == "" || secret == "" {
			return nil, errors.New("BACKPACK_PUBLIC_KEY and BACKPACK_PRIVATE_KEY are required")
		}
		return backpack.New(vc, apiKey, secret, log)
	case "aster":
		user := strings.TrimSpace(os.Getenv("ASTER_USER_ADDRESS"))
		key := strings.TrimSpace(os.Getenv("ASTER_PRIVATE_KEY"))
		if key == "" {
			return nil, errors.New("ASTER_PRIVATE_KEY is required")
		}
		return aster.New(vc, user, key, log)
	case "grvt":
		apiKey := strings.TrimSpace(os.Getenv("GRVT_API_KEY"))
		key := strings.TrimSpace(os.Getenv("GRVT_PRIVATE_KEY"))
		rawID := strings.TrimSpace(os.Getenv("GRVT_TRADING_ACCOUNT_ID"))
		if apiKey == "" || key == "" || rawID == "" {
			return nil, errors.New("GRVT_API_KEY, GRVT_PRIVATE_KEY and GRVT_TRADING_ACCOUNT_ID are required")
		}
		subAccountID, err := strconv.ParseUint(rawID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GRVT_TRADING_ACCOUNT_ID: %w", err)
		}
		return grvt.New(vc, apiKey, key, subAccountID, log)
	default:
		return nil, fmt.Errorf("unknown venue %s", vc.Name)
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer func() { _ = a.journal.Close() }()
	if a.prom != nil {
		a.serveMetrics(ctx)
	}
	return a.orchestrator.Run(ctx)
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
