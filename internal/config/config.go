package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	State       StateConfig       `yaml:"state"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Journal     JournalConfig     `yaml:"journal"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Venues      []VenueConfig     `yaml:"venues"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type StrategyConfig struct {
	CapitalPerSide      float64       `yaml:"capital_per_side"`
	AssetsPerVenue      int           `yaml:"assets_per_venue"`
	ProfitTarget        float64       `yaml:"profit_target"`
	HoldDuration        time.Duration `yaml:"hold_duration"`
	MonitorPollInterval time.Duration `yaml:"monitor_poll_interval"`
	CycleWait           time.Duration `yaml:"cycle_wait"`
	ErrorCooldown       time.Duration `yaml:"error_cooldown"`
	UseCorrelation      bool          `yaml:"use_correlation"`
	DeltaTolerance      float64       `yaml:"delta_tolerance"`
	BalanceAttempts     int           `yaml:"balance_attempts"`
	AllowedSymbols      []string      `yaml:"allowed_symbols"`
}

type CorrelationConfig struct {
	MinCorrelation       float64       `yaml:"min_correlation"`
	SampleDuration       time.Duration `yaml:"sample_duration"`
	SampleInterval       time.Duration `yaml:"sample_interval"`
	MaxCandidatesPerSide int           `yaml:"max_candidates_per_side"`
	MaxAssetsPerVenue    int           `yaml:"max_assets_per_venue"`
}

type VenueConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	WSURL    string        `yaml:"ws_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Leverage float64       `yaml:"leverage"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-basket-bot.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Journal.QueueSize <= 0 {
		cfg.Journal.QueueSize = 256
	}
	if cfg.Strategy.AssetsPerVenue == 0 {
		cfg.Strategy.AssetsPerVenue = 5
	}
	if cfg.Strategy.ProfitTarget == 0 {
		cfg.Strategy.ProfitTarget = 1.0
	}
	if cfg.Strategy.HoldDuration == 0 {
		cfg.Strategy.HoldDuration = 600 * time.Second
	}
	if cfg.Strategy.MonitorPollInterval == 0 {
		cfg.Strategy.MonitorPollInterval = 10 * time.Second
	}
	if cfg.Strategy.CycleWait == 0 {
		cfg.Strategy.CycleWait = 600 * time.Second
	}
	if cfg.Strategy.ErrorCooldown == 0 {
		cfg.Strategy.ErrorCooldown = 60 * time.Second
	}
	if cfg.Strategy.DeltaTolerance == 0 {
		cfg.Strategy.DeltaTolerance = 0.5
	}
	if cfg.Strategy.BalanceAttempts == 0 {
		cfg.Strategy.BalanceAttempts = 5
	}
	if cfg.Correlation.MinCorrelation == 0 {
		cfg.Correlation.MinCorrelation = 0.7
	}
	if cfg.Correlation.SampleDuration == 0 {
		cfg.Correlation.SampleDuration = 60 * time.Second
	}
	if cfg.Correlation.SampleInterval == 0 {
		cfg.Correlation.SampleInterval = 5 * time.Second
	}
	if cfg.Correlation.MaxCandidatesPerSide == 0 {
		cfg.Correlation.MaxCandidatesPerSide = 5
	}
	if cfg.Correlation.MaxAssetsPerVenue == 0 {
		cfg.Correlation.MaxAssetsPerVenue = 10
	}
	for i := range cfg.Venues {
		if cfg.Venues[i].Timeout == 0 {
			cfg.Venues[i].Timeout = 10 * time.Second
		}
		if cfg.Venues[i].Leverage == 0 {
			cfg.Venues[i].Leverage = 1
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.CapitalPerSide <= 0 {
		return errors.New("strategy.capital_per_side must be > 0")
	}
	if cfg.Strategy.AssetsPerVenue < 1 {
		return errors.New("strategy.assets_per_venue must be >= 1")
	}
	if cfg.Strategy.ProfitTarget <= 0 {
		return errors.New("strategy.profit_target must be > 0")
	}
	if cfg.Strategy.DeltaTolerance <= 0 {
		return errors.New("strategy.delta_tolerance must be > 0")
	}
	if cfg.Correlation.MinCorrelation < 0 || cfg.Correlation.MinCorrelation > 1 {
		return errors.New("correlation.min_correlation must be in [0, 1]")
	}
	if cfg.Correlation.SampleInterval > cfg.Correlation.SampleDuration {
		return errors.New("correlation.sample_interval exceeds correlation.sample_duration")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	enabled := 0
	seen := make(map[string]struct{})
	for _, v := range cfg.Venues {
		if v.Name == "" {
			return errors.New("venue name is required")
		}
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("duplicate venue %s", v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("at least one venue must be enabled")
	}
	return nil
}
