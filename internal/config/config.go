// Package config loads the service configuration from a YAML file plus
// RISKCORE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quantdesk/risk-core/internal/metrics"
	"github.com/quantdesk/risk-core/internal/risk"
	"github.com/quantdesk/risk-core/internal/sizing"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "riskcore"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerSettings     `mapstructure:"server"`
	Logging    LoggingSettings    `mapstructure:"logging"`
	Account    AccountSettings    `mapstructure:"account"`
	Risk       RiskSettings       `mapstructure:"risk"`
	Sizing     SizingSettings     `mapstructure:"sizing"`
	Metrics    MetricsSettings    `mapstructure:"metrics"`
	Supervisor SupervisorSettings `mapstructure:"supervisor"`
	Alerts     AlertSettings      `mapstructure:"alerts"`
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingSettings configures the zap logger.
type LoggingSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AccountSettings configures the paper account.
type AccountSettings struct {
	InitialCash float64 `mapstructure:"initial_cash"`
}

// RiskSettings mirrors the pre-trade risk limits in file-friendly types.
type RiskSettings struct {
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	MaxPositionPerSymbol float64 `mapstructure:"max_position_per_symbol"`
	MaxLeverage          float64 `mapstructure:"max_leverage"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
	MaxDailyLossPct      float64 `mapstructure:"max_daily_loss_pct"`
	MaxOrdersPerMinute   int     `mapstructure:"max_orders_per_minute"`
	KillSwitchThreshold  float64 `mapstructure:"kill_switch_threshold"`
	CloseOnKillSwitch    bool    `mapstructure:"close_on_kill_switch"`
}

// RiskConfig converts the settings into the engine's config.
func (s RiskSettings) RiskConfig() risk.RiskConfig {
	return risk.RiskConfig{
		MaxPositionSize:      decimal.NewFromFloat(s.MaxPositionSize),
		MaxPositionPerSymbol: decimal.NewFromFloat(s.MaxPositionPerSymbol),
		MaxLeverage:          decimal.NewFromFloat(s.MaxLeverage),
		MaxDailyLoss:         decimal.NewFromFloat(s.MaxDailyLoss),
		MaxDailyLossPct:      decimal.NewFromFloat(s.MaxDailyLossPct),
		MaxOrdersPerMinute:   s.MaxOrdersPerMinute,
		KillSwitchThreshold:  decimal.NewFromFloat(s.KillSwitchThreshold),
		CloseOnKillSwitch:    s.CloseOnKillSwitch,
	}
}

// SizingSettings mirrors the position-sizing config in file-friendly types.
type SizingSettings struct {
	Enabled              bool    `mapstructure:"enabled"`
	Method               string  `mapstructure:"method"`
	KellyFraction        float64 `mapstructure:"kelly_fraction"`
	KellyMaxPosition     float64 `mapstructure:"kelly_max_position"`
	RiskPerTrade         float64 `mapstructure:"risk_per_trade"`
	MaxPositionPct       float64 `mapstructure:"max_position_pct"`
	TargetVolatility     float64 `mapstructure:"target_volatility"`
	AntiMartingaleFactor float64 `mapstructure:"anti_martingale_factor"`
	LossStreakReset      int     `mapstructure:"loss_streak_reset"`
	MinPositionSize      float64 `mapstructure:"min_position_size"`
	MaxHistory           int     `mapstructure:"max_history"`
}

// SizingConfig converts the settings into the sizing manager's config.
func (s SizingSettings) SizingConfig() sizing.Config {
	return sizing.Config{
		Enabled:              s.Enabled,
		Method:               sizing.Method(s.Method),
		KellyFraction:        decimal.NewFromFloat(s.KellyFraction),
		KellyMaxPosition:     decimal.NewFromFloat(s.KellyMaxPosition),
		RiskPerTrade:         decimal.NewFromFloat(s.RiskPerTrade),
		MaxPositionPct:       decimal.NewFromFloat(s.MaxPositionPct),
		TargetVolatility:     decimal.NewFromFloat(s.TargetVolatility),
		AntiMartingaleFactor: decimal.NewFromFloat(s.AntiMartingaleFactor),
		LossStreakReset:      s.LossStreakReset,
		MinPositionSize:      decimal.NewFromFloat(s.MinPositionSize),
		MaxHistory:           s.MaxHistory,
	}
}

// MetricsSettings mirrors the risk-metrics monitor config.
type MetricsSettings struct {
	VaRConfidence       float64 `mapstructure:"var_confidence"`
	VaRHorizonDays      int     `mapstructure:"var_horizon_days"`
	VolatilityWindow    int     `mapstructure:"volatility_window"`
	AnnualizationFactor float64 `mapstructure:"annualization_factor"`
	SharpeWindow        int     `mapstructure:"sharpe_window"`
	RiskFreeRate        float64 `mapstructure:"risk_free_rate"`
	MaxDrawdownAlert    float64 `mapstructure:"max_drawdown_alert"`
	RetentionLength     int     `mapstructure:"retention_length"`
}

// MetricsConfig converts the settings into the monitor's config.
func (s MetricsSettings) MetricsConfig() metrics.Config {
	return metrics.Config{
		VaRConfidence:       s.VaRConfidence,
		VaRHorizonDays:      s.VaRHorizonDays,
		VolatilityWindow:    s.VolatilityWindow,
		AnnualizationFactor: s.AnnualizationFactor,
		SharpeWindow:        s.SharpeWindow,
		RiskFreeRate:        s.RiskFreeRate,
		MaxDrawdownAlert:    s.MaxDrawdownAlert,
		RetentionLength:     s.RetentionLength,
	}
}

// SupervisorSettings configures the background monitoring loop.
type SupervisorSettings struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	StopInterval     time.Duration `mapstructure:"stop_interval"`
}

// AlertSettings configures alert delivery.
type AlertSettings struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Load reads the config file and overlays environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env vars still make a
		// complete config.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("account.initial_cash", 100000)

	v.SetDefault("risk.max_position_size", 10000)
	v.SetDefault("risk.max_position_per_symbol", 25000)
	v.SetDefault("risk.max_leverage", 3)
	v.SetDefault("risk.max_daily_loss", 500)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.max_orders_per_minute", 30)
	v.SetDefault("risk.kill_switch_threshold", 1000)
	v.SetDefault("risk.close_on_kill_switch", false)

	v.SetDefault("sizing.enabled", true)
	v.SetDefault("sizing.method", "kelly")
	v.SetDefault("sizing.kelly_fraction", 0.5)
	v.SetDefault("sizing.kelly_max_position", 0.25)
	v.SetDefault("sizing.risk_per_trade", 0.02)
	v.SetDefault("sizing.max_position_pct", 0.5)
	v.SetDefault("sizing.target_volatility", 0.15)
	v.SetDefault("sizing.anti_martingale_factor", 1.5)
	v.SetDefault("sizing.loss_streak_reset", 3)
	v.SetDefault("sizing.min_position_size", 10)
	v.SetDefault("sizing.max_history", 1000)

	v.SetDefault("metrics.var_confidence", 0.95)
	v.SetDefault("metrics.var_horizon_days", 1)
	v.SetDefault("metrics.volatility_window", 30)
	v.SetDefault("metrics.annualization_factor", 365)
	v.SetDefault("metrics.sharpe_window", 30)
	v.SetDefault("metrics.risk_free_rate", 0.02)
	v.SetDefault("metrics.max_drawdown_alert", 0.2)
	v.SetDefault("metrics.retention_length", 1000)

	v.SetDefault("supervisor.snapshot_interval", "1m")
	v.SetDefault("supervisor.stop_interval", "5s")

	v.SetDefault("alerts.webhook_url", "")
}

// Validate checks cross-field constraints the component configs cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Account.InitialCash <= 0 {
		return fmt.Errorf("initial cash must be positive, got %v", c.Account.InitialCash)
	}
	if c.Metrics.VaRConfidence <= 0 || c.Metrics.VaRConfidence >= 1 {
		return fmt.Errorf("var confidence must be in (0, 1), got %v", c.Metrics.VaRConfidence)
	}
	if c.Supervisor.SnapshotInterval <= 0 || c.Supervisor.StopInterval <= 0 {
		return errors.New("supervisor intervals must be positive")
	}
	if err := c.Risk.RiskConfig().Validate(); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	return nil
}
