// Package config loads the autotrader configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// DefaultPath is used when AUTOTRADER_CONFIG is unset.
const DefaultPath = "config/autotrader.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for autotrader.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Trading  TradingConfig  `yaml:"trading"`
	Schedule util.Schedule  `yaml:"schedule"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence. An empty SQLitePath keeps
// orders and backtest runs in memory.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration. A zero GRPCPort disables
// the gRPC listener.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	BaseURL           string        `yaml:"base_url"`
	DataURL           string        `yaml:"data_url"`
	Feed              string        `yaml:"feed"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	PaperMode           bool          `yaml:"paper_mode"`
	PaperCash           float64       `yaml:"paper_cash"`
	PaperPortfolio      string        `yaml:"paper_portfolio"`
	MaxOrderQuantity    int64         `yaml:"max_order_quantity"`
	MaxPositionPct      float64       `yaml:"max_position_pct"` // percent, 20 = 20%
	DefaultExpiry       time.Duration `yaml:"default_expiry"`
	SweepSchedule       string        `yaml:"sweep_schedule"`
	StrictHours         bool          `yaml:"strict_hours"`
	AutoApproveChildren bool          `yaml:"auto_approve_children"`
	AllowDayTrading     bool          `yaml:"allow_day_trading"`
	MaxDayTrades        int           `yaml:"max_day_trades"`
	DailyLossLimit      float64       `yaml:"daily_loss_limit"`
	RiskTolerance       string        `yaml:"risk_tolerance"`
}

// BacktestConfig holds defaults for backtest requests.
type BacktestConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	Commission     float64 `yaml:"commission"`
	Slippage       float64 `yaml:"slippage"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	Benchmark      string  `yaml:"benchmark"`
	ExportEquity   bool    `yaml:"export_equity"`
}

// RiskProfile builds the portfolio risk policy configured for the trading
// account.
func (t TradingConfig) RiskProfile() domain.RiskProfile {
	tier, _ := domain.ParseRiskTier(t.RiskTolerance)
	return domain.RiskProfile{
		MaxPositionPercent: t.MaxPositionPct,
		Tolerance:          tier,
		AllowDayTrading:    t.AllowDayTrading,
		MaxDayTrades:       t.MaxDayTrades,
		DailyLossLimit:     t.DailyLossLimit,
	}
}

// Default returns the configuration used for any field the file leaves out.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data"},
		Server:  Server{Host: "0.0.0.0", Port: 8080},
		Alpaca: Alpaca{
			BaseURL:           "https://paper-api.alpaca.markets",
			Feed:              "iex",
			RequestsPerMinute: 200,
			MaxRetries:        3,
			RetryDelay:        500 * time.Millisecond,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			PaperMode:        true,
			PaperCash:        100_000,
			PaperPortfolio:   "paper",
			MaxOrderQuantity: 10_000,
			MaxPositionPct:   20,
			DefaultExpiry:    24 * time.Hour,
			SweepSchedule:    "*/15 * * * * *",
			MaxDayTrades:     3,
		},
		Schedule: util.DefaultUSSchedule(),
		Backtest: BacktestConfig{
			InitialCapital: 100_000,
			RiskFreeRate:   0.02,
			Benchmark:      "SPY",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns AUTOTRADER_CONFIG when set, else DefaultPath.
func Path() string {
	if v := os.Getenv("AUTOTRADER_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	ve := &domain.ValidationError{}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		ve.Add(fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		ve.Add(fmt.Sprintf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		ve.Add("server.grpc_port must differ from server.port")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add(fmt.Sprintf("logging.level %q is not debug, info, warn or error", c.Logging.Level))
	}

	t := c.Trading
	if t.MaxOrderQuantity < 0 {
		ve.Add("trading.max_order_quantity must not be negative")
	}
	if t.MaxPositionPct < 0 || t.MaxPositionPct > 100 {
		ve.Add("trading.max_position_pct must be within [0, 100]")
	}
	if t.DefaultExpiry <= 0 {
		ve.Add("trading.default_expiry must be positive")
	}
	if t.SweepSchedule == "" {
		ve.Add("trading.sweep_schedule is required")
	}
	if t.MaxDayTrades < 0 {
		ve.Add("trading.max_day_trades must not be negative")
	}
	if t.RiskTolerance != "" {
		if _, ok := domain.ParseRiskTier(t.RiskTolerance); !ok {
			ve.Add(fmt.Sprintf("trading.risk_tolerance %q is not CONSERVATIVE, MODERATE or AGGRESSIVE", t.RiskTolerance))
		}
	}
	if t.PaperMode && t.PaperCash <= 0 {
		ve.Add("trading.paper_cash must be positive in paper mode")
	}
	if !t.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		ve.Add("alpaca credentials are required when paper_mode is off")
	}

	if _, err := util.NewTradingCalendar(c.Schedule); err != nil {
		ve.Add("schedule: " + err.Error())
	}

	b := c.Backtest
	if b.InitialCapital < 0 || b.Commission < 0 {
		ve.Add("backtest.initial_capital and backtest.commission must not be negative")
	}
	if b.Slippage < 0 || b.Slippage >= 1 {
		ve.Add("backtest.slippage must be within [0, 1)")
	}

	return ve.OrNil()
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("AUTOTRADER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUTOTRADER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("AUTOTRADER_PAPER_MODE"); v != "" {
		paper, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTOTRADER_PAPER_MODE: %w", err)
		}
		cfg.Trading.PaperMode = paper
	}
	if v := os.Getenv("AUTOTRADER_SWEEP_SCHEDULE"); v != "" {
		cfg.Trading.SweepSchedule = v
	}

	// Standard Alpaca env vars (highest priority, the names the SDK uses).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}
