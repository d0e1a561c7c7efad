// Package app assembles the engine, backtester and their collaborators from
// a loaded configuration. The binaries under cmd/ share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"autotrader/internal/api"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/internal/strategy/builtins"
	"autotrader/internal/util"
)

// orderBacktestStore is satisfied by both MemoryStore and SQLiteStore.
type orderBacktestStore interface {
	store.OrderStore
	store.BacktestStore
}

// App holds the wired components of one process.
type App struct {
	Config     *config.Config
	Calendar   *util.TradingCalendar
	Engine     *engine.Engine
	Backtester *strategy.Backtester
	Hub        *api.Hub
	Registry   *prometheus.Registry
	Broker     broker.Broker

	log     *slog.Logger
	closers []func() error
}

// New wires every component described by cfg. Close releases what it
// opened.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = util.Discard()
	}
	a := &App{Config: cfg, log: log}

	cal, err := util.NewTradingCalendar(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("trading calendar: %w", err)
	}
	a.Calendar = cal

	records, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	bars := store.NewParquetStore(cfg.Storage.DataDir)

	var (
		ledger   broker.Ledger
		prices   broker.PriceFeed
		upstream broker.HistoricalFeed
	)
	var alpacaBroker *broker.AlpacaBroker
	if cfg.Alpaca.APIKey != "" {
		alpacaBroker = broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:            cfg.Alpaca.APIKey,
			APISecret:         cfg.Alpaca.APISecret,
			BaseURL:           cfg.Alpaca.BaseURL,
			DataURL:           cfg.Alpaca.DataURL,
			Feed:              cfg.Alpaca.Feed,
			Risk:              cfg.Trading.RiskProfile(),
			RequestsPerMinute: cfg.Alpaca.RequestsPerMinute,
			MaxRetries:        cfg.Alpaca.MaxRetries,
			RetryDelay:        cfg.Alpaca.RetryDelay,
		}, log)
	}

	if cfg.Trading.PaperMode {
		sim := broker.NewSimulatorBroker(cal.Location())
		sim.OpenPortfolio(cfg.Trading.PaperPortfolio, cfg.Trading.PaperCash, cfg.Trading.RiskProfile())
		a.Broker = sim
		ledger, prices, upstream = sim, sim, sim
		if alpacaBroker != nil {
			// Paper fills are booked locally against live quotes.
			prices, upstream = alpacaBroker, alpacaBroker
		}
		log.Info("paper trading enabled",
			"portfolio", cfg.Trading.PaperPortfolio,
			"cash", cfg.Trading.PaperCash,
			"live_quotes", alpacaBroker != nil,
		)
	} else {
		if alpacaBroker == nil {
			a.Close()
			return nil, errors.New("live trading requires alpaca credentials")
		}
		a.Broker = alpacaBroker
		ledger, prices, upstream = alpacaBroker, alpacaBroker, alpacaBroker
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.Engine = engine.NewEngine(
		records,
		ledger,
		prices,
		cal,
		engine.NewRiskManager(cfg.Trading.MaxPositionPct, cal.Location()),
		engine.Options{
			MaxOrderQuantity:    cfg.Trading.MaxOrderQuantity,
			DefaultExpiry:       cfg.Trading.DefaultExpiry,
			AutoApproveChildren: cfg.Trading.AutoApproveChildren,
			StrictHours:         cfg.Trading.StrictHours,
		},
		log,
	)
	a.Engine.SetMetrics(engine.NewMetrics(a.Registry))

	a.Hub = api.NewHub(log)
	a.Engine.SetNotifier(a.Hub)

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	a.Backtester = strategy.NewBacktester(
		records,
		broker.NewCachedHistory(bars, upstream, log),
		registry,
		strategy.BacktestDefaults{
			InitialCapital: cfg.Backtest.InitialCapital,
			Commission:     cfg.Backtest.Commission,
			Slippage:       cfg.Backtest.Slippage,
			RiskFreeRate:   cfg.Backtest.RiskFreeRate,
			Benchmark:      cfg.Backtest.Benchmark,
		},
		log,
	)
	if cfg.Backtest.ExportEquity {
		a.Backtester.SetEquityStore(bars)
	}
	a.closers = append(a.closers, func() error {
		a.Backtester.Wait()
		return nil
	})

	return a, nil
}

func (a *App) openStore(ctx context.Context) (orderBacktestStore, error) {
	path := a.Config.Storage.SQLitePath
	if path == "" {
		a.log.Warn("no sqlite_path configured, orders are kept in memory")
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite directory: %w", err)
	}
	s, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	a.closers = append(a.closers, s.Close)
	a.log.Info("sqlite store opened", "path", path)
	return s, nil
}

// APIServer builds the HTTP and gRPC server over the wired components.
func (a *App) APIServer() *api.Server {
	srv := a.Config.Server
	opts := api.Options{
		HTTPAddr: net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port)),
		Gatherer: a.Registry,
	}
	if srv.GRPCPort > 0 {
		opts.GRPCAddr = net.JoinHostPort(srv.Host, strconv.Itoa(srv.GRPCPort))
	}
	return api.NewServer(a.Engine, a.Backtester, a.Hub, opts, a.log)
}

// Close waits for background backtests and closes the stores, in reverse
// order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
