package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/util"
)

// progressSteps is how many progress updates a run publishes.
const progressSteps = 20

// errAbandoned stops a simulation whose run was finished by someone else.
var errAbandoned = errors.New("run no longer running")

// BacktestDefaults fill in request parameters left at zero.
type BacktestDefaults struct {
	InitialCapital float64
	Commission     float64
	Slippage       float64
	RiskFreeRate   float64
	Benchmark      string
}

// Backtester replays historical prices through a strategy and computes
// performance metrics. Runs execute in background goroutines and report
// through the run store.
type Backtester struct {
	runs     store.BacktestStore
	history  broker.HistoricalFeed
	registry *Registry
	equity   store.EquityStore
	defaults BacktestDefaults
	log      *slog.Logger
	now      func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewBacktester creates a Backtester that reads prices from history, looks
// up strategies in registry and records runs in runs.
func NewBacktester(
	runs store.BacktestStore,
	history broker.HistoricalFeed,
	registry *Registry,
	defaults BacktestDefaults,
	log *slog.Logger,
) *Backtester {
	if log == nil {
		log = util.Discard()
	}
	return &Backtester{
		runs:     runs,
		history:  history,
		registry: registry,
		defaults: defaults,
		log:      log.With("component", "backtester"),
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetEquityStore enables exporting the equity curve of completed runs.
func (bt *Backtester) SetEquityStore(es store.EquityStore) { bt.equity = es }

// SetClock replaces the clock used for run timestamps.
func (bt *Backtester) SetClock(now func() time.Time) { bt.now = now }

// Run validates req, records a PENDING run and starts the simulation in the
// background. The returned run is a snapshot taken before it starts.
func (bt *Backtester) Run(ctx context.Context, req domain.BacktestRequest) (*domain.BacktestRun, error) {
	params := bt.withDefaults(req.Params)
	if err := bt.validate(req.Strategy, params); err != nil {
		return nil, err
	}

	run := &domain.BacktestRun{
		ID:        uuid.NewString(),
		Strategy:  req.Strategy,
		Params:    params,
		Status:    domain.BacktestPending,
		CreatedAt: bt.now(),
	}
	if err := bt.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("saving backtest: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	bt.mu.Lock()
	bt.cancels[run.ID] = cancel
	bt.mu.Unlock()

	bt.wg.Add(1)
	go func() {
		defer bt.wg.Done()
		defer bt.forget(run.ID)
		bt.execute(runCtx, run.ID)
	}()

	bt.log.Info("backtest queued",
		"run_id", run.ID,
		"strategy", run.Strategy,
		"symbol", params.Symbol,
		"start", params.Start.Format("2006-01-02"),
		"end", params.End.Format("2006-01-02"),
	)
	return run.Clone(), nil
}

// Get returns a run by ID.
func (bt *Backtester) Get(ctx context.Context, id string) (*domain.BacktestRun, error) {
	return bt.runs.GetRun(ctx, id)
}

// List returns every run, newest first.
func (bt *Backtester) List(ctx context.Context) ([]domain.BacktestRun, error) {
	return bt.runs.ListRuns(ctx)
}

// Cancel marks a pending or running backtest FAILED with the message
// "cancelled" and stops its goroutine. Finished runs are returned unchanged.
func (bt *Backtester) Cancel(ctx context.Context, id string) (*domain.BacktestRun, error) {
	for attempt := 0; attempt < 3; attempt++ {
		run, err := bt.runs.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		updated, err := bt.runs.UpdateRun(ctx, id, run.Status, func(r *domain.BacktestRun) {
			r.Status = domain.BacktestFailed
			r.ErrorMessage = domain.CancelledMessage
			r.CompletedAt = bt.now()
		})
		if errors.Is(err, domain.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return nil, err
		}

		bt.mu.Lock()
		if cancel, ok := bt.cancels[id]; ok {
			cancel()
		}
		bt.mu.Unlock()

		bt.log.Info("backtest cancelled", "run_id", id)
		return updated, nil
	}
	return nil, fmt.Errorf("%w: cancelling backtest %s", domain.ErrConcurrentModification, id)
}

// Wait blocks until every background run has returned.
func (bt *Backtester) Wait() {
	bt.wg.Wait()
}

func (bt *Backtester) forget(id string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if cancel, ok := bt.cancels[id]; ok {
		cancel()
		delete(bt.cancels, id)
	}
}

func (bt *Backtester) withDefaults(p domain.BacktestParams) domain.BacktestParams {
	if p.InitialCapital == 0 {
		p.InitialCapital = bt.defaults.InitialCapital
	}
	if p.Commission == 0 {
		p.Commission = bt.defaults.Commission
	}
	if p.Slippage == 0 {
		p.Slippage = bt.defaults.Slippage
	}
	if p.RiskFreeRate == 0 {
		p.RiskFreeRate = bt.defaults.RiskFreeRate
	}
	if p.Benchmark == "" {
		p.Benchmark = bt.defaults.Benchmark
	}
	return p
}

func (bt *Backtester) validate(name string, p domain.BacktestParams) error {
	ve := &domain.ValidationError{}
	if _, ok := bt.registry.Get(name); !ok {
		ve.Add(fmt.Sprintf("unknown strategy %q", name))
	}
	if p.Symbol == "" {
		ve.Add("symbol is required")
	}
	if p.Start.IsZero() || p.End.IsZero() || !p.Start.Before(p.End) {
		ve.Add("start must be before end")
	}
	if p.InitialCapital <= 0 {
		ve.Add("initial_capital must be positive")
	}
	if p.Commission < 0 {
		ve.Add("commission must not be negative")
	}
	if p.Slippage < 0 || p.Slippage >= 1 {
		ve.Add("slippage must be in [0, 1)")
	}
	return ve.OrNil()
}

// execute drives one run to a terminal status. It never panics.
func (bt *Backtester) execute(ctx context.Context, id string) {
	log := bt.log.With("run_id", id)
	defer func() {
		if r := recover(); r != nil {
			log.Error("backtest panicked", "panic", r)
			bt.fail(id, fmt.Sprintf("%v: panic: %v", domain.ErrBacktestExecution, r))
		}
	}()

	run, err := bt.runs.UpdateRun(ctx, id, domain.BacktestPending, func(r *domain.BacktestRun) {
		r.Status = domain.BacktestRunning
		r.StartedAt = bt.now()
	})
	if err != nil {
		log.Info("backtest not started", "error", err)
		return
	}

	res, err := bt.simulate(ctx, run)
	switch {
	case errors.Is(err, errAbandoned):
		log.Info("backtest abandoned")
		return
	case err != nil:
		log.Error("backtest failed", "error", err)
		bt.fail(id, err.Error())
		return
	}

	metrics := ComputeMetrics(MetricsInput{
		Equity:         res.equity,
		Trades:         res.trades,
		Benchmark:      res.benchmark,
		InitialCapital: run.Params.InitialCapital,
		RiskFreeRate:   run.Params.RiskFreeRate,
	})

	_, err = bt.runs.UpdateRun(ctx, id, domain.BacktestRunning, func(r *domain.BacktestRun) {
		r.Status = domain.BacktestCompleted
		r.Progress = 100
		r.Trades = res.trades
		r.Equity = res.equity
		r.Metrics = &metrics
		r.CompletedAt = bt.now()
	})
	if err != nil {
		log.Info("backtest finished elsewhere", "error", err)
		return
	}
	log.Info("backtest completed",
		"trades", metrics.TotalTrades,
		"total_return", metrics.TotalReturn,
		"sharpe", metrics.SharpeRatio,
		"max_drawdown", metrics.MaxDrawdown,
	)

	if bt.equity != nil {
		if err := bt.equity.WriteEquityCurve(context.Background(), id, res.equity); err != nil {
			log.Warn("exporting equity curve", "error", err)
		}
	}
}

// fail moves a non-terminal run to FAILED. It uses a fresh context so a
// cancelled run context cannot block the bookkeeping.
func (bt *Backtester) fail(id, msg string) {
	ctx := context.Background()
	for _, from := range []domain.BacktestStatus{domain.BacktestRunning, domain.BacktestPending} {
		_, err := bt.runs.UpdateRun(ctx, id, from, func(r *domain.BacktestRun) {
			r.Status = domain.BacktestFailed
			r.ErrorMessage = msg
			r.CompletedAt = bt.now()
		})
		if err == nil {
			return
		}
	}
}

type simResult struct {
	trades    []domain.TradeRecord
	equity    []domain.EquityPoint
	benchmark []domain.PricePoint
}

// simulate feeds the price series to the strategy and books long-only fills
// at each bar's close, adjusted for slippage and commission.
func (bt *Backtester) simulate(ctx context.Context, run *domain.BacktestRun) (*simResult, error) {
	p := run.Params

	strat, ok := bt.registry.Get(run.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrBacktestExecution, run.Strategy)
	}
	if err := strat.Init(ctx, p.StrategyParams); err != nil {
		return nil, fmt.Errorf("%w: init %s: %v", domain.ErrBacktestExecution, run.Strategy, err)
	}

	bars, err := bt.history.HistoricalSeries(ctx, p.Symbol, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", domain.ErrBacktestExecution, p.Symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no price data for %s", domain.ErrBacktestExecution, p.Symbol)
	}

	res := &simResult{}
	if p.Benchmark != "" {
		res.benchmark, err = bt.history.HistoricalSeries(ctx, p.Benchmark, p.Start, p.End)
		if err != nil {
			bt.log.Warn("benchmark unavailable", "run_id", run.ID, "benchmark", p.Benchmark, "error", err)
			res.benchmark = nil
		}
	}

	b := &book{cash: p.InitialCapital, commission: p.Commission, slippage: p.Slippage}
	step := len(bars) / progressSteps
	if step == 0 {
		step = 1
	}

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, errAbandoned
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrBacktestExecution, err)
		}

		signals, err := strat.OnBar(ctx, bar)
		if err != nil {
			return nil, fmt.Errorf("%w: %s on %s: %v", domain.ErrBacktestExecution,
				run.Strategy, bar.Timestamp.Format("2006-01-02"), err)
		}
		for _, sig := range signals {
			if t, closed := b.apply(sig, bar); closed {
				res.trades = append(res.trades, t)
			}
		}
		res.equity = append(res.equity, domain.EquityPoint{Timestamp: bar.Timestamp, Equity: b.value(bar.Close)})

		if (i+1)%step == 0 && i+1 < len(bars) {
			pct := float64(i+1) / float64(len(bars)) * 100
			if _, err := bt.runs.UpdateRun(ctx, run.ID, domain.BacktestRunning, func(r *domain.BacktestRun) {
				r.Progress = math.Floor(pct)
			}); err != nil {
				return nil, errAbandoned
			}
		}
	}

	last := bars[len(bars)-1]
	if t, ok := b.close(last); ok {
		res.trades = append(res.trades, t)
		res.equity[len(res.equity)-1].Equity = b.value(last.Close)
	}
	return res, nil
}

// book is the long-only position of a simulation.
type book struct {
	cash       float64
	commission float64
	slippage   float64

	qty        int64
	entryPrice float64
	entryDate  time.Time
	entryCost  float64 // commission plus slippage paid on entry
}

func (b *book) value(price float64) float64 {
	return b.cash + float64(b.qty)*price
}

// apply acts on a signal. It returns the completed round trip when the
// signal closed the position.
func (b *book) apply(sig domain.Signal, bar domain.PricePoint) (domain.TradeRecord, bool) {
	switch sig.Type {
	case domain.SignalTypeBuy:
		b.open(sig, bar)
	case domain.SignalTypeSell:
		return b.close(bar)
	}
	return domain.TradeRecord{}, false
}

func (b *book) open(sig domain.Signal, bar domain.PricePoint) {
	if b.qty > 0 || bar.Close <= 0 {
		return
	}
	fraction := sig.Strength
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	fill := bar.Close * (1 + b.slippage)
	budget := b.cash*fraction - b.commission
	qty := int64(math.Floor(budget / fill))
	if qty <= 0 {
		return
	}

	b.cash -= float64(qty)*fill + b.commission
	b.qty = qty
	b.entryPrice = bar.Close
	b.entryDate = bar.Timestamp
	b.entryCost = b.commission + float64(qty)*bar.Close*b.slippage
}

func (b *book) close(bar domain.PricePoint) (domain.TradeRecord, bool) {
	if b.qty == 0 {
		return domain.TradeRecord{}, false
	}
	fill := bar.Close * (1 - b.slippage)
	b.cash += float64(b.qty)*fill - b.commission

	t := domain.TradeRecord{
		Symbol:     bar.Symbol,
		Side:       domain.OrderSideBuy,
		EntryDate:  b.entryDate,
		ExitDate:   bar.Timestamp,
		EntryPrice: b.entryPrice,
		ExitPrice:  bar.Close,
		Quantity:   b.qty,
		Commission: 2 * b.commission,
		Slippage:   b.entryCost - b.commission + float64(b.qty)*bar.Close*b.slippage,
	}
	b.qty = 0
	b.entryCost = 0
	return t, true
}
