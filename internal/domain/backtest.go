package domain

import "time"

// BacktestStatus is the lifecycle state of a backtest run.
type BacktestStatus string

const (
	BacktestPending   BacktestStatus = "PENDING"
	BacktestRunning   BacktestStatus = "RUNNING"
	BacktestCompleted BacktestStatus = "COMPLETED"
	BacktestFailed    BacktestStatus = "FAILED"
)

// IsTerminal reports whether the run has finished.
func (s BacktestStatus) IsTerminal() bool {
	return s == BacktestCompleted || s == BacktestFailed
}

// CancelledMessage is the error message recorded on a cancelled run.
const CancelledMessage = "cancelled"

// BacktestParams configures a simulation.
type BacktestParams struct {
	Symbol         string             `json:"symbol"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	InitialCapital float64            `json:"initial_capital"`
	Commission     float64            `json:"commission"` // per fill, currency
	Slippage       float64            `json:"slippage"`   // fraction of price
	Benchmark      string             `json:"benchmark,omitempty"`
	RiskFreeRate   float64            `json:"risk_free_rate"` // annual, fraction
	StrategyParams map[string]float64 `json:"strategy_params,omitempty"`
}

// BacktestRequest asks for a strategy to be simulated.
type BacktestRequest struct {
	Strategy string         `json:"strategy"`
	Params   BacktestParams `json:"params"`
}

// TradeRecord is one round-trip produced by a simulation.
type TradeRecord struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"` // side of the opening fill
	EntryDate  time.Time `json:"entry_date"`
	ExitDate   time.Time `json:"exit_date"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   int64     `json:"quantity"`
	Commission float64   `json:"commission"`
	Slippage   float64   `json:"slippage"` // currency cost
}

// PnL returns the net profit of the round-trip after costs.
func (t TradeRecord) PnL() float64 {
	gross := (t.ExitPrice - t.EntryPrice) * float64(t.Quantity)
	if t.Side == OrderSideSell {
		gross = -gross
	}
	return gross - t.Commission - t.Slippage
}

// HoldingPeriod returns the time between entry and exit.
func (t TradeRecord) HoldingPeriod() time.Duration {
	return t.ExitDate.Sub(t.EntryDate)
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Metrics summarises a completed run.
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	SortinoRatio     float64 `json:"sortino_ratio"`
	CalmarRatio      float64 `json:"calmar_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	VaR95            float64 `json:"var_95"`
	CVaR95           float64 `json:"cvar_95"`
	Beta             float64 `json:"beta"`
	Alpha            float64 `json:"alpha"`
	Correlation      float64 `json:"correlation"`
	TotalTrades      int     `json:"total_trades"`
	WinRate          float64 `json:"win_rate"`
	AverageWin       float64 `json:"average_win"`
	AverageLoss      float64 `json:"average_loss"`
	ProfitFactor     float64 `json:"profit_factor"`
	AvgHoldingDays   float64 `json:"avg_holding_days"`
	FinalEquity      float64 `json:"final_equity"`
	BenchmarkReturn  float64 `json:"benchmark_return"`
}

// BacktestRun is the record of one simulation and its results.
type BacktestRun struct {
	ID           string         `json:"id"`
	Strategy     string         `json:"strategy"`
	Params       BacktestParams `json:"params"`
	Status       BacktestStatus `json:"status"`
	Progress     float64        `json:"progress_percentage"`
	Trades       []TradeRecord  `json:"trades,omitempty"`
	Equity       []EquityPoint  `json:"equity,omitempty"`
	Metrics      *Metrics       `json:"metrics,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the owner.
func (r *BacktestRun) Clone() *BacktestRun {
	c := *r
	c.Trades = append([]TradeRecord(nil), r.Trades...)
	c.Equity = append([]EquityPoint(nil), r.Equity...)
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	if r.Params.StrategyParams != nil {
		c.Params.StrategyParams = make(map[string]float64, len(r.Params.StrategyParams))
		for k, v := range r.Params.StrategyParams {
			c.Params.StrategyParams[k] = v
		}
	}
	return &c
}

// SignalType is the action suggested by a strategy.
type SignalType string

const (
	SignalTypeBuy  SignalType = "buy"
	SignalTypeSell SignalType = "sell"
)

// Signal is a strategy's trading suggestion for a bar.
type Signal struct {
	Symbol    string     `json:"symbol"`
	Type      SignalType `json:"type"`
	Strength  float64    `json:"strength"`
	CreatedAt time.Time  `json:"created_at"`
}
