package strategy

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"autotrader/internal/domain"
)

const (
	tradingDaysPerYear = 252
	tailProbability    = 0.05
)

// MetricsInput is everything ComputeMetrics scores.
type MetricsInput struct {
	Equity         []domain.EquityPoint
	Trades         []domain.TradeRecord
	Benchmark      []domain.PricePoint // optional
	InitialCapital float64             // falls back to the first equity sample
	RiskFreeRate   float64             // annual, fraction
}

// ComputeMetrics scores a finished simulation. Every field is finite:
// degenerate inputs (no samples, zero variance, no losses) yield 0.
func ComputeMetrics(in MetricsInput) domain.Metrics {
	var m domain.Metrics
	if len(in.Equity) == 0 {
		return m
	}

	initial := in.InitialCapital
	if initial <= 0 {
		initial = in.Equity[0].Equity
	}
	final := in.Equity[len(in.Equity)-1].Equity
	m.FinalEquity = final
	if initial > 0 {
		m.TotalReturn = final/initial - 1
	}

	days := in.Equity[len(in.Equity)-1].Timestamp.Sub(in.Equity[0].Timestamp).Hours() / 24
	m.AnnualizedReturn = annualize(m.TotalReturn, days)

	returns := dailyReturns(in.Equity)
	dailyRf := in.RiskFreeRate / tradingDaysPerYear
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - dailyRf
	}

	premium := m.AnnualizedReturn - in.RiskFreeRate
	if len(returns) >= 2 {
		m.Volatility = stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear)
		if m.Volatility > 0 {
			m.SharpeRatio = premium / m.Volatility
		}
	}
	m.SortinoRatio = sortino(premium, excess)

	m.MaxDrawdown = maxDrawdown(in.Equity)
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}
	m.VaR95, m.CVaR95 = tailRisk(returns)

	if len(in.Benchmark) > 0 {
		strat, bench := alignedReturns(in.Equity, in.Benchmark)
		m.BenchmarkReturn = benchmarkReturn(in.Benchmark)
		if len(bench) >= 2 {
			if v := stat.Variance(bench, nil); v > 0 {
				m.Beta = stat.Covariance(strat, bench, nil) / v
			}
			m.Correlation = correlation(strat, bench)
		}
		benchAnn := annualize(m.BenchmarkReturn, days)
		m.Alpha = m.AnnualizedReturn - (in.RiskFreeRate + m.Beta*(benchAnn-in.RiskFreeRate))
	}

	tradeStats(&m, in.Trades)
	sanitize(&m)
	return m
}

func annualize(total, days float64) float64 {
	if days <= 0 || total <= -1 {
		return 0
	}
	return math.Pow(1+total, 365/days) - 1
}

func dailyReturns(equity []domain.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i].Equity/prev-1)
	}
	return out
}

// sortino divides the annual premium by the annualized deviation of the
// negative excess daily returns. A single negative day has no sample
// deviation, so its magnitude stands in for it.
func sortino(premium float64, excess []float64) float64 {
	var downside []float64
	for _, r := range excess {
		if r < 0 {
			downside = append(downside, r)
		}
	}

	var sd float64
	switch len(downside) {
	case 0:
		return 0
	case 1:
		sd = -downside[0]
	default:
		sd = stat.StdDev(downside, nil)
	}
	if sd == 0 {
		return 0
	}
	return premium / (sd * math.Sqrt(tradingDaysPerYear))
}

// maxDrawdown returns the largest peak-to-trough decline as a positive
// fraction.
func maxDrawdown(equity []domain.EquityPoint) float64 {
	var peak, worst float64
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// tailRisk returns the empirical 5% quantile of returns and the mean of the
// returns at or below it.
func tailRisk(returns []float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	v := stat.Quantile(tailProbability, stat.Empirical, sorted, nil)
	var tail []float64
	for _, r := range sorted {
		if r > v {
			break
		}
		tail = append(tail, r)
	}
	return v, stat.Mean(tail, nil)
}

// alignedReturns pairs strategy and benchmark daily returns on the dates
// both series cover.
func alignedReturns(equity []domain.EquityPoint, bench []domain.PricePoint) ([]float64, []float64) {
	closes := make(map[string]float64, len(bench))
	for _, b := range bench {
		closes[b.Timestamp.Format("2006-01-02")] = b.Close
	}

	var strat, bm []float64
	for i := 1; i < len(equity); i++ {
		prevB, ok1 := closes[equity[i-1].Timestamp.Format("2006-01-02")]
		curB, ok2 := closes[equity[i].Timestamp.Format("2006-01-02")]
		prevE := equity[i-1].Equity
		if !ok1 || !ok2 || prevB == 0 || prevE == 0 {
			continue
		}
		strat = append(strat, equity[i].Equity/prevE-1)
		bm = append(bm, curB/prevB-1)
	}
	return strat, bm
}

func benchmarkReturn(bench []domain.PricePoint) float64 {
	first, last := bench[0].Close, bench[len(bench)-1].Close
	if first == 0 {
		return 0
	}
	return last/first - 1
}

func correlation(x, y []float64) float64 {
	if stat.StdDev(x, nil) == 0 || stat.StdDev(y, nil) == 0 {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

func tradeStats(m *domain.Metrics, trades []domain.TradeRecord) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var wins, losses, holding []float64
	for _, t := range trades {
		pnl := t.PnL()
		switch {
		case pnl > 0:
			wins = append(wins, pnl)
		case pnl < 0:
			losses = append(losses, -pnl)
		}
		holding = append(holding, t.HoldingPeriod().Hours()/24)
	}

	m.WinRate = float64(len(wins)) / float64(len(trades))
	if len(wins) > 0 {
		m.AverageWin = stat.Mean(wins, nil)
	}
	if len(losses) > 0 {
		m.AverageLoss = stat.Mean(losses, nil)
	}
	if m.AverageLoss > 0 {
		m.ProfitFactor = m.AverageWin / m.AverageLoss
	}
	m.AvgHoldingDays = stat.Mean(holding, nil)
}

func sanitize(m *domain.Metrics) {
	for _, f := range []*float64{
		&m.TotalReturn, &m.AnnualizedReturn, &m.Volatility, &m.SharpeRatio,
		&m.SortinoRatio, &m.CalmarRatio, &m.MaxDrawdown, &m.VaR95, &m.CVaR95,
		&m.Beta, &m.Alpha, &m.Correlation, &m.WinRate, &m.AverageWin,
		&m.AverageLoss, &m.ProfitFactor, &m.AvgHoldingDays, &m.FinalEquity,
		&m.BenchmarkReturn,
	} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
}
