package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

// Compile-time interface checks.
var _ Broker = (*SimulatorBroker)(nil)
var _ HistoricalFeed = (*SimulatorBroker)(nil)

type simPosition struct {
	qty      int64
	avgPrice decimal.Decimal
	openedAt time.Time
}

type simPortfolio struct {
	cash      decimal.Decimal
	positions map[string]*simPosition
	risk      domain.RiskProfile

	// Day counters reset when a fill lands on a new local date.
	day       string
	dayTrades int
	realized  decimal.Decimal
}

// SimulatorBroker is an in-memory ledger and price feed for paper trading
// and tests. Cash is tracked with decimal arithmetic so repeated fills do
// not accumulate float rounding.
type SimulatorBroker struct {
	mu         sync.Mutex
	loc        *time.Location
	portfolios map[string]*simPortfolio
	prices     map[string]float64
	priceErrs  map[string]error
	history    map[string][]domain.PricePoint
	fills      []domain.Fill
	now        func() time.Time
}

// NewSimulatorBroker creates an empty simulator. Day-trade bookkeeping uses
// loc to decide what "the same day" means; nil selects UTC.
func NewSimulatorBroker(loc *time.Location) *SimulatorBroker {
	if loc == nil {
		loc = time.UTC
	}
	return &SimulatorBroker{
		loc:        loc,
		portfolios: make(map[string]*simPortfolio),
		prices:     make(map[string]float64),
		priceErrs:  make(map[string]error),
		history:    make(map[string][]domain.PricePoint),
		now:        time.Now,
	}
}

// SetClock replaces the clock used to scope day counters in snapshots.
func (b *SimulatorBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = now
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// OpenPortfolio creates (or resets) a portfolio with the given cash and
// risk profile.
func (b *SimulatorBroker) OpenPortfolio(id string, cash float64, risk domain.RiskProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.portfolios[id] = &simPortfolio{
		cash:      decimal.NewFromFloat(cash),
		positions: make(map[string]*simPosition),
		risk:      risk,
	}
}

// SetPosition seeds a holding in a portfolio.
func (b *SimulatorBroker) SetPosition(portfolioID string, pos domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.portfolios[portfolioID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPortfolioNotFound, portfolioID)
	}
	symbol := strings.ToUpper(pos.Symbol)
	if pos.Quantity == 0 {
		delete(p.positions, symbol)
		return nil
	}
	p.positions[symbol] = &simPosition{
		qty:      pos.Quantity,
		avgPrice: decimal.NewFromFloat(pos.AvgPrice),
		openedAt: pos.OpenedAt,
	}
	return nil
}

// SetPrice sets the current quote for a symbol and clears any injected
// error.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	b.prices[symbol] = price
	delete(b.priceErrs, symbol)
}

// SetPriceError makes CurrentPrice fail for a symbol until SetPrice is
// called again.
func (b *SimulatorBroker) SetPriceError(symbol string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.priceErrs[strings.ToUpper(symbol)] = err
}

// SetHistory replaces the historical series served for a symbol.
func (b *SimulatorBroker) SetHistory(symbol string, points []domain.PricePoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := append([]domain.PricePoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	b.history[strings.ToUpper(symbol)] = sorted
}

// Fills returns every fill applied so far.
func (b *SimulatorBroker) Fills() []domain.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]domain.Fill(nil), b.fills...)
}

// CurrentPrice returns the last price set for symbol.
func (b *SimulatorBroker) CurrentPrice(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if err := b.priceErrs[symbol]; err != nil {
		return 0, err
	}
	price, ok := b.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: no quote for %s", domain.ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// HistoricalSeries returns the stored bars for symbol within [start, end].
func (b *SimulatorBroker) HistoricalSeries(_ context.Context, symbol string, start, end time.Time) ([]domain.PricePoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.PricePoint
	for _, p := range b.history[strings.ToUpper(symbol)] {
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Snapshot returns the portfolio state scoped to symbol.
func (b *SimulatorBroker) Snapshot(_ context.Context, portfolioID, symbol string) (domain.PortfolioSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.portfolios[portfolioID]
	if !ok {
		return domain.PortfolioSnapshot{}, fmt.Errorf("%w: %s", domain.ErrPortfolioNotFound, portfolioID)
	}

	total := p.cash
	for sym, pos := range p.positions {
		mark := pos.avgPrice
		if px, ok := b.prices[sym]; ok && px > 0 {
			mark = decimal.NewFromFloat(px)
		}
		total = total.Add(mark.Mul(decimal.NewFromInt(pos.qty)))
	}

	snap := domain.PortfolioSnapshot{
		PortfolioID: portfolioID,
		Cash:        p.cash.InexactFloat64(),
		TotalValue:  total.InexactFloat64(),
		Position:    domain.Position{Symbol: strings.ToUpper(symbol)},
		Risk:        p.risk,
	}
	if p.day == b.today() {
		snap.DayTradeCount = p.dayTrades
		snap.RealizedPnLToday = p.realized.InexactFloat64()
	}
	if pos, ok := p.positions[strings.ToUpper(symbol)]; ok {
		snap.Position.Quantity = pos.qty
		snap.Position.AvgPrice = pos.avgPrice.InexactFloat64()
		snap.Position.OpenedAt = pos.openedAt
	}
	return snap, nil
}

// ApplyFill books an execution against the portfolio. Buys that exceed cash
// and sells that exceed the holding are refused.
func (b *SimulatorBroker) ApplyFill(_ context.Context, portfolioID string, fill domain.Fill) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.portfolios[portfolioID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPortfolioNotFound, portfolioID)
	}
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return fmt.Errorf("invalid fill: quantity %d at %v", fill.Quantity, fill.Price)
	}

	day := fill.At.In(b.loc).Format("2006-01-02")
	if p.day != day {
		p.day, p.dayTrades, p.realized = day, 0, decimal.Zero
	}

	symbol := strings.ToUpper(fill.Symbol)
	qty := decimal.NewFromInt(fill.Quantity)
	price := decimal.NewFromFloat(fill.Price)
	notional := price.Mul(qty)
	pos := p.positions[symbol]

	switch fill.Side {
	case domain.OrderSideBuy:
		if notional.GreaterThan(p.cash) {
			return fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, notional.StringFixed(2), p.cash.StringFixed(2))
		}
		p.cash = p.cash.Sub(notional)
		if pos == nil {
			p.positions[symbol] = &simPosition{qty: fill.Quantity, avgPrice: price, openedAt: fill.At}
			break
		}
		held := decimal.NewFromInt(pos.qty)
		pos.avgPrice = pos.avgPrice.Mul(held).Add(notional).Div(held.Add(qty))
		pos.qty += fill.Quantity

	case domain.OrderSideSell:
		if pos == nil || pos.qty < fill.Quantity {
			var held int64
			if pos != nil {
				held = pos.qty
			}
			return fmt.Errorf("%w: selling %d %s, holding %d", domain.ErrInsufficientShares, fill.Quantity, symbol, held)
		}
		p.cash = p.cash.Add(notional)
		p.realized = p.realized.Add(price.Sub(pos.avgPrice).Mul(qty))
		if pos.openedAt.In(b.loc).Format("2006-01-02") == day {
			p.dayTrades++
		}
		pos.qty -= fill.Quantity
		if pos.qty == 0 {
			delete(p.positions, symbol)
		}

	default:
		return fmt.Errorf("invalid fill side %q", fill.Side)
	}

	b.fills = append(b.fills, fill)
	return nil
}

func (b *SimulatorBroker) today() string {
	return b.now().In(b.loc).Format("2006-01-02")
}
