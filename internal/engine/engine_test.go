package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/util"
)

// Tuesday 2024-03-12 10:00 New York (EDT).
var marketOpen = time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)

// Same day, 18:00 New York.
var marketClosed = time.Date(2024, 3, 12, 22, 0, 0, 0, time.UTC)

type recorder struct {
	mu          sync.Mutex
	transitions []domain.Transition
}

func (r *recorder) OrderTransitioned(t domain.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) all() []domain.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Transition(nil), r.transitions...)
}

type fixture struct {
	engine *Engine
	orders *store.MemoryStore
	sim    *broker.SimulatorBroker
	events *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	cal, err := util.NewTradingCalendar(util.DefaultUSSchedule())
	require.NoError(t, err)

	sim := broker.NewSimulatorBroker(cal.Location())
	sim.SetClock(func() time.Time { return marketOpen })
	sim.OpenPortfolio("p1", 10_000, domain.RiskProfile{})
	sim.SetPrice("AAPL", 100)

	orders := store.NewMemoryStore()
	return newFixtureWith(t, orders, sim, cal, opts)
}

func newFixtureWith(t *testing.T, orders *store.MemoryStore, sim *broker.SimulatorBroker, cal *util.TradingCalendar, opts Options) *fixture {
	t.Helper()

	e := NewEngine(orders, sim, sim, cal, NewRiskManager(0, cal.Location()), opts, nil)
	e.SetClock(func() time.Time { return marketOpen })
	events := &recorder{}
	e.SetNotifier(events)
	return &fixture{engine: e, orders: orders, sim: sim, events: events}
}

func (f *fixture) approved(t *testing.T, spec domain.OrderSpec) *domain.Order {
	t.Helper()
	ctx := context.Background()

	o, err := f.engine.CreateOrder(ctx, spec)
	require.NoError(t, err)
	o, err = f.engine.AssignToPortfolio(ctx, o.ID, "p1", domain.Constraints{})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusApproved, o.Status)
	return o
}

func (f *fixture) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	o, err := f.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func marketBuy(qty int64) domain.OrderSpec {
	return domain.OrderSpec{Symbol: "aapl", Side: "buy", Kind: "market", Quantity: qty, Source: "test"}
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, Options{})

	o, err := f.engine.CreateOrder(context.Background(), marketBuy(10))
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, domain.OrderSideBuy, o.Side)
	assert.Equal(t, domain.OrderKindMarket, o.Kind)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Equal(t, marketOpen.Add(defaultExpiry), o.ExpiresAt)

	stored, err := f.engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.ID)
}

func TestCreateOrderReportsEveryViolation(t *testing.T) {
	f := newFixture(t, Options{MaxOrderQuantity: 1000})

	_, err := f.engine.CreateOrder(context.Background(), domain.OrderSpec{
		Side:      domain.OrderSideBuy,
		Kind:      domain.OrderKindLimit,
		Quantity:  0,
		ExpiresAt: marketOpen.Add(-time.Minute),
	})
	require.Error(t, err)

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Violations, 4)
	assert.Contains(t, err.Error(), "symbol is required")
	assert.Contains(t, err.Error(), "quantity must be positive")
	assert.Contains(t, err.Error(), "limit orders require limit_price")
	assert.Contains(t, err.Error(), "expires_at must be in the future")

	all, err := f.engine.ListOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateOrderQuantityCeiling(t *testing.T) {
	f := newFixture(t, Options{MaxOrderQuantity: 100})

	_, err := f.engine.CreateOrder(context.Background(), marketBuy(101))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantity 101 exceeds maximum 100")
}

func TestAssignToPortfolioApproves(t *testing.T) {
	f := newFixture(t, Options{})

	o := f.approved(t, marketBuy(10))
	assert.Equal(t, "p1", o.PortfolioID)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderStatusPending, events[0].From)
	assert.Equal(t, domain.OrderStatusApproved, events[0].To)
}

func TestAssignToPortfolioInsufficientFunds(t *testing.T) {
	f := newFixture(t, Options{})
	f.sim.OpenPortfolio("p1", 2000, domain.RiskProfile{})
	ctx := context.Background()

	o, err := f.engine.CreateOrder(ctx, marketBuy(20))
	require.NoError(t, err)

	_, err = f.engine.AssignToPortfolio(ctx, o.ID, "p1", domain.Constraints{ReferencePrice: 150})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	stored, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
	assert.Contains(t, stored.FailureReason, "insufficient funds")
	assert.Equal(t, "p1", stored.PortfolioID)
}

func TestAssignToPortfolioErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.engine.AssignToPortfolio(ctx, "missing", "p1", domain.Constraints{})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	o, err := f.engine.CreateOrder(ctx, marketBuy(1))
	require.NoError(t, err)
	_, err = f.engine.AssignToPortfolio(ctx, o.ID, "nope", domain.Constraints{})
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)
	assert.Equal(t, domain.OrderStatusPending, f.status(t, o.ID))

	_, err = f.engine.AssignToPortfolio(ctx, o.ID, "p1", domain.Constraints{})
	require.NoError(t, err)
	_, err = f.engine.AssignToPortfolio(ctx, o.ID, "p1", domain.Constraints{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAssignToPortfolioWithoutQuote(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.sim.SetPriceError("AAPL", errors.New("feed down"))

	o, err := f.engine.CreateOrder(ctx, marketBuy(1))
	require.NoError(t, err)

	_, err = f.engine.AssignToPortfolio(ctx, o.ID, "p1", domain.Constraints{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed down")
	assert.Equal(t, domain.OrderStatusPending, f.status(t, o.ID))
}

func TestAssignToPortfolioStrictHours(t *testing.T) {
	f := newFixture(t, Options{StrictHours: true})
	f.engine.SetClock(func() time.Time { return marketClosed })
	ctx := context.Background()

	o, err := f.engine.CreateOrder(ctx, marketBuy(1))
	require.NoError(t, err)

	_, err = f.engine.AssignToPortfolio(ctx, o.ID, "p1", domain.Constraints{})
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
	assert.Equal(t, domain.OrderStatusPending, f.status(t, o.ID))
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	pending, err := f.engine.CreateOrder(ctx, marketBuy(1))
	require.NoError(t, err)
	require.NoError(t, f.engine.CancelOrder(ctx, pending.ID, "changed my mind"))

	stored, err := f.engine.GetOrder(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.Equal(t, "changed my mind", stored.FailureReason)

	approved := f.approved(t, marketBuy(1))
	require.NoError(t, f.engine.CancelOrder(ctx, approved.ID, ""))
	assert.Equal(t, domain.OrderStatusCancelled, f.status(t, approved.ID))

	assert.ErrorIs(t, f.engine.CancelOrder(ctx, "missing", ""), domain.ErrOrderNotFound)
}

func TestCancelExecutedOrderIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := f.approved(t, marketBuy(1))
	f.engine.EvaluateSweep(ctx, marketOpen)
	require.Equal(t, domain.OrderStatusExecuted, f.status(t, o.ID))

	before := len(f.events.all())
	require.NoError(t, f.engine.CancelOrder(ctx, o.ID, "too late"))
	assert.Equal(t, domain.OrderStatusExecuted, f.status(t, o.ID))
	assert.Len(t, f.events.all(), before)
}

func TestSweepExecutesMarketOrder(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := f.approved(t, marketBuy(10))
	out := f.engine.EvaluateSweep(ctx, marketOpen)

	require.Len(t, out, 2)
	assert.Equal(t, domain.OrderStatusExecuting, out[0].To)
	assert.Equal(t, domain.OrderStatusExecuted, out[1].To)

	stored, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
	assert.Equal(t, 100.0, stored.FillPrice)
	assert.Equal(t, marketOpen, stored.FilledAt)

	fills := f.sim.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, int64(10), fills[0].Quantity)

	snap, err := f.sim.Snapshot(ctx, "p1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Position.Quantity)
	assert.InDelta(t, 9000.0, snap.Cash, 1e-9)
}

func TestSweepLimitOrderBoundary(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := f.approved(t, domain.OrderSpec{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Kind: domain.OrderKindLimit,
		Quantity: 1, LimitPrice: 145.00,
	})

	f.sim.SetPrice("AAPL", 145.01)
	assert.Empty(t, f.engine.EvaluateSweep(ctx, marketOpen))
	assert.Equal(t, domain.OrderStatusApproved, f.status(t, o.ID))

	f.sim.SetPrice("AAPL", 145.00)
	f.engine.EvaluateSweep(ctx, marketOpen)

	stored, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
	assert.Equal(t, 145.00, stored.FillPrice)
}

func TestSweepPersistsTrailingState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.sim.SetPosition("p1", domain.Position{Symbol: "AAPL", Quantity: 5, AvgPrice: 90}))

	o := f.approved(t, domain.OrderSpec{
		Symbol: "AAPL", Side: domain.OrderSideSell, Kind: domain.OrderKindStopLimit,
		Quantity: 5, TrailAmount: 5,
	})

	for _, px := range []float64{100, 105, 103} {
		f.sim.SetPrice("AAPL", px)
		f.engine.EvaluateSweep(ctx, marketOpen)
	}
	stored, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusApproved, stored.Status)
	assert.Equal(t, 100.0, stored.Trigger.EffectiveStop)
	assert.Equal(t, 105.0, stored.Trigger.WaterMark)

	f.sim.SetPrice("AAPL", 99.5)
	f.engine.EvaluateSweep(ctx, marketOpen)
	assert.Equal(t, domain.OrderStatusExecuted, f.status(t, o.ID))
}

func TestSweepMarketClosedOnlyExpires(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	live := f.approved(t, marketBuy(1))
	stale, err := f.engine.CreateOrder(ctx, domain.OrderSpec{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Kind: domain.OrderKindMarket,
		Quantity: 1, ExpiresAt: marketOpen.Add(time.Hour),
	})
	require.NoError(t, err)

	out := f.engine.EvaluateSweep(ctx, marketClosed)
	require.Len(t, out, 1)
	assert.Equal(t, stale.ID, out[0].OrderID)
	assert.Equal(t, domain.OrderStatusExpired, out[0].To)

	assert.Equal(t, domain.OrderStatusApproved, f.status(t, live.ID))
	assert.Empty(t, f.sim.Fills())
}

func TestSweepSkipsOrderWithoutQuote(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := f.approved(t, marketBuy(1))
	f.sim.SetPriceError("AAPL", errors.New("feed down"))

	assert.Empty(t, f.engine.EvaluateSweep(ctx, marketOpen))
	assert.Equal(t, domain.OrderStatusApproved, f.status(t, o.ID))
}

// secondQuoteFails serves the first quote and fails every later one.
type secondQuoteFails struct {
	broker.PriceFeed
	calls atomic.Int32
}

func (s *secondQuoteFails) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if s.calls.Add(1) > 1 {
		return 0, errors.New("connection reset")
	}
	return s.PriceFeed.CurrentPrice(ctx, symbol)
}

func TestSweepFailsWhenFillQuoteUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := f.approved(t, marketBuy(1))
	f.engine.prices = &secondQuoteFails{PriceFeed: f.sim}

	f.engine.EvaluateSweep(ctx, marketOpen)

	stored, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)
	assert.Equal(t, "price feed unavailable: connection reset", stored.FailureReason)
	assert.Empty(t, f.sim.Fills())
}

func TestSweepFailsWhenLedgerRefusesFill(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	o := f.approved(t, marketBuy(50))
	// Cash drops after approval.
	f.sim.OpenPortfolio("p1", 100, domain.RiskProfile{})

	f.engine.EvaluateSweep(ctx, marketOpen)

	stored, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "insufficient funds")
}

func TestSweepCreatesChildrenAndAppliesOCO(t *testing.T) {
	f := newFixture(t, Options{AutoApproveChildren: true})
	ctx := context.Background()

	spec := marketBuy(10)
	spec.StopLossPrice = 95
	spec.TakeProfitPrice = 110
	parent := f.approved(t, spec)

	out := f.engine.EvaluateSweep(ctx, marketOpen)
	require.Len(t, out, 4)

	children, err := f.orders.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	var stopLoss, takeProfit domain.Order
	for _, c := range children {
		assert.Equal(t, domain.OrderSideSell, c.Side)
		assert.Equal(t, int64(10), c.Quantity)
		assert.Equal(t, "p1", c.PortfolioID)
		assert.Equal(t, domain.OrderStatusApproved, c.Status)
		switch c.Kind {
		case domain.OrderKindStopLimit:
			stopLoss = c
		case domain.OrderKindLimit:
			takeProfit = c
		}
	}
	assert.Equal(t, 95.0, stopLoss.StopPrice)
	assert.Equal(t, 110.0, takeProfit.LimitPrice)

	f.sim.SetPrice("AAPL", 110)
	f.engine.EvaluateSweep(ctx, marketOpen)

	assert.Equal(t, domain.OrderStatusExecuted, f.status(t, takeProfit.ID))
	sl, err := f.engine.GetOrder(ctx, stopLoss.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, sl.Status)
	assert.Equal(t, "oco: sibling "+takeProfit.ID+" executed", sl.FailureReason)
}

func TestSweepChildrenStayPendingWithoutAutoApprove(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	spec := marketBuy(1)
	spec.StopLossPrice = 90
	parent := f.approved(t, spec)
	f.engine.EvaluateSweep(ctx, marketOpen)

	children, err := f.orders.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, domain.OrderStatusPending, children[0].Status)
	assert.Equal(t, marketOpen.Add(defaultExpiry), children[0].ExpiresAt)
}

func TestConcurrentSweepsExecuteOnce(t *testing.T) {
	f := newFixture(t, Options{})
	o := f.approved(t, marketBuy(10))

	// Independent engines share the store, so only CAS keeps them apart.
	engines := []*Engine{f.engine}
	for i := 0; i < 3; i++ {
		other := newFixtureWith(t, f.orders, f.sim, f.engine.calendar, Options{})
		engines = append(engines, other.engine)
	}

	var wg sync.WaitGroup
	for _, e := range engines {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(e *Engine) {
				defer wg.Done()
				e.EvaluateSweep(context.Background(), marketOpen)
			}(e)
		}
	}
	wg.Wait()

	executed, err := f.engine.ListOrders(context.Background(), domain.OrderStatusExecuted)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, o.ID, executed[0].ID)
	assert.Len(t, f.sim.Fills(), 1)
}

func TestSweepSingleFlight(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.sweeping.Store(true)

	assert.Nil(t, f.engine.EvaluateSweep(context.Background(), marketOpen))
}

func TestSweepMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f.engine.SetMetrics(m)

	f.approved(t, marketBuy(1))
	f.engine.EvaluateSweep(context.Background(), marketOpen)
	f.engine.EvaluateSweep(context.Background(), marketClosed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sweeps.WithLabelValues("ran")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sweeps.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("EXECUTING", "EXECUTED")))
}

func TestMarketStatus(t *testing.T) {
	f := newFixture(t, Options{})

	assert.True(t, f.engine.MarketStatus(marketOpen).IsOpen)
	st := f.engine.MarketStatus(marketClosed)
	assert.False(t, st.IsOpen)
	assert.Equal(t, util.PhaseClosed, st.Phase)
}
