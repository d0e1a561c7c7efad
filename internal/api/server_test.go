package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/engine"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/internal/strategy/builtins"
	"autotrader/internal/util"
)

// Tuesday 2024-03-12 10:00 New York.
var marketOpen = time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	http   *httptest.Server
	engine *engine.Engine
	sim    *broker.SimulatorBroker
	bt     *strategy.Backtester
	hub    *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cal, err := util.NewTradingCalendar(util.DefaultUSSchedule())
	require.NoError(t, err)

	sim := broker.NewSimulatorBroker(cal.Location())
	sim.SetClock(func() time.Time { return marketOpen })
	sim.OpenPortfolio("p1", 10_000, domain.RiskProfile{})
	sim.SetPrice("AAPL", 100)

	reg := prometheus.NewRegistry()
	mem := store.NewMemoryStore()
	eng := engine.NewEngine(mem, sim, sim, cal, engine.NewRiskManager(0, cal.Location()), engine.Options{}, nil)
	eng.SetClock(func() time.Time { return marketOpen })
	eng.SetMetrics(engine.NewMetrics(reg))

	hub := NewHub(nil)
	eng.SetNotifier(hub)

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	bt := strategy.NewBacktester(mem, sim, registry, strategy.BacktestDefaults{InitialCapital: 10_000}, nil)
	t.Cleanup(bt.Wait)

	srv := NewServer(eng, bt, hub, Options{Gatherer: reg}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, http: ts, engine: eng, sim: sim, bt: bt, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createOrder(t *testing.T, body string) domain.Order {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[domain.Order](t, resp)
}

const marketBuy = `{"symbol":"aapl","side":"BUY","kind":"MARKET","quantity":5}`

func TestCreateAndGetOrder(t *testing.T) {
	env := newTestEnv(t)

	o := env.createOrder(t, marketBuy)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, domain.OrderStatusPending, o.Status)

	resp := env.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[domain.Order](t, resp)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/orders", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/orders", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/orders", `{"side":"BUY","kind":"LIMIT","quantity":0}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.GreaterOrEqual(t, len(body.Violations), 3)
}

func TestCreateOrderRejectsUnknownRiskLevel(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/orders",
		`{"symbol":"AAPL","side":"BUY","kind":"MARKET","quantity":1,"risk_level":"EXTREME"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, []string{"risk_level must be CONSERVATIVE, MODERATE or AGGRESSIVE"}, body.Violations)
}

func TestGetOrderNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAssignAndSweep(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, marketBuy)

	resp := env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/assign", `{"portfolio_id":"p1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.OrderStatusApproved, decode[domain.Order](t, resp).Status)

	resp = env.do(t, http.MethodPost, "/api/v1/sweep", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[SweepResult](t, resp)
	require.Len(t, result.Transitions, 2)
	assert.Equal(t, domain.OrderStatusExecuting, result.Transitions[0].To)
	assert.Equal(t, domain.OrderStatusExecuted, result.Transitions[1].To)

	resp = env.do(t, http.MethodGet, "/api/v1/orders?status=executed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[OrderList](t, resp)
	require.Len(t, list.Orders, 1)
	assert.Equal(t, 100.0, list.Orders[0].FillPrice)
}

func TestAssignRejectedForRisk(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, `{"symbol":"AAPL","side":"BUY","kind":"MARKET","quantity":500}`)

	resp := env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/assign", `{"portfolio_id":"p1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	got, err := env.engine.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	assert.NotEmpty(t, got.FailureReason)
}

func TestAssignTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, marketBuy)

	resp := env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/assign", `{"portfolio_id":"p1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/assign", `{"portfolio_id":"p1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, marketBuy)

	resp := env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[domain.Order](t, resp)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Equal(t, "changed my mind", got.FailureReason)

	resp = env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "cancelling a terminal order is a no-op")

	resp = env.do(t, http.MethodPost, "/api/v1/orders/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarketStatusRoute(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/market/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[util.MarketStatus](t, resp)
	assert.True(t, st.IsOpen)
	assert.Equal(t, util.PhaseOpen, st.Phase)

	closed := "2024-03-16T15:00:00Z" // Saturday
	resp = env.do(t, http.MethodGet, "/api/v1/market/status?at="+closed, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[util.MarketStatus](t, resp)
	assert.False(t, st.IsOpen)
	assert.Equal(t, time.Date(2024, 3, 18, 13, 30, 0, 0, time.UTC), st.NextOpen.UTC())

	resp = env.do(t, http.MethodGet, "/api/v1/market/status?strict=true&at="+closed, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/market/status?at=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/v1/market/status?strict=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBacktestRoutes(t *testing.T) {
	env := newTestEnv(t)

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var bars []domain.PricePoint
	for i, c := range []float64{100, 102, 101, 105, 110} {
		bars = append(bars, domain.PricePoint{
			Symbol: "AAPL", Timestamp: start.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c, Volume: 1000,
		})
	}
	env.sim.SetHistory("AAPL", bars)

	body := `{"strategy":"buy-and-hold","params":{"symbol":"AAPL","start":"2024-01-01T00:00:00Z","end":"2024-02-01T00:00:00Z"}}`
	resp := env.do(t, http.MethodPost, "/api/v1/backtests", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decode[domain.BacktestRun](t, resp)
	assert.Equal(t, domain.BacktestPending, run.Status)
	assert.Equal(t, 10_000.0, run.Params.InitialCapital)

	env.bt.Wait()

	resp = env.do(t, http.MethodGet, "/api/v1/backtests/"+run.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[domain.BacktestRun](t, resp)
	assert.Equal(t, domain.BacktestCompleted, done.Status)
	require.NotNil(t, done.Metrics)
	assert.InDelta(t, 0.10, done.Metrics.TotalReturn, 1e-9)

	resp = env.do(t, http.MethodGet, "/api/v1/backtests", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[BacktestList](t, resp).Backtests, 1)

	resp = env.do(t, http.MethodPost, "/api/v1/backtests/"+run.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.BacktestCompleted, decode[domain.BacktestRun](t, resp).Status)

	resp = env.do(t, http.MethodPost, "/api/v1/backtests", `{"strategy":"nope","params":{"symbol":"AAPL"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/backtests/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBacktestRoutesDisabled(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(env.engine, nil, nil, Options{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/backtests")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/sweep", "")

	resp := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `autotrader_sweep_runs_total{outcome="ran"} 1`)
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = env.do(t, http.MethodOptions, "/api/v1/orders", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	ve := &domain.ValidationError{}
	ve.Add("symbol is required")

	tests := []struct {
		err  error
		want int
	}{
		{ve, http.StatusBadRequest},
		{fmt.Errorf("get: %w", domain.ErrOrderNotFound), http.StatusNotFound},
		{domain.ErrBacktestNotFound, http.StatusNotFound},
		{domain.ErrPortfolioNotFound, http.StatusNotFound},
		{domain.ErrConcurrentModification, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrMarketClosed, http.StatusConflict},
		{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.ErrInsufficientShares, http.StatusUnprocessableEntity},
		{domain.ErrRiskConstraint, http.StatusUnprocessableEntity},
		{domain.ErrPriceUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
