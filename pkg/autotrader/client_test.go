package autotrader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/domain"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	require.NotNil(t, c)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
	assert.NotNil(t, c.httpClient)
}

func TestCreateOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/orders", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var spec domain.OrderSpec
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &spec))
		assert.Equal(t, "AAPL", spec.Symbol)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o1","symbol":"AAPL","status":"PENDING","quantity":5}`))
	}))
	defer ts.Close()

	o, err := NewClient(ts.URL).CreateOrder(context.Background(), OrderSpec{Symbol: "AAPL", Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
}

func TestListOrdersSendsStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "APPROVED", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"orders":[{"id":"a"},{"id":"b"}]}`))
	}))
	defer ts.Close()

	orders, err := NewClient(ts.URL).ListOrders(context.Background(), domain.OrderStatusApproved)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/orders/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"order not found"}`))
		case "/api/v1/orders":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid order","violations":["symbol is required"]}`))
		default:
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer ts.Close()
	c := NewClient(ts.URL)
	ctx := context.Background()

	_, err := c.GetOrder(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = c.CreateOrder(ctx, OrderSpec{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"symbol is required"}, apiErr.Violations)
	assert.Contains(t, err.Error(), "symbol is required")

	_, err = c.Sweep(ctx)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "Conflict")
}

func TestMarketStatusQuery(t *testing.T) {
	at := time.Date(2024, 3, 16, 15, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-03-16T15:00:00Z", r.URL.Query().Get("at"))
		_, _ = w.Write([]byte(`{"is_open":false,"phase":"closed"}`))
	}))
	defer ts.Close()

	st, err := NewClient(ts.URL).MarketStatus(context.Background(), at)
	require.NoError(t, err)
	assert.False(t, st.IsOpen)
}

func TestWaitBacktest(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			_, _ = w.Write([]byte(`{"id":"r1","status":"RUNNING"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"r1","status":"COMPLETED","progress_percentage":100}`))
	}))
	defer ts.Close()

	run, err := NewClient(ts.URL).WaitBacktest(context.Background(), "r1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.BacktestCompleted, run.Status)
	assert.Equal(t, 3, calls)
}
