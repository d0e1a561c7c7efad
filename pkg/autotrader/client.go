// Package autotrader is a Go SDK for the autotrader-server HTTP API.
package autotrader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	Order          = domain.Order
	OrderSpec      = domain.OrderSpec
	OrderStatus    = domain.OrderStatus
	Constraints    = domain.Constraints
	Transition     = domain.Transition
	BacktestRun    = domain.BacktestRun
	BacktestParams = domain.BacktestParams
	MarketStatus   = util.MarketStatus
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Violations []string
}

func (e *APIError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("autotrader: %d: %s", e.StatusCode, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("autotrader: %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server: a lost race, an
// illegal transition or a closed market.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client provides a Go SDK for interacting with the autotrader-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new autotrader API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateOrder submits a new order. It is created PENDING.
func (c *Client) CreateOrder(ctx context.Context, spec OrderSpec) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", nil, spec, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder retrieves one order.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders retrieves orders, filtered by status when it is non-empty.
func (c *Client) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var resp struct {
		Orders []Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// AssignOrder risk-checks a PENDING order against a portfolio.
func (c *Client) AssignOrder(ctx context.Context, id, portfolioID string, constraints Constraints) (*Order, error) {
	body := map[string]any{"portfolio_id": portfolioID, "constraints": constraints}
	var o Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/assign", nil, body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// CancelOrder cancels an open order and returns it as it stands afterwards.
func (c *Client) CancelOrder(ctx context.Context, id, reason string) (*Order, error) {
	var o Order
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/cancel", nil, body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Sweep asks the server to run one evaluation pass now.
func (c *Client) Sweep(ctx context.Context) ([]Transition, error) {
	var resp struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sweep", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// MarketStatus reports the trading gate at at, or now when at is zero.
func (c *Client) MarketStatus(ctx context.Context, at time.Time) (*MarketStatus, error) {
	q := url.Values{}
	if !at.IsZero() {
		q.Set("at", at.Format(time.RFC3339))
	}
	var st MarketStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/market/status", q, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RunBacktest queues a backtest. The returned run is PENDING.
func (c *Client) RunBacktest(ctx context.Context, strategy string, params BacktestParams) (*BacktestRun, error) {
	req := domain.BacktestRequest{Strategy: strategy, Params: params}
	var run BacktestRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/backtests", nil, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetBacktest retrieves one backtest run.
func (c *Client) GetBacktest(ctx context.Context, id string) (*BacktestRun, error) {
	var run BacktestRun
	if err := c.do(ctx, http.MethodGet, "/api/v1/backtests/"+url.PathEscape(id), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListBacktests retrieves all runs, newest first.
func (c *Client) ListBacktests(ctx context.Context) ([]BacktestRun, error) {
	var resp struct {
		Backtests []BacktestRun `json:"backtests"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/backtests", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Backtests, nil
}

// CancelBacktest stops a queued or running backtest.
func (c *Client) CancelBacktest(ctx context.Context, id string) (*BacktestRun, error) {
	var run BacktestRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/backtests/"+url.PathEscape(id)+"/cancel", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// WaitBacktest polls a run until it reaches a terminal status or ctx ends.
func (c *Client) WaitBacktest(ctx context.Context, id string, interval time.Duration) (*BacktestRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetBacktest(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error      string   `json:"error"`
			Violations []string `json:"violations"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Violations = e.Violations
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
