package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Compile-time interface checks.
var _ Broker = (*AlpacaBroker)(nil)
var _ HistoricalFeed = (*AlpacaBroker)(nil)

// tradingAPI is the subset of *alpaca.Client the broker uses.
type tradingAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
}

// dataAPI is the subset of *marketdata.Client the broker uses.
type dataAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API, e.g. https://paper-api.alpaca.markets
	DataURL   string // market-data API, empty for the default
	Feed      string // "iex" or "sip"

	// Risk is the profile reported in snapshots; the Alpaca account has no
	// notion of one.
	Risk domain.RiskProfile

	RequestsPerMinute int
	MaxRetries        int
	RetryDelay        time.Duration
}

// AlpacaBroker implements Broker and HistoricalFeed on a single Alpaca
// account. Every portfolio ID maps onto that account.
type AlpacaBroker struct {
	trading tradingAPI
	data    dataAPI
	opts    AlpacaOptions
	limiter *util.RateLimiter
	log     *slog.Logger

	mu     sync.Mutex
	opened map[string]time.Time // symbol -> time of the fill that opened it
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and endpoints.
func NewAlpacaBroker(opts AlpacaOptions, log *slog.Logger) *AlpacaBroker {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	mdOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}
	return newAlpacaBroker(trading, marketdata.NewClient(mdOpts), opts, log)
}

func newAlpacaBroker(trading tradingAPI, data dataAPI, opts AlpacaOptions, log *slog.Logger) *AlpacaBroker {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = util.Discard()
	}
	return &AlpacaBroker{
		trading: trading,
		data:    data,
		opts:    opts,
		limiter: util.NewRateLimiter(opts.RequestsPerMinute, 10),
		log:     log.With("component", "alpaca"),
		opened:  make(map[string]time.Time),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Snapshot reads the account and the position in symbol.
func (b *AlpacaBroker) Snapshot(ctx context.Context, portfolioID, symbol string) (domain.PortfolioSnapshot, error) {
	symbol = strings.ToUpper(symbol)

	acct, err := call(ctx, b, func() (*alpaca.Account, error) { return b.trading.GetAccount() })
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("alpaca account: %w", err)
	}

	snap := domain.PortfolioSnapshot{
		PortfolioID:      portfolioID,
		Cash:             acct.Cash.InexactFloat64(),
		TotalValue:       acct.Equity.InexactFloat64(),
		Position:         domain.Position{Symbol: symbol},
		DayTradeCount:    int(acct.DaytradeCount),
		RealizedPnLToday: acct.Equity.Sub(acct.LastEquity).InexactFloat64(),
		Risk:             b.opts.Risk,
	}

	pos, err := call(ctx, b, func() (*alpaca.Position, error) {
		p, err := b.trading.GetPosition(symbol)
		if isNotFound(err) {
			return nil, nil
		}
		return p, err
	})
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("alpaca position %s: %w", symbol, err)
	}
	if pos != nil {
		snap.Position.Quantity = pos.Qty.IntPart()
		snap.Position.AvgPrice = pos.AvgEntryPrice.InexactFloat64()
		b.mu.Lock()
		snap.Position.OpenedAt = b.opened[symbol]
		b.mu.Unlock()
	}
	return snap, nil
}

// ApplyFill submits a day market order for the fill. The engine's order ID
// is used as the client order ID so a retried submission is rejected by
// Alpaca as a duplicate instead of trading twice.
func (b *AlpacaBroker) ApplyFill(ctx context.Context, portfolioID string, fill domain.Fill) error {
	side := alpaca.Buy
	if fill.Side == domain.OrderSideSell {
		side = alpaca.Sell
	}
	qty := decimal.NewFromInt(fill.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        strings.ToUpper(fill.Symbol),
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: fill.OrderID,
	}

	order, err := call(ctx, b, func() (*alpaca.Order, error) { return b.trading.PlaceOrder(req) })
	if err != nil {
		return fmt.Errorf("alpaca place order: %w", err)
	}
	b.log.Info("order submitted",
		"portfolio", portfolioID,
		"order_id", fill.OrderID,
		"alpaca_id", order.ID,
		"symbol", req.Symbol,
		"side", string(side),
		"qty", fill.Quantity,
	)

	if fill.Side == domain.OrderSideBuy {
		b.mu.Lock()
		if _, ok := b.opened[req.Symbol]; !ok {
			b.opened[req.Symbol] = fill.At
		}
		b.mu.Unlock()
	}
	return nil
}

// CurrentPrice returns the latest trade price for symbol.
func (b *AlpacaBroker) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(symbol)
	trade, err := call(ctx, b, func() (*marketdata.Trade, error) {
		return b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: marketdata.Feed(b.opts.Feed)})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("%w: no trade for %s", domain.ErrPriceUnavailable, symbol)
	}
	return trade.Price, nil
}

// HistoricalSeries fetches daily bars for symbol within [start, end].
func (b *AlpacaBroker) HistoricalSeries(ctx context.Context, symbol string, start, end time.Time) ([]domain.PricePoint, error) {
	symbol = strings.ToUpper(symbol)
	bars, err := call(ctx, b, func() ([]marketdata.Bar, error) {
		return b.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			End:       end,
			Feed:      marketdata.Feed(b.opts.Feed),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}

	points := make([]domain.PricePoint, 0, len(bars))
	for _, bar := range bars {
		points = append(points, domain.PricePoint{
			Symbol:    symbol,
			Timestamp: bar.Timestamp.UTC(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    int64(bar.Volume),
		})
	}
	return points, nil
}

// call throttles and retries one API request. Client errors other than 429
// are not retried.
func call[T any](ctx context.Context, b *AlpacaBroker, fn func() (T, error)) (T, error) {
	return util.RetryValue(ctx, b.opts.MaxRetries, b.opts.RetryDelay, func() (T, error) {
		var zero T
		if err := b.limiter.Wait(ctx); err != nil {
			return zero, util.Permanent(err)
		}
		v, err := fn()
		if err != nil && !isRetryable(err) {
			return v, util.Permanent(err)
		}
		return v, err
	})
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func isRetryable(err error) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}
