// Package engine owns the order lifecycle: creation and validation, risk-gated
// assignment to a portfolio, the periodic trigger sweep that executes
// approved orders, and cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/util"
)

const defaultExpiry = 24 * time.Hour

// Notifier observes every status transition the engine applies.
type Notifier interface {
	OrderTransitioned(t domain.Transition)
}

// Options tunes engine behaviour.
type Options struct {
	// MaxOrderQuantity caps the quantity of a single order. 0 = no cap.
	MaxOrderQuantity int64

	// DefaultExpiry is applied to orders (and child orders) created without
	// an expiry.
	DefaultExpiry time.Duration

	// AutoApproveChildren approves stop-loss and take-profit children into
	// the parent's portfolio as soon as they are created.
	AutoApproveChildren bool

	// StrictHours refuses portfolio assignment while the market is closed.
	StrictHours bool
}

// Engine orchestrates the order lifecycle. All status changes go through
// compare-and-set on the order store, so concurrent callers can never move
// one order past the same status twice.
type Engine struct {
	orders   store.OrderStore
	ledger   broker.Ledger
	prices   broker.PriceFeed
	calendar *util.TradingCalendar
	risk     *RiskManager
	opts     Options
	log      *slog.Logger
	metrics  *Metrics
	notifier Notifier
	now      func() time.Time

	sweeping atomic.Bool
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(
	orders store.OrderStore,
	ledger broker.Ledger,
	prices broker.PriceFeed,
	calendar *util.TradingCalendar,
	risk *RiskManager,
	opts Options,
	log *slog.Logger,
) *Engine {
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = defaultExpiry
	}
	if log == nil {
		log = util.Discard()
	}
	return &Engine{
		orders:   orders,
		ledger:   ledger,
		prices:   prices,
		calendar: calendar,
		risk:     risk,
		opts:     opts,
		log:      log.With("component", "engine"),
		metrics:  NewMetrics(nil),
		now:      time.Now,
	}
}

// SetNotifier registers the transition observer.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetMetrics replaces the collectors, typically with registered ones.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// SetClock replaces the engine's clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CreateOrder validates spec and stores a new PENDING order. Validation
// failures are returned as *domain.ValidationError listing every problem.
func (e *Engine) CreateOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	now := e.now()
	spec = NormalizeSpec(spec)
	if spec.ExpiresAt.IsZero() {
		spec.ExpiresAt = now.Add(e.opts.DefaultExpiry)
	}
	if err := ValidateSpec(spec, now, e.opts.MaxOrderQuantity); err != nil {
		return nil, err
	}

	order := newOrder(spec, now)
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("saving order: %w", err)
	}
	e.log.Info("order created",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"kind", order.Kind,
		"qty", order.Quantity,
		"source", order.Source,
	)
	return order, nil
}

// AssignToPortfolio runs the risk checks for an order against a portfolio.
// On success the order moves PENDING -> APPROVED. On a risk violation it
// moves PENDING -> REJECTED with the reason recorded and the violation is
// returned. An empty portfolioID uses the one given at creation.
func (e *Engine) AssignToPortfolio(ctx context.Context, orderID, portfolioID string, c domain.Constraints) (*domain.Order, error) {
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, orderID, order.Status)
	}
	if portfolioID == "" {
		portfolioID = order.PortfolioID
	}
	if portfolioID == "" {
		return nil, &domain.ValidationError{Violations: []string{"portfolio_id is required"}}
	}

	now := e.now()
	if e.opts.StrictHours {
		if _, err := e.calendar.ValidateTradingHours(now, true); err != nil {
			return nil, err
		}
	}

	snap, err := e.ledger.Snapshot(ctx, portfolioID, order.Symbol)
	if err != nil {
		return nil, fmt.Errorf("portfolio snapshot: %w", err)
	}
	ref, err := e.referencePrice(ctx, order, c)
	if err != nil {
		return nil, err
	}

	riskErr := e.risk.Check(RiskRequest{
		Order:       order,
		Snapshot:    snap,
		Constraints: c,
		RefPrice:    ref,
		At:          now,
	})
	if riskErr != nil {
		_, _, err := e.transition(ctx, orderID, domain.OrderStatusPending, domain.OrderStatusRejected, now, riskErr.Error(),
			func(o *domain.Order) { o.PortfolioID = portfolioID })
		if err != nil {
			e.log.Warn("recording rejection failed", "order_id", orderID, "error", err)
		}
		return nil, riskErr
	}

	approved, _, err := e.transition(ctx, orderID, domain.OrderStatusPending, domain.OrderStatusApproved, now, "",
		func(o *domain.Order) { o.PortfolioID = portfolioID })
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// CancelOrder moves a PENDING or APPROVED order to CANCELLED. Orders that are
// already terminal or executing are left alone and nil is returned.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}
	// A lost CAS means the order moved under us; re-read and decide again.
	for attempt := 0; attempt < 3; attempt++ {
		order, err := e.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() || order.Status == domain.OrderStatusExecuting {
			e.log.Debug("cancel ignored", "order_id", orderID, "status", order.Status)
			return nil
		}

		_, _, err = e.transition(ctx, orderID, order.Status, domain.OrderStatusCancelled, e.now(), reason, nil)
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
	}
	return fmt.Errorf("%w: cancelling order %s", domain.ErrConcurrentModification, orderID)
}

// GetOrder returns an order by ID.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.orders.GetOrder(ctx, orderID)
}

// ListOrders returns orders with the given status, or all when status is
// empty.
func (e *Engine) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return e.orders.ListOrders(ctx, status)
}

// MarketStatus reports the trading calendar gate at now.
func (e *Engine) MarketStatus(now time.Time) util.MarketStatus {
	return e.calendar.Status(now)
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// referencePrice picks the price used for cost and sizing checks: the
// caller's explicit price, then the order's limit, then its stop, then a
// live quote.
func (e *Engine) referencePrice(ctx context.Context, o *domain.Order, c domain.Constraints) (float64, error) {
	switch {
	case c.ReferencePrice > 0:
		return c.ReferencePrice, nil
	case o.LimitPrice > 0:
		return o.LimitPrice, nil
	case o.StopPrice > 0:
		return o.StopPrice, nil
	}
	price, err := e.prices.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		return 0, fmt.Errorf("reference price for %s: %w", o.Symbol, err)
	}
	return price, nil
}

// transition applies one compare-and-set status change, stamps UpdatedAt,
// records reason on the order where it is kept, and reports the change to
// metrics, the log and the notifier.
func (e *Engine) transition(
	ctx context.Context,
	id string,
	from, to domain.OrderStatus,
	at time.Time,
	reason string,
	apply func(*domain.Order),
) (*domain.Order, domain.Transition, error) {
	updated, err := e.orders.Transition(ctx, id, from, to, func(o *domain.Order) {
		if apply != nil {
			apply(o)
		}
		o.UpdatedAt = at
		switch to {
		case domain.OrderStatusRejected, domain.OrderStatusFailed, domain.OrderStatusCancelled:
			o.FailureReason = reason
		}
	})
	if err != nil {
		return nil, domain.Transition{}, err
	}

	t := domain.Transition{
		OrderID: id,
		Symbol:  updated.Symbol,
		From:    from,
		To:      to,
		At:      at,
		Reason:  reason,
	}
	e.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	e.log.Info("order transition",
		"order_id", id,
		"symbol", updated.Symbol,
		"from", from,
		"to", to,
		"reason", reason,
	)
	if e.notifier != nil {
		e.notifier.OrderTransitioned(t)
	}
	return updated, t, nil
}

func newOrder(spec domain.OrderSpec, now time.Time) *domain.Order {
	return &domain.Order{
		ID:              uuid.NewString(),
		PortfolioID:     spec.PortfolioID,
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		Kind:            spec.Kind,
		Quantity:        spec.Quantity,
		LimitPrice:      spec.LimitPrice,
		StopPrice:       spec.StopPrice,
		StopLossPrice:   spec.StopLossPrice,
		TakeProfitPrice: spec.TakeProfitPrice,
		TrailAmount:     spec.TrailAmount,
		TrailPercent:    spec.TrailPercent,
		RiskLevel:       spec.RiskLevel,
		Status:          domain.OrderStatusPending,
		Confidence:      spec.Confidence,
		Reasoning:       spec.Reasoning,
		Source:          spec.Source,
		ExpiresAt:       spec.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
