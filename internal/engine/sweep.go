package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/domain"
)

// EvaluateSweep runs one pass over open orders at now. It expires stale
// orders, and while the market is open it evaluates the trigger of every
// APPROVED order and executes those that fire. Only one sweep runs at a
// time; a call made while another is in progress returns nil immediately.
// The transitions applied by this pass are returned in order.
func (e *Engine) EvaluateSweep(ctx context.Context, now time.Time) []domain.Transition {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.metrics.Sweeps.WithLabelValues("skipped").Inc()
		e.log.Debug("sweep already running, skipping")
		return nil
	}
	defer e.sweeping.Store(false)

	start := time.Now()
	s := &sweep{e: e, now: now}
	s.expire(ctx)

	if !e.calendar.IsMarketOpen(now) {
		e.metrics.Sweeps.WithLabelValues("closed").Inc()
		e.log.Debug("market closed, sweep evaluated expiries only", "expired", len(s.out))
		return s.out
	}

	s.evaluate(ctx)

	e.metrics.Sweeps.WithLabelValues("ran").Inc()
	e.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	e.log.Info("sweep complete",
		"transitions", len(s.out),
		"duration", time.Since(start),
	)
	return s.out
}

// sweep carries the state of one EvaluateSweep pass.
type sweep struct {
	e   *Engine
	now time.Time
	out []domain.Transition
}

func (s *sweep) record(t domain.Transition) {
	s.out = append(s.out, t)
}

func (s *sweep) move(ctx context.Context, id string, from, to domain.OrderStatus, reason string, apply func(*domain.Order)) (*domain.Order, error) {
	o, t, err := s.e.transition(ctx, id, from, to, s.now, reason, apply)
	if err != nil {
		return nil, err
	}
	s.record(t)
	return o, nil
}

func (s *sweep) expire(ctx context.Context) {
	for _, status := range []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusApproved} {
		orders, err := s.e.orders.ListOrders(ctx, status)
		if err != nil {
			s.e.log.Error("listing orders for expiry", "status", status, "error", err)
			continue
		}
		for _, o := range orders {
			if o.ExpiresAt.IsZero() || s.now.Before(o.ExpiresAt) {
				continue
			}
			if _, err := s.move(ctx, o.ID, status, domain.OrderStatusExpired, "expired", nil); err != nil {
				s.logConflict("expire", o.ID, err)
			}
		}
	}
}

func (s *sweep) evaluate(ctx context.Context) {
	orders, err := s.e.orders.ListOrders(ctx, domain.OrderStatusApproved)
	if err != nil {
		s.e.log.Error("listing approved orders", "error", err)
		return
	}

	for i := range orders {
		if ctx.Err() != nil {
			s.e.log.Warn("sweep interrupted", "error", ctx.Err())
			return
		}
		s.evaluateOrder(ctx, &orders[i])
	}
}

func (s *sweep) evaluateOrder(ctx context.Context, o *domain.Order) {
	log := s.e.log.With("order_id", o.ID, "symbol", o.Symbol)

	trigger, err := TriggerFor(o)
	if err != nil {
		log.Error("no trigger for order", "error", err)
		return
	}
	price, err := s.e.prices.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		log.Warn("quote unavailable, skipping order", "error", err)
		return
	}

	d := trigger.Evaluate(price, o.Trigger)
	if d.State != o.Trigger {
		if err := s.e.orders.UpdateTrigger(ctx, o.ID, domain.OrderStatusApproved, d.State, s.now); err != nil {
			s.logConflict("update trigger", o.ID, err)
			return
		}
		log.Debug("trigger state updated",
			"triggered", d.State.Triggered,
			"water_mark", d.State.WaterMark,
			"effective_stop", d.State.EffectiveStop,
		)
	}
	if !d.Execute {
		return
	}
	s.execute(ctx, o)
}

func (s *sweep) execute(ctx context.Context, o *domain.Order) {
	log := s.e.log.With("order_id", o.ID, "symbol", o.Symbol)

	if _, err := s.move(ctx, o.ID, domain.OrderStatusApproved, domain.OrderStatusExecuting, "", nil); err != nil {
		s.logConflict("claim", o.ID, err)
		return
	}

	quote, err := s.e.prices.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		s.fail(ctx, o.ID, fmt.Sprintf("price feed unavailable: %v", err))
		return
	}
	fill := domain.Fill{
		OrderID:  o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    FillPrice(o, quote),
		At:       s.now,
	}
	if err := s.e.ledger.ApplyFill(ctx, o.PortfolioID, fill); err != nil {
		s.fail(ctx, o.ID, err.Error())
		return
	}

	executed, err := s.move(ctx, o.ID, domain.OrderStatusExecuting, domain.OrderStatusExecuted, "", func(u *domain.Order) {
		u.FillPrice = fill.Price
		u.FilledAt = fill.At
	})
	if err != nil {
		// The fill is booked but the record could not follow; nothing else
		// moves an EXECUTING order, so this is a store failure.
		log.Error("recording execution failed", "fill_price", fill.Price, "error", err)
		s.e.metrics.Executions.WithLabelValues("failed").Inc()
		return
	}
	s.e.metrics.Executions.WithLabelValues("executed").Inc()
	log.Info("order executed",
		"side", o.Side,
		"qty", o.Quantity,
		"fill_price", fill.Price,
		"portfolio_id", o.PortfolioID,
	)

	if executed.ParentID != "" {
		s.cancelSiblings(ctx, executed)
	}
	s.spawnChildren(ctx, executed)
}

func (s *sweep) fail(ctx context.Context, id, reason string) {
	s.e.metrics.Executions.WithLabelValues("failed").Inc()
	s.e.log.Error("order execution failed", "order_id", id, "reason", reason)
	if _, err := s.move(ctx, id, domain.OrderStatusExecuting, domain.OrderStatusFailed, reason, nil); err != nil {
		s.e.log.Error("recording failure failed", "order_id", id, "error", err)
	}
}

// spawnChildren creates the protective stop-loss and take-profit orders of
// an executed parent.
func (s *sweep) spawnChildren(ctx context.Context, parent *domain.Order) {
	var children []*domain.Order
	if parent.StopLossPrice > 0 {
		c := s.child(parent)
		c.Kind = domain.OrderKindStopLimit
		c.StopPrice = parent.StopLossPrice
		c.Reasoning = fmt.Sprintf("stop-loss for %s", parent.ID)
		children = append(children, c)
	}
	if parent.TakeProfitPrice > 0 {
		c := s.child(parent)
		c.Kind = domain.OrderKindLimit
		c.LimitPrice = parent.TakeProfitPrice
		c.Reasoning = fmt.Sprintf("take-profit for %s", parent.ID)
		children = append(children, c)
	}

	for _, c := range children {
		if err := s.e.orders.SaveOrder(ctx, c); err != nil {
			s.e.log.Error("saving child order", "parent_id", parent.ID, "error", err)
			continue
		}
		s.e.log.Info("child order created",
			"order_id", c.ID,
			"parent_id", parent.ID,
			"kind", c.Kind,
			"side", c.Side,
		)
		if !s.e.opts.AutoApproveChildren || c.PortfolioID == "" {
			continue
		}
		if _, err := s.move(ctx, c.ID, domain.OrderStatusPending, domain.OrderStatusApproved, "", nil); err != nil {
			s.logConflict("approve child", c.ID, err)
		}
	}
}

func (s *sweep) child(parent *domain.Order) *domain.Order {
	return &domain.Order{
		ID:          uuid.NewString(),
		ParentID:    parent.ID,
		PortfolioID: parent.PortfolioID,
		Symbol:      parent.Symbol,
		Side:        parent.Side.Opposite(),
		Quantity:    parent.Quantity,
		RiskLevel:   parent.RiskLevel,
		Status:      domain.OrderStatusPending,
		Source:      parent.Source,
		ExpiresAt:   s.now.Add(s.e.opts.DefaultExpiry),
		CreatedAt:   s.now,
		UpdatedAt:   s.now,
	}
}

// cancelSiblings applies one-cancels-other to the children of executed's
// parent.
func (s *sweep) cancelSiblings(ctx context.Context, executed *domain.Order) {
	siblings, err := s.e.orders.ListChildren(ctx, executed.ParentID)
	if err != nil {
		s.e.log.Error("listing siblings", "order_id", executed.ID, "error", err)
		return
	}
	reason := fmt.Sprintf("oco: sibling %s executed", executed.ID)
	for _, sib := range siblings {
		if sib.ID == executed.ID || sib.Status.IsTerminal() || sib.Status == domain.OrderStatusExecuting {
			continue
		}
		if _, err := s.move(ctx, sib.ID, sib.Status, domain.OrderStatusCancelled, reason, nil); err != nil {
			s.logConflict("oco cancel", sib.ID, err)
		}
	}
}

func (s *sweep) logConflict(op, id string, err error) {
	if errors.Is(err, domain.ErrConcurrentModification) {
		s.e.log.Warn("lost race on order", "op", op, "order_id", id, "error", err)
		return
	}
	s.e.log.Error("order update failed", "op", op, "order_id", id, "error", err)
}
