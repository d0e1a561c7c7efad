// Package domain defines the core value types shared across the autotrader
// packages: orders and their lifecycle, portfolio snapshots, fills, and
// backtest runs.
package domain

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderKind selects the execution rule applied to an order.
type OrderKind string

const (
	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusApproved  OrderStatus = "APPROVED"
	OrderStatusExecuting OrderStatus = "EXECUTING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// validTransitions lists, per source state, the states an order may move to.
// Terminal states have no entry.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusApproved, OrderStatusRejected, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusApproved:  {OrderStatusExecuting, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusExecuting: {OrderStatusExecuted, OrderStatusFailed},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s OrderStatus) IsTerminal() bool {
	_, ok := validTransitions[s]
	return !ok
}

// RiskTier orders risk levels from least to most aggressive. The zero value
// means "unspecified".
type RiskTier int

const (
	RiskUnspecified RiskTier = iota
	RiskConservative
	RiskModerate
	RiskAggressive
)

// RiskUnknown is what an unrecognised tier name decodes to. It is never a
// valid order risk level.
const RiskUnknown RiskTier = -1

var riskTierNames = map[RiskTier]string{
	RiskUnspecified:  "",
	RiskConservative: "CONSERVATIVE",
	RiskModerate:     "MODERATE",
	RiskAggressive:   "AGGRESSIVE",
}

func (r RiskTier) String() string { return riskTierNames[r] }

// ParseRiskTier maps a tier name to a RiskTier. Unknown names yield
// RiskUnspecified and false.
func ParseRiskTier(s string) (RiskTier, bool) {
	for tier, name := range riskTierNames {
		if name == s {
			return tier, true
		}
	}
	return RiskUnspecified, false
}

// Valid reports whether r is unspecified or a named tier.
func (r RiskTier) Valid() bool {
	_, ok := riskTierNames[r]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskTier) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
// Unrecognised names decode to RiskUnknown so validation can report them.
func (r *RiskTier) UnmarshalText(b []byte) error {
	tier, ok := ParseRiskTier(string(b))
	if !ok {
		tier = RiskUnknown
	}
	*r = tier
	return nil
}

// TriggerState is the persisted sub-state of a stop or trailing order.
type TriggerState struct {
	Triggered     bool    `json:"triggered"`
	WaterMark     float64 `json:"water_mark,omitempty"`     // best price seen since approval
	EffectiveStop float64 `json:"effective_stop,omitempty"` // ratcheted stop for trailing orders
}

// OrderSpec is a request to create an order. Price fields left at zero are
// treated as unset.
type OrderSpec struct {
	PortfolioID     string    `json:"portfolio_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            OrderSide `json:"side"`
	Kind            OrderKind `json:"kind"`
	Quantity        int64     `json:"quantity"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	StopPrice       float64   `json:"stop_price,omitempty"`
	StopLossPrice   float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64   `json:"take_profit_price,omitempty"`
	TrailAmount     float64   `json:"trail_amount,omitempty"`
	TrailPercent    float64   `json:"trail_percent,omitempty"`
	RiskLevel       RiskTier  `json:"risk_level,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	Reasoning       string    `json:"reasoning,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// Order is an order record as owned by the lifecycle engine.
type Order struct {
	ID              string       `json:"id"`
	ParentID        string       `json:"parent_id,omitempty"`
	PortfolioID     string       `json:"portfolio_id,omitempty"`
	Symbol          string       `json:"symbol"`
	Side            OrderSide    `json:"side"`
	Kind            OrderKind    `json:"kind"`
	Quantity        int64        `json:"quantity"`
	LimitPrice      float64      `json:"limit_price,omitempty"`
	StopPrice       float64      `json:"stop_price,omitempty"`
	StopLossPrice   float64      `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64      `json:"take_profit_price,omitempty"`
	TrailAmount     float64      `json:"trail_amount,omitempty"`
	TrailPercent    float64      `json:"trail_percent,omitempty"`
	RiskLevel       RiskTier     `json:"risk_level,omitempty"`
	Status          OrderStatus  `json:"status"`
	Trigger         TriggerState `json:"trigger"`
	Confidence      float64      `json:"confidence,omitempty"`
	Reasoning       string       `json:"reasoning,omitempty"`
	Source          string       `json:"source,omitempty"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	FillPrice       float64      `json:"fill_price,omitempty"`
	FilledAt        time.Time    `json:"filled_at,omitempty"`
	ExpiresAt       time.Time    `json:"expires_at"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IsTrailing reports whether the order carries trailing-stop behaviour.
func (o *Order) IsTrailing() bool {
	return o.TrailAmount > 0 || o.TrailPercent > 0
}

// Transition records one applied status change.
type Transition struct {
	OrderID string      `json:"order_id"`
	Symbol  string      `json:"symbol"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason,omitempty"`
}

// Fill describes an execution applied to a portfolio ledger.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Quantity int64     `json:"quantity"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// Notional returns quantity times price.
func (f Fill) Notional() float64 {
	return float64(f.Quantity) * f.Price
}
