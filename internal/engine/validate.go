package engine

import (
	"fmt"
	"strings"
	"time"

	"autotrader/internal/domain"
)

// NormalizeSpec trims and upper-cases the identifying fields of a request.
func NormalizeSpec(spec domain.OrderSpec) domain.OrderSpec {
	spec.Symbol = strings.ToUpper(strings.TrimSpace(spec.Symbol))
	spec.Side = domain.OrderSide(strings.ToUpper(string(spec.Side)))
	spec.Kind = domain.OrderKind(strings.ToUpper(string(spec.Kind)))
	spec.PortfolioID = strings.TrimSpace(spec.PortfolioID)
	return spec
}

// ValidateSpec checks an order request and reports every violation at once.
// A maxQuantity of 0 disables the quantity ceiling.
func ValidateSpec(spec domain.OrderSpec, now time.Time, maxQuantity int64) error {
	ve := &domain.ValidationError{}

	if spec.Symbol == "" {
		ve.Add("symbol is required")
	}
	switch spec.Side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		ve.Add(fmt.Sprintf("side must be BUY or SELL, got %q", spec.Side))
	}

	switch {
	case spec.Quantity <= 0:
		ve.Add("quantity must be positive")
	case maxQuantity > 0 && spec.Quantity > maxQuantity:
		ve.Add(fmt.Sprintf("quantity %d exceeds maximum %d", spec.Quantity, maxQuantity))
	}

	if !spec.RiskLevel.Valid() {
		ve.Add("risk_level must be CONSERVATIVE, MODERATE or AGGRESSIVE")
	}

	prices := []struct {
		name  string
		value float64
	}{
		{"limit_price", spec.LimitPrice},
		{"stop_price", spec.StopPrice},
		{"stop_loss_price", spec.StopLossPrice},
		{"take_profit_price", spec.TakeProfitPrice},
		{"trail_amount", spec.TrailAmount},
		{"trail_percent", spec.TrailPercent},
	}
	for _, p := range prices {
		if p.value < 0 {
			ve.Add(p.name + " must not be negative")
		}
	}

	trailing := spec.TrailAmount > 0 || spec.TrailPercent > 0
	switch spec.Kind {
	case domain.OrderKindMarket:
		if spec.LimitPrice > 0 || spec.StopPrice > 0 {
			ve.Add("market orders take no limit or stop price")
		}
	case domain.OrderKindLimit:
		if spec.LimitPrice <= 0 {
			ve.Add("limit orders require limit_price")
		}
	case domain.OrderKindStopLimit:
		if spec.StopPrice <= 0 && !trailing {
			ve.Add("stop-limit orders require stop_price or a trail")
		}
	default:
		ve.Add(fmt.Sprintf("kind must be MARKET, LIMIT or STOP_LIMIT, got %q", spec.Kind))
	}

	if trailing {
		if spec.Kind != domain.OrderKindStopLimit {
			ve.Add("trailing stops must be STOP_LIMIT orders")
		}
		if spec.TrailAmount > 0 && spec.TrailPercent > 0 {
			ve.Add("set trail_amount or trail_percent, not both")
		}
		if spec.TrailPercent >= 100 {
			ve.Add("trail_percent must be below 100")
		}
	}

	if sl, tp := spec.StopLossPrice, spec.TakeProfitPrice; sl > 0 && tp > 0 {
		if spec.Side == domain.OrderSideBuy && sl >= tp {
			ve.Add("stop_loss_price must be below take_profit_price for a buy")
		}
		if spec.Side == domain.OrderSideSell && sl <= tp {
			ve.Add("stop_loss_price must be above take_profit_price for a sell")
		}
	}

	if !spec.ExpiresAt.After(now) {
		ve.Add("expires_at must be in the future")
	}

	return ve.OrNil()
}
