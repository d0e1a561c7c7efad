package engine

import (
	"fmt"
	"time"

	"autotrader/internal/domain"
)

// RiskRequest is everything the risk checks look at for one assignment.
type RiskRequest struct {
	Order       *domain.Order
	Snapshot    domain.PortfolioSnapshot
	Constraints domain.Constraints
	RefPrice    float64   // price used for cost and sizing
	At          time.Time // evaluation time, for same-day checks
}

type riskCheck func(rm *RiskManager, req RiskRequest) error

// riskChecks run in this order; Check stops at the first failure.
var riskChecks = []riskCheck{
	checkFunds,
	checkShares,
	checkPositionSize,
	checkDayTrading,
	checkTolerance,
	checkDailyLoss,
}

// RiskManager enforces pre-trade risk rules against a read-only portfolio
// snapshot. It never mutates the snapshot or the order.
type RiskManager struct {
	maxPositionPct float64
	loc            *time.Location
}

// NewRiskManager creates a RiskManager.
//
//   - maxPositionPct: fallback cap on a single position as a percent of total
//     portfolio value (e.g. 20 for 20%), used when neither the constraints nor
//     the portfolio profile set one. 0 disables the fallback.
//   - loc: timezone whose calendar date defines "the same trading day".
func NewRiskManager(maxPositionPct float64, loc *time.Location) *RiskManager {
	if loc == nil {
		loc = time.UTC
	}
	return &RiskManager{maxPositionPct: maxPositionPct, loc: loc}
}

// Check runs every rule in order and returns the first violation.
func (rm *RiskManager) Check(req RiskRequest) error {
	for _, check := range riskChecks {
		if err := check(rm, req); err != nil {
			return err
		}
	}
	return nil
}

// CheckAll runs every rule and returns all violations.
func (rm *RiskManager) CheckAll(req RiskRequest) []error {
	var errs []error
	for _, check := range riskChecks {
		if err := check(rm, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// MaxPositionPercent resolves the cap that applies to req.
func (rm *RiskManager) MaxPositionPercent(req RiskRequest) float64 {
	switch {
	case req.Constraints.MaxPositionPercent > 0:
		return req.Constraints.MaxPositionPercent
	case req.Snapshot.Risk.MaxPositionPercent > 0:
		return req.Snapshot.Risk.MaxPositionPercent
	default:
		return rm.maxPositionPct
	}
}

func checkFunds(_ *RiskManager, req RiskRequest) error {
	if req.Order.Side != domain.OrderSideBuy {
		return nil
	}
	cost := float64(req.Order.Quantity) * req.RefPrice
	if cost > req.Snapshot.Cash {
		return fmt.Errorf("%w: cost %.2f exceeds available cash %.2f",
			domain.ErrInsufficientFunds, cost, req.Snapshot.Cash)
	}
	return nil
}

func checkShares(_ *RiskManager, req RiskRequest) error {
	if req.Order.Side != domain.OrderSideSell {
		return nil
	}
	if req.Order.Quantity > req.Snapshot.Position.Quantity {
		return fmt.Errorf("%w: selling %d %s, holding %d",
			domain.ErrInsufficientShares, req.Order.Quantity, req.Order.Symbol, req.Snapshot.Position.Quantity)
	}
	return nil
}

func checkPositionSize(rm *RiskManager, req RiskRequest) error {
	if req.Order.Side != domain.OrderSideBuy {
		return nil
	}
	limit := rm.MaxPositionPercent(req)
	if limit <= 0 {
		return nil
	}
	if req.Snapshot.TotalValue <= 0 {
		return fmt.Errorf("%w: portfolio %s has no value to size against",
			domain.ErrRiskConstraint, req.Snapshot.PortfolioID)
	}
	after := float64(req.Snapshot.Position.Quantity+req.Order.Quantity) * req.RefPrice
	pct := after / req.Snapshot.TotalValue * 100
	if pct > limit {
		return fmt.Errorf("%w: position in %s would be %.2f%% of portfolio, limit %.2f%%",
			domain.ErrRiskConstraint, req.Order.Symbol, pct, limit)
	}
	return nil
}

func checkDayTrading(rm *RiskManager, req RiskRequest) error {
	pos := req.Snapshot.Position
	if req.Order.Side != domain.OrderSideSell || pos.Quantity <= 0 || pos.OpenedAt.IsZero() {
		return nil
	}
	if pos.OpenedAt.In(rm.loc).Format("2006-01-02") != req.At.In(rm.loc).Format("2006-01-02") {
		return nil
	}
	profile := req.Snapshot.Risk
	if !profile.AllowDayTrading {
		return fmt.Errorf("%w: %s was opened today and day trading is not allowed",
			domain.ErrRiskConstraint, req.Order.Symbol)
	}
	if profile.MaxDayTrades > 0 && req.Snapshot.DayTradeCount >= profile.MaxDayTrades {
		return fmt.Errorf("%w: day trade limit of %d reached",
			domain.ErrRiskConstraint, profile.MaxDayTrades)
	}
	return nil
}

func checkTolerance(_ *RiskManager, req RiskRequest) error {
	level, tolerance := req.Order.RiskLevel, req.Snapshot.Risk.Tolerance
	if level == domain.RiskUnspecified || tolerance == domain.RiskUnspecified {
		return nil
	}
	if level > tolerance && !req.Constraints.OverrideRiskTolerance {
		return fmt.Errorf("%w: order risk %s exceeds portfolio tolerance %s",
			domain.ErrRiskConstraint, level, tolerance)
	}
	return nil
}

func checkDailyLoss(_ *RiskManager, req RiskRequest) error {
	limit := req.Snapshot.Risk.DailyLossLimit
	if req.Order.Side != domain.OrderSideBuy || limit <= 0 {
		return nil
	}
	if req.Snapshot.RealizedPnLToday <= -limit {
		return fmt.Errorf("%w: realized loss today %.2f reached daily limit %.2f",
			domain.ErrRiskConstraint, -req.Snapshot.RealizedPnLToday, limit)
	}
	return nil
}
