package domain

import "time"

// RiskProfile is the portfolio-owned risk policy. It is read-only to the
// engine.
type RiskProfile struct {
	MaxPositionPercent float64  `json:"max_position_percent"` // 0-100, 0 = unset
	Tolerance          RiskTier `json:"tolerance"`
	AllowDayTrading    bool     `json:"allow_day_trading"`
	MaxDayTrades       int      `json:"max_day_trades,omitempty"` // 0 = unlimited
	DailyLossLimit     float64  `json:"daily_loss_limit,omitempty"`
}

// Position is the holding of one symbol within a portfolio.
type Position struct {
	Symbol   string    `json:"symbol"`
	Quantity int64     `json:"quantity"`
	AvgPrice float64   `json:"avg_price,omitempty"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// PortfolioSnapshot is a point-in-time read of a portfolio, scoped to the
// symbol of the order being validated.
type PortfolioSnapshot struct {
	PortfolioID      string      `json:"portfolio_id"`
	Cash             float64     `json:"cash"`
	TotalValue       float64     `json:"total_value"`
	Position         Position    `json:"position"`
	DayTradeCount    int         `json:"day_trade_count"`
	RealizedPnLToday float64     `json:"realized_pnl_today"`
	Risk             RiskProfile `json:"risk"`
}

// Constraints are per-assignment overrides supplied by the caller.
type Constraints struct {
	MaxPositionPercent    float64 `json:"max_position_percent,omitempty"`
	OverrideRiskTolerance bool    `json:"override_risk_tolerance,omitempty"`
	ReferencePrice        float64 `json:"reference_price,omitempty"`
}

// PricePoint is one sample of a historical price series.
type PricePoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}
