// Package broker defines the external collaborators the engine trades
// through (portfolio ledger, live price feed, historical price feed) and
// provides an in-memory simulator and an Alpaca-backed implementation.
package broker

import (
	"context"
	"time"

	"autotrader/internal/domain"
)

// Ledger is the portfolio book of record. The engine only reads snapshots
// and applies fills; it never edits positions directly.
type Ledger interface {
	// Snapshot returns cash, total value, risk profile and the position in
	// symbol for a portfolio.
	Snapshot(ctx context.Context, portfolioID, symbol string) (domain.PortfolioSnapshot, error)

	// ApplyFill debits or credits cash and updates the position.
	ApplyFill(ctx context.Context, portfolioID string, fill domain.Fill) error
}

// PriceFeed quotes the current market price of a symbol.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// HistoricalFeed returns daily bars for a symbol within [start, end],
// oldest first.
type HistoricalFeed interface {
	HistoricalSeries(ctx context.Context, symbol string, start, end time.Time) ([]domain.PricePoint, error)
}

// Broker bundles the collaborators a live or paper deployment needs.
type Broker interface {
	Ledger
	PriceFeed

	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string
}
