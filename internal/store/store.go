// Package store defines the repositories the engine and backtester call
// through, plus in-memory, SQLite and Parquet implementations.
//
// Every status write is a compare-and-set against the stored status: the
// write succeeds only when the stored status still equals the caller's
// expected status, otherwise domain.ErrConcurrentModification is returned.
package store

import (
	"context"
	"time"

	"autotrader/internal/domain"
)

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID. Missing orders yield
	// domain.ErrOrderNotFound.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status, oldest first.
	// An empty status lists every order.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListChildren returns the orders spawned by parentID.
	ListChildren(ctx context.Context, parentID string) ([]domain.Order, error)

	// Transition moves an order from one status to another if the stored
	// status still equals from. apply, when non-nil, mutates the record
	// before it is written. The updated order is returned.
	Transition(ctx context.Context, id string, from, to domain.OrderStatus, apply func(*domain.Order)) (*domain.Order, error)

	// UpdateTrigger replaces the trigger sub-state while the stored status
	// equals expected.
	UpdateTrigger(ctx context.Context, id string, expected domain.OrderStatus, state domain.TriggerState, at time.Time) error
}

// BacktestStore persists backtest runs.
type BacktestStore interface {
	// SaveRun inserts a new run.
	SaveRun(ctx context.Context, run *domain.BacktestRun) error

	// GetRun retrieves a run by ID. Missing runs yield
	// domain.ErrBacktestNotFound.
	GetRun(ctx context.Context, id string) (*domain.BacktestRun, error)

	// ListRuns returns every run, newest first.
	ListRuns(ctx context.Context) ([]domain.BacktestRun, error)

	// UpdateRun applies fn to the run if its stored status equals expected.
	UpdateRun(ctx context.Context, id string, expected domain.BacktestStatus, apply func(*domain.BacktestRun)) (*domain.BacktestRun, error)
}

// BarStore persists and retrieves daily price bars.
type BarStore interface {
	// WriteBars persists a batch of bars, replacing bars with the same
	// symbol and timestamp.
	WriteBars(ctx context.Context, bars []domain.PricePoint) error

	// ReadBars returns bars for the symbol within [start, end], oldest first.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.PricePoint, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// EquityStore exports the equity curve of a finished backtest.
type EquityStore interface {
	WriteEquityCurve(ctx context.Context, runID string, points []domain.EquityPoint) error
	ReadEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error)
}
