package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrader/internal/domain"
)

// Compile-time interface checks.
var _ OrderStore = (*MemoryStore)(nil)
var _ BacktestStore = (*MemoryStore)(nil)

// MemoryStore implements OrderStore and BacktestStore in process memory.
// Records are copied on every read and write so callers never share state
// with the store.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	runs   map[string]*domain.BacktestRun
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]domain.Order),
		runs:   make(map[string]*domain.BacktestRun),
	}
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (m *MemoryStore) SaveOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	m.orders[order.ID] = *order
	return nil
}

// GetOrder retrieves a single order by its ID.
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return &o, nil
}

// ListOrders returns all orders matching the given status.
func (m *MemoryStore) ListOrders(_ context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return m.filterOrders(func(o *domain.Order) bool {
		return status == "" || o.Status == status
	}), nil
}

// ListChildren returns the orders spawned by parentID.
func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]domain.Order, error) {
	return m.filterOrders(func(o *domain.Order) bool {
		return parentID != "" && o.ParentID == parentID
	}), nil
}

func (m *MemoryStore) filterOrders(keep func(*domain.Order) bool) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Order
	for _, o := range m.orders {
		if keep(&o) {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out
}

// Transition applies a compare-and-set status change.
func (m *MemoryStore) Transition(_ context.Context, id string, from, to domain.OrderStatus, apply func(*domain.Order)) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	if o.Status != from {
		return nil, casConflict(id, from, o.Status)
	}
	if apply != nil {
		apply(&o)
	}
	o.ID = id
	o.Status = to
	m.orders[id] = o
	return &o, nil
}

// UpdateTrigger replaces the trigger state while the status is unchanged.
func (m *MemoryStore) UpdateTrigger(_ context.Context, id string, expected domain.OrderStatus, state domain.TriggerState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	if o.Status != expected {
		return casConflict(id, expected, o.Status)
	}
	o.Trigger = state
	o.UpdatedAt = at
	m.orders[id] = o
	return nil
}

// ---------------------------------------------------------------------------
// BacktestStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a new run.
func (m *MemoryStore) SaveRun(_ context.Context, run *domain.BacktestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("backtest %s already exists", run.ID)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a run by ID.
func (m *MemoryStore) GetRun(_ context.Context, id string) (*domain.BacktestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBacktestNotFound, id)
	}
	return r.Clone(), nil
}

// ListRuns returns every run, newest first.
func (m *MemoryStore) ListRuns(_ context.Context) ([]domain.BacktestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.BacktestRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r.Clone())
	}
	sortRuns(out)
	return out, nil
}

// UpdateRun applies fn when the stored status equals expected.
func (m *MemoryStore) UpdateRun(_ context.Context, id string, expected domain.BacktestStatus, apply func(*domain.BacktestRun)) (*domain.BacktestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBacktestNotFound, id)
	}
	if r.Status != expected {
		return nil, fmt.Errorf("%w: backtest %s is %s, expected %s",
			domain.ErrConcurrentModification, id, r.Status, expected)
	}
	next := r.Clone()
	apply(next)
	next.ID = id
	m.runs[id] = next
	return next.Clone(), nil
}

// ---------------------------------------------------------------------------
// Helpers shared by the implementations
// ---------------------------------------------------------------------------

func casConflict(id string, expected, actual domain.OrderStatus) error {
	return fmt.Errorf("%w: order %s is %s, expected %s",
		domain.ErrConcurrentModification, id, actual, expected)
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

func sortRuns(runs []domain.BacktestRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}
