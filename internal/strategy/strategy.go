// Package strategy defines the Strategy interface for trading strategies,
// a Registry of strategy factories, and the Backtester that replays
// historical prices through a strategy and scores the result.
package strategy

import (
	"context"
	"sort"
	"sync"

	"autotrader/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
// A Strategy instance serves one backtest run and may keep state between
// bars.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data. params carries the run's strategy parameters;
	// unknown keys are ignored.
	Init(ctx context.Context, params map[string]float64) error

	// OnBar is called with each historical bar, oldest first. It returns zero
	// or more trading signals.
	OnBar(ctx context.Context, bar domain.PricePoint) ([]domain.Signal, error)
}

// Factory builds a fresh Strategy instance.
type Factory func() Strategy

// Registry holds a named collection of strategy factories for lookup and
// enumeration. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the Name() of the strategy it builds.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[f().Name()] = f
}

// Get builds a new instance of the named strategy. The second return value
// indicates whether the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return f(), true
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
