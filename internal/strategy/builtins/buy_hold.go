package builtins

import (
	"context"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold buys on the first bar and never sells; the backtester closes
// the position at the end of the run.
type BuyAndHold struct {
	bought bool
}

// Name returns "buy-and-hold".
func (*BuyAndHold) Name() string { return "buy-and-hold" }

func (b *BuyAndHold) Init(context.Context, map[string]float64) error {
	b.bought = false
	return nil
}

func (b *BuyAndHold) OnBar(_ context.Context, bar domain.PricePoint) ([]domain.Signal, error) {
	if b.bought {
		return nil, nil
	}
	b.bought = true
	return []domain.Signal{signal(bar, domain.SignalTypeBuy)}, nil
}

// Hold never trades. It is the baseline every strategy should beat.
type Hold struct{}

// Name returns "hold".
func (Hold) Name() string { return "hold" }

func (Hold) Init(context.Context, map[string]float64) error { return nil }

func (Hold) OnBar(context.Context, domain.PricePoint) ([]domain.Signal, error) { return nil, nil }

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(func() strategy.Strategy { return NewSMACross(10, 30) })
	r.Register(func() strategy.Strategy { return &BuyAndHold{} })
	r.Register(func() strategy.Strategy { return Hold{} })
}
