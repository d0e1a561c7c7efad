// Package builtins provides built-in strategy implementations that ship with
// autotrader.
package builtins

import (
	"context"
	"fmt"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It generates
// a buy signal when the short-period SMA crosses above the long-period SMA,
// and a sell signal when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int

	closes    []float64
	prevShort float64
	prevLong  float64
	primed    bool
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init reads the "short" and "long" parameters, when present, and resets the
// price history.
func (s *SMACross) Init(_ context.Context, params map[string]float64) error {
	if v, ok := params["short"]; ok {
		s.shortPeriod = int(v)
	}
	if v, ok := params["long"]; ok {
		s.longPeriod = int(v)
	}
	if s.shortPeriod <= 0 || s.longPeriod <= s.shortPeriod {
		return fmt.Errorf("sma-cross needs 0 < short < long, got short=%d long=%d", s.shortPeriod, s.longPeriod)
	}
	s.closes = make([]float64, 0, s.longPeriod)
	s.primed = false
	return nil
}

// OnBar appends the bar close and signals on a crossover of the two averages.
func (s *SMACross) OnBar(_ context.Context, bar domain.PricePoint) ([]domain.Signal, error) {
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.longPeriod {
		s.closes = s.closes[1:]
	}
	if len(s.closes) < s.longPeriod {
		return nil, nil
	}

	short := mean(s.closes[len(s.closes)-s.shortPeriod:])
	long := mean(s.closes)
	defer func() {
		s.prevShort, s.prevLong, s.primed = short, long, true
	}()
	if !s.primed {
		return nil, nil
	}

	switch {
	case s.prevShort <= s.prevLong && short > long:
		return []domain.Signal{signal(bar, domain.SignalTypeBuy)}, nil
	case s.prevShort >= s.prevLong && short < long:
		return []domain.Signal{signal(bar, domain.SignalTypeSell)}, nil
	}
	return nil, nil
}

func signal(bar domain.PricePoint, t domain.SignalType) domain.Signal {
	return domain.Signal{Symbol: bar.Symbol, Type: t, Strength: 1, CreatedAt: bar.Timestamp}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
