package engine

import (
	"fmt"
	"math"

	"autotrader/internal/domain"
)

// Decision is the outcome of evaluating a trigger against one price.
type Decision struct {
	Execute bool
	State   domain.TriggerState // state to persist, possibly unchanged
}

// Trigger decides when an approved order becomes executable.
type Trigger interface {
	Evaluate(price float64, state domain.TriggerState) Decision
}

// TriggerFor returns the trigger variant for an order. It is the only place
// that branches on the order kind.
func TriggerFor(o *domain.Order) (Trigger, error) {
	switch o.Kind {
	case domain.OrderKindMarket:
		return MarketTrigger{}, nil
	case domain.OrderKindLimit:
		return LimitTrigger{Side: o.Side, Limit: o.LimitPrice}, nil
	case domain.OrderKindStopLimit:
		if o.IsTrailing() {
			return TrailingStopTrigger{
				Side:        o.Side,
				Amount:      o.TrailAmount,
				Percent:     o.TrailPercent,
				InitialStop: o.StopPrice,
				Limit:       o.LimitPrice,
			}, nil
		}
		return StopLimitTrigger{Side: o.Side, Stop: o.StopPrice, Limit: o.LimitPrice}, nil
	default:
		return nil, fmt.Errorf("no trigger for order kind %q", o.Kind)
	}
}

// MarketTrigger executes as soon as it is evaluated.
type MarketTrigger struct{}

func (MarketTrigger) Evaluate(_ float64, state domain.TriggerState) Decision {
	return Decision{Execute: true, State: state}
}

// LimitTrigger executes a buy at or below Limit and a sell at or above it.
type LimitTrigger struct {
	Side  domain.OrderSide
	Limit float64
}

func (t LimitTrigger) Evaluate(price float64, state domain.TriggerState) Decision {
	return Decision{Execute: limitReached(t.Side, price, t.Limit), State: state}
}

// StopLimitTrigger arms once price crosses Stop (buy: at or above, sell: at
// or below) and then behaves as a limit order at Limit. Without a limit it
// executes as soon as it is armed.
type StopLimitTrigger struct {
	Side  domain.OrderSide
	Stop  float64
	Limit float64
}

func (t StopLimitTrigger) Evaluate(price float64, state domain.TriggerState) Decision {
	if !state.Triggered && stopCrossed(t.Side, price, t.Stop) {
		state.Triggered = true
	}
	return armedDecision(t.Side, price, t.Limit, state)
}

// TrailingStopTrigger is a stop-limit whose stop follows the best price seen
// by Amount (or Percent of it). The stop only moves toward the market: for a
// sell it never decreases, for a buy it never increases. InitialStop, when
// set, seeds the stop.
type TrailingStopTrigger struct {
	Side        domain.OrderSide
	Amount      float64
	Percent     float64 // percent units, 5 = 5%
	InitialStop float64
	Limit       float64
}

func (t TrailingStopTrigger) Evaluate(price float64, state domain.TriggerState) Decision {
	if !state.Triggered {
		state = t.ratchet(price, state)
		if stopCrossed(t.Side, price, state.EffectiveStop) {
			state.Triggered = true
		}
	}
	return armedDecision(t.Side, price, t.Limit, state)
}

func (t TrailingStopTrigger) ratchet(price float64, state domain.TriggerState) domain.TriggerState {
	mark := state.WaterMark
	prev := state.EffectiveStop
	if prev == 0 {
		prev = t.InitialStop
	}

	if t.Side == domain.OrderSideSell {
		if mark == 0 || price > mark {
			mark = price
		}
		candidate := mark - t.trail(mark)
		if prev == 0 {
			prev = candidate
		}
		state.EffectiveStop = math.Max(prev, candidate)
	} else {
		if mark == 0 || price < mark {
			mark = price
		}
		candidate := mark + t.trail(mark)
		if prev == 0 {
			prev = candidate
		}
		state.EffectiveStop = math.Min(prev, candidate)
	}
	state.WaterMark = mark
	return state
}

func (t TrailingStopTrigger) trail(mark float64) float64 {
	if t.Amount > 0 {
		return t.Amount
	}
	return mark * t.Percent / 100
}

// FillPrice returns the execution price for an order given the current
// quote. Orders carrying a limit never fill worse than it.
func FillPrice(o *domain.Order, quote float64) float64 {
	if o.LimitPrice <= 0 || o.Kind == domain.OrderKindMarket {
		return quote
	}
	if o.Side == domain.OrderSideBuy {
		return math.Min(quote, o.LimitPrice)
	}
	return math.Max(quote, o.LimitPrice)
}

func armedDecision(side domain.OrderSide, price, limit float64, state domain.TriggerState) Decision {
	if !state.Triggered {
		return Decision{State: state}
	}
	if limit <= 0 {
		return Decision{Execute: true, State: state}
	}
	return Decision{Execute: limitReached(side, price, limit), State: state}
}

func limitReached(side domain.OrderSide, price, limit float64) bool {
	if side == domain.OrderSideBuy {
		return price <= limit
	}
	return price >= limit
}

func stopCrossed(side domain.OrderSide, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == domain.OrderSideBuy {
		return price >= stop
	}
	return price <= stop
}
