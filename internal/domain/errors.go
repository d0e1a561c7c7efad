package domain

import (
	"errors"
	"strings"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrRiskConstraint         = errors.New("risk constraint violation")
	ErrMarketClosed           = errors.New("market closed")
	ErrOrderNotFound          = errors.New("order not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrBacktestExecution      = errors.New("backtest execution failed")
	ErrBacktestNotFound       = errors.New("backtest not found")
	ErrPortfolioNotFound      = errors.New("portfolio not found")
	ErrPriceUnavailable       = errors.New("price unavailable")
)

// ValidationError lists every problem found in an order request.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid order: " + strings.Join(e.Violations, "; ")
}

// Add records a violation.
func (e *ValidationError) Add(msg string) {
	e.Violations = append(e.Violations, msg)
}

// OrNil returns nil when no violation was recorded, so callers can return it
// directly as an error.
func (e *ValidationError) OrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}
