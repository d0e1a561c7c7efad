package broker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/util"
)

// coverageSlack tolerates weekends and holidays at the edges of a cached
// range before the cache is considered incomplete.
const coverageSlack = 4 * 24 * time.Hour

// Compile-time interface check.
var _ HistoricalFeed = (*CachedHistory)(nil)

// CachedHistory serves historical bars from a BarStore and falls back to an
// upstream feed when the cache does not cover the requested range, writing
// what it fetched back to the cache.
type CachedHistory struct {
	cache    store.BarStore
	upstream HistoricalFeed
	log      *slog.Logger
}

// NewCachedHistory wraps upstream with a bar cache.
func NewCachedHistory(cache store.BarStore, upstream HistoricalFeed, log *slog.Logger) *CachedHistory {
	if log == nil {
		log = util.Discard()
	}
	return &CachedHistory{cache: cache, upstream: upstream, log: log.With("component", "history")}
}

// HistoricalSeries returns bars for symbol within [start, end].
func (h *CachedHistory) HistoricalSeries(ctx context.Context, symbol string, start, end time.Time) ([]domain.PricePoint, error) {
	symbol = strings.ToUpper(symbol)

	cached, err := h.cache.ReadBars(ctx, symbol, start, end)
	if err != nil {
		h.log.Warn("bar cache read failed", "symbol", symbol, "error", err)
	} else if covers(cached, start, end) {
		return cached, nil
	}

	fetched, err := h.upstream.HistoricalSeries(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(fetched) > 0 {
		if err := h.cache.WriteBars(ctx, fetched); err != nil {
			h.log.Warn("bar cache write failed", "symbol", symbol, "error", err)
		}
	}
	h.log.Debug("bars fetched upstream", "symbol", symbol, "bars", len(fetched))
	return fetched, nil
}

func covers(bars []domain.PricePoint, start, end time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp
	return !first.After(start.Add(coverageSlack)) && !last.Before(end.Add(-coverageSlack))
}
