package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autotrader/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("aapl", 2024)
	want := filepath.Join("/data", "daily", "AAPL", "2024.parquet")
	if bp != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, want)
	}

	ep := ps.equityPath("run-1")
	want = filepath.Join("/data", "backtests", "run-1", "equity.parquet")
	if ep != want {
		t.Errorf("equityPath mismatch:\n  got  %s\n  want %s", ep, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	bars := []domain.PricePoint{
		{Symbol: "AAPL", Timestamp: day(2023, 12, 29), Open: 193, High: 194, Low: 191, Close: 192.5, Volume: 42000000},
		{Symbol: "AAPL", Timestamp: day(2024, 1, 2), Open: 185, High: 186.5, Low: 184, Close: 185.5, Volume: 50000000},
		{Symbol: "AAPL", Timestamp: day(2024, 1, 3), Open: 185.5, High: 187, Low: 185, Close: 186, Volume: 45000000},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	// Rewriting a bar replaces it rather than duplicating it.
	fix := bars[2]
	fix.Close = 186.25
	if err := ps.WriteBars(ctx, []domain.PricePoint{fix}); err != nil {
		t.Fatalf("WriteBars (merge): %v", err)
	}

	got, err := ps.ReadBars(ctx, "AAPL", day(2023, 12, 1), day(2024, 1, 31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars, want 3", len(got))
	}
	if got[2].Close != 186.25 {
		t.Errorf("merged close = %v, want 186.25", got[2].Close)
	}
	if !got[0].Timestamp.Equal(day(2023, 12, 29)) {
		t.Errorf("first bar at %s", got[0].Timestamp)
	}

	got, err = ps.ReadBars(ctx, "AAPL", day(2024, 1, 3), day(2024, 1, 3))
	if err != nil || len(got) != 1 {
		t.Fatalf("ReadBars single day = %d bars, err %v", len(got), err)
	}

	symbols, err := ps.ListSymbols(ctx)
	if err != nil || len(symbols) != 1 || symbols[0] != "AAPL" {
		t.Errorf("ListSymbols = %v, %v", symbols, err)
	}
}

func TestParquetStoreMissingData(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars, err := ps.ReadBars(ctx, "MSFT", time.Now().AddDate(-1, 0, 0), time.Now())
	if err != nil || len(bars) != 0 {
		t.Errorf("ReadBars on empty cache = %v, %v", bars, err)
	}
	symbols, err := ps.ListSymbols(ctx)
	if err != nil || symbols != nil {
		t.Errorf("ListSymbols on empty cache = %v, %v", symbols, err)
	}
	if _, err := ps.ReadEquityCurve(ctx, "nope"); !errors.Is(err, domain.ErrBacktestNotFound) {
		t.Errorf("ReadEquityCurve error = %v", err)
	}
}

func TestParquetStoreEquityCurve(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	points := []domain.EquityPoint{
		{Timestamp: start, Equity: 10000},
		{Timestamp: start.AddDate(0, 0, 1), Equity: 10100},
		{Timestamp: start.AddDate(0, 0, 2), Equity: 9950},
	}
	if err := ps.WriteEquityCurve(ctx, "run-1", points); err != nil {
		t.Fatalf("WriteEquityCurve: %v", err)
	}

	got, err := ps.ReadEquityCurve(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadEquityCurve: %v", err)
	}
	if len(got) != len(points) {
		t.Fatalf("got %d points, want %d", len(got), len(points))
	}
	for i := range points {
		if !got[i].Timestamp.Equal(points[i].Timestamp) || got[i].Equity != points[i].Equity {
			t.Errorf("point %d = %+v, want %+v", i, got[i], points[i])
		}
	}
}
