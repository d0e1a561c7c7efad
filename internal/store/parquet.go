package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"autotrader/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ EquityStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and EquityStore using Parquet files on
// disk. It backs the historical price cache and backtest equity exports.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// EquityRecord is the Parquet schema for one equity-curve sample.
type EquityRecord struct {
	RunID     string  `parquet:"run_id"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Equity    float64 `parquet:"equity"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files grouped by symbol and year, merging
// with what is already on disk. Each symbol+year produces one file at:
//
//	<DataDir>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.PricePoint) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		k := key{symbol: strings.ToUpper(b.Symbol), year: ts.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    k.symbol,
			Timestamp: ts.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for the symbol whose timestamp lies in [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.PricePoint, error) {
	var bars []domain.PricePoint
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.PricePoint{
				Symbol:    r.Symbol,
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "daily"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// EquityStore implementation
// ---------------------------------------------------------------------------

// WriteEquityCurve replaces the exported equity curve of a backtest run.
func (s *ParquetStore) WriteEquityCurve(_ context.Context, runID string, points []domain.EquityPoint) error {
	records := make([]EquityRecord, len(points))
	for i, p := range points {
		records[i] = EquityRecord{RunID: runID, Timestamp: p.Timestamp.UnixMilli(), Equity: p.Equity}
	}
	if err := writeParquetFile(s.equityPath(runID), records); err != nil {
		return fmt.Errorf("writing equity curve for %s: %w", runID, err)
	}
	return nil
}

// ReadEquityCurve reads back an exported equity curve.
func (s *ParquetStore) ReadEquityCurve(_ context.Context, runID string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](s.equityPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no equity curve for %s", domain.ErrBacktestNotFound, runID)
		}
		return nil, err
	}
	points := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		points[i] = domain.EquityPoint{Timestamp: time.UnixMilli(r.Timestamp).UTC(), Equity: r.Equity}
	}
	return points, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// equityPath returns the filesystem path for an exported equity curve.
// Layout: <dataDir>/backtests/<runID>/equity.parquet
func (s *ParquetStore) equityPath(runID string) string {
	return filepath.Join(s.DataDir, "backtests", runID, "equity.parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
