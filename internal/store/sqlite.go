package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ BacktestStore = (*SQLiteStore)(nil)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	parent_id  TEXT NOT NULL DEFAULT '',
	symbol     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_id);

CREATE TABLE IF NOT EXISTS backtest_runs (
	id         TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
`

// SQLiteStore implements OrderStore and BacktestStore backed by a SQLite
// database. Records are stored as JSON documents next to the indexed
// columns used for lookups and compare-and-set updates.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialising connections keeps
	// read-then-update transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := NewSQLiteStoreFromDB(db)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing connection pool without migrating.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encoding order %s: %w", order.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, parent_id, symbol, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.ParentID, order.Symbol, string(order.Status),
		order.CreatedAt.UnixNano(), order.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", order.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, data FROM orders WHERE id = ?`, id)
	return scanOrder(row, id)
}

// ListOrders returns all orders matching the given status.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, data FROM orders WHERE (? = '' OR status = ?) ORDER BY created_at, id`,
		string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return collectOrders(rows)
}

// ListChildren returns the orders spawned by parentID.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]domain.Order, error) {
	if parentID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, data FROM orders WHERE parent_id = ? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	return collectOrders(rows)
}

// Transition applies a compare-and-set status change. The conditional
// UPDATE is what guarantees at-most-once progress past a status.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to domain.OrderStatus, apply func(*domain.Order)) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition of %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT status, data FROM orders WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, casConflict(id, from, o.Status)
	}
	if apply != nil {
		apply(o)
	}
	o.ID = id
	o.Status = to

	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encoding order %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ?, data = ? WHERE id = ? AND status = ?`,
		string(to), o.UpdatedAt.UnixNano(), string(data), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("updating order %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", id, err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: order %s left %s concurrently", domain.ErrConcurrentModification, id, from)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition of %s: %w", id, err)
	}
	return o, nil
}

// UpdateTrigger replaces the trigger state while the status is unchanged.
func (s *SQLiteStore) UpdateTrigger(ctx context.Context, id string, expected domain.OrderStatus, state domain.TriggerState, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning trigger update of %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT status, data FROM orders WHERE id = ?`, id), id)
	if err != nil {
		return err
	}
	if o.Status != expected {
		return casConflict(id, expected, o.Status)
	}
	o.Trigger = state
	o.UpdatedAt = at

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding order %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET updated_at = ?, data = ? WHERE id = ? AND status = ?`,
		at.UnixNano(), string(data), id, string(expected))
	if err != nil {
		return fmt.Errorf("updating trigger of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %s left %s concurrently", domain.ErrConcurrentModification, id, expected)
	}
	return tx.Commit()
}

func scanOrder(row rowScanner, id string) (*domain.Order, error) {
	var status, data string
	if err := row.Scan(&status, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	var o domain.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", id, err)
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows, "")
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// BacktestStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a new run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.BacktestRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding backtest %s: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backtest_runs (id, strategy, status, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, string(run.Status), run.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("inserting backtest %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.BacktestRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, data FROM backtest_runs WHERE id = ?`, id)
	return scanRun(row, id)
}

// ListRuns returns every run, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]domain.BacktestRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, data FROM backtest_runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing backtests: %w", err)
	}
	defer rows.Close()

	var runs []domain.BacktestRun
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpdateRun applies fn when the stored status equals expected.
func (s *SQLiteStore) UpdateRun(ctx context.Context, id string, expected domain.BacktestStatus, apply func(*domain.BacktestRun)) (*domain.BacktestRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update of backtest %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := scanRun(tx.QueryRowContext(ctx, `SELECT status, data FROM backtest_runs WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if r.Status != expected {
		return nil, fmt.Errorf("%w: backtest %s is %s, expected %s",
			domain.ErrConcurrentModification, id, r.Status, expected)
	}
	apply(r)
	r.ID = id

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding backtest %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE backtest_runs SET status = ?, data = ? WHERE id = ? AND status = ?`,
		string(r.Status), string(data), id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("updating backtest %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: backtest %s left %s concurrently", domain.ErrConcurrentModification, id, expected)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing backtest %s: %w", id, err)
	}
	return r, nil
}

func scanRun(row rowScanner, id string) (*domain.BacktestRun, error) {
	var status, data string
	if err := row.Scan(&status, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBacktestNotFound, id)
		}
		return nil, fmt.Errorf("reading backtest %s: %w", id, err)
	}
	var r domain.BacktestRun
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decoding backtest %s: %w", id, err)
	}
	r.Status = domain.BacktestStatus(status)
	return &r, nil
}
