package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"autotrader/internal/domain"
)

func TestSQLiteStoreGetOrderNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT status, data FROM orders WHERE id = \?`).
		WithArgs("o-1").
		WillReturnError(sql.ErrNoRows)

	s := NewSQLiteStoreFromDB(db)
	_, err = s.GetOrder(context.Background(), "o-1")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("GetOrder error = %v, want ErrOrderNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteStoreGetOrderDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT status, data FROM orders`).
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewSQLiteStoreFromDB(db).GetOrder(context.Background(), "o-1")
	if err == nil || errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("GetOrder error = %v, want wrapped driver error", err)
	}
}

func TestSQLiteStoreTransitionLostRace(t *testing.T) {
	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "row changed between read and update",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT status, data FROM orders WHERE id = \?`).
					WithArgs("o-1").
					WillReturnRows(sqlmock.NewRows([]string{"status", "data"}).
						AddRow("APPROVED", `{"id":"o-1","symbol":"AAPL","status":"APPROVED"}`))
				mock.ExpectExec(`UPDATE orders SET status = \?, updated_at = \?, data = \? WHERE id = \? AND status = \?`).
					WithArgs("EXECUTING", sqlmock.AnyArg(), sqlmock.AnyArg(), "o-1", "APPROVED").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: domain.ErrConcurrentModification,
		},
		{
			name: "stored status already moved",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT status, data FROM orders`).
					WithArgs("o-1").
					WillReturnRows(sqlmock.NewRows([]string{"status", "data"}).
						AddRow("EXECUTING", `{"id":"o-1","symbol":"AAPL"}`))
				mock.ExpectRollback()
			},
			wantErr: domain.ErrConcurrentModification,
		},
		{
			name: "begin fails",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()
			tt.mockSetup(mock)

			_, err = NewSQLiteStoreFromDB(db).Transition(context.Background(), "o-1",
				domain.OrderStatusApproved, domain.OrderStatusExecuting, nil)
			if err == nil {
				t.Fatal("Transition should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Transition error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLiteStoreSaveRunInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO backtest_runs`).
		WithArgs("r-1", "sma_cross", "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("UNIQUE constraint failed"))

	err = NewSQLiteStoreFromDB(db).SaveRun(context.Background(), &domain.BacktestRun{
		ID: "r-1", Strategy: "sma_cross", Status: domain.BacktestPending,
	})
	if err == nil {
		t.Fatal("SaveRun should surface the insert error")
	}
}
