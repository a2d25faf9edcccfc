package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/pkg/models"
)

func newTestEngine(t *testing.T, window time.Duration) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	store := ledger.NewStore(mockDB, logrus.New())
	return NewEngine(store, logrus.New(), window), mock
}

func expectExistenceAndBackfillNoop(mock sqlmock.Sqlmock, payerID string) {
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM ledger.balances").
		WithArgs(payerID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM ledger.payout_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ledger.allocations").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()
}

func allocationRows(amount int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"payer_id", "recipient_type", "recipient_id", "month",
		"amount_cents", "status", "charge_id", "frozen_cents",
		"created_at", "updated_at",
	}).AddRow("payer-1", "creator", "creator-1", "2025-09",
		amount, "active", "", int64(0), now, now)
}

func TestSetAllocationRejectsNegativeAmount(t *testing.T) {
	engine, _ := newTestEngine(t, 10*time.Millisecond)

	_, err := engine.SetAllocation(context.Background(), models.Allocation{
		PayerID: "payer-1", RecipientType: "creator", RecipientID: "creator-1",
		Month: "2025-09", AmountCents: -1,
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSetAllocationUnknownPayer(t *testing.T) {
	engine, mock := newTestEngine(t, 10*time.Millisecond)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM ledger.balances").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := engine.SetAllocation(context.Background(), models.Allocation{
		PayerID: "ghost", RecipientType: "creator", RecipientID: "creator-1",
		Month: "2025-09", AmountCents: 100,
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCoalescerBurstFlushesOnceWithLastAmount(t *testing.T) {
	engine, mock := newTestEngine(t, 40*time.Millisecond)
	mock.MatchExpectationsInOrder(false)

	for i := 0; i < 3; i++ {
		expectExistenceAndBackfillNoop(mock, "payer-1")
	}
	// Exactly one outbound write for the burst, carrying the last amount.
	mock.ExpectQuery("INSERT INTO ledger.allocations").
		WithArgs("payer-1", "creator", "creator-1", "2025-09", int64(300), "").
		WillReturnRows(allocationRows(300))

	var wg sync.WaitGroup
	results := make([]*models.Allocation, 3)
	errs := make([]error, 3)
	for i, amount := range []int64{100, 200, 300} {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			results[i], errs[i] = engine.SetAllocation(context.Background(), models.Allocation{
				PayerID: "payer-1", RecipientType: "creator", RecipientID: "creator-1",
				Month: "2025-09", AmountCents: amount,
			})
		}(i, amount)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if results[i] == nil || results[i].AmountCents != 300 {
			t.Fatalf("caller %d expected flushed amount 300, got %+v", i, results[i])
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	engine, mock := newTestEngine(t, time.Hour)
	mock.MatchExpectationsInOrder(false)

	expectExistenceAndBackfillNoop(mock, "payer-1")
	mock.ExpectQuery("INSERT INTO ledger.allocations").
		WithArgs("payer-1", "creator", "creator-1", "2025-09", int64(150), "").
		WillReturnRows(allocationRows(150))

	done := make(chan error, 1)
	go func() {
		_, err := engine.SetAllocation(context.Background(), models.Allocation{
			PayerID: "payer-1", RecipientType: "creator", RecipientID: "creator-1",
			Month: "2025-09", AmountCents: 150,
		})
		done <- err
	}()

	// Let the write enter the (long) window, then shut down.
	time.Sleep(30 * time.Millisecond)
	engine.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter got error after Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was dropped on shutdown")
	}
}
