package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"creatorfund/ledger/pkg/models"
)

func TestUpsertAllocationTargetsCompositeKey(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO ledger.allocations").
		WithArgs("payer-1", "creator", "creator-9", "2025-09", int64(500), "ch_abc").
		WillReturnRows(sqlmock.NewRows([]string{
			"payer_id", "recipient_type", "recipient_id", "month",
			"amount_cents", "status", "charge_id", "frozen_cents",
			"created_at", "updated_at",
		}).AddRow("payer-1", "creator", "creator-9", "2025-09",
			int64(500), "active", "ch_abc", int64(0), now, now))

	out, err := store.UpsertAllocation(context.Background(), models.Allocation{
		PayerID:       "payer-1",
		RecipientType: "creator",
		RecipientID:   "creator-9",
		Month:         "2025-09",
		AmountCents:   500,
		ChargeID:      "ch_abc",
	})
	if err != nil {
		t.Fatalf("UpsertAllocation failed: %v", err)
	}
	if out.Status != models.AllocationActive {
		t.Fatalf("expected active status, got %s", out.Status)
	}
	if out.AmountCents != 500 {
		t.Fatalf("expected amount 500, got %d", out.AmountCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBackfillMonthCopiesPriorActiveSet(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ledger.allocations").
		WithArgs("payer-1", "2025-09").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT MAX\\(month\\) FROM ledger.allocations").
		WithArgs("payer-1", "2025-09").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("2025-07"))
	mock.ExpectExec("INSERT INTO ledger.allocations").
		WithArgs("2025-09", "payer-1", "2025-07").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO ledger.backfill_events").
		WithArgs("payer-1", "2025-07", "2025-09", int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	copied, err := store.BackfillMonth(context.Background(), "payer-1", "2025-09")
	if err != nil {
		t.Fatalf("BackfillMonth failed: %v", err)
	}
	if copied != 3 {
		t.Fatalf("expected 3 rows copied, got %d", copied)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBackfillMonthNoopWhenCurrentMonthPopulated(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ledger.allocations").
		WithArgs("payer-1", "2025-09").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	copied, err := store.BackfillMonth(context.Background(), "payer-1", "2025-09")
	if err != nil {
		t.Fatalf("BackfillMonth failed: %v", err)
	}
	if copied != 0 {
		t.Fatalf("expected no copy, got %d", copied)
	}
}

func TestBackfillMonthNoopWithoutHistory(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ledger.allocations").
		WithArgs("payer-new", "2025-09").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT MAX\\(month\\) FROM ledger.allocations").
		WithArgs("payer-new", "2025-09").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectRollback()

	copied, err := store.BackfillMonth(context.Background(), "payer-new", "2025-09")
	if err != nil {
		t.Fatalf("BackfillMonth failed: %v", err)
	}
	if copied != 0 {
		t.Fatalf("expected no copy, got %d", copied)
	}
}
