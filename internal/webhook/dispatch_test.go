package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/internal/payout"
)

func signatureHeader(body []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := logrus.New()
	store := ledger.NewStore(mockDB, logger)
	validator := payout.NewValidator(mockDB, store, config.Limits{}, logger)
	payouts := payout.NewService(mockDB, store, validator, nil, config.Limits{}, notify.NewLogDispatcher(logger), logger)
	return NewDispatcher(NewMarkers(mockDB, logger), store, payouts, logger), mock
}

func TestHandleDuplicateEventIsNoop(t *testing.T) {
	d, mock := newTestDispatcher(t)

	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_dup", "transfer.paid").
		WillReturnResult(sqlmock.NewResult(0, 0))

	body := []byte(`{"id":"evt_dup","type":"transfer.paid","data":{"object":{"id":"tr_1"}}}`)
	err := d.Handle(context.Background(), body)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	// No payout lookups may have run.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleDisputeCreatedFreezesCharge(t *testing.T) {
	d, mock := newTestDispatcher(t)

	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_1", "charge.dispute.created").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger.allocations").
		WithArgs("ch_1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE ledger.webhook_events").
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"id":"evt_1","type":"charge.dispute.created","data":{"object":{"id":"dp_1","charge":"ch_1"}}}`)
	if err := d.Handle(context.Background(), body); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleRefundAppliesProportionalBatch(t *testing.T) {
	d, mock := newTestDispatcher(t)

	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_2", "charge.refunded").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger.allocations").
		WithArgs("ch_1", int64(2000), int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE ledger.webhook_events").
		WithArgs("evt_2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"id":"evt_2","type":"charge.refunded","data":{"object":{"id":"ch_1","amount":2000,"amount_refunded":500}}}`)
	if err := d.Handle(context.Background(), body); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
}

func TestHandleProcessingFailureRecordsFailedMarker(t *testing.T) {
	d, mock := newTestDispatcher(t)

	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_3", "charge.dispute.created").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin().WillReturnError(errors.New("connection lost"))
	mock.ExpectExec("UPDATE ledger.webhook_events").
		WithArgs("evt_3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"id":"evt_3","type":"charge.dispute.created","data":{"object":{"id":"dp_1","charge":"ch_1"}}}`)
	if err := d.Handle(context.Background(), body); err == nil {
		t.Fatal("expected processing failure to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleInvalidPayload(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Handle(context.Background(), []byte(`not-json`)); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := d.Handle(context.Background(), []byte(`{"type":"transfer.paid"}`)); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing id, got %v", err)
	}
}
