package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
)

func newTestMarkers(t *testing.T) (*Markers, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewMarkers(mockDB, logrus.New()), mock
}

func TestClaimFirstSightSucceeds(t *testing.T) {
	m, mock := newTestMarkers(t)

	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_1", "transfer.paid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Claim(context.Background(), "evt_1", "transfer.paid"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimRedeliveryIsDuplicate(t *testing.T) {
	m, mock := newTestMarkers(t)

	// ON CONFLICT DO NOTHING: zero rows affected means someone already
	// holds the marker.
	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_1", "transfer.paid").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Claim(context.Background(), "evt_1", "transfer.paid")
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestPurgeDeletesInBatches(t *testing.T) {
	m, mock := newTestMarkers(t)

	mock.ExpectExec("DELETE FROM ledger.webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 1000))
	mock.ExpectExec("DELETE FROM ledger.webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 137))

	deleted, err := m.Purge(context.Background(), 30*24*time.Hour, 1000)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if deleted != 1137 {
		t.Fatalf("expected 1137 deleted, got %d", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	sig := signatureHeader(body, secret, time.Now().Unix())

	if !VerifySignature(body, sig, secret) {
		t.Fatal("expected valid signature to verify")
	}
	if VerifySignature(body, sig, "wrong-secret") {
		t.Fatal("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{"id":"evt_2"}`), sig, secret) {
		t.Fatal("expected tampered body to fail")
	}

	stale := signatureHeader(body, secret, time.Now().Add(-time.Hour).Unix())
	if VerifySignature(body, stale, secret) {
		t.Fatal("expected stale timestamp to fail")
	}
	if VerifySignature(body, "t=abc,v1=deadbeef", secret) {
		t.Fatal("expected malformed header to fail")
	}
}
