package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/pkg/kafka"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := logrus.New()
	store := ledger.NewStore(mockDB, logger)
	return NewManager(store, nil, nil, nil, nil, nil, config.Limits{}, logger), mock
}

func TestHandleSubscriptionEventActivation(t *testing.T) {
	m, mock := newTestManager(t)

	effective := time.Date(2025, 9, 14, 8, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO ledger.balances").
		WithArgs("user-1", periodStart, int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := kafka.Message{
		Topic: SubscriptionEventsTopic,
		Value: []byte(`{"event_type":"activated","user_id":"user-1","subscription_cents":2000,"effective_at":"` +
			effective.Format(time.RFC3339) + `"}`),
	}
	if err := m.handleSubscriptionEvent(context.Background(), msg); err != nil {
		t.Fatalf("handleSubscriptionEvent failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleSubscriptionEventDropsMalformed(t *testing.T) {
	m, _ := newTestManager(t)

	msg := kafka.Message{Topic: SubscriptionEventsTopic, Value: []byte(`not-json`)}
	if err := m.handleSubscriptionEvent(context.Background(), msg); err != nil {
		t.Fatalf("malformed event must be dropped, got %v", err)
	}
}

func TestHandleSubscriptionEventIgnoresUnknownType(t *testing.T) {
	m, _ := newTestManager(t)

	msg := kafka.Message{
		Topic: SubscriptionEventsTopic,
		Value: []byte(`{"event_type":"cancelled","user_id":"user-1"}`),
	}
	if err := m.handleSubscriptionEvent(context.Background(), msg); err != nil {
		t.Fatalf("unknown event type must be ignored, got %v", err)
	}
}
