package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/internal/payout"
)

type providerAdapter struct {
	available int64
	err       error
}

func (p *providerAdapter) CreateTransfer(context.Context, payout.TransferRequest) (string, error) {
	return "", nil
}

func (p *providerAdapter) AvailableBalance(context.Context) (int64, error) {
	return p.available, p.err
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func testLimits() config.Limits {
	return config.Limits{
		ReserveMultiplier:      1.2,
		WarningFloorCents:      1_000_000,
		CriticalFloorCents:     250_000,
		TrendWindowDays:        7,
		DeclineFlagCentsPerDay: 50_000,
	}
}

func TestClassifyThresholds(t *testing.T) {
	m := &Monitor{limits: testLimits()}

	cases := []struct {
		name      string
		available int64
		reserve   int64
		want      string
	}{
		{"healthy above everything", 5_000_000, 1_200_000, "healthy"},
		{"warning below absolute floor", 900_000, 100_000, "warning"},
		{"warning below reserve", 2_000_000, 2_400_000, "warning"},
		{"critical below absolute floor", 200_000, 0, "critical"},
		{"critical below half reserve", 1_100_000, 2_400_000, "critical"},
		{"depleted at zero", 0, 100, "depleted"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.classify(tc.available, tc.reserve); got != tc.want {
				t.Fatalf("classify(%d, %d) = %s, want %s", tc.available, tc.reserve, got, tc.want)
			}
		})
	}
}

func TestRunAppendsSnapshotAndAlertsOnCritical(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	logger := logrus.New()
	notifier := &recordingNotifier{}
	m := New(mockDB, ledger.NewStore(mockDB, logger),
		&providerAdapter{available: 200_000}, testLimits(), notifier, logger)

	// Obligation sums
	mock.ExpectQuery("SELECT\\s+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"owed", "swept"}).AddRow(int64(100_000), int64(0)))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount_cents\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	// Snapshot append happens regardless of status.
	mock.ExpectExec("INSERT INTO ledger.balance_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Trend query, not enough history to flag.
	mock.ExpectQuery("SELECT available_cents").
		WillReturnRows(sqlmock.NewRows([]string{"available_cents"}).AddRow(int64(200_000)))

	snapshot, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if snapshot.ThresholdStatus != "critical" {
		t.Fatalf("expected critical status, got %s", snapshot.ThresholdStatus)
	}

	found := false
	for _, n := range notifier.sent {
		if n.Kind == "balance_alert" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a balance_alert notification for critical status")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunSurfacesReconciliationMismatch(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	logger := logrus.New()
	notifier := &recordingNotifier{}
	m := New(mockDB, ledger.NewStore(mockDB, logger),
		&providerAdapter{available: 50_000}, testLimits(), notifier, logger)

	mock.ExpectQuery("SELECT\\s+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"owed", "swept"}).AddRow(int64(500_000), int64(0)))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount_cents\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO ledger.balance_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_cents").
		WillReturnRows(sqlmock.NewRows([]string{"available_cents"}).AddRow(int64(50_000)))

	snapshot, err := m.Run(context.Background())
	if !errors.Is(err, ErrReconciliation) {
		t.Fatalf("expected ErrReconciliation, got %v", err)
	}
	if snapshot == nil {
		t.Fatal("snapshot must still be appended on reconciliation failure")
	}
}
