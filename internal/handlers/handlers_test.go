package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"creatorfund/ledger/internal/allocation"
	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/monitor"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/internal/payout"
	"creatorfund/ledger/internal/webhook"
)

func setupHandlers(t *testing.T, secret string) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		mockDB.Close()
		db = nil
	})

	log := logrus.New()
	s := ledger.NewStore(mockDB, log)
	limits := config.Limits{CoalesceWindow: time.Millisecond}
	validator := payout.NewValidator(mockDB, s, limits, log)
	notifier := notify.NewLogDispatcher(log)
	payoutSvc := payout.NewService(mockDB, s, validator, nil, limits, notifier, log)
	engine := allocation.NewEngine(s, log, limits.CoalesceWindow)
	t.Cleanup(engine.Close)
	markers := webhook.NewMarkers(mockDB, log)
	dispatcher := webhook.NewDispatcher(markers, s, payoutSvc, log)
	balanceMonitor := monitor.New(mockDB, s, nil, limits, notifier, log)

	Init(mockDB, log, s, engine, payoutSvc, balanceMonitor, dispatcher, secret, nil)
	return mock
}

func webhookRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/provider", ProviderWebhook)
	return r
}

func providerSignature(body []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestProviderWebhookMissingSecret(t *testing.T) {
	setupHandlers(t, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider",
		bytes.NewBufferString(`{"id":"evt_1","type":"transfer.paid"}`))
	webhookRouter().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestProviderWebhookInvalidSignature(t *testing.T) {
	setupHandlers(t, "unit-test-secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider",
		bytes.NewBufferString(`{"id":"evt_1","type":"transfer.paid"}`))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	webhookRouter().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestProviderWebhookDuplicateReturnsSuccess(t *testing.T) {
	mock := setupHandlers(t, "unit-test-secret")

	mock.ExpectExec("INSERT INTO ledger.webhook_events").
		WithArgs("evt_dup", "transfer.paid").
		WillReturnResult(sqlmock.NewResult(0, 0))

	body := []byte(`{"id":"evt_dup","type":"transfer.paid","data":{"object":{"id":"tr_1"}}}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewBuffer(body))
	req.Header.Set("Stripe-Signature", providerSignature(body, "unit-test-secret", time.Now().Unix()))
	webhookRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("duplicate delivery must return 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestPayoutRejectsBadBody(t *testing.T) {
	setupHandlers(t, "unit-test-secret")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/payouts", func(c *gin.Context) {
		c.Set("user_id", "creator-1")
		RequestPayout(c)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payouts", bytes.NewBufferString(`{}`))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}
