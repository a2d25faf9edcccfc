package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"creatorfund/ledger/internal/allocation"
	ledgerstore "creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/monitor"
	"creatorfund/ledger/internal/payout"
	"creatorfund/ledger/internal/webhook"
	"creatorfund/ledger/pkg/logging"
)

var (
	db            *sql.DB
	logger        logging.Logger
	store         *ledgerstore.Store
	allocations   *allocation.Engine
	payouts       *payout.Service
	balances      *monitor.Monitor
	events        *webhook.Dispatcher
	webhookSecret string
	metrics       *LedgerMetrics
)

// LedgerMetrics holds all Prometheus metrics for the ledger service
type LedgerMetrics struct {
	AllocationWrites  *prometheus.CounterVec
	PayoutTransitions *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	SignatureFailures *prometheus.CounterVec
	MonthCloseRuns    *prometheus.CounterVec
	DBQueries         *prometheus.CounterVec
	DBDuration        *prometheus.HistogramVec
	DBConnections     *prometheus.GaugeVec
}

// Init wires the handlers with their collaborators
func Init(database *sql.DB, log logging.Logger, s *ledgerstore.Store, engine *allocation.Engine,
	payoutSvc *payout.Service, balanceMonitor *monitor.Monitor, dispatcher *webhook.Dispatcher,
	providerWebhookSecret string, ledgerMetrics *LedgerMetrics) {
	db = database
	logger = log
	store = s
	allocations = engine
	payouts = payoutSvc
	balances = balanceMonitor
	events = dispatcher
	webhookSecret = providerWebhookSecret
	metrics = ledgerMetrics
}
