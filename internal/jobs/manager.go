package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/earnings"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/monitor"
	"creatorfund/ledger/internal/payout"
	"creatorfund/ledger/internal/webhook"
	"creatorfund/ledger/pkg/kafka"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// SubscriptionEventsTopic carries subscription activations and amount
// changes from the billing system.
const SubscriptionEventsTopic = "billing.subscription_events"

// Manager owns the scheduled jobs and the billing event consumer:
// month-end close on the 1st, the daily balance monitor, nightly webhook
// marker purging, and the payout retry ticker.
type Manager struct {
	store     *ledger.Store
	processor *earnings.Processor
	payouts   *payout.Service
	balances  *monitor.Monitor
	markers   *webhook.Markers
	consumer  *kafka.Consumer
	limits    config.Limits
	logger    logging.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store *ledger.Store, processor *earnings.Processor, payouts *payout.Service,
	balances *monitor.Monitor, markers *webhook.Markers, consumer *kafka.Consumer,
	limits config.Limits, logger logging.Logger) *Manager {
	return &Manager{
		store:     store,
		processor: processor,
		payouts:   payouts,
		balances:  balances,
		markers:   markers,
		consumer:  consumer,
		limits:    limits,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start registers the schedules and begins consuming billing events.
func (m *Manager) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	// Close the previous month shortly after it ends.
	if _, err := m.cron.AddFunc("15 0 1 * *", func() { m.runMonthEnd(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule month-end close: %w", err)
	}
	if _, err := m.cron.AddFunc("0 6 * * *", func() { m.runBalanceMonitor(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule balance monitor: %w", err)
	}
	if _, err := m.cron.AddFunc("30 3 * * *", func() { m.runWebhookPurge(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule webhook purge: %w", err)
	}
	m.cron.Start()

	m.wg.Add(1)
	go m.retryLoop(ctx)

	if m.consumer != nil {
		m.consumer.AddHandler(SubscriptionEventsTopic, m.handleSubscriptionEvent)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.consumer.Start(ctx); err != nil && ctx.Err() == nil {
				m.logger.WithFields(logging.Fields{"error": err}).
					Error("Subscription event consumer stopped")
			}
		}()
	}

	m.logger.Info("Job manager started")
	return nil
}

// Stop halts schedules, waits for running jobs, and flushes the consumer.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.wg.Wait()
	m.logger.Info("Job manager stopped")
}

func (m *Manager) retryLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := m.payouts.ProcessDueRetries(ctx, now); err != nil {
				m.logger.WithFields(logging.Fields{"error": err}).
					Error("Payout retry sweep failed")
			}
		}
	}
}

func (m *Manager) runMonthEnd(ctx context.Context) {
	month := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01")
	m.logger.WithFields(logging.Fields{"month": month}).Info("Starting month-end close")

	if err := m.processor.Run(ctx, month); err != nil {
		m.logger.WithFields(logging.Fields{
			"month": month,
			"error": err,
		}).Error("Month-end close failed, will retry on next run")
	}
}

func (m *Manager) runBalanceMonitor(ctx context.Context) {
	if _, err := m.balances.Run(ctx); err != nil {
		m.logger.WithFields(logging.Fields{"error": err}).
			Error("Balance monitor run failed")
	}
}

func (m *Manager) runWebhookPurge(ctx context.Context) {
	deleted, err := m.markers.Purge(ctx, m.limits.WebhookRetention, m.limits.WebhookPurgeBatch)
	if err != nil {
		m.logger.WithFields(logging.Fields{"error": err}).
			Error("Webhook marker purge failed")
		return
	}
	m.logger.WithFields(logging.Fields{"deleted": deleted}).Debug("Webhook purge complete")
}

// handleSubscriptionEvent applies one billing event to the balance ledger.
// A decode failure is logged and dropped rather than blocking the
// partition; storage errors propagate so the consumer retries.
func (m *Manager) handleSubscriptionEvent(ctx context.Context, msg kafka.Message) error {
	var ev models.SubscriptionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		m.logger.WithFields(logging.Fields{
			"topic": msg.Topic,
			"error": err,
		}).Warn("Dropping malformed subscription event")
		return nil
	}

	switch ev.EventType {
	case "activated", "amount_changed":
		return m.store.UpsertSubscription(ctx, ev)
	default:
		m.logger.WithFields(logging.Fields{"event_type": ev.EventType}).
			Debug("Ignoring subscription event type")
		return nil
	}
}
