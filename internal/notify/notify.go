package notify

import (
	"context"

	"creatorfund/ledger/pkg/logging"
)

// Notification is one outbound user or admin message. Financial operations
// never fail silently: every provider failure, approval request and balance
// alert passes through a Dispatcher.
type Notification struct {
	Recipient string // user id, or "admins" for operator alerts
	Kind      string // payout_failed, approval_pending, balance_alert, ...
	Subject   string
	Body      string
	Metadata  map[string]string
}

// Dispatcher delivers notifications. The default implementation logs; a
// mail or chat backend can be swapped in without touching callers.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes every notification to the structured log.
type LogDispatcher struct {
	logger logging.Logger
}

func NewLogDispatcher(logger logging.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	fields := logging.Fields{
		"recipient": n.Recipient,
		"kind":      n.Kind,
		"subject":   n.Subject,
	}
	for k, v := range n.Metadata {
		fields["meta_"+k] = v
	}
	d.logger.WithFields(fields).Info(n.Body)
	return nil
}
