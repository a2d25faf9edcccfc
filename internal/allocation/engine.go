package allocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// Engine validates funding decisions and writes them through the ledger
// store. Rapid successive changes from one caller to the same allocation
// key are coalesced into a single outbound write within a short window;
// every waiter on a coalesced write receives the flush result.
type Engine struct {
	store  *ledger.Store
	logger logging.Logger
	window time.Duration

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
}

type pendingWrite struct {
	alloc  models.Allocation
	timer  *time.Timer
	done   chan struct{}
	result *models.Allocation
	err    error
}

func NewEngine(store *ledger.Store, logger logging.Logger, window time.Duration) *Engine {
	return &Engine{
		store:   store,
		logger:  logger,
		window:  window,
		pending: make(map[string]*pendingWrite),
	}
}

// SetAllocation validates and persists a payer's funding decision. The
// write is debounced per allocation key; the returned record reflects the
// amount that actually reached storage (the last write in the window).
func (e *Engine) SetAllocation(ctx context.Context, a models.Allocation) (*models.Allocation, error) {
	if a.AmountCents < 0 {
		return nil, fmt.Errorf("amount_cents must be non-negative: %w", ledger.ErrValidation)
	}

	payerOK, err := e.store.PayerExists(ctx, a.PayerID)
	if err != nil {
		return nil, err
	}
	if !payerOK {
		return nil, fmt.Errorf("payer %s: %w", a.PayerID, ledger.ErrNotFound)
	}
	recipientOK, err := e.store.RecipientExists(ctx, a.RecipientID)
	if err != nil {
		return nil, err
	}
	if !recipientOK {
		return nil, fmt.Errorf("recipient %s: %w", a.RecipientID, ledger.ErrNotFound)
	}

	if _, err := e.store.BackfillMonth(ctx, a.PayerID, a.Month); err != nil {
		return nil, err
	}

	done := e.enqueue(a)
	select {
	case <-done.done:
		return done.result, done.err
	case <-ctx.Done():
		// The write still lands; only this caller stops waiting for it.
		return nil, ctx.Err()
	}
}

func (e *Engine) enqueue(a models.Allocation) *pendingWrite {
	key := a.PayerID + "|" + a.RecipientType + "|" + a.RecipientID + "|" + a.Month

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		// No more windows after shutdown begins; write through immediately.
		p := &pendingWrite{alloc: a, done: make(chan struct{})}
		go e.flush(key, p)
		return p
	}

	if p, ok := e.pending[key]; ok {
		p.alloc.AmountCents = a.AmountCents
		p.alloc.ChargeID = a.ChargeID
		p.timer.Reset(e.window)
		return p
	}

	p := &pendingWrite{alloc: a, done: make(chan struct{})}
	p.timer = time.AfterFunc(e.window, func() {
		e.mu.Lock()
		if e.pending[key] == p {
			delete(e.pending, key)
		}
		e.mu.Unlock()
		e.flush(key, p)
	})
	e.pending[key] = p
	return p
}

func (e *Engine) flush(key string, p *pendingWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.result, p.err = e.store.UpsertAllocation(ctx, p.alloc)
	if p.err != nil {
		e.logger.WithFields(logging.Fields{
			"allocation_key": key,
			"error":          p.err,
		}).Error("Coalesced allocation write failed")
	}
	close(p.done)
}

// Close flushes every pending coalesced write synchronously so no waiter is
// dropped on shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	remaining := make(map[string]*pendingWrite, len(e.pending))
	for key, p := range e.pending {
		if p.timer.Stop() {
			remaining[key] = p
		}
		delete(e.pending, key)
	}
	e.mu.Unlock()

	for key, p := range remaining {
		e.flush(key, p)
	}
}
