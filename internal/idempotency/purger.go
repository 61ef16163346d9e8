package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-ledger/internal/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Purger periodically deletes expired ledger records. Expiry is already
// enforced lazily by Check; purging only reclaims space.
type Purger struct {
	ledger  *Ledger
	cron    *cron.Cron
	timeout time.Duration
}

// NewPurger schedules ledger purges on a standard cron spec or a descriptor
// such as "@every 1h".
func NewPurger(ledger *Ledger, schedule string) (*Purger, error) {
	p := &Purger{
		ledger:  ledger,
		cron:    cron.New(),
		timeout: time.Minute,
	}

	if _, err := p.cron.AddFunc(schedule, p.RunOnce); err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", schedule, err)
	}

	return p, nil
}

// Start begins running scheduled purges in the background.
func (p *Purger) Start() {
	p.cron.Start()
}

// Stop prevents further runs and waits for a running purge to finish.
func (p *Purger) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce performs a single purge.
func (p *Purger) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	n, err := p.ledger.PurgeExpired(ctx)
	if err != nil {
		slog.Error("idempotency purge failed", "error", err)
		return
	}

	metrics.IdempotencyPurged.Add(float64(n))
	if n > 0 {
		slog.Info("purged expired idempotency records", "count", n)
	}
}
