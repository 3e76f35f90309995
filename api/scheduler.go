/*
scheduler.go - Automated quote expiry

PURPOSE:
  Periodically moves draft and sent quotes whose validity date has passed
  to expired. Goes through the quote ledger, so every change is audited
  like a manual status update. Accepted and rejected quotes are never
  touched.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps every tenant in one pass (ExpireOverdue with empty company)
  - Runs once immediately on start

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: false)

USAGE:
  scheduler := NewExpiryScheduler(ledger)
  scheduler.Enabled = true
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - quotes/ledger.go: ExpireOverdue
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fieldops/crm-engine/quotes"
)

// ExpiryScheduler expires overdue quotes on a timer.
type ExpiryScheduler struct {
	Ledger        *quotes.Ledger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a disabled scheduler with a one hour interval.
func NewExpiryScheduler(ledger *quotes.Ledger) *ExpiryScheduler {
	return &ExpiryScheduler{
		Ledger:        ledger,
		CheckInterval: 1 * time.Hour,
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Expiry] Disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run(es.ticker, es.stop)

	log.Printf("[Expiry] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.ticker = nil
		log.Println("[Expiry] Stopped")
	}
}

func (es *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer es.wg.Done()

	// Run immediately on start
	es.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			es.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns the number of quotes expired.
func (es *ExpiryScheduler) RunNow(ctx context.Context) int {
	n, err := es.Ledger.ExpireOverdue(ctx, "", es.Now())
	if err != nil {
		log.Printf("[Expiry] Sweep failed: %v", err)
		return n
	}
	if n > 0 {
		log.Printf("[Expiry] Expired %d quote(s)", n)
	}
	return n
}
