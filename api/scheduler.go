/*
scheduler.go - Background revaluation of overdue installments

PURPOSE:
  Periodically sweeps all active loans and stamps LATE on open
  installments whose due date has passed. Listing endpoints then show
  delinquency without recomputing it per request; the money math
  itself always derives late charges from dates, never from the
  stamped status.

LIFECYCLE:
  Started when the server starts (if enabled)
  Runs every CheckInterval
  Stopped gracefully on server shutdown

CONCURRENCY:
  Uses a ticker goroutine with a stop channel. Start/Stop are
  mutex-protected and idempotent.
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/crediario/lending-engine/lending"
)

// RevaluationScheduler stamps overdue installments in the background.
type RevaluationScheduler struct {
	Loans         lending.LoanRepository
	Clock         lending.Clock
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRevaluationScheduler creates a scheduler with the given sweep
// interval.
func NewRevaluationScheduler(loans lending.LoanRepository, clock lending.Clock, interval time.Duration) *RevaluationScheduler {
	return &RevaluationScheduler{
		Loans:         loans,
		Clock:         clock,
		CheckInterval: interval,
		Enabled:       true,
	}
}

// Start launches the background sweep loop.
func (s *RevaluationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.ticker != nil {
		return
	}

	log.Printf("[Scheduler] Starting revaluation scheduler (interval: %v)", s.CheckInterval)
	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan bool)

	s.wg.Add(1)
	go s.run(s.ticker, s.stop)
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *RevaluationScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Scheduler] Revaluation scheduler stopped")
}

// run owns its own ticker and stop references so Stop can clear the
// struct fields without racing the select below.
func (s *RevaluationScheduler) run(ticker *time.Ticker, stop <-chan bool) {
	defer s.wg.Done()

	// Sweep once at startup so a restarted server catches up
	// immediately instead of waiting a full interval.
	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stop:
			return
		}
	}
}

// sweep stamps LATE on every open installment past its due date.
func (s *RevaluationScheduler) sweep() {
	ctx := context.Background()
	today := lending.DateOnly(s.Clock.Now())

	loans, err := s.Loans.ListLoans(ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to list loans: %v", err)
		return
	}

	stamped := 0
	for _, loan := range loans {
		if loan.Status != lending.LoanActive || loan.ActiveAgreement != nil {
			continue
		}

		changed := false
		for i := range loan.Installments {
			inst := &loan.Installments[i]
			if inst.Status != lending.InstallmentPending && inst.Status != lending.InstallmentPartial {
				continue
			}
			if !lending.DateOnly(inst.DueDate).Before(today) {
				continue
			}
			inst.Status = lending.InstallmentLate
			changed = true
			stamped++
		}

		if changed {
			loan.UpdatedAt = s.Clock.Now()
			if err := s.Loans.SaveLoan(ctx, loan); err != nil {
				log.Printf("[Scheduler] Failed to save loan %s: %v", loan.ID, err)
			}
		}
	}

	if stamped > 0 {
		log.Printf("[Scheduler] Marked %d installment(s) late", stamped)
	}
}
