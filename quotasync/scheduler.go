// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quotasync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/clock"
	"github.com/gleaner-foundation/gleaner/quota"
	"github.com/gleaner-foundation/gleaner/scrape"
)

const (
	defaultScrapeTimeout = 30 * time.Second
	defaultConcurrency   = 2
	defaultSnapshotTTL   = 30 * time.Minute
)

// Evaluator is asked to re-check a worker after a sync cycle touched
// its ledger state. The lifecycle manager implements it. Calls must
// return quickly; the scheduler signals, it does not wait.
type Evaluator interface {
	Reevaluate(workerID string)
}

// Config holds the collaborators and knobs for a Scheduler.
type Config struct {
	// Ledger is reconciled against the scraped observations. Required.
	Ledger *quota.Ledger

	// Scraper reads provider dashboards. Required.
	Scraper scrape.Scraper

	// Trigger delivers scheduled cycle ticks. Required; the scheduler
	// owns it and stops it when Run returns.
	Trigger Trigger

	// Evaluator is poked after each worker is reconciled. May be nil.
	Evaluator Evaluator

	// Clock provides the current time. Defaults to the system clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to a discard
	// logger.
	Logger *slog.Logger

	// ScrapeTimeout bounds one scraper call. Zero means 30 seconds.
	ScrapeTimeout time.Duration

	// Concurrency bounds simultaneous scrapes. Zero means 2.
	Concurrency int

	// SnapshotTTL is how long a recorded snapshot stays authoritative.
	// Zero means 30 minutes.
	SnapshotTTL time.Duration
}

// Scheduler refreshes every registered worker's quota snapshot on a
// recurring trigger and reconciles the ledger against what the
// providers report. One cycle runs at a time; ticks arriving during a
// cycle are skipped and logged.
type Scheduler struct {
	ledger    *quota.Ledger
	scraper   scrape.Scraper
	trigger   Trigger
	evaluator Evaluator
	clock     clock.Clock
	logger    *slog.Logger

	scrapeTimeout time.Duration
	concurrency   int
	snapshotTTL   time.Duration

	enabled atomic.Bool
	running atomic.Bool

	mu   sync.Mutex
	last *CycleStats
}

// NewScheduler creates a Scheduler. Scheduled cycles start enabled.
func NewScheduler(config Config) (*Scheduler, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("quotasync: Ledger is required")
	}
	if config.Scraper == nil {
		return nil, fmt.Errorf("quotasync: Scraper is required")
	}
	if config.Trigger == nil {
		return nil, fmt.Errorf("quotasync: Trigger is required")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	scrapeTimeout := config.ScrapeTimeout
	if scrapeTimeout <= 0 {
		scrapeTimeout = defaultScrapeTimeout
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	snapshotTTL := config.SnapshotTTL
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSnapshotTTL
	}

	s := &Scheduler{
		ledger:        config.Ledger,
		scraper:       config.Scraper,
		trigger:       config.Trigger,
		evaluator:     config.Evaluator,
		clock:         clk,
		logger:        logger,
		scrapeTimeout: scrapeTimeout,
		concurrency:   concurrency,
		snapshotTTL:   snapshotTTL,
	}
	s.enabled.Store(true)
	return s, nil
}

// Run drives scheduled cycles until ctx is canceled. Cycles run on
// their own goroutine so a slow provider never blocks the loop; Run
// waits for the in-flight cycle before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.trigger.Stop()
	s.logger.Info("sync scheduler started",
		"concurrency", s.concurrency,
		"scrape_timeout", s.scrapeTimeout,
	)

	var cycles sync.WaitGroup
	defer cycles.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger.C():
			if !s.Enabled() {
				s.logger.Debug("sync disabled, tick ignored")
				continue
			}
			cycles.Add(1)
			go func() {
				defer cycles.Done()
				if _, ok := s.runCycle(ctx, "schedule"); !ok {
					s.logger.Warn("sync cycle still running, tick skipped")
				}
			}()
		}
	}
}

// SyncNow runs one cycle on the caller's goroutine, bypassing the
// enabled flag. It fails rather than waits when a cycle is already
// running.
func (s *Scheduler) SyncNow(ctx context.Context) (CycleStats, error) {
	stats, ok := s.runCycle(ctx, "manual")
	if !ok {
		return CycleStats{}, fmt.Errorf("quotasync: a sync cycle is already running")
	}
	return stats, nil
}

// Enable resumes scheduled cycles.
func (s *Scheduler) Enable() {
	if !s.enabled.Swap(true) {
		s.logger.Info("sync enabled")
	}
}

// Disable pauses scheduled cycles. SyncNow still works.
func (s *Scheduler) Disable() {
	if s.enabled.Swap(false) {
		s.logger.Info("sync disabled")
	}
}

// Enabled reports whether scheduled cycles run.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// CycleStats summarizes one sync cycle for status surfaces.
type CycleStats struct {
	Cause    string    `json:"cause"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Workers  int       `json:"workers"`
	Failed   int       `json:"failed"`
}

// LastCycle returns the most recent cycle's stats, if any cycle has
// completed.
func (s *Scheduler) LastCycle() (CycleStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleStats{}, false
	}
	return *s.last, true
}

// cycleResult is one worker's outcome within a cycle. The worker copy
// is the pre-cycle state.
type cycleResult struct {
	worker quota.Worker
	err    error
}

// runCycle runs one cycle if none is in flight, reporting ok=false
// otherwise. The running flag clears under mu together with the stats
// publication, so once LastCycle shows a cycle it is really over.
func (s *Scheduler) runCycle(ctx context.Context, cause string) (CycleStats, bool) {
	if !s.running.CompareAndSwap(false, true) {
		return CycleStats{}, false
	}

	started := s.clock.Now()
	workers := s.ledger.Workers()

	results := make([]cycleResult, len(workers))
	sem := make(chan struct{}, s.concurrency)
	var group sync.WaitGroup
	for i, worker := range workers {
		group.Add(1)
		go func(i int, worker quota.Worker) {
			defer group.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = cycleResult{worker: worker, err: s.syncWorker(ctx, worker)}
		}(i, worker)
	}
	group.Wait()

	failed := 0
	for _, result := range results {
		if result.err != nil {
			failed++
		}
	}

	// A canceled cycle proves nothing about credentials.
	if ctx.Err() == nil {
		s.sweepAccounts(ctx, results)
	}

	stats := CycleStats{
		Cause:    cause,
		Started:  started,
		Finished: s.clock.Now(),
		Workers:  len(workers),
		Failed:   failed,
	}
	s.mu.Lock()
	s.last = &stats
	s.running.Store(false)
	s.mu.Unlock()

	s.logger.Info("sync cycle complete",
		"cause", cause,
		"workers", stats.Workers,
		"failed", stats.Failed,
		"elapsed", stats.Finished.Sub(stats.Started),
	)
	return stats, true
}

// syncWorker scrapes one worker, records the observation, and folds
// it into the ledger. The returned error is the scrape failure;
// recording and reconciling problems are logged, not propagated, so
// one worker's storage hiccup never counts against its account's
// credentials.
func (s *Scheduler) syncWorker(ctx context.Context, worker quota.Worker) error {
	policy, ok := s.ledger.PolicyFor(worker.Provider)
	requireWeekly := ok && policy.Class == quota.ClassOnDemandWeekly

	scrapeCtx, cancel := context.WithTimeout(ctx, s.scrapeTimeout)
	defer cancel()

	begin := s.clock.Now()
	report, scrapeErr := s.scraper.Scrape(scrapeCtx, scrape.Target{
		Provider:      worker.Provider,
		Account:       worker.Account,
		RequireWeekly: requireWeekly,
	})
	captured := s.clock.Now()

	snap := quota.Snapshot{
		Provider:       worker.Provider,
		Account:        worker.Account,
		CapturedAt:     captured,
		ExpiresAt:      captured.Add(s.snapshotTTL),
		ScrapeDuration: captured.Sub(begin),
	}
	if scrapeErr != nil {
		snap.Error = scrapeErr.Error()
		s.logger.Warn("scrape failed", "worker", worker.ID, "error", scrapeErr)
	} else {
		snap.Success = true
		snap.SessionRemaining = report.SessionRemaining
		snap.WeeklyRemaining = report.WeeklyRemaining
		snap.CanStart = report.CanStart
		snap.ShouldStop = report.ShouldStop
	}

	if err := s.ledger.RecordSnapshot(ctx, snap); err != nil {
		s.logger.Error("recording snapshot", "worker", worker.ID, "error", err)
	}
	if _, err := s.ledger.Reconcile(ctx, worker.ID, snap); err != nil {
		s.logger.Error("reconcile failed", "worker", worker.ID, "error", err)
	} else if s.evaluator != nil {
		s.evaluator.Reevaluate(worker.ID)
	}
	return scrapeErr
}

// sweepAccounts invalidates accounts for which every provider scrape
// failed this cycle. One provider failing is a provider hiccup; all
// of them failing means the shared login is gone. Accounts already
// marked invalid are left alone.
func (s *Scheduler) sweepAccounts(ctx context.Context, results []cycleResult) {
	totals := make(map[string]int)
	failures := make(map[string][]cycleResult)
	for _, result := range results {
		totals[result.worker.Account]++
		if result.err != nil {
			failures[result.worker.Account] = append(failures[result.worker.Account], result)
		}
	}

	for account, failed := range failures {
		if len(failed) < totals[account] {
			continue
		}
		alreadyInvalid := true
		for _, result := range failed {
			if result.worker.AuthValid {
				alreadyInvalid = false
				break
			}
		}
		if alreadyInvalid {
			continue
		}

		affected, err := s.ledger.MarkAuthInvalid(ctx, account, failed[0].err.Error())
		if err != nil {
			s.logger.Error("invalidating account", "account", account, "error", err)
			continue
		}
		if s.evaluator != nil {
			for _, worker := range affected {
				s.evaluator.Reevaluate(worker.ID)
			}
		}
	}
}
