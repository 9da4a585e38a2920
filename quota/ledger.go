// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/cadence"
	"github.com/gleaner-foundation/gleaner/compliance"
	"github.com/gleaner-foundation/gleaner/lib/clock"
)

// LedgerConfig holds the collaborators a Ledger needs.
type LedgerConfig struct {
	// Store persists workers and snapshots. Required.
	Store *Store

	// Policies maps provider name to its quota policy. Required,
	// non-empty.
	Policies map[string]Policy

	// Randomizer draws cooldown jitter. Required.
	Randomizer *cadence.Randomizer

	// Clock provides the current time. Defaults to the system clock.
	Clock clock.Clock

	// Alerts receives a violation alert when a start is refused. May
	// be nil.
	Alerts alert.Sink

	// Logger receives operational messages. Defaults to a discard
	// logger.
	Logger *slog.Logger
}

// Ledger is the authoritative, persisted record of worker usage. The
// in-memory state is the source of truth; every mutation is mirrored
// to the store before it returns, and the store rebuilds the memory at
// startup.
type Ledger struct {
	store      *Store
	policies   map[string]Policy
	randomizer *cadence.Randomizer
	clock      clock.Clock
	alerts     alert.Sink
	logger     *slog.Logger

	// mu guards the workers map itself. Each entry carries its own
	// lock serializing all mutations of that worker.
	mu      sync.RWMutex
	workers map[string]*workerEntry
}

type workerEntry struct {
	mu     sync.Mutex
	worker Worker
}

// NewLedger validates the configuration and loads all persisted
// workers into memory.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("quota: Store is required")
	}
	if cfg.Randomizer == nil {
		return nil, fmt.Errorf("quota: Randomizer is required")
	}
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("quota: at least one provider policy is required")
	}
	for name, policy := range cfg.Policies {
		if name != policy.Provider {
			return nil, fmt.Errorf("quota: policy map key %q does not match provider %q", name, policy.Provider)
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ledger := &Ledger{
		store:      cfg.Store,
		policies:   cfg.Policies,
		randomizer: cfg.Randomizer,
		clock:      clk,
		alerts:     cfg.Alerts,
		logger:     logger,
		workers:    make(map[string]*workerEntry),
	}

	workers, err := cfg.Store.LoadWorkers(context.Background())
	if err != nil {
		return nil, err
	}
	for _, worker := range workers {
		ledger.workers[worker.ID] = &workerEntry{worker: worker}
	}
	logger.Info("ledger loaded", "workers", len(workers))

	return ledger, nil
}

// PolicyFor returns the policy for a provider.
func (l *Ledger) PolicyFor(provider string) (Policy, bool) {
	policy, ok := l.policies[provider]
	return policy, ok
}

// Register creates the worker for a provider account pair, or revives
// a retired one. Registering a worker that is online or mid-start is
// an error.
func (l *Ledger) Register(ctx context.Context, provider, account string) (Worker, error) {
	policy, ok := l.policies[provider]
	if !ok {
		return Worker{}, fmt.Errorf("quota: no policy for provider %q", provider)
	}
	if account == "" {
		return Worker{}, fmt.Errorf("quota: account is required")
	}

	id := WorkerID(provider, account)

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, exists := l.workers[id]; exists {
		entry.mu.Lock()
		defer entry.mu.Unlock()

		if entry.worker.SessionActive() {
			return Worker{}, fmt.Errorf("quota: worker %q already registered", id)
		}

		// Revival: counters survive retirement, ceilings refresh from
		// the current policy.
		before := entry.worker
		entry.worker.Status = StatusPending
		entry.worker.AuthValid = true
		entry.worker.LastError = ""
		entry.worker.MaxSessionDuration = policy.MaxSessionDuration
		entry.worker.MaxWeekly = policy.MaxWeekly
		if err := l.persistLocked(ctx, entry, before); err != nil {
			return Worker{}, err
		}
		l.logger.Info("worker revived", "worker", id)
		return entry.worker, nil
	}

	worker := Worker{
		ID:                 id,
		Provider:           provider,
		Account:            account,
		Class:              policy.Class,
		Status:             StatusPending,
		WeekStartedAt:      l.clock.Now(),
		MaxSessionDuration: policy.MaxSessionDuration,
		MaxWeekly:          policy.MaxWeekly,
		AuthValid:          true,
	}
	if err := l.store.UpsertWorker(ctx, worker); err != nil {
		return Worker{}, err
	}
	l.workers[id] = &workerEntry{worker: worker}

	l.logger.Info("worker registered",
		"worker", id,
		"provider", provider,
		"account", account,
		"class", worker.Class,
	)
	return worker, nil
}

// Retire marks a worker offline. The row and its counters survive; a
// later Register revives them. Retiring a worker with an active
// session is an error; stop it first.
func (l *Ledger) Retire(ctx context.Context, workerID string) error {
	entry, err := l.entry(workerID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.worker.SessionActive() {
		return fmt.Errorf("quota: worker %q has an active session", workerID)
	}

	before := entry.worker
	entry.worker.Status = StatusOffline
	if err := l.persistLocked(ctx, entry, before); err != nil {
		return err
	}
	l.logger.Info("worker retired", "worker", workerID)
	return nil
}

// Worker returns a copy of one worker's state.
func (l *Ledger) Worker(workerID string) (Worker, bool) {
	l.mu.RLock()
	entry, ok := l.workers[workerID]
	l.mu.RUnlock()
	if !ok {
		return Worker{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.worker, true
}

// Workers returns copies of every worker, ordered by id.
func (l *Ledger) Workers() []Worker {
	l.mu.RLock()
	entries := make([]*workerEntry, 0, len(l.workers))
	for _, entry := range l.workers {
		entries = append(entries, entry)
	}
	l.mu.RUnlock()

	workers := make([]Worker, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		workers = append(workers, entry.worker)
		entry.mu.Unlock()
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// WorkersForAccount returns copies of the workers registered for one
// account, ordered by id.
func (l *Ledger) WorkersForAccount(account string) []Worker {
	var workers []Worker
	for _, worker := range l.Workers() {
		if worker.Account == account {
			workers = append(workers, worker)
		}
	}
	return workers
}

// StartSession reserves a session on a worker: status provisioning, a
// fresh session id, the start timestamp. The reservation is refused
// with ExceededError when the weekly budget is past its hard safety
// threshold or a cooldown is still running; the refusal is pushed to
// the alert sink.
func (l *Ledger) StartSession(ctx context.Context, workerID string) (Worker, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return Worker{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	worker := &entry.worker
	now := l.clock.Now()
	rollWeekLocked(worker, now)

	if worker.SessionActive() {
		return Worker{}, fmt.Errorf("quota: worker %q already has an active session", workerID)
	}

	usage := l.usageLocked(worker, now)
	usage.StartAttempt = true
	assessment := compliance.Evaluate(usage, l.limitsLocked(worker), now)
	if !assessment.Compliant {
		worst := worstAlert(assessment.Alerts)
		if l.alerts != nil {
			l.alerts.Notify(ctx, worst)
		}
		exceeded := &ExceededError{
			Worker:  workerID,
			Metric:  worst.Metric,
			Current: time.Duration(worst.Current) * time.Second,
			Limit:   time.Duration(worst.Limit) * time.Second,
			Message: worst.Message,
		}
		if worst.Metric == alert.MetricCooldown {
			exceeded.Until = worker.CooldownUntil
		}
		l.logger.Warn("session start refused",
			"worker", workerID,
			"metric", worst.Metric,
			"error", exceeded,
		)
		return Worker{}, exceeded
	}

	before := *worker
	worker.SessionID = uuid.NewString()
	worker.ProviderSessionID = ""
	worker.SessionStartedAt = now
	worker.ScheduledStopAt = time.Time{}
	worker.SessionCap = 0
	worker.Status = StatusProvisioning
	worker.LastError = ""
	if err := l.persistLocked(ctx, entry, before); err != nil {
		return Worker{}, err
	}

	l.logger.Info("session reserved", "worker", workerID, "session", worker.SessionID)
	return *worker, nil
}

// Activation carries the provisioning outcome that turns a reserved
// session into a running one.
type Activation struct {
	// ProviderSessionID is the provisioning agent's handle, kept for
	// the eventual stop call.
	ProviderSessionID string

	// StartedAt is the provider-reported session start. Zero keeps the
	// reservation time.
	StartedAt time.Time

	// StopAt is the randomized planned stop instant.
	StopAt time.Time

	// Cap is the session's effective duration bound.
	Cap time.Duration
}

// ActivateSession moves a reserved session to online once provisioning
// succeeds, recording the agent's handle alongside the randomized stop
// plan.
func (l *Ledger) ActivateSession(ctx context.Context, workerID string, activation Activation) (Worker, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return Worker{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	worker := &entry.worker
	if worker.Status != StatusProvisioning {
		return Worker{}, fmt.Errorf("quota: worker %q has no session reservation", workerID)
	}

	before := *worker
	worker.Status = StatusOnline
	worker.ProviderSessionID = activation.ProviderSessionID
	if !activation.StartedAt.IsZero() {
		worker.SessionStartedAt = activation.StartedAt
	}
	worker.ScheduledStopAt = activation.StopAt
	worker.SessionCap = activation.Cap
	if err := l.persistLocked(ctx, entry, before); err != nil {
		return Worker{}, err
	}

	l.logger.Info("session active",
		"worker", workerID,
		"session", worker.SessionID,
		"provider_session", activation.ProviderSessionID,
		"cap", activation.Cap,
		"stop_at", activation.StopAt,
	)
	return *worker, nil
}

// AbortStart releases a session reservation after provisioning failed.
// Nothing folds into the weekly counter: no session ran.
func (l *Ledger) AbortStart(ctx context.Context, workerID, cause string) error {
	entry, err := l.entry(workerID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	worker := &entry.worker
	if worker.Status != StatusProvisioning {
		return fmt.Errorf("quota: worker %q has no session reservation", workerID)
	}

	before := *worker
	worker.SessionID = ""
	worker.ProviderSessionID = ""
	worker.SessionStartedAt = time.Time{}
	worker.ScheduledStopAt = time.Time{}
	worker.SessionCap = 0
	worker.Status = StatusError
	worker.LastError = cause
	if err := l.persistLocked(ctx, entry, before); err != nil {
		return err
	}

	l.logger.Warn("session start aborted", "worker", workerID, "cause", cause)
	return nil
}

// EndSession folds the session's final duration into the weekly
// counter and clears the session fields. If the 7-day boundary passed
// since the window opened, the counter resets before the fold.
// Cooldown-class workers leave with a freshly randomized cooldown
// deadline.
func (l *Ledger) EndSession(ctx context.Context, workerID, reason string) (Worker, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return Worker{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	worker := &entry.worker
	if !worker.SessionActive() {
		return Worker{}, fmt.Errorf("quota: worker %q has no active session", workerID)
	}

	before := *worker
	now := l.clock.Now()
	elapsed, cooldown := l.endSessionLocked(worker, now)
	if err := l.persistLocked(ctx, entry, before); err != nil {
		return Worker{}, err
	}

	l.logger.Info("session ended",
		"worker", workerID,
		"reason", reason,
		"elapsed", elapsed,
		"weekly_used", worker.WeeklyUsage,
		"cooldown", cooldown,
	)
	return *worker, nil
}

// endSessionLocked performs the fold. Caller holds entry.mu and has
// verified a session is active.
func (l *Ledger) endSessionLocked(worker *Worker, now time.Time) (elapsed, cooldown time.Duration) {
	rollWeekLocked(worker, now)
	elapsed = worker.SessionElapsed(now)
	worker.WeeklyUsage += elapsed

	worker.SessionID = ""
	worker.ProviderSessionID = ""
	worker.SessionStartedAt = time.Time{}
	worker.ScheduledStopAt = time.Time{}
	worker.SessionCap = 0
	worker.Status = StatusOffline

	if worker.Class == ClassFixedScheduleCooldown {
		if policy, ok := l.policies[worker.Provider]; ok {
			cooldown = l.randomizer.JitterCooldown(policy.CooldownBase, policy.Cadence())
			worker.CooldownUntil = now.Add(cooldown)
		} else {
			l.logger.Warn("no policy for cooldown draw", "worker", worker.ID, "provider", worker.Provider)
		}
	}
	return elapsed, cooldown
}

// Heartbeat recomputes the active session's elapsed time and returns
// the worker's current usage reading. The value derives from the start
// timestamp, so repeated or missed heartbeats never drift or double
// count.
func (l *Ledger) Heartbeat(workerID string) (compliance.Usage, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return compliance.Usage{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	worker := &entry.worker
	if !worker.SessionActive() {
		return compliance.Usage{}, fmt.Errorf("quota: worker %q has no active session", workerID)
	}

	now := l.clock.Now()
	rollWeekLocked(worker, now)
	return l.usageLocked(worker, now), nil
}

// Usage returns a worker's current usage reading, session or not.
func (l *Ledger) Usage(workerID string) (compliance.Usage, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return compliance.Usage{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := l.clock.Now()
	rollWeekLocked(&entry.worker, now)
	return l.usageLocked(&entry.worker, now), nil
}

// Limits returns the compliance limits in force for a worker: the
// ceilings persisted on the worker row, the threshold ratios from the
// provider's policy.
func (l *Ledger) Limits(workerID string) (compliance.Limits, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return compliance.Limits{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return l.limitsLocked(&entry.worker), nil
}

// ReconcileResult reports what a reconciliation changed.
type ReconcileResult struct {
	// Applied is false when the snapshot was ignored (failed scrape or
	// expired); Reason says why.
	Applied bool
	Reason  string

	// WeeklyDelta is the signed adjustment made to the weekly counter.
	WeeklyDelta time.Duration

	// AdoptedSession is true when the provider reported a running
	// session this process never started, now tracked as the worker's
	// active session.
	AdoptedSession bool

	// CanStart and ShouldStop pass through the provider's verdicts for
	// the caller to act on.
	CanStart   bool
	ShouldStop bool
}

// Reconcile folds a fresh external observation into the worker. The
// provider's numbers are ground truth: the weekly counter is rewritten
// to match (in either direction), and a session the provider reports
// that this process never started is adopted so its time is governed
// like any other. Expired or failed snapshots change nothing.
func (l *Ledger) Reconcile(ctx context.Context, workerID string, snap Snapshot) (ReconcileResult, error) {
	entry, err := l.entry(workerID)
	if err != nil {
		return ReconcileResult{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	worker := &entry.worker
	if snap.Provider != worker.Provider || snap.Account != worker.Account {
		return ReconcileResult{}, fmt.Errorf("quota: snapshot for %s/%s does not match worker %q",
			snap.Provider, snap.Account, workerID)
	}

	now := l.clock.Now()
	if !snap.Success {
		return ReconcileResult{Reason: "failed scrape"}, nil
	}
	if snap.Expired(now) {
		return ReconcileResult{Reason: "snapshot expired"}, nil
	}

	before := *worker
	rollWeekLocked(worker, now)

	result := ReconcileResult{
		Applied:    true,
		CanStart:   snap.CanStart,
		ShouldStop: snap.ShouldStop,
	}

	// A successful scrape proves the credentials still work.
	worker.AuthValid = true
	if worker.Status == StatusError && !worker.SessionActive() {
		worker.Status = StatusOffline
		worker.LastError = ""
	}

	// The provider burning session budget while we track no session
	// means one was started outside this process. Adopt it: give it a
	// start timestamp matching the provider's arithmetic so the
	// lifecycle manager governs it like any other session. Adoption
	// precedes the weekly rewrite so the adopted elapsed time is
	// recognized as live rather than folded usage.
	if !worker.SessionActive() && snap.SessionRemaining >= 0 && snap.SessionRemaining < worker.MaxSessionDuration {
		elapsed := worker.MaxSessionDuration - snap.SessionRemaining
		worker.SessionID = uuid.NewString()
		worker.ProviderSessionID = ""
		worker.SessionStartedAt = now.Add(-elapsed)
		worker.ScheduledStopAt = time.Time{}
		worker.SessionCap = 0
		worker.Status = StatusOnline
		result.AdoptedSession = true
	}

	if worker.Class == ClassOnDemandWeekly && worker.MaxWeekly > 0 {
		external := worker.MaxWeekly - snap.WeeklyRemaining
		if external < 0 {
			external = 0
		}
		if external > worker.MaxWeekly {
			external = worker.MaxWeekly
		}
		// The provider's remainder already counts the live session;
		// the stored counter must not, or the elapsed time would be
		// added twice when usage is read.
		if worker.SessionActive() {
			external -= worker.SessionElapsed(now)
			if external < 0 {
				external = 0
			}
		}
		result.WeeklyDelta = external - worker.WeeklyUsage
		worker.WeeklyUsage = external
	}

	if err := l.persistLocked(ctx, entry, before); err != nil {
		return ReconcileResult{}, err
	}

	l.logger.Info("worker reconciled",
		"worker", workerID,
		"weekly_delta", result.WeeklyDelta,
		"adopted_session", result.AdoptedSession,
		"can_start", result.CanStart,
		"should_stop", result.ShouldStop,
	)
	return result, nil
}

// MarkAuthInvalid records that every provider scrape for an account
// failed: its workers' credentials can no longer be trusted. Active
// sessions fold their usage first (the time ran regardless), then each
// worker is marked error with AuthValid cleared, forcing external
// re-authentication. Returns the affected workers.
func (l *Ledger) MarkAuthInvalid(ctx context.Context, account, cause string) ([]Worker, error) {
	l.mu.RLock()
	var entries []*workerEntry
	for _, entry := range l.workers {
		entries = append(entries, entry)
	}
	l.mu.RUnlock()

	var affected []Worker
	var errs []error
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.worker.Account != account {
			entry.mu.Unlock()
			continue
		}

		before := entry.worker
		now := l.clock.Now()
		if entry.worker.SessionActive() {
			l.endSessionLocked(&entry.worker, now)
		}
		entry.worker.AuthValid = false
		entry.worker.Status = StatusError
		entry.worker.LastError = cause

		if err := l.persistLocked(ctx, entry, before); err != nil {
			errs = append(errs, err)
		} else {
			affected = append(affected, entry.worker)
		}
		entry.mu.Unlock()
	}

	if len(affected) > 0 {
		l.logger.Warn("account credentials invalidated",
			"account", account,
			"workers", len(affected),
			"cause", cause,
		)
	}
	return affected, errors.Join(errs...)
}

// RecordSnapshot persists one scraper observation, successful or not.
func (l *Ledger) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	return l.store.AppendSnapshot(ctx, snap)
}

// LatestSnapshot returns the most recent persisted snapshot for a
// provider account pair, or nil when none exists.
func (l *Ledger) LatestSnapshot(ctx context.Context, provider, account string) (*Snapshot, error) {
	return l.store.LatestSnapshot(ctx, provider, account)
}

func (l *Ledger) entry(workerID string) (*workerEntry, error) {
	l.mu.RLock()
	entry, ok := l.workers[workerID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quota: unknown worker %q", workerID)
	}
	return entry, nil
}

// persistLocked mirrors the entry's state to the store, restoring the
// previous state on failure so memory and database never diverge.
// Caller holds entry.mu.
func (l *Ledger) persistLocked(ctx context.Context, entry *workerEntry, before Worker) error {
	if err := l.store.UpsertWorker(ctx, entry.worker); err != nil {
		entry.worker = before
		return err
	}
	return nil
}

// usageLocked assembles a compliance reading. The weekly figure adds
// the live session's elapsed time on top of the folded counter, so a
// long session counts against the budget as it runs, not only after it
// ends. Caller holds entry.mu.
func (l *Ledger) usageLocked(worker *Worker, now time.Time) compliance.Usage {
	usage := compliance.Usage{
		Worker:            worker.ID,
		WeeklyUsed:        worker.WeeklyUsage,
		CooldownRemaining: worker.CooldownRemaining(now),
	}
	if worker.SessionActive() {
		usage.SessionActive = true
		usage.SessionElapsed = worker.SessionElapsed(now)
		usage.WeeklyUsed += usage.SessionElapsed
	}
	return usage
}

// limitsLocked assembles the limits in force for a worker. The worker
// row's persisted ceilings are authoritative; threshold ratios come
// from the current policy. Caller holds entry.mu.
func (l *Ledger) limitsLocked(worker *Worker) compliance.Limits {
	limits := compliance.Limits{
		SessionCeiling: worker.MaxSessionDuration,
		SessionSafeCap: worker.MaxSessionDuration,
		WeeklyCeiling:  worker.MaxWeekly,
	}
	if policy, ok := l.policies[worker.Provider]; ok {
		limits.SessionSafeCap = policy.SessionSafeCap
		limits.SessionWarningRatio = policy.SessionWarningRatio
		limits.WeeklyWarningRatio = policy.WeeklyWarningRatio
		limits.WeeklyCriticalRatio = policy.WeeklyCriticalRatio
	}
	return limits
}

// rollWeekLocked resets the weekly counter once the 7-day window has
// elapsed. Returns true when a reset happened. Caller holds entry.mu.
func rollWeekLocked(worker *Worker, now time.Time) bool {
	if worker.WeekStartedAt.IsZero() {
		worker.WeekStartedAt = now
		return false
	}
	if now.Sub(worker.WeekStartedAt) < WeekLength {
		return false
	}
	worker.WeeklyUsage = 0
	worker.WeekStartedAt = now
	return true
}

// worstAlert returns the highest-severity alert. Callers pass the
// alerts of a non-compliant assessment, which always holds at least
// one critical or violation entry.
func worstAlert(alerts []alert.Alert) alert.Alert {
	var worst alert.Alert
	for i, a := range alerts {
		if i == 0 || a.Severity > worst.Severity {
			worst = a
		}
	}
	return worst
}
