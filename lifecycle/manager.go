// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/cadence"
	"github.com/gleaner-foundation/gleaner/compliance"
	"github.com/gleaner-foundation/gleaner/lib/clock"
	"github.com/gleaner-foundation/gleaner/lib/watchdog"
	"github.com/gleaner-foundation/gleaner/provision"
	"github.com/gleaner-foundation/gleaner/quota"
)

const (
	defaultHeartbeatInterval = time.Minute
	defaultIdleTimeout       = 10 * time.Minute
	defaultStopGracePeriod   = 2 * time.Minute

	// markerMaxAge bounds how far back a leftover provisioning marker
	// still matters. Anything older has been folded in by the periodic
	// sync already.
	markerMaxAge = 30 * time.Minute
)

// Config assembles a Manager's collaborators.
type Config struct {
	// Ledger holds the durable worker state and enforces the quota
	// guard on every transition. Required.
	Ledger *quota.Ledger

	// Provisioner starts and stops provider sessions. Required.
	Provisioner provision.Provisioner

	// Randomizer draws session durations and start jitter. Required.
	Randomizer *cadence.Randomizer

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Alerts receives compliance alerts observed during heartbeats.
	// Optional; nil drops them. Guard violations are the ledger's to
	// report, not the manager's.
	Alerts alert.Sink

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Retry shapes the provisioning retry schedule. Zero fields take
	// the provision package defaults.
	Retry provision.Policy

	// Breaker configures the per-provider circuit breakers.
	Breaker provision.BreakerConfig

	// Seed seeds provisioning backoff jitter. Zero seeds from the
	// clock.
	Seed int64

	// HeartbeatInterval is the supervision cadence for running
	// sessions. Defaults to one minute.
	HeartbeatInterval time.Duration

	// IdleTimeout stops a session that has seen no work for this
	// long. Zero takes the ten minute default; negative disables the
	// idle stop.
	IdleTimeout time.Duration

	// StopGracePeriod bounds the provider stop call during teardown.
	// Defaults to two minutes.
	StopGracePeriod time.Duration

	// WatchdogDir holds per-worker markers for in-flight provider
	// start calls, so a crash mid-provisioning is visible on the next
	// startup. Empty disables the markers.
	WatchdogDir string
}

// Manager runs one session state machine per worker. All methods are
// safe for concurrent use.
type Manager struct {
	ledger      *quota.Ledger
	provisioner provision.Provisioner
	randomizer  *cadence.Randomizer
	clock       clock.Clock
	alerts      alert.Sink
	logger      *slog.Logger

	retry       provision.Policy
	breakerConf provision.BreakerConfig
	seed        int64

	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	stopGrace         time.Duration
	watchdogDir       string

	mu        sync.Mutex
	machines  map[string]*machine
	pipelines map[string]*provision.Pipeline

	shutdown chan struct{}
	stopOnce sync.Once
	group    sync.WaitGroup
}

// machine is the in-memory state for one worker. Its mutex guards
// transitions only; it is never held across a provider call.
type machine struct {
	mu sync.Mutex

	workerID string
	provider string
	account  string

	state State

	// Session supervision fields, meaningful while Running. The
	// machine keeps its own provider session handle because the
	// ledger clears the worker's copy when the session folds.
	providerSessionID string
	sessionCap        time.Duration
	stopAt            time.Time
	lastWork          time.Time
	stopHeartbeat     chan struct{}

	// cancelStart aborts an in-flight provisioning attempt.
	cancelStart context.CancelFunc

	// alerted remembers the highest severity already dispatched per
	// metric this session, so heartbeats re-notify only on
	// escalation.
	alerted map[alert.Metric]alert.Severity
}

// NewManager builds a Manager and restores machine state from the
// ledger: online workers come back under heartbeat supervision,
// workers caught mid-provisioning by the previous process have their
// reservations released, and cooling workers resume their wait.
func NewManager(config Config) (*Manager, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("lifecycle: Ledger is required")
	}
	if config.Provisioner == nil {
		return nil, fmt.Errorf("lifecycle: Provisioner is required")
	}
	if config.Randomizer == nil {
		return nil, fmt.Errorf("lifecycle: Randomizer is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	heartbeat := config.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	idle := config.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	stopGrace := config.StopGracePeriod
	if stopGrace <= 0 {
		stopGrace = defaultStopGracePeriod
	}
	if config.WatchdogDir != "" {
		if err := os.MkdirAll(config.WatchdogDir, 0o700); err != nil {
			return nil, fmt.Errorf("lifecycle: creating watchdog directory: %w", err)
		}
	}

	m := &Manager{
		ledger:            config.Ledger,
		provisioner:       config.Provisioner,
		randomizer:        config.Randomizer,
		clock:             clk,
		alerts:            config.Alerts,
		logger:            logger,
		retry:             config.Retry,
		breakerConf:       config.Breaker,
		seed:              config.Seed,
		heartbeatInterval: heartbeat,
		idleTimeout:       idle,
		stopGrace:         stopGrace,
		watchdogDir:       config.WatchdogDir,
		machines:          make(map[string]*machine),
		pipelines:         make(map[string]*provision.Pipeline),
		shutdown:          make(chan struct{}),
	}
	m.sweepMarkers()
	m.restore()
	return m, nil
}

// sweepMarkers handles provisioning markers left by a previous
// process. A fresh marker means a provider start call was in flight
// when that process died, so a session may exist with no ledger
// record; the periodic sync adopts or settles it, and the marker's
// job ends with the warning.
func (m *Manager) sweepMarkers() {
	if m.watchdogDir == "" {
		return
	}
	entries, err := os.ReadDir(m.watchdogDir)
	if err != nil {
		m.logger.Warn("reading watchdog directory",
			"dir", m.watchdogDir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.watchdogDir, entry.Name())
		state, fresh, err := watchdog.Check(path, markerMaxAge)
		switch {
		case err != nil:
			m.logger.Warn("reading provisioning marker", "path", path, "error", err)
		case fresh:
			m.logger.Warn("provisioning marker left by previous run; a provider session may exist without a ledger record",
				"worker", state.Worker,
				"provider", state.Provider,
				"attempt", state.AttemptID)
		}
		if err := watchdog.Clear(path); err != nil {
			m.logger.Warn("clearing provisioning marker", "path", path, "error", err)
		}
	}
}

// writeMarker records an in-flight provider start. A write failure is
// logged, not returned: the marker is a crash breadcrumb, not a start
// precondition.
func (m *Manager) writeMarker(mach *machine, attemptID string) {
	if m.watchdogDir == "" {
		return
	}
	err := watchdog.Write(m.markerPath(mach.workerID), watchdog.State{
		Worker:    mach.workerID,
		Provider:  mach.provider,
		AttemptID: attemptID,
		Timestamp: m.clock.Now(),
	})
	if err != nil {
		m.logger.Warn("writing provisioning marker",
			"worker", mach.workerID, "error", err)
	}
}

func (m *Manager) clearMarker(workerID string) {
	if m.watchdogDir == "" {
		return
	}
	if err := watchdog.Clear(m.markerPath(workerID)); err != nil {
		m.logger.Warn("clearing provisioning marker",
			"worker", workerID, "error", err)
	}
}

func (m *Manager) markerPath(workerID string) string {
	return filepath.Join(m.watchdogDir, workerID+".json")
}

// restore rebuilds per-worker machines from the ledger at startup.
func (m *Manager) restore() {
	now := m.clock.Now()
	for _, worker := range m.ledger.Workers() {
		mach := newMachine(worker)
		switch {
		case worker.Status == quota.StatusProvisioning:
			// The previous process died with a start in flight. The
			// agent call cannot be resumed, so release the
			// reservation; if the provider session actually came up,
			// the next sync cycle adopts it.
			cause := "daemon restarted during provisioning"
			if err := m.ledger.AbortStart(context.Background(), worker.ID, cause); err != nil {
				m.logger.Error("releasing stale reservation",
					"worker", worker.ID, "error", err)
			}
			mach.state = StateIdle

		case worker.Status == quota.StatusOnline && worker.SessionActive():
			m.superviseLocked(mach, worker, now)
			m.logger.Info("restored running session",
				"worker", worker.ID,
				"provider_session", worker.ProviderSessionID,
				"stop_at", mach.stopAt)

		case worker.InCooldown(now):
			mach.state = StateCooldown

		default:
			mach.state = StateIdle
		}
		m.machines[worker.ID] = mach
	}
}

func newMachine(worker quota.Worker) *machine {
	return &machine{
		workerID: worker.ID,
		provider: worker.Provider,
		account:  worker.Account,
		state:    StateIdle,
	}
}

// superviseLocked moves a machine to Running for an already-active
// ledger session and spawns its heartbeat loop. Callers hold mach.mu
// or hold the only reference to the machine.
func (m *Manager) superviseLocked(mach *machine, worker quota.Worker, now time.Time) {
	mach.state = StateRunning
	mach.providerSessionID = worker.ProviderSessionID
	mach.sessionCap = worker.SessionCap
	if mach.sessionCap <= 0 {
		if policy, ok := m.ledger.PolicyFor(worker.Provider); ok {
			mach.sessionCap = policy.SessionSafeCap
		}
	}
	mach.stopAt = worker.ScheduledStopAt
	if mach.stopAt.IsZero() && mach.sessionCap > 0 && !worker.SessionStartedAt.IsZero() {
		mach.stopAt = worker.SessionStartedAt.Add(mach.sessionCap)
	}
	mach.lastWork = now
	mach.alerted = make(map[alert.Metric]alert.Severity)
	mach.stopHeartbeat = make(chan struct{})
	m.group.Add(1)
	go m.heartbeatLoop(mach, mach.stopHeartbeat)
}

// Run blocks until ctx ends, then stops every supervision loop and
// waits for in-flight transitions to settle.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	workers := len(m.machines)
	m.mu.Unlock()
	m.logger.Info("lifecycle manager running",
		"workers", workers,
		"heartbeat_interval", m.heartbeatInterval,
		"idle_timeout", m.idleTimeout)
	<-ctx.Done()
	m.stopOnce.Do(func() { close(m.shutdown) })
	m.group.Wait()
	return ctx.Err()
}

// Register creates a worker in the ledger and its idle machine.
func (m *Manager) Register(ctx context.Context, provider, account string) (quota.Worker, error) {
	worker, err := m.ledger.Register(ctx, provider, account)
	if err != nil {
		return quota.Worker{}, err
	}
	m.mu.Lock()
	if _, ok := m.machines[worker.ID]; !ok {
		m.machines[worker.ID] = newMachine(worker)
	}
	m.mu.Unlock()
	return worker, nil
}

// Retire removes a worker from duty. The ledger refuses while a
// session is active; stop the worker first.
func (m *Manager) Retire(ctx context.Context, workerID string) error {
	if err := m.ledger.Retire(ctx, workerID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.machines, workerID)
	m.mu.Unlock()
	return nil
}

// StartWorker takes a worker from idle to running: it reserves quota
// through the ledger guard, waits out the randomized start time,
// provisions the provider session with retries, and activates the
// session under its randomized cap. It blocks until the session is
// online or the attempt fails; a guard refusal comes back as a
// *quota.ExceededError with the reservation never made.
func (m *Manager) StartWorker(ctx context.Context, workerID string) (quota.Worker, error) {
	mach, err := m.machineFor(workerID)
	if err != nil {
		return quota.Worker{}, err
	}

	mach.mu.Lock()
	switch mach.state {
	case StateStarting, StateRunning, StateStopping:
		state := mach.state
		mach.mu.Unlock()
		return quota.Worker{}, fmt.Errorf("lifecycle: worker %q is %s", workerID, state)
	}
	// Cooldown is not checked here: the ledger guard owns that
	// refusal and reports the violation with the exact wait.
	reserved, err := m.ledger.StartSession(ctx, workerID)
	if err != nil {
		mach.mu.Unlock()
		return quota.Worker{}, err
	}
	startCtx, cancel := context.WithCancel(ctx)
	mach.state = StateStarting
	mach.cancelStart = cancel
	mach.mu.Unlock()
	defer cancel()

	worker, err := m.provisionSession(startCtx, mach, reserved)
	if err != nil {
		abortCtx := context.WithoutCancel(ctx)
		if abortErr := m.ledger.AbortStart(abortCtx, workerID, err.Error()); abortErr != nil {
			m.logger.Error("releasing failed start",
				"worker", workerID, "error", abortErr)
		}
		mach.mu.Lock()
		mach.state = StateIdle
		mach.cancelStart = nil
		mach.mu.Unlock()
		return quota.Worker{}, err
	}
	return worker, nil
}

// provisionSession runs the post-reservation half of a start: jitter
// wait, the provider call through the retry pipeline, and session
// activation. On success the machine is Running and supervised.
func (m *Manager) provisionSession(ctx context.Context, mach *machine, reserved quota.Worker) (quota.Worker, error) {
	policy, ok := m.ledger.PolicyFor(mach.provider)
	if !ok {
		return quota.Worker{}, fmt.Errorf("lifecycle: no policy for provider %q", mach.provider)
	}

	plan := m.randomizer.Plan(m.clock.Now(), policy.Cadence())
	if wait := plan.PlannedStart.Sub(m.clock.Now()); wait > 0 {
		m.logger.Info("holding start for randomized slot",
			"worker", mach.workerID,
			"planned_start", plan.PlannedStart,
			"wait", wait)
		select {
		case <-m.clock.After(wait):
		case <-ctx.Done():
			return quota.Worker{}, ctx.Err()
		}
	}

	// The marker survives a crash between here and the activation
	// below; on a live exit the outcome is in the ledger either way.
	m.writeMarker(mach, reserved.SessionID)
	defer m.clearMarker(mach.workerID)

	var handle *provision.Handle
	pipeline := m.pipelineFor(mach.provider)
	err := pipeline.Do(ctx, "provision "+mach.workerID, func(ctx context.Context) error {
		got, err := m.provisioner.Provision(ctx, provision.Request{
			Provider: mach.provider,
			Account:  mach.account,
			Worker:   mach.workerID,
		})
		if err != nil {
			return err
		}
		handle = got
		return nil
	})
	if err != nil {
		return quota.Worker{}, err
	}

	sessionCap := plan.RandomizedDuration
	if policy.SessionSafeCap > 0 && policy.SessionSafeCap < sessionCap {
		sessionCap = policy.SessionSafeCap
	}
	startedAt := handle.StartedAt
	if startedAt.IsZero() {
		startedAt = reserved.SessionStartedAt
	}

	// The session is burning real quota from here on; record it even
	// if the caller has already gone away.
	worker, err := m.ledger.ActivateSession(context.WithoutCancel(ctx), mach.workerID, quota.Activation{
		ProviderSessionID: handle.SessionID,
		StartedAt:         handle.StartedAt,
		StopAt:            startedAt.Add(sessionCap),
		Cap:               sessionCap,
	})
	if err != nil {
		// The provider session is up but unrecorded. Tear it back
		// down rather than leave it burning unsupervised.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopGrace)
		defer cancel()
		if stopErr := m.provisioner.Stop(stopCtx, mach.provider, handle.SessionID); stopErr != nil {
			m.logger.Error("stopping unrecorded session",
				"worker", mach.workerID,
				"provider_session", handle.SessionID,
				"error", stopErr)
		}
		return quota.Worker{}, err
	}

	mach.mu.Lock()
	mach.state = StateRunning
	mach.cancelStart = nil
	mach.providerSessionID = handle.SessionID
	mach.sessionCap = sessionCap
	mach.stopAt = worker.ScheduledStopAt
	mach.lastWork = m.clock.Now()
	mach.alerted = make(map[alert.Metric]alert.Severity)
	mach.stopHeartbeat = make(chan struct{})
	m.group.Add(1)
	go m.heartbeatLoop(mach, mach.stopHeartbeat)
	mach.mu.Unlock()

	m.logger.Info("session online",
		"worker", mach.workerID,
		"provider_session", handle.SessionID,
		"cap", sessionCap,
		"stop_at", worker.ScheduledStopAt)
	return worker, nil
}

// StopWorker ends a worker's session with the given reason. A worker
// still in Starting has its provisioning attempt canceled instead;
// the blocked StartWorker call returns the cancellation.
func (m *Manager) StopWorker(ctx context.Context, workerID, reason string) error {
	mach, err := m.machineFor(workerID)
	if err != nil {
		return err
	}

	mach.mu.Lock()
	if mach.state == StateStarting {
		if mach.cancelStart != nil {
			mach.cancelStart()
		}
		mach.mu.Unlock()
		m.logger.Info("canceled in-flight start", "worker", workerID, "reason", reason)
		return nil
	}
	mach.mu.Unlock()

	_, err = m.stopSession(ctx, mach, reason)
	return err
}

// NotifyWork records work arriving for a worker, resetting its idle
// clock. Only a running worker accepts work.
func (m *Manager) NotifyWork(workerID string) error {
	mach, err := m.machineFor(workerID)
	if err != nil {
		return err
	}
	mach.mu.Lock()
	defer mach.mu.Unlock()
	if mach.state != StateRunning {
		return fmt.Errorf("lifecycle: worker %q has no running session", workerID)
	}
	mach.lastWork = m.clock.Now()
	return nil
}

// Reevaluate re-checks one worker against the ledger after external
// state changed. The sync scheduler calls it after every
// reconciliation; it returns immediately and does its work on a
// manager goroutine.
func (m *Manager) Reevaluate(workerID string) {
	m.group.Add(1)
	go func() {
		defer m.group.Done()
		m.reevaluate(workerID)
	}()
}

func (m *Manager) reevaluate(workerID string) {
	worker, ok := m.ledger.Worker(workerID)
	if !ok {
		return
	}
	mach, err := m.machineFor(workerID)
	if err != nil {
		return
	}
	now := m.clock.Now()

	mach.mu.Lock()
	if mach.state == StateCooldown && !worker.InCooldown(now) {
		mach.state = StateIdle
	}
	state := mach.state
	mach.mu.Unlock()

	ledgerSession := worker.SessionActive() && worker.Status == quota.StatusOnline

	switch {
	case state == StateRunning && !ledgerSession:
		// The ledger session ended behind the machine's back, by an
		// account sweep or an external fold. Settle the machine and
		// make sure the provider side is down too.
		m.teardown(context.Background(), mach, "session ended externally", false)

	case state == StateIdle && ledgerSession:
		// Reconciliation adopted a session started outside the
		// daemon. Supervise it so the caps still apply.
		mach.mu.Lock()
		if mach.state == StateIdle {
			m.superviseLocked(mach, worker, now)
			m.logger.Info("supervising adopted session",
				"worker", workerID,
				"cap", mach.sessionCap,
				"stop_at", mach.stopAt)
		}
		mach.mu.Unlock()

	case state == StateRunning && ledgerSession:
		snap, err := m.ledger.LatestSnapshot(context.Background(), worker.Provider, worker.Account)
		if err != nil || snap == nil {
			return
		}
		if snap.Success && snap.ShouldStop && !snap.Expired(now) {
			m.stopSession(context.Background(), mach, "provider requested stop")
		}

	case state == StateStarting:
		// A critical reading cancels the in-flight attempt before it
		// commits more usage.
		usage, uerr := m.ledger.Usage(workerID)
		limits, lerr := m.ledger.Limits(workerID)
		if uerr != nil || lerr != nil {
			return
		}
		if assessment := compliance.Evaluate(usage, limits, now); assessment.Risk == compliance.RiskCritical {
			mach.mu.Lock()
			if mach.state == StateStarting && mach.cancelStart != nil {
				mach.cancelStart()
			}
			mach.mu.Unlock()
			m.logger.Warn("canceling start on critical reading", "worker", workerID)
		}
	}
}

func (m *Manager) heartbeatLoop(mach *machine, stop <-chan struct{}) {
	defer m.group.Done()
	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.heartbeat(mach) {
				return
			}
		}
	}
}

// heartbeat runs one supervision pass. It reports true when the
// session is over and the loop should exit.
func (m *Manager) heartbeat(mach *machine) bool {
	mach.mu.Lock()
	if mach.state != StateRunning {
		mach.mu.Unlock()
		return true
	}
	lastWork := mach.lastWork
	sessionCap := mach.sessionCap
	stopAt := mach.stopAt
	mach.mu.Unlock()

	usage, err := m.ledger.Heartbeat(mach.workerID)
	if err != nil {
		// The ledger no longer has the session. Nothing left to
		// fold; settle the machine and stop the provider side.
		m.logger.Warn("heartbeat found no session",
			"worker", mach.workerID, "error", err)
		m.teardown(context.Background(), mach, "session ended externally", false)
		return true
	}
	limits, err := m.ledger.Limits(mach.workerID)
	if err != nil {
		m.logger.Error("heartbeat limits lookup", "worker", mach.workerID, "error", err)
		return false
	}

	now := m.clock.Now()
	assessment := compliance.Evaluate(usage, limits, now)
	m.dispatchAlerts(mach, assessment.Alerts)

	var reason string
	switch {
	case !assessment.Compliant:
		reason = "compliance critical"
	case sessionCap > 0 && usage.SessionElapsed >= sessionCap:
		reason = "session cap reached"
	case !stopAt.IsZero() && !now.Before(stopAt):
		reason = "scheduled stop"
	case m.idleTimeout > 0 && now.Sub(lastWork) >= m.idleTimeout:
		reason = "idle timeout"
	default:
		return false
	}

	if _, err := m.stopSession(context.Background(), mach, reason); err != nil {
		m.logger.Error("heartbeat stop", "worker", mach.workerID, "error", err)
	}
	return true
}

// stopSession ends a running session: provider teardown, then the
// ledger fold. The fold happens even when the provider stop fails;
// an unkilled provider session shows up in the next sync cycle and
// gets adopted back under supervision.
func (m *Manager) stopSession(ctx context.Context, mach *machine, reason string) (quota.Worker, error) {
	return m.teardown(ctx, mach, reason, true)
}

// teardown is the shared stop path. With fold set it ends the ledger
// session; without it the ledger session is already gone and only the
// machine and the provider side need settling.
func (m *Manager) teardown(ctx context.Context, mach *machine, reason string, fold bool) (quota.Worker, error) {
	mach.mu.Lock()
	if mach.state != StateRunning {
		state := mach.state
		mach.mu.Unlock()
		return quota.Worker{}, fmt.Errorf("lifecycle: worker %q has no running session (state %s)", mach.workerID, state)
	}
	mach.state = StateStopping
	providerSessionID := mach.providerSessionID
	if mach.stopHeartbeat != nil {
		close(mach.stopHeartbeat)
		mach.stopHeartbeat = nil
	}
	mach.mu.Unlock()

	m.logger.Info("stopping session",
		"worker", mach.workerID,
		"reason", reason,
		"provider_session", providerSessionID)

	if providerSessionID != "" {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopGrace)
		err := m.provisioner.Stop(stopCtx, mach.provider, providerSessionID)
		cancel()
		if err != nil {
			m.logger.Error("provider stop failed",
				"worker", mach.workerID,
				"provider_session", providerSessionID,
				"error", err)
		}
	} else {
		// Adopted sessions carry no handle the agent can kill. The
		// fold still charges the usage; the provider side stays up
		// until its own limits end it.
		m.logger.Warn("no provider session handle, skipping remote stop",
			"worker", mach.workerID)
	}

	var worker quota.Worker
	var foldErr error
	if fold {
		worker, foldErr = m.ledger.EndSession(context.WithoutCancel(ctx), mach.workerID, reason)
		if foldErr != nil {
			m.logger.Error("ending session",
				"worker", mach.workerID, "error", foldErr)
		}
	} else if got, ok := m.ledger.Worker(mach.workerID); ok {
		worker = got
	}

	now := m.clock.Now()
	mach.mu.Lock()
	mach.providerSessionID = ""
	mach.sessionCap = 0
	mach.stopAt = time.Time{}
	mach.alerted = nil
	if worker.InCooldown(now) {
		mach.state = StateCooldown
	} else {
		// On a fold error the ledger may still hold the session; the
		// next reevaluation re-adopts it, so Idle is safe here.
		mach.state = StateIdle
	}
	mach.mu.Unlock()

	if foldErr != nil {
		return quota.Worker{}, foldErr
	}
	return worker, nil
}

// dispatchAlerts forwards fresh compliance alerts to the sink,
// deduplicating per metric within a session: each metric notifies
// once per severity level, again only on escalation.
func (m *Manager) dispatchAlerts(mach *machine, alerts []alert.Alert) {
	if m.alerts == nil || len(alerts) == 0 {
		return
	}
	mach.mu.Lock()
	if mach.alerted == nil {
		mach.alerted = make(map[alert.Metric]alert.Severity)
	}
	var fresh []alert.Alert
	for _, a := range alerts {
		if seen, ok := mach.alerted[a.Metric]; ok && a.Severity <= seen {
			continue
		}
		mach.alerted[a.Metric] = a.Severity
		fresh = append(fresh, a)
	}
	mach.mu.Unlock()

	for _, a := range fresh {
		m.alerts.Notify(context.Background(), a)
	}
}

// pipelineFor returns the provider's retry pipeline, creating it on
// first use. Each provider gets its own circuit breaker: one agent
// endpoint failing must not lock out the others.
func (m *Manager) pipelineFor(provider string) *provision.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pipeline, ok := m.pipelines[provider]; ok {
		return pipeline
	}
	pipeline := provision.NewPipeline(provision.Config{
		Policy:  m.retry,
		Breaker: m.breakerConf,
		Clock:   m.clock,
		Logger:  m.logger.With("provider", provider),
		Seed:    m.seed,
	})
	m.pipelines[provider] = pipeline
	return pipeline
}

// machineFor returns the worker's machine, creating an unsupervised
// one when the worker exists in the ledger but was registered behind
// the manager's back. A session such a worker may already have gets
// adopted on the next reevaluation.
func (m *Manager) machineFor(workerID string) (*machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mach, ok := m.machines[workerID]; ok {
		return mach, nil
	}
	worker, ok := m.ledger.Worker(workerID)
	if !ok {
		return nil, fmt.Errorf("lifecycle: unknown worker %q", workerID)
	}
	mach := newMachine(worker)
	if worker.InCooldown(m.clock.Now()) {
		mach.state = StateCooldown
	}
	m.machines[workerID] = mach
	return mach, nil
}

// WorkerStatus is one worker's combined ledger and lifecycle view.
type WorkerStatus struct {
	Worker quota.Worker    `json:"worker"`
	State  State           `json:"state"`
	Risk   compliance.Risk `json:"risk"`
	Alerts []alert.Alert   `json:"alerts,omitempty"`
}

// WorkerStatuses reports every worker with its machine state and
// current compliance assessment, sorted by worker ID.
func (m *Manager) WorkerStatuses() []WorkerStatus {
	workers := m.ledger.Workers()
	statuses := make([]WorkerStatus, 0, len(workers))
	for _, worker := range workers {
		statuses = append(statuses, m.status(worker))
	}
	return statuses
}

// WorkerStatus reports one worker's status.
func (m *Manager) WorkerStatus(workerID string) (WorkerStatus, error) {
	worker, ok := m.ledger.Worker(workerID)
	if !ok {
		return WorkerStatus{}, fmt.Errorf("lifecycle: unknown worker %q", workerID)
	}
	return m.status(worker), nil
}

func (m *Manager) status(worker quota.Worker) WorkerStatus {
	now := m.clock.Now()
	status := WorkerStatus{Worker: worker, State: StateIdle}
	if mach, err := m.machineFor(worker.ID); err == nil {
		mach.mu.Lock()
		status.State = mach.state
		mach.mu.Unlock()
		if status.State == StateCooldown && !worker.InCooldown(now) {
			status.State = StateIdle
		}
	}
	usage, uerr := m.ledger.Usage(worker.ID)
	limits, lerr := m.ledger.Limits(worker.ID)
	if uerr == nil && lerr == nil {
		assessment := compliance.Evaluate(usage, limits, now)
		status.Risk = assessment.Risk
		status.Alerts = assessment.Alerts
	}
	return status
}

// BreakerStates reports each provider pipeline's circuit state, for
// the status surface. Providers never provisioned are absent.
func (m *Manager) BreakerStates() map[string]provision.BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]provision.BreakerState, len(m.pipelines))
	for provider, pipeline := range m.pipelines {
		states[provider] = pipeline.Breaker().State()
	}
	return states
}
