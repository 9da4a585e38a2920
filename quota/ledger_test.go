// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/cadence"
	"github.com/gleaner-foundation/gleaner/lib/clock"
)

var ledgerTestEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testPolicies returns trimmed budgets so tests advance hours, not
// days: a 4h session ceiling with a 3h safe cap, a 10h weekly budget
// critical at 9h, a 6h cooldown jittered by up to an hour.
func testPolicies() map[string]Policy {
	return map[string]Policy{
		"kaggle": {
			Provider:            "kaggle",
			Class:               ClassOnDemandWeekly,
			MaxSessionDuration:  4 * time.Hour,
			SessionSafeCap:      3 * time.Hour,
			MaxWeekly:           10 * time.Hour,
			BandLow:             2*time.Hour + 30*time.Minute,
			BandHigh:            3 * time.Hour,
			WeeklyCriticalRatio: 0.9,
		},
		"colab": {
			Provider:           "colab",
			Class:              ClassFixedScheduleCooldown,
			MaxSessionDuration: 4 * time.Hour,
			SessionSafeCap:     3 * time.Hour,
			CooldownBase:       6 * time.Hour,
			CooldownJitter:     time.Hour,
			BandLow:            2*time.Hour + 30*time.Minute,
			BandHigh:           3 * time.Hour,
		},
	}
}

// captureSink records every alert it receives.
type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *captureSink) Notify(_ context.Context, a alert.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *captureSink) all() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Alert(nil), s.alerts...)
}

type ledgerFixture struct {
	ledger *Ledger
	store  *Store
	clock  *clock.FakeClock
	sink   *captureSink
}

func newTestLedger(t *testing.T) *ledgerFixture {
	t.Helper()

	store, _ := openTestStore(t)
	fakeClock := clock.Fake(ledgerTestEpoch)
	sink := &captureSink{}

	ledger, err := NewLedger(LedgerConfig{
		Store:      store,
		Policies:   testPolicies(),
		Randomizer: cadence.New(1),
		Clock:      fakeClock,
		Alerts:     sink,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return &ledgerFixture{ledger: ledger, store: store, clock: fakeClock, sink: sink}
}

// runSession starts, activates, and after d ends one session.
func (f *ledgerFixture) runSession(t *testing.T, workerID string, d time.Duration) Worker {
	t.Helper()
	ctx := context.Background()

	if _, err := f.ledger.StartSession(ctx, workerID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := f.ledger.ActivateSession(ctx, workerID, Activation{
		ProviderSessionID: "sess-test",
		StopAt:            f.clock.Now().Add(3 * time.Hour),
		Cap:               3 * time.Hour,
	}); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	f.clock.Advance(d)
	worker, err := f.ledger.EndSession(ctx, workerID, "test")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	return worker
}

func TestNewLedgerValidation(t *testing.T) {
	store, _ := openTestStore(t)

	tests := []struct {
		name string
		cfg  LedgerConfig
	}{
		{"nil store", LedgerConfig{Policies: testPolicies(), Randomizer: cadence.New(1)}},
		{"nil randomizer", LedgerConfig{Store: store, Policies: testPolicies()}},
		{"no policies", LedgerConfig{Store: store, Randomizer: cadence.New(1)}},
		{
			"mismatched key",
			LedgerConfig{
				Store:      store,
				Randomizer: cadence.New(1),
				Policies:   map[string]Policy{"wrong": testPolicies()["kaggle"]},
			},
		},
		{
			"invalid policy",
			LedgerConfig{
				Store:      store,
				Randomizer: cadence.New(1),
				Policies:   map[string]Policy{"kaggle": {Provider: "kaggle"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLedger(tt.cfg); err == nil {
				t.Fatal("NewLedger accepted a broken configuration")
			}
		})
	}
}

func TestRegisterAndLookup(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	worker, err := fix.ledger.Register(ctx, "kaggle", "acct-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if worker.ID != "kaggle-acct-1" {
		t.Errorf("ID = %q, want kaggle-acct-1", worker.ID)
	}
	if worker.Status != StatusPending {
		t.Errorf("Status = %v, want %v", worker.Status, StatusPending)
	}
	if worker.Class != ClassOnDemandWeekly {
		t.Errorf("Class = %v, want %v", worker.Class, ClassOnDemandWeekly)
	}
	if worker.MaxSessionDuration != 4*time.Hour || worker.MaxWeekly != 10*time.Hour {
		t.Errorf("ceilings = %v/%v, want 4h/10h", worker.MaxSessionDuration, worker.MaxWeekly)
	}
	if !worker.WeekStartedAt.Equal(ledgerTestEpoch) {
		t.Errorf("WeekStartedAt = %v, want %v", worker.WeekStartedAt, ledgerTestEpoch)
	}
	if !worker.AuthValid {
		t.Error("AuthValid = false, want true")
	}

	if _, err := fix.ledger.Register(ctx, "colab", "acct-1"); err != nil {
		t.Fatalf("Register colab: %v", err)
	}

	got, ok := fix.ledger.Worker("kaggle-acct-1")
	if !ok || got.ID != "kaggle-acct-1" {
		t.Fatalf("Worker lookup = %v/%v", got.ID, ok)
	}
	if _, ok := fix.ledger.Worker("nope"); ok {
		t.Error("Worker returned ok for an unknown id")
	}

	workers := fix.ledger.Workers()
	if len(workers) != 2 {
		t.Fatalf("Workers returned %d, want 2", len(workers))
	}
	if workers[0].ID != "colab-acct-1" || workers[1].ID != "kaggle-acct-1" {
		t.Errorf("Workers order = %s, %s; want id order", workers[0].ID, workers[1].ID)
	}

	account := fix.ledger.WorkersForAccount("acct-1")
	if len(account) != 2 {
		t.Errorf("WorkersForAccount returned %d, want 2", len(account))
	}
	if others := fix.ledger.WorkersForAccount("acct-9"); len(others) != 0 {
		t.Errorf("WorkersForAccount(acct-9) returned %d, want 0", len(others))
	}
}

func TestRegisterRejectsUnknownProviderAndEmptyAccount(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "paperspace", "acct-1"); err == nil {
		t.Error("Register accepted a provider without a policy")
	}
	if _, err := fix.ledger.Register(ctx, "kaggle", ""); err == nil {
		t.Error("Register accepted an empty account")
	}
}

func TestRegisterRevivesRetiredWorker(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	fix.runSession(t, "kaggle-acct-1", 2*time.Hour)
	if err := fix.ledger.Retire(ctx, "kaggle-acct-1"); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	revived, err := fix.ledger.Register(ctx, "kaggle", "acct-1")
	if err != nil {
		t.Fatalf("Register after retire: %v", err)
	}
	if revived.Status != StatusPending {
		t.Errorf("Status = %v, want %v", revived.Status, StatusPending)
	}
	if revived.WeeklyUsage != 2*time.Hour {
		t.Errorf("WeeklyUsage = %v, want the 2h to survive retirement", revived.WeeklyUsage)
	}
	if !revived.AuthValid || revived.LastError != "" {
		t.Errorf("revived auth state = %v/%q, want valid and clear", revived.AuthValid, revived.LastError)
	}
}

func TestRegisterRejectsActiveWorker(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}

	_, err := fix.ledger.Register(ctx, "kaggle", "acct-1")
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("Register error = %v, want already registered", err)
	}
}

func TestRetireRequiresIdleWorker(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}

	if err := fix.ledger.Retire(ctx, "kaggle-acct-1"); err == nil {
		t.Fatal("Retire succeeded with an active session")
	}

	if _, err := fix.ledger.EndSession(ctx, "kaggle-acct-1", "test"); err != nil {
		t.Fatal(err)
	}
	if err := fix.ledger.Retire(ctx, "kaggle-acct-1"); err != nil {
		t.Fatalf("Retire after end: %v", err)
	}
	worker, _ := fix.ledger.Worker("kaggle-acct-1")
	if worker.Status != StatusOffline {
		t.Errorf("Status = %v, want %v", worker.Status, StatusOffline)
	}
}

func TestStartSessionReservesAndActivates(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	reserved, err := fix.ledger.StartSession(ctx, "kaggle-acct-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if reserved.SessionID == "" {
		t.Fatal("StartSession assigned no session id")
	}
	if reserved.Status != StatusProvisioning {
		t.Errorf("Status = %v, want %v", reserved.Status, StatusProvisioning)
	}
	if !reserved.SessionStartedAt.Equal(ledgerTestEpoch) {
		t.Errorf("SessionStartedAt = %v, want %v", reserved.SessionStartedAt, ledgerTestEpoch)
	}
	if reserved.ProviderSessionID != "" {
		t.Errorf("ProviderSessionID = %q before activation", reserved.ProviderSessionID)
	}

	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err == nil {
		t.Fatal("second StartSession succeeded with a session active")
	}

	stopAt := ledgerTestEpoch.Add(2*time.Hour + 47*time.Minute)
	online, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{
		ProviderSessionID: "sess-81f2",
		StartedAt:         ledgerTestEpoch.Add(90 * time.Second),
		StopAt:            stopAt,
		Cap:               2*time.Hour + 47*time.Minute,
	})
	if err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	if online.Status != StatusOnline {
		t.Errorf("Status = %v, want %v", online.Status, StatusOnline)
	}
	if online.ProviderSessionID != "sess-81f2" {
		t.Errorf("ProviderSessionID = %q", online.ProviderSessionID)
	}
	if !online.SessionStartedAt.Equal(ledgerTestEpoch.Add(90 * time.Second)) {
		t.Errorf("SessionStartedAt = %v, want the provider-reported start", online.SessionStartedAt)
	}
	if !online.ScheduledStopAt.Equal(stopAt) || online.SessionCap != 2*time.Hour+47*time.Minute {
		t.Errorf("stop plan = %v/%v", online.ScheduledStopAt, online.SessionCap)
	}
	if online.SessionID != reserved.SessionID {
		t.Errorf("SessionID changed on activation: %q to %q", reserved.SessionID, online.SessionID)
	}
}

func TestActivateSessionRequiresReservation(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{}); err == nil {
		t.Fatal("ActivateSession succeeded without a reservation")
	}
}

func TestAbortStartReleasesReservation(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}

	if err := fix.ledger.AbortStart(ctx, "kaggle-acct-1", "agent unreachable"); err != nil {
		t.Fatalf("AbortStart: %v", err)
	}

	worker, _ := fix.ledger.Worker("kaggle-acct-1")
	if worker.Status != StatusError {
		t.Errorf("Status = %v, want %v", worker.Status, StatusError)
	}
	if worker.LastError != "agent unreachable" {
		t.Errorf("LastError = %q", worker.LastError)
	}
	if worker.SessionActive() || worker.SessionID != "" {
		t.Error("aborted reservation left session state behind")
	}
	if worker.WeeklyUsage != 0 {
		t.Errorf("WeeklyUsage = %v after abort, want 0: no session ran", worker.WeeklyUsage)
	}

	if err := fix.ledger.AbortStart(ctx, "kaggle-acct-1", "again"); err == nil {
		t.Fatal("AbortStart succeeded without a reservation")
	}
}

func TestEndSessionFoldsElapsedIntoWeekly(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	worker := fix.runSession(t, "kaggle-acct-1", 90*time.Minute)

	if worker.WeeklyUsage != 90*time.Minute {
		t.Errorf("WeeklyUsage = %v, want 90m", worker.WeeklyUsage)
	}
	if worker.SessionActive() || worker.SessionID != "" || worker.ProviderSessionID != "" {
		t.Error("ended session left session state behind")
	}
	if worker.Status != StatusOffline {
		t.Errorf("Status = %v, want %v", worker.Status, StatusOffline)
	}
	if !worker.CooldownUntil.IsZero() {
		t.Errorf("CooldownUntil = %v for a weekly-class worker, want zero", worker.CooldownUntil)
	}

	usage, err := fix.ledger.Usage("kaggle-acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if usage.SessionActive || usage.WeeklyUsed != 90*time.Minute {
		t.Errorf("usage = %+v, want inactive with 90m weekly", usage)
	}

	if _, err := fix.ledger.EndSession(ctx, "kaggle-acct-1", "test"); err == nil {
		t.Fatal("EndSession succeeded without an active session")
	}
}

func TestEndSessionDrawsCooldown(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "colab", "acct-1"); err != nil {
		t.Fatal(err)
	}
	worker := fix.runSession(t, "colab-acct-1", time.Hour)

	if worker.CooldownUntil.IsZero() {
		t.Fatal("cooldown-class session ended without a cooldown")
	}
	remaining := worker.CooldownRemaining(fix.clock.Now())
	if remaining < 5*time.Hour || remaining > 7*time.Hour {
		t.Errorf("cooldown = %v, want within 6h plus or minus 1h", remaining)
	}
}

func TestStartSessionRefusedDuringCooldown(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "colab", "acct-1"); err != nil {
		t.Fatal(err)
	}
	worker := fix.runSession(t, "colab-acct-1", time.Hour)

	_, err := fix.ledger.StartSession(ctx, "colab-acct-1")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("StartSession error = %v, want ExceededError", err)
	}
	if exceeded.Metric != alert.MetricCooldown {
		t.Errorf("Metric = %v, want %v", exceeded.Metric, alert.MetricCooldown)
	}
	if !exceeded.Until.Equal(worker.CooldownUntil) {
		t.Errorf("Until = %v, want %v", exceeded.Until, worker.CooldownUntil)
	}

	var violation bool
	for _, a := range fix.sink.all() {
		if a.Severity == alert.SeverityViolation && a.Metric == alert.MetricCooldown {
			violation = true
		}
	}
	if !violation {
		t.Error("refused start never reached the alert sink as a violation")
	}

	after, _ := fix.ledger.Worker("colab-acct-1")
	if after.SessionActive() {
		t.Error("refused start left an active session")
	}

	// Once the cooldown passes the start goes through.
	fix.clock.Advance(worker.CooldownUntil.Sub(fix.clock.Now()) + time.Second)
	if _, err := fix.ledger.StartSession(ctx, "colab-acct-1"); err != nil {
		t.Fatalf("StartSession after cooldown: %v", err)
	}
}

func TestStartSessionRefusedAtWeeklyCritical(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	// Three 3h sessions reach the 9h critical threshold of the 10h
	// budget.
	for i := 0; i < 3; i++ {
		fix.runSession(t, "kaggle-acct-1", 3*time.Hour)
	}

	_, err := fix.ledger.StartSession(ctx, "kaggle-acct-1")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("StartSession error = %v, want ExceededError", err)
	}
	if exceeded.Metric != alert.MetricWeeklyUsage {
		t.Errorf("Metric = %v, want %v", exceeded.Metric, alert.MetricWeeklyUsage)
	}
	if exceeded.Current != 9*time.Hour || exceeded.Limit != 10*time.Hour {
		t.Errorf("Current/Limit = %v/%v, want 9h/10h", exceeded.Current, exceeded.Limit)
	}

	var critical bool
	for _, a := range fix.sink.all() {
		if a.Severity >= alert.SeverityCritical && a.Metric == alert.MetricWeeklyUsage {
			critical = true
		}
	}
	if !critical {
		t.Error("weekly refusal never reached the alert sink")
	}
}

func TestStartSessionRollbackOnPersistFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger_test.db")
	store, err := OpenStore(StoreConfig{Path: path, PoolSize: 1, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	ledger, err := NewLedger(LedgerConfig{
		Store:      store,
		Policies:   testPolicies(),
		Randomizer: cadence.New(1),
		Clock:      clock.Fake(ledgerTestEpoch),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	// With the store closed the write fails and the reservation must
	// not survive in memory.
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.StartSession(ctx, "kaggle-acct-1"); err == nil {
		t.Fatal("StartSession succeeded with a closed store")
	}

	worker, _ := ledger.Worker("kaggle-acct-1")
	if worker.SessionActive() || worker.SessionID != "" || worker.Status != StatusPending {
		t.Errorf("failed persist leaked state: %+v", worker)
	}
}

func TestHeartbeatDerivesElapsed(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{}); err != nil {
		t.Fatal(err)
	}

	fix.clock.Advance(30 * time.Minute)

	// Repeated heartbeats at one instant agree exactly: elapsed is
	// derived from the start timestamp, not accumulated per tick.
	first, err := fix.ledger.Heartbeat("kaggle-acct-1")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := fix.ledger.Heartbeat("kaggle-acct-1")
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("heartbeat %d = %+v, first = %+v", i, again, first)
		}
	}
	if !first.SessionActive || first.SessionElapsed != 30*time.Minute {
		t.Errorf("elapsed = %v, want 30m", first.SessionElapsed)
	}
	if first.WeeklyUsed != 30*time.Minute {
		t.Errorf("WeeklyUsed = %v, want the live session counted", first.WeeklyUsed)
	}

	fix.clock.Advance(30 * time.Minute)
	later, err := fix.ledger.Heartbeat("kaggle-acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if later.SessionElapsed != time.Hour {
		t.Errorf("elapsed = %v, want 1h", later.SessionElapsed)
	}

	if _, err := fix.ledger.EndSession(ctx, "kaggle-acct-1", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.Heartbeat("kaggle-acct-1"); err == nil {
		t.Fatal("Heartbeat succeeded without an active session")
	}
}

func TestUsageCountsLiveSessionAgainstWeekly(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	fix.runSession(t, "kaggle-acct-1", 2*time.Hour)

	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{}); err != nil {
		t.Fatal(err)
	}
	fix.clock.Advance(time.Hour)

	usage, err := fix.ledger.Usage("kaggle-acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if usage.WeeklyUsed != 3*time.Hour {
		t.Errorf("WeeklyUsed = %v, want 2h folded plus 1h live", usage.WeeklyUsed)
	}
	if usage.SessionElapsed != time.Hour {
		t.Errorf("SessionElapsed = %v, want 1h", usage.SessionElapsed)
	}
}

func TestWeeklyCounterResetsAfterSevenDays(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	fix.runSession(t, "kaggle-acct-1", 3*time.Hour)

	// Inside the window the counter holds.
	fix.clock.Advance(6 * 24 * time.Hour)
	usage, err := fix.ledger.Usage("kaggle-acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if usage.WeeklyUsed != 3*time.Hour {
		t.Fatalf("WeeklyUsed = %v before the boundary, want 3h", usage.WeeklyUsed)
	}

	// Past seven days since the window opened it resets, exactly once.
	fix.clock.Advance(36 * time.Hour)
	usage, err = fix.ledger.Usage("kaggle-acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if usage.WeeklyUsed != 0 {
		t.Fatalf("WeeklyUsed = %v after the boundary, want 0", usage.WeeklyUsed)
	}

	worker, _ := fix.ledger.Worker("kaggle-acct-1")
	if !worker.WeekStartedAt.Equal(fix.clock.Now()) {
		t.Errorf("WeekStartedAt = %v, want re-anchored at %v", worker.WeekStartedAt, fix.clock.Now())
	}
}

func TestWeeklyResetPrecedesFold(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	fix.runSession(t, "kaggle-acct-1", 3*time.Hour)

	// A session straddling the weekly boundary folds into the fresh
	// window only.
	fix.clock.Advance(7*24*time.Hour - 3*time.Hour - 2*time.Hour)
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{}); err != nil {
		t.Fatal(err)
	}
	fix.clock.Advance(3 * time.Hour)

	worker, err := fix.ledger.EndSession(ctx, "kaggle-acct-1", "test")
	if err != nil {
		t.Fatal(err)
	}
	if worker.WeeklyUsage != 3*time.Hour {
		t.Errorf("WeeklyUsage = %v, want only the straddling session's 3h", worker.WeeklyUsage)
	}
}

func TestReconcileExternalWins(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	now := fix.clock.Now()
	snap := Snapshot{
		Provider:         "kaggle",
		Account:          "acct-1",
		SessionRemaining: 4 * time.Hour, // no session burn
		WeeklyRemaining:  6 * time.Hour, // provider says 4h used
		CanStart:         true,
		Success:          true,
		CapturedAt:       now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}

	result, err := fix.ledger.Reconcile(ctx, "kaggle-acct-1", snap)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.Applied {
		t.Fatalf("result = %+v, want applied", result)
	}
	if result.WeeklyDelta != 4*time.Hour {
		t.Errorf("WeeklyDelta = %v, want +4h", result.WeeklyDelta)
	}
	if !result.CanStart || result.ShouldStop || result.AdoptedSession {
		t.Errorf("result flags = %+v", result)
	}

	usage, _ := fix.ledger.Usage("kaggle-acct-1")
	if usage.WeeklyUsed != 4*time.Hour {
		t.Errorf("WeeklyUsed = %v, want the provider's 4h", usage.WeeklyUsed)
	}

	// The provider figure wins downward too.
	snap.WeeklyRemaining = 8 * time.Hour
	result, err = fix.ledger.Reconcile(ctx, "kaggle-acct-1", snap)
	if err != nil {
		t.Fatal(err)
	}
	if result.WeeklyDelta != -2*time.Hour {
		t.Errorf("WeeklyDelta = %v, want -2h", result.WeeklyDelta)
	}
	usage, _ = fix.ledger.Usage("kaggle-acct-1")
	if usage.WeeklyUsed != 2*time.Hour {
		t.Errorf("WeeklyUsed = %v, want 2h", usage.WeeklyUsed)
	}
}

func TestReconcileSubtractsLiveSession(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	fix.runSession(t, "kaggle-acct-1", 2*time.Hour)

	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{}); err != nil {
		t.Fatal(err)
	}
	fix.clock.Advance(time.Hour)

	// The provider reports 3h used: the 2h folded plus the live hour.
	now := fix.clock.Now()
	snap := Snapshot{
		Provider:         "kaggle",
		Account:          "acct-1",
		SessionRemaining: 3 * time.Hour,
		WeeklyRemaining:  7 * time.Hour,
		Success:          true,
		CapturedAt:       now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
	result, err := fix.ledger.Reconcile(ctx, "kaggle-acct-1", snap)
	if err != nil {
		t.Fatal(err)
	}
	if result.AdoptedSession {
		t.Error("reconcile adopted a session the ledger already tracks")
	}

	// Stored counter holds 2h; the live hour stays derived, so the
	// total reading still matches the provider.
	usage, _ := fix.ledger.Usage("kaggle-acct-1")
	if usage.WeeklyUsed != 3*time.Hour {
		t.Errorf("WeeklyUsed = %v, want 3h", usage.WeeklyUsed)
	}

	worker, _ := fix.ledger.Worker("kaggle-acct-1")
	if worker.WeeklyUsage != 2*time.Hour {
		t.Errorf("stored WeeklyUsage = %v, want 2h with the live hour excluded", worker.WeeklyUsage)
	}
}

func TestReconcileAdoptsExternalSession(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	// The provider reports a session burning for an hour that this
	// ledger never started.
	now := fix.clock.Now()
	snap := Snapshot{
		Provider:         "kaggle",
		Account:          "acct-1",
		SessionRemaining: 3 * time.Hour,
		WeeklyRemaining:  9 * time.Hour,
		Success:          true,
		CapturedAt:       now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
	result, err := fix.ledger.Reconcile(ctx, "kaggle-acct-1", snap)
	if err != nil {
		t.Fatal(err)
	}
	if !result.AdoptedSession {
		t.Fatal("reconcile did not adopt the external session")
	}

	worker, _ := fix.ledger.Worker("kaggle-acct-1")
	if !worker.SessionActive() || worker.Status != StatusOnline {
		t.Fatalf("adopted worker = %+v, want an online session", worker)
	}
	if worker.SessionID == "" {
		t.Error("adopted session has no session id")
	}
	if worker.ProviderSessionID != "" {
		t.Errorf("ProviderSessionID = %q, want empty for an adopted session", worker.ProviderSessionID)
	}
	if got := worker.SessionElapsed(fix.clock.Now()); got != time.Hour {
		t.Errorf("adopted elapsed = %v, want 1h", got)
	}

	// The adopted hour is live, not folded: the total reading matches
	// the provider without double counting.
	usage, _ := fix.ledger.Usage("kaggle-acct-1")
	if usage.WeeklyUsed != time.Hour {
		t.Errorf("WeeklyUsed = %v, want 1h", usage.WeeklyUsed)
	}
	if worker.WeeklyUsage != 0 {
		t.Errorf("stored WeeklyUsage = %v, want 0", worker.WeeklyUsage)
	}
}

func TestReconcileIgnoresFailedAndExpiredSnapshots(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	before, _ := fix.ledger.Worker("kaggle-acct-1")

	now := fix.clock.Now()
	failed := Snapshot{
		Provider:   "kaggle",
		Account:    "acct-1",
		Error:      "login page served",
		CapturedAt: now,
		ExpiresAt:  now.Add(30 * time.Minute),
	}
	result, err := fix.ledger.Reconcile(ctx, "kaggle-acct-1", failed)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied || result.Reason != "failed scrape" {
		t.Errorf("result = %+v, want skipped as failed scrape", result)
	}

	stale := Snapshot{
		Provider:         "kaggle",
		Account:          "acct-1",
		SessionRemaining: 4 * time.Hour,
		WeeklyRemaining:  time.Hour,
		Success:          true,
		CapturedAt:       now.Add(-2 * time.Hour),
		ExpiresAt:        now.Add(-90 * time.Minute),
	}
	result, err = fix.ledger.Reconcile(ctx, "kaggle-acct-1", stale)
	if err != nil {
		t.Fatal(err)
	}
	if result.Applied || result.Reason != "snapshot expired" {
		t.Errorf("result = %+v, want skipped as expired", result)
	}

	after, _ := fix.ledger.Worker("kaggle-acct-1")
	if after != before {
		t.Errorf("ignored snapshots changed the worker: %+v to %+v", before, after)
	}
}

func TestReconcileRejectsMismatchedSnapshot(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	snap := Snapshot{Provider: "kaggle", Account: "acct-2", Success: true}
	if _, err := fix.ledger.Reconcile(ctx, "kaggle-acct-1", snap); err == nil {
		t.Fatal("Reconcile accepted a snapshot for a different account")
	}
}

func TestReconcileRestoresAuthAfterSuccessfulScrape(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.MarkAuthInvalid(ctx, "acct-1", "every provider scrape failed"); err != nil {
		t.Fatal(err)
	}

	broken, _ := fix.ledger.Worker("kaggle-acct-1")
	if broken.AuthValid || broken.Status != StatusError {
		t.Fatalf("MarkAuthInvalid left %+v", broken)
	}

	now := fix.clock.Now()
	snap := Snapshot{
		Provider:         "kaggle",
		Account:          "acct-1",
		SessionRemaining: 4 * time.Hour,
		WeeklyRemaining:  10 * time.Hour,
		Success:          true,
		CapturedAt:       now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
	if _, err := fix.ledger.Reconcile(ctx, "kaggle-acct-1", snap); err != nil {
		t.Fatal(err)
	}

	healed, _ := fix.ledger.Worker("kaggle-acct-1")
	if !healed.AuthValid || healed.Status != StatusOffline || healed.LastError != "" {
		t.Errorf("reconciled worker = %+v, want auth restored and offline", healed)
	}
}

func TestMarkAuthInvalid(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.Register(ctx, "colab", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-2"); err != nil {
		t.Fatal(err)
	}

	// One worker mid-session: its elapsed hour must fold before the
	// account is locked out.
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.ActivateSession(ctx, "kaggle-acct-1", Activation{}); err != nil {
		t.Fatal(err)
	}
	fix.clock.Advance(time.Hour)

	affected, err := fix.ledger.MarkAuthInvalid(ctx, "acct-1", "credentials rejected by every provider")
	if err != nil {
		t.Fatalf("MarkAuthInvalid: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("affected %d workers, want 2", len(affected))
	}

	for _, id := range []string{"kaggle-acct-1", "colab-acct-1"} {
		worker, _ := fix.ledger.Worker(id)
		if worker.AuthValid {
			t.Errorf("%s still AuthValid", id)
		}
		if worker.Status != StatusError {
			t.Errorf("%s status = %v, want %v", id, worker.Status, StatusError)
		}
		if worker.LastError == "" {
			t.Errorf("%s has no LastError", id)
		}
		if worker.SessionActive() {
			t.Errorf("%s still has an active session", id)
		}
	}

	folded, _ := fix.ledger.Worker("kaggle-acct-1")
	if folded.WeeklyUsage != time.Hour {
		t.Errorf("WeeklyUsage = %v, want the in-flight hour folded", folded.WeeklyUsage)
	}

	untouched, _ := fix.ledger.Worker("kaggle-acct-2")
	if !untouched.AuthValid || untouched.Status != StatusPending {
		t.Errorf("other account affected: %+v", untouched)
	}
}

func TestLedgerRestoresFromStore(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.ledger.Register(ctx, "colab", "acct-1"); err != nil {
		t.Fatal(err)
	}
	fix.runSession(t, "colab-acct-1", time.Hour)

	// Leave kaggle mid-provisioning to prove reservations survive a
	// restart.
	if _, err := fix.ledger.StartSession(ctx, "kaggle-acct-1"); err != nil {
		t.Fatal(err)
	}

	restored, err := NewLedger(LedgerConfig{
		Store:      fix.store,
		Policies:   testPolicies(),
		Randomizer: cadence.New(2),
		Clock:      fix.clock,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewLedger over existing store: %v", err)
	}

	kaggle, ok := restored.Worker("kaggle-acct-1")
	if !ok {
		t.Fatal("kaggle worker lost across restart")
	}
	original, _ := fix.ledger.Worker("kaggle-acct-1")
	if kaggle.Status != StatusProvisioning || kaggle.SessionID != original.SessionID {
		t.Errorf("restored reservation = %v/%q, want %v/%q",
			kaggle.Status, kaggle.SessionID, StatusProvisioning, original.SessionID)
	}

	colab, ok := restored.Worker("colab-acct-1")
	if !ok {
		t.Fatal("colab worker lost across restart")
	}
	if colab.WeeklyUsage != time.Hour {
		t.Errorf("restored WeeklyUsage = %v, want 1h", colab.WeeklyUsage)
	}
	if colab.CooldownUntil.IsZero() {
		t.Error("restored worker lost its cooldown deadline")
	}
}

func TestLimitsComeFromWorkerAndPolicy(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.Register(ctx, "kaggle", "acct-1"); err != nil {
		t.Fatal(err)
	}

	limits, err := fix.ledger.Limits("kaggle-acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if limits.SessionCeiling != 4*time.Hour || limits.WeeklyCeiling != 10*time.Hour {
		t.Errorf("ceilings = %v/%v, want 4h/10h", limits.SessionCeiling, limits.WeeklyCeiling)
	}
	if limits.SessionSafeCap != 3*time.Hour {
		t.Errorf("SessionSafeCap = %v, want 3h", limits.SessionSafeCap)
	}
	if limits.WeeklyCriticalRatio != 0.9 {
		t.Errorf("WeeklyCriticalRatio = %v, want 0.9", limits.WeeklyCriticalRatio)
	}

	if _, err := fix.ledger.Limits("nope"); err == nil {
		t.Fatal("Limits succeeded for an unknown worker")
	}
}

func TestRecordAndLatestSnapshotPassThrough(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	now := fix.clock.Now()
	snap := Snapshot{
		Provider:         "kaggle",
		Account:          "acct-1",
		SessionRemaining: 4 * time.Hour,
		WeeklyRemaining:  10 * time.Hour,
		Success:          true,
		CapturedAt:       now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
	if err := fix.ledger.RecordSnapshot(ctx, snap); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	got, err := fix.ledger.LatestSnapshot(ctx, "kaggle", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.CapturedAt.Equal(now) {
		t.Fatalf("LatestSnapshot = %+v, want the recorded snapshot", got)
	}
}

func TestOperationsRejectUnknownWorker(t *testing.T) {
	fix := newTestLedger(t)
	ctx := context.Background()

	if _, err := fix.ledger.StartSession(ctx, "ghost"); err == nil {
		t.Error("StartSession accepted an unknown worker")
	}
	if _, err := fix.ledger.EndSession(ctx, "ghost", "test"); err == nil {
		t.Error("EndSession accepted an unknown worker")
	}
	if _, err := fix.ledger.Heartbeat("ghost"); err == nil {
		t.Error("Heartbeat accepted an unknown worker")
	}
	if err := fix.ledger.Retire(ctx, "ghost"); err == nil {
		t.Error("Retire accepted an unknown worker")
	}
	if _, err := fix.ledger.Reconcile(ctx, "ghost", Snapshot{}); err == nil {
		t.Error("Reconcile accepted an unknown worker")
	}
}
