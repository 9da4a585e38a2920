// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/archive"
	"github.com/gleaner-foundation/gleaner/lib/codec"
	"github.com/gleaner-foundation/gleaner/lib/config"
	"github.com/gleaner-foundation/gleaner/lib/control"
	"github.com/gleaner-foundation/gleaner/lib/version"
	"github.com/gleaner-foundation/gleaner/lifecycle"
	"github.com/gleaner-foundation/gleaner/provision"
	"github.com/gleaner-foundation/gleaner/quota"
	"github.com/gleaner-foundation/gleaner/quotasync"
	"github.com/gleaner-foundation/gleaner/scrape"
)

// daemon holds the wired components the control actions operate on.
type daemon struct {
	config      *config.Config
	ledger      *quota.Ledger
	manager     *lifecycle.Manager
	scheduler   *quotasync.Scheduler
	vault       *scrape.Vault
	history     *alert.History
	archiveKeys *archive.KeySet
	policies    map[string]quota.Policy
	startedAt   time.Time
	logger      *slog.Logger
}

// registerActions wires every control-plane action onto the socket
// server. Action names are the protocol surface the CLI and the
// dashboard depend on.
func (d *daemon) registerActions(server *control.SocketServer) {
	server.Handle("status", d.handleStatus)
	server.Handle("workers", d.handleWorkers)
	server.Handle("start", d.handleStart)
	server.Handle("stop", d.handleStop)
	server.Handle("notify-work", d.handleNotifyWork)
	server.Handle("sync-now", d.handleSyncNow)
	server.Handle("sync-enable", d.handleSyncEnable)
	server.Handle("sync-disable", d.handleSyncDisable)
	server.Handle("alerts", d.handleAlerts)
	server.Handle("accounts", d.handleAccounts)
	server.Handle("account-add", d.handleAccountAdd)
	server.Handle("account-remove", d.handleAccountRemove)
	server.Handle("login", d.handleLogin)
	server.Handle("replay", d.handleReplay)
}

// statusResponse is the "status" action payload: daemon identity and
// aggregate worker state, without per-worker detail (that is the
// "workers" action).
type statusResponse struct {
	Version       string                            `json:"version"`
	Environment   string                            `json:"environment"`
	UptimeSeconds float64                           `json:"uptime_seconds"`
	Workers       int                               `json:"workers"`
	States        map[string]int                    `json:"states"`
	SyncEnabled   bool                              `json:"sync_enabled"`
	LastSync      *quotasync.CycleStats             `json:"last_sync,omitempty"`
	Breakers      map[string]provision.BreakerState `json:"breakers,omitempty"`
	Alerts        int                               `json:"alerts"`
}

func (d *daemon) handleStatus(_ context.Context, _ []byte) (any, error) {
	statuses := d.manager.WorkerStatuses()
	states := make(map[string]int)
	for _, status := range statuses {
		states[status.State.String()]++
	}

	response := statusResponse{
		Version:       version.Info(),
		Environment:   string(d.config.Environment),
		UptimeSeconds: time.Since(d.startedAt).Seconds(),
		Workers:       len(statuses),
		States:        states,
		SyncEnabled:   d.scheduler.Enabled(),
		Breakers:      d.manager.BreakerStates(),
		Alerts:        d.history.Len(),
	}
	if cycle, ok := d.scheduler.LastCycle(); ok {
		response.LastSync = &cycle
	}
	return response, nil
}

type workersResponse struct {
	Workers []lifecycle.WorkerStatus `json:"workers"`
}

func (d *daemon) handleWorkers(_ context.Context, _ []byte) (any, error) {
	return workersResponse{Workers: d.manager.WorkerStatuses()}, nil
}

// workerRequest addresses one worker by ID, or by provider+account.
type workerRequest struct {
	Worker   string `cbor:"worker"`
	Provider string `cbor:"provider"`
	Account  string `cbor:"account"`
}

// workerID resolves the addressed worker. Provider+account is the
// human-friendly form; the ID form is what scripts use.
func (r workerRequest) workerID() (string, error) {
	if r.Worker != "" {
		return r.Worker, nil
	}
	if r.Provider != "" && r.Account != "" {
		return quota.WorkerID(r.Provider, r.Account), nil
	}
	return "", fmt.Errorf("worker (or provider and account) is required")
}

func (d *daemon) handleStart(ctx context.Context, raw []byte) (any, error) {
	var request workerRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	workerID, err := request.workerID()
	if err != nil {
		return nil, err
	}

	worker, err := d.manager.StartWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return d.manager.WorkerStatus(worker.ID)
}

type stopRequest struct {
	workerRequest
	Reason string `cbor:"reason"`
}

func (d *daemon) handleStop(ctx context.Context, raw []byte) (any, error) {
	var request stopRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	workerID, err := request.workerID()
	if err != nil {
		return nil, err
	}
	reason := request.Reason
	if reason == "" {
		reason = "manual stop"
	}

	if err := d.manager.StopWorker(ctx, workerID, reason); err != nil {
		return nil, err
	}
	return d.manager.WorkerStatus(workerID)
}

func (d *daemon) handleNotifyWork(_ context.Context, raw []byte) (any, error) {
	var request workerRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	workerID, err := request.workerID()
	if err != nil {
		return nil, err
	}
	return nil, d.manager.NotifyWork(workerID)
}

func (d *daemon) handleSyncNow(ctx context.Context, _ []byte) (any, error) {
	stats, err := d.scheduler.SyncNow(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (d *daemon) handleSyncEnable(_ context.Context, _ []byte) (any, error) {
	d.scheduler.Enable()
	return nil, nil
}

func (d *daemon) handleSyncDisable(_ context.Context, _ []byte) (any, error) {
	d.scheduler.Disable()
	return nil, nil
}

type alertsRequest struct {
	Limit int `cbor:"limit"`
}

type alertsResponse struct {
	Alerts []alert.Alert `json:"alerts"`
}

func (d *daemon) handleAlerts(_ context.Context, raw []byte) (any, error) {
	var request alertsRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	limit := request.Limit
	if limit <= 0 {
		limit = 50
	}
	return alertsResponse{Alerts: d.history.Recent(limit)}, nil
}

// accountEntry is one provider/account pair in the "accounts"
// response: whether a credential is stored and whether a worker is
// registered for it.
type accountEntry struct {
	Provider   string `json:"provider"`
	Account    string `json:"account"`
	Credential bool   `json:"credential"`
	Worker     string `json:"worker,omitempty"`
	AuthValid  bool   `json:"auth_valid"`
}

type accountsResponse struct {
	Accounts []accountEntry `json:"accounts"`
}

func (d *daemon) handleAccounts(_ context.Context, _ []byte) (any, error) {
	stored, err := d.vault.List()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]accountEntry)
	for provider, accounts := range stored {
		for _, account := range accounts {
			id := quota.WorkerID(provider, account)
			entries[id] = accountEntry{
				Provider:   provider,
				Account:    account,
				Credential: true,
			}
		}
	}
	for _, worker := range d.ledger.Workers() {
		entry, ok := entries[worker.ID]
		if !ok {
			entry = accountEntry{Provider: worker.Provider, Account: worker.Account}
		}
		entry.Worker = worker.ID
		entry.AuthValid = worker.AuthValid
		entries[worker.ID] = entry
	}

	response := accountsResponse{Accounts: make([]accountEntry, 0, len(entries))}
	for _, entry := range entries {
		response.Accounts = append(response.Accounts, entry)
	}
	sort.Slice(response.Accounts, func(i, j int) bool {
		a, b := response.Accounts[i], response.Accounts[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Account < b.Account
	})
	return response, nil
}

type accountRequest struct {
	Provider string `cbor:"provider"`
	Account  string `cbor:"account"`
}

func (r accountRequest) validate(policies map[string]quota.Policy) error {
	if r.Provider == "" || r.Account == "" {
		return fmt.Errorf("provider and account are required")
	}
	if _, ok := policies[r.Provider]; !ok {
		known := make([]string, 0, len(policies))
		for name := range policies {
			known = append(known, name)
		}
		sort.Strings(known)
		return fmt.Errorf("unknown provider %q (configured: %s)", r.Provider, strings.Join(known, ", "))
	}
	return nil
}

func (d *daemon) handleAccountAdd(ctx context.Context, raw []byte) (any, error) {
	var request accountRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := request.validate(d.policies); err != nil {
		return nil, err
	}

	worker, err := d.manager.Register(ctx, request.Provider, request.Account)
	if err != nil {
		return nil, err
	}
	d.logger.Info("account registered",
		"provider", request.Provider,
		"account", request.Account,
		"worker", worker.ID)
	return worker, nil
}

func (d *daemon) handleAccountRemove(ctx context.Context, raw []byte) (any, error) {
	var request accountRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if request.Provider == "" || request.Account == "" {
		return nil, fmt.Errorf("provider and account are required")
	}

	workerID := quota.WorkerID(request.Provider, request.Account)
	if err := d.manager.Retire(ctx, workerID); err != nil {
		return nil, err
	}
	if err := d.vault.Remove(request.Provider, request.Account); err != nil {
		return nil, err
	}
	d.logger.Info("account retired",
		"provider", request.Provider,
		"account", request.Account,
		"worker", workerID)
	return nil, nil
}

// loginRequest carries a provider credential to seal into the vault.
// The credential only ever transits the local control socket; at rest
// it is age-encrypted to the daemon key.
type loginRequest struct {
	Provider   string `cbor:"provider"`
	Account    string `cbor:"account"`
	Credential []byte `cbor:"credential"`
}

func (d *daemon) handleLogin(_ context.Context, raw []byte) (any, error) {
	var request loginRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if request.Provider == "" || request.Account == "" {
		return nil, fmt.Errorf("provider and account are required")
	}
	if len(request.Credential) == 0 {
		return nil, fmt.Errorf("credential is required")
	}

	if err := d.vault.Store(request.Provider, request.Account, request.Credential); err != nil {
		return nil, err
	}
	d.logger.Info("credential stored",
		"provider", request.Provider,
		"account", request.Account)
	return nil, nil
}

type replayRequest struct {
	// Archive is the archive file name (not path) to replay. Empty
	// lists the available archives instead.
	Archive string `cbor:"archive"`

	// Severity filters findings to those carrying an alert at or
	// above this severity. Empty keeps everything.
	Severity string `cbor:"severity"`
}

type replayResponse struct {
	Archives []archiveInfo     `json:"archives,omitempty"`
	Manifest *archive.Manifest `json:"manifest,omitempty"`
	Findings []archive.Finding `json:"findings,omitempty"`
}

type archiveInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

func (d *daemon) handleReplay(_ context.Context, raw []byte) (any, error) {
	if d.archiveKeys == nil {
		return nil, fmt.Errorf("archiving is disabled")
	}

	var request replayRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if request.Archive == "" {
		infos, err := archive.List(d.config.Paths.Archives)
		if err != nil {
			return nil, err
		}
		response := replayResponse{Archives: make([]archiveInfo, 0, len(infos))}
		for _, info := range infos {
			response.Archives = append(response.Archives, archiveInfo{
				Name:      info.Name,
				CreatedAt: info.CreatedAt,
				Size:      info.Size,
			})
		}
		return response, nil
	}

	// The request names a file, not a path: the daemon only ever
	// opens archives inside its own archive directory.
	if request.Archive != filepath.Base(request.Archive) {
		return nil, fmt.Errorf("archive must be a file name, not a path")
	}

	arch, err := archive.Read(filepath.Join(d.config.Paths.Archives, request.Archive), d.archiveKeys)
	if err != nil {
		return nil, err
	}

	findings := archive.Replay(arch, d.policies)
	if request.Severity != "" {
		minimum, err := alert.ParseSeverity(request.Severity)
		if err != nil {
			return nil, err
		}
		findings = filterFindings(findings, minimum)
	}
	return replayResponse{Manifest: &arch.Manifest, Findings: findings}, nil
}

// filterFindings keeps findings with at least one alert at or above
// the minimum severity.
func filterFindings(findings []archive.Finding, minimum alert.Severity) []archive.Finding {
	kept := findings[:0]
	for _, finding := range findings {
		for _, a := range finding.Alerts {
			if a.Severity >= minimum {
				kept = append(kept, finding)
				break
			}
		}
	}
	return kept
}
