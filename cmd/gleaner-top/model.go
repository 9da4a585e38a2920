// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/lib/control"
	"github.com/gleaner-foundation/gleaner/lifecycle"
	"github.com/gleaner-foundation/gleaner/quotasync"
)

// fetchTimeout bounds one dashboard refresh round trip. Far below the
// refresh interval floor so a hung daemon shows up as a stale screen
// with an error line, not a frozen UI.
const fetchTimeout = 5 * time.Second

// alertTail is how many recent alerts the dashboard requests.
const alertTail = 8

// snapshot is one refresh worth of daemon state.
type snapshot struct {
	status  statusReply
	workers []lifecycle.WorkerStatus
	alerts  []alert.Alert
	taken   time.Time
}

// statusReply mirrors the daemon's "status" response fields the
// dashboard renders.
type statusReply struct {
	Version       string                `json:"version"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	SyncEnabled   bool                  `json:"sync_enabled"`
	LastSync      *quotasync.CycleStats `json:"last_sync,omitempty"`
	Breakers      map[string]string     `json:"breakers,omitempty"`
}

type workersReply struct {
	Workers []lifecycle.WorkerStatus `json:"workers"`
}

type alertsReply struct {
	Alerts []alert.Alert `json:"alerts"`
}

// refreshMsg delivers a completed fetch to Update.
type refreshMsg struct {
	snapshot snapshot
	err      error
}

// tickMsg schedules the next fetch.
type tickMsg struct{}

// Model is the bubbletea model for the dashboard.
type Model struct {
	client   *control.Client
	interval time.Duration

	width  int
	height int

	// Latest snapshot; zero until the first fetch lands. fetchErr is
	// the last refresh failure, shown in the status line while the
	// previous snapshot stays on screen.
	current  snapshot
	haveData bool
	fetchErr error

	// Fuzzy worker filter, toggled with /.
	filter   filterState
	cursor   int
	spinner  spinner.Model
	quitting bool
	matcher  *matcher
}

// filterState is the / filter input.
type filterState struct {
	active bool
	query  string
}

func newModel(client *control.Client, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return Model{
		client:   client,
		interval: interval,
		spinner:  sp,
		matcher:  newMatcher(),
	}
}

// Init implements tea.Model: kick off the spinner and the first fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch)
}

// fetch performs one full refresh against the daemon.
func (m Model) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	var snap snapshot
	if err := m.client.Call(ctx, "status", nil, &snap.status); err != nil {
		return refreshMsg{err: err}
	}
	var workers workersReply
	if err := m.client.Call(ctx, "workers", nil, &workers); err != nil {
		return refreshMsg{err: err}
	}
	var alerts alertsReply
	if err := m.client.Call(ctx, "alerts", map[string]any{"limit": alertTail}, &alerts); err != nil {
		return refreshMsg{err: err}
	}

	snap.workers = workers.Workers
	snap.alerts = alerts.Alerts
	snap.taken = time.Now()
	return refreshMsg{snapshot: snap}
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshMsg:
		if msg.err != nil {
			m.fetchErr = msg.err
		} else {
			m.fetchErr = nil
			m.current = msg.snapshot
			m.haveData = true
			m.clampCursor()
		}
		return m, m.scheduleTick()

	case tickMsg:
		return m, m.fetch

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filter.active {
		switch msg.Type {
		case tea.KeyEsc:
			m.filter = filterState{}
			m.clampCursor()
		case tea.KeyEnter:
			m.filter.active = false
		case tea.KeyBackspace:
			if len(m.filter.query) > 0 {
				runes := []rune(m.filter.query)
				m.filter.query = string(runes[:len(runes)-1])
				m.clampCursor()
			}
		case tea.KeyRunes:
			m.filter.query += string(msg.Runes)
			m.clampCursor()
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "/":
		m.filter.active = true
		return m, nil
	case "esc":
		m.filter = filterState{}
		m.clampCursor()
		return m, nil
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.visibleWorkers())-1 {
			m.cursor++
		}
		return m, nil
	case "r":
		return m, m.fetch
	}
	return m, nil
}

// visibleWorkers applies the fuzzy filter, best matches first. With
// no filter the daemon's worker-ID ordering stands.
func (m Model) visibleWorkers() []lifecycle.WorkerStatus {
	if m.filter.query == "" {
		return m.current.workers
	}

	type scored struct {
		status lifecycle.WorkerStatus
		score  int
	}
	var matched []scored
	for _, status := range m.current.workers {
		text := status.Worker.ID + " " + status.Worker.Provider + " " +
			status.Worker.Account + " " + status.State.String()
		if score, ok := m.matcher.match(text, m.filter.query); ok {
			matched = append(matched, scored{status: status, score: score})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].score > matched[j].score
	})

	visible := make([]lifecycle.WorkerStatus, len(matched))
	for i, entry := range matched {
		visible[i] = entry.status
	}
	return visible
}

func (m *Model) clampCursor() {
	visible := len(m.visibleWorkers())
	if m.cursor >= visible {
		m.cursor = visible - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}
