// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/gleaner-foundation/gleaner/lifecycle"
)

// barWidth is the character width of the utilization bars in the
// worker table.
const barWidth = 10

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.haveData {
		if m.fetchErr != nil {
			return "\n  " + errorStyle.Render("cannot reach gleanerd: "+m.fetchErr.Error()) +
				"\n\n  " + helpStyle.Render("q to quit, r to retry") + "\n"
		}
		return "\n  " + m.spinner.View() + " connecting to gleanerd...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderWorkers())
	b.WriteString("\n")
	b.WriteString(m.renderAlerts())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	status := m.current.status

	sync := "sync off"
	syncStyle := faintStyle
	if status.SyncEnabled {
		sync = "sync on"
		syncStyle = lipgloss.NewStyle().Foreground(okColor)
	}
	if status.LastSync != nil {
		sync += fmt.Sprintf(" (last %s, %d workers",
			status.LastSync.Finished.Local().Format("15:04:05"), status.LastSync.Workers)
		if status.LastSync.Failed > 0 {
			sync += fmt.Sprintf(", %d failed", status.LastSync.Failed)
		}
		sync += ")"
	}

	line := titleStyle.Render("gleaner-top") + "  " +
		faintStyle.Render("gleanerd "+status.Version) + "  " +
		faintStyle.Render("up "+formatDuration(time.Duration(status.UptimeSeconds)*time.Second)) + "  " +
		syncStyle.Render(sync)

	if open := openBreakers(status.Breakers); len(open) > 0 {
		line += "  " + errorStyle.Render("breaker open: "+strings.Join(open, ", "))
	}
	if m.fetchErr != nil {
		age := time.Since(m.current.taken).Round(time.Second)
		line += "\n" + errorStyle.Render(
			fmt.Sprintf("refresh failed (%v), showing data from %s ago", m.fetchErr, age))
	}
	return line + "\n"
}

// openBreakers lists the providers whose circuit breaker is not
// closed.
func openBreakers(breakers map[string]string) []string {
	var open []string
	for provider, state := range breakers {
		if state != "closed" {
			open = append(open, provider+"="+state)
		}
	}
	sort.Strings(open)
	return open
}

func (m Model) renderWorkers() string {
	visible := m.visibleWorkers()
	if len(visible) == 0 {
		if m.filter.query != "" {
			return faintStyle.Render("  no workers match "+fmt.Sprintf("%q", m.filter.query)) + "\n"
		}
		return faintStyle.Render("  no workers registered") + "\n"
	}

	header := fmt.Sprintf("  %-24s %-9s %-9s %-18s %-18s %-9s %s",
		"WORKER", "STATE", "RISK", "SESSION", "WEEKLY", "COOLDOWN", "NOTE")
	rows := []string{columnHeaderStyle.Render(header)}

	now := m.current.taken
	for i, status := range visible {
		row := m.renderWorkerRow(status, now)
		if i == m.cursor {
			row = selectedStyle.Render(row)
		}
		rows = append(rows, row)
	}
	return strings.Join(rows, "\n") + "\n"
}

func (m Model) renderWorkerRow(status lifecycle.WorkerStatus, now time.Time) string {
	worker := status.Worker

	session := "-"
	if worker.SessionActive() {
		limit := worker.SessionCap
		if limit <= 0 {
			limit = worker.MaxSessionDuration
		}
		session = renderBar(worker.SessionElapsed(now), limit)
	}
	weekly := renderBar(worker.WeeklyUsage, worker.MaxWeekly)

	cooldown := "-"
	if remaining := worker.CooldownRemaining(now); remaining > 0 {
		cooldown = formatDuration(remaining)
	}

	note := ""
	switch {
	case !worker.AuthValid:
		note = errorStyle.Render("auth invalid")
	case worker.LastError != "":
		note = faintStyle.Render(truncate(worker.LastError, 40))
	}

	stateCell := lipgloss.NewStyle().Foreground(stateColor(status.State)).
		Render(fmt.Sprintf("%-9s", status.State.String()))
	riskCell := lipgloss.NewStyle().Foreground(riskColor(status.Risk)).
		Render(fmt.Sprintf("%-9s", status.Risk.String()))

	return fmt.Sprintf("  %-24s %s %s %-18s %-18s %-9s %s",
		truncate(worker.ID, 24), stateCell, riskCell, session, weekly, cooldown, note)
}

// renderBar draws a colored utilization bar with the fraction
// appended, e.g. "███████░░░ 68%".
func renderBar(used, limit time.Duration) string {
	if limit <= 0 {
		return "-"
	}
	fraction := float64(used) / float64(limit)
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * barWidth)
	style := lipgloss.NewStyle().Foreground(utilizationColor(fraction))
	bar := style.Render(strings.Repeat("█", filled)) +
		faintStyle.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, fraction*100)
}

func (m Model) renderAlerts() string {
	alerts := m.current.alerts
	if len(alerts) == 0 {
		return faintStyle.Render("  no recent alerts") + "\n"
	}

	rows := []string{columnHeaderStyle.Render("  RECENT ALERTS")}
	for _, entry := range alerts {
		severity := lipgloss.NewStyle().Foreground(severityColor(entry.Severity)).
			Render(fmt.Sprintf("%-9s", entry.Severity.String()))
		rows = append(rows, fmt.Sprintf("  %s %s %-24s %s",
			faintStyle.Render(entry.Timestamp.Local().Format("15:04:05")),
			severity, truncate(entry.Worker, 24), truncate(entry.Message, 60)))
	}
	return strings.Join(rows, "\n") + "\n"
}

func (m Model) renderFooter() string {
	if m.filter.active {
		return filterPromptStyle.Render("  filter: ") + m.filter.query +
			filterPromptStyle.Render("▌") + "  " +
			helpStyle.Render("enter to apply, esc to clear")
	}
	help := "  q quit · / filter · j/k move · r refresh"
	if m.filter.query != "" {
		help = "  filter: " + m.filter.query + " (esc to clear) ·" + help[1:]
	}
	return helpStyle.Render(help)
}

// formatDuration renders a duration as compact hours and minutes,
// e.g. "3h12m" or "45m".
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh%02dm", hours, minutes)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
