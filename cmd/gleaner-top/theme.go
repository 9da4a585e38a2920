// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/compliance"
	"github.com/gleaner-foundation/gleaner/lifecycle"
)

// All colors are lipgloss ANSI 256-color codes for broad terminal
// compatibility.
var (
	normalText = lipgloss.Color("252")
	faintText  = lipgloss.Color("245")
	helpText   = lipgloss.Color("241")

	selectedBackground = lipgloss.Color("236")
	selectedForeground = lipgloss.Color("255")

	headerForeground = lipgloss.Color("255")
	accentColor      = lipgloss.Color("75") // blue

	okColor       = lipgloss.Color("114") // green
	warnColor     = lipgloss.Color("220") // yellow/amber
	hotColor      = lipgloss.Color("208") // orange
	criticalColor = lipgloss.Color("196") // bright red
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(headerForeground).
			Bold(true)

	columnHeaderStyle = lipgloss.NewStyle().
				Foreground(faintText).
				Bold(true)

	faintStyle = lipgloss.NewStyle().Foreground(faintText)
	helpStyle  = lipgloss.NewStyle().Foreground(helpText)

	selectedStyle = lipgloss.NewStyle().
			Background(selectedBackground).
			Foreground(selectedForeground)

	errorStyle = lipgloss.NewStyle().Foreground(criticalColor)

	filterPromptStyle = lipgloss.NewStyle().Foreground(accentColor)

	spinnerStyle = lipgloss.NewStyle().Foreground(accentColor)
)

// stateColor maps a machine state to its display color: green while a
// session runs, amber for the transitional states, gray otherwise.
func stateColor(state lifecycle.State) lipgloss.Color {
	switch state {
	case lifecycle.StateRunning:
		return okColor
	case lifecycle.StateStarting, lifecycle.StateStopping:
		return warnColor
	case lifecycle.StateCooldown:
		return accentColor
	default:
		return faintText
	}
}

func riskColor(risk compliance.Risk) lipgloss.Color {
	switch risk {
	case compliance.RiskCritical:
		return criticalColor
	case compliance.RiskHigh:
		return hotColor
	case compliance.RiskModerate:
		return warnColor
	default:
		return okColor
	}
}

func severityColor(severity alert.Severity) lipgloss.Color {
	switch severity {
	case alert.SeverityViolation, alert.SeverityCritical:
		return criticalColor
	case alert.SeverityWarning:
		return warnColor
	default:
		return faintText
	}
}

// utilizationColor grades a usage fraction: green under 70%, amber
// under 90%, red at or above.
func utilizationColor(fraction float64) lipgloss.Color {
	switch {
	case fraction >= 0.9:
		return criticalColor
	case fraction >= 0.7:
		return warnColor
	default:
		return okColor
	}
}
