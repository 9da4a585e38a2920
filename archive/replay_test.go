// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/compliance"
	"github.com/gleaner-foundation/gleaner/quota"
)

func replayPolicies() map[string]quota.Policy {
	return map[string]quota.Policy{
		"kaggle": {
			Provider:            "kaggle",
			MaxSessionDuration:  4 * time.Hour,
			SessionSafeCap:      3 * time.Hour,
			MaxWeekly:           10 * time.Hour,
			SessionWarningRatio: 0.6,
			WeeklyWarningRatio:  0.6,
			WeeklyCriticalRatio: 0.9,
		},
	}
}

func TestReplayReconstructsAssessments(t *testing.T) {
	captured := archiveTestEpoch.Add(-26 * time.Hour)
	arch := &Archive{
		Manifest: Manifest{CreatedAt: archiveTestEpoch, Count: 5},
		Snapshots: []quota.Snapshot{
			{
				// Idle and well inside the weekly budget.
				Provider:         "kaggle",
				Account:          "idle",
				SessionRemaining: 4 * time.Hour,
				WeeklyRemaining:  8 * time.Hour,
				Success:          true,
				CapturedAt:       captured,
			},
			{
				// Three and a half hours into a four hour ceiling,
				// past the three hour safe cap.
				Provider:         "kaggle",
				Account:          "deep",
				SessionRemaining: 30 * time.Minute,
				WeeklyRemaining:  6 * time.Hour,
				Success:          true,
				CapturedAt:       captured,
			},
			{
				// Idle, but seven of ten weekly hours burned.
				Provider:         "kaggle",
				Account:          "weekly",
				SessionRemaining: 4 * time.Hour,
				WeeklyRemaining:  3 * time.Hour,
				Success:          true,
				CapturedAt:       captured,
			},
			{
				Provider:   "kaggle",
				Account:    "failed",
				Success:    false,
				Error:      "agent endpoint unreachable",
				CapturedAt: captured,
			},
			{
				Provider:         "paperspace",
				Account:          "unknown",
				SessionRemaining: time.Hour,
				Success:          true,
				CapturedAt:       captured,
			},
		},
	}

	findings := Replay(arch, replayPolicies())
	if len(findings) != 3 {
		t.Fatalf("Replay returned %d findings, want 3", len(findings))
	}

	byAccount := make(map[string]Finding, len(findings))
	for _, finding := range findings {
		byAccount[finding.Snapshot.Account] = finding
	}

	idle, ok := byAccount["idle"]
	if !ok {
		t.Fatal("no finding for the idle snapshot")
	}
	if idle.Risk != compliance.RiskLow || len(idle.Alerts) != 0 {
		t.Errorf("idle finding: risk %v, %d alerts", idle.Risk, len(idle.Alerts))
	}

	deep, ok := byAccount["deep"]
	if !ok {
		t.Fatal("no finding for the deep session snapshot")
	}
	if deep.Risk != compliance.RiskCritical {
		t.Errorf("deep session risk = %v, want critical", deep.Risk)
	}
	if len(deep.Alerts) == 0 {
		t.Fatal("deep session produced no alerts")
	}
	sessionAlert := deep.Alerts[0]
	if sessionAlert.Metric != alert.MetricSessionDuration || sessionAlert.Severity != alert.SeverityCritical {
		t.Errorf("deep session alert = %s/%v", sessionAlert.Metric, sessionAlert.Severity)
	}
	if !sessionAlert.Timestamp.Equal(captured) {
		t.Errorf("alert stamped %v, want the capture time %v", sessionAlert.Timestamp, captured)
	}

	weekly, ok := byAccount["weekly"]
	if !ok {
		t.Fatal("no finding for the weekly snapshot")
	}
	if weekly.Risk != compliance.RiskModerate {
		t.Errorf("weekly risk = %v, want moderate", weekly.Risk)
	}
	foundWarning := false
	for _, a := range weekly.Alerts {
		if a.Metric == alert.MetricWeeklyUsage && a.Severity == alert.SeverityWarning {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Errorf("weekly finding alerts = %+v, want a weekly usage warning", weekly.Alerts)
	}
}

func TestReplayRoundTripsThroughFile(t *testing.T) {
	keys := testKeySet(t, 0x5a)
	now := archiveTestEpoch
	path := filepath.Join(t.TempDir(), FileName(now))

	arch := buildArchive(now, []quota.Snapshot{{
		Provider:         "kaggle",
		Account:          "deep",
		SessionRemaining: 30 * time.Minute,
		WeeklyRemaining:  6 * time.Hour,
		Success:          true,
		CapturedAt:       now.Add(-2 * time.Hour),
		ExpiresAt:        now.Add(-time.Hour),
	}})
	if err := Write(path, keys, arch, CompressionZstd); err != nil {
		t.Fatalf("Write: %v", err)
	}

	restored, err := Read(path, keys)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	findings := Replay(restored, replayPolicies())
	if len(findings) != 1 {
		t.Fatalf("Replay returned %d findings, want 1", len(findings))
	}
	if findings[0].Risk != compliance.RiskCritical {
		t.Errorf("replayed risk = %v, want critical", findings[0].Risk)
	}
}
