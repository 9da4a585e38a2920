// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/compliance"
	"github.com/gleaner-foundation/gleaner/quota"
)

// Finding pairs an archived snapshot with the assessment the monitor
// would have produced at capture time.
type Finding struct {
	Snapshot quota.Snapshot  `json:"snapshot"`
	Risk     compliance.Risk `json:"risk"`
	Alerts   []alert.Alert   `json:"alerts,omitempty"`
}

// Replay re-evaluates archived snapshots under the given policies,
// keyed by provider. Failed scrapes and snapshots whose provider has
// no policy are skipped: there is no reading to judge. Alerts are
// stamped with the original capture time, so the findings read as the
// monitor would have reported them live.
func Replay(arch *Archive, policies map[string]quota.Policy) []Finding {
	var findings []Finding
	for _, snap := range arch.Snapshots {
		if !snap.Success {
			continue
		}
		policy, ok := policies[snap.Provider]
		if !ok {
			continue
		}
		limits := policy.Limits()

		weeklyUsed := limits.WeeklyCeiling - snap.WeeklyRemaining
		if weeklyUsed < 0 {
			weeklyUsed = 0
		}

		// A remainder below the full session ceiling means a session
		// was burning at capture time.
		sessionElapsed := limits.SessionCeiling - snap.SessionRemaining
		if sessionElapsed < 0 {
			sessionElapsed = 0
		}

		assessment := compliance.Evaluate(compliance.Usage{
			Worker:         quota.WorkerID(snap.Provider, snap.Account),
			SessionActive:  sessionElapsed > 0,
			SessionElapsed: sessionElapsed,
			WeeklyUsed:     weeklyUsed,
		}, limits, snap.CapturedAt)

		findings = append(findings, Finding{
			Snapshot: snap,
			Risk:     assessment.Risk,
			Alerts:   assessment.Alerts,
		})
	}
	return findings
}
