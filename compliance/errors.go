// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package compliance

import (
	"fmt"

	"github.com/gleaner-foundation/gleaner/alert"
)

// ViolationError records that a worker's usage crossed a hard safety
// threshold. It is an internal event: the lifecycle manager stores it
// as a stop reason and stops the session. It is never returned to a
// control socket caller as a request failure.
type ViolationError struct {
	// Worker is the worker whose usage violated policy.
	Worker string

	// Metric is the dimension that crossed.
	Metric alert.Metric

	// Message is the triggering alert's message.
	Message string
}

func (err *ViolationError) Error() string {
	return fmt.Sprintf("compliance: worker %q: %s: %s", err.Worker, err.Metric, err.Message)
}

// ViolationFromAssessment builds a ViolationError from the most severe
// alert of a non-compliant assessment. Returns nil if the assessment
// is compliant.
func ViolationFromAssessment(assessment Assessment) *ViolationError {
	if assessment.Compliant {
		return nil
	}
	var worst *alert.Alert
	for i := range assessment.Alerts {
		candidate := &assessment.Alerts[i]
		if candidate.Severity < alert.SeverityCritical {
			continue
		}
		if worst == nil || candidate.Severity > worst.Severity {
			worst = candidate
		}
	}
	if worst == nil {
		return nil
	}
	return &ViolationError{
		Worker:  worst.Worker,
		Metric:  worst.Metric,
		Message: worst.Message,
	}
}
