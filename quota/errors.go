// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"fmt"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
)

// ExceededError is a session start refused because a budget is
// exhausted or a cooldown is still running. It is not retryable; the
// caller waits for a future window. Until, when set, is the earliest
// instant the refusal could lift.
type ExceededError struct {
	Worker  string
	Metric  alert.Metric
	Current time.Duration
	Limit   time.Duration
	Until   time.Time
	Message string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: worker %q: %s", e.Worker, e.Message)
}
