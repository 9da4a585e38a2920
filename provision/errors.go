// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class is the retry classification of a provisioning failure.
type Class int

const (
	// ClassTransient failures are worth retrying: timeouts, rate
	// limits, 5xx responses, network errors.
	ClassTransient Class = iota

	// ClassPermanent failures cannot be fixed by retrying: validation
	// errors, revoked credentials, unknown workers.
	ClassPermanent

	// ClassQuotaExhausted means the provider declined for capacity or
	// quota reasons. Retrying within the same window cannot succeed;
	// the caller waits for a future window.
	ClassQuotaExhausted
)

var classNames = map[Class]string{
	ClassTransient:      "transient",
	ClassPermanent:      "permanent",
	ClassQuotaExhausted: "quota_exhausted",
}

// String returns the snake_case class name.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// TransientError marks a failure the pipeline should retry.
type TransientError struct {
	Err error
}

func (err *TransientError) Error() string {
	return fmt.Sprintf("provision: transient: %v", err.Err)
}

func (err *TransientError) Unwrap() error { return err.Err }

// PermanentError marks a failure retrying cannot fix.
type PermanentError struct {
	Err error
}

func (err *PermanentError) Error() string {
	return fmt.Sprintf("provision: permanent: %v", err.Err)
}

func (err *PermanentError) Unwrap() error { return err.Err }

// QuotaExhaustedError reports the provider refused for capacity or
// quota reasons. Distinct from PermanentError: the account is fine,
// the window is spent.
type QuotaExhaustedError struct {
	Provider string
	Message  string
}

func (err *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("provision: %s quota exhausted: %s", err.Provider, err.Message)
}

// CircuitOpenError is returned while the circuit breaker is open.
// Calls fail fast without invoking the operation.
type CircuitOpenError struct {
	// Op is the operation that was refused.
	Op string

	// Until is when the breaker will let a trial call through.
	Until time.Time
}

func (err *CircuitOpenError) Error() string {
	return fmt.Sprintf("provision: circuit open for %q until %s", err.Op, err.Until.Format(time.RFC3339))
}

// ExhaustedError reports that an operation kept failing transiently
// until the retry budget ran out. Last is the final transient error;
// the classification is reachable through Unwrap.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (err *ExhaustedError) Error() string {
	return fmt.Sprintf("provision: %s failed after %d attempts: %v", err.Op, err.Attempts, err.Last)
}

func (err *ExhaustedError) Unwrap() error { return err.Last }

// Classify maps an error to its retry class. Typed pipeline errors
// classify by their type. A deadline expiry is a timed-out call and
// so transient; an outright cancellation means the caller gave up and
// is permanent. Untyped network errors and everything unknown default
// to transient, the optimistic choice for a flaky upstream.
func Classify(err error) Class {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}
	var quota *QuotaExhaustedError
	if errors.As(err, &quota) {
		return ClassQuotaExhausted
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}
