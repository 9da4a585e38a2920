// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package provision starts provider sessions through a resilient
// pipeline of classification, bounded retry, and a circuit breaker.
//
// Starting a session on a free compute provider is the least reliable
// operation Gleaner performs: the call drives browser automation
// against a consumer web UI, and it fails for reasons as different as
// a ten-second capacity hiccup and a permanently revoked account. The
// [Pipeline] tells these apart:
//
//   - transient failures (timeouts, rate limits, 5xx, network) are
//     retried with exponential backoff and jitter,
//   - permanent failures (validation, authorization) abort
//     immediately,
//   - quota exhaustion (the provider has no free capacity) aborts
//     with a distinct error so the caller waits instead of burning
//     retry budget.
//
// Consecutive failures open a circuit breaker. While open, calls fail
// fast with [CircuitOpenError] instead of hammering a provider that
// is already refusing, which both spares the retry budget and avoids
// looking like an abuse bot. After the reset timeout one trial call
// probes whether the provider recovered.
//
// [Pipeline.Do] is generic over the operation: the same pipeline
// wraps session starts, session stops, and any other fallible
// provider call.
package provision
