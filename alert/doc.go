// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package alert defines Gleaner's compliance alert records and the
// sinks that deliver them.
//
// Alerts are produced by the compliance monitor when a worker's usage
// crosses a warning or critical threshold, when a cooldown is active,
// or when a start attempt violates policy. They are ephemeral: the
// daemon keeps a bounded in-memory [History] ring for the control
// socket's alerts action, and optionally forwards each alert to an
// operator webhook.
//
// Delivery is fire-and-forget. [Sink.Notify] never returns an error:
// a failing webhook or a full delivery queue must never block a
// pending forced stop or propagate into quota accounting. Sinks log
// their own failures.
//
// The daemon composes sinks at startup:
//
//	sink := alert.NewFanoutSink(
//	    alert.NewLogSink(logger),
//	    history,
//	    alert.NewAsyncSink(webhookSink, 64, logger),
//	)
package alert
