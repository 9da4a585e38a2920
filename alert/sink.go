// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Sink receives alerts. Notify is fire-and-forget: implementations
// must not return errors or block on slow downstream systems, because
// callers include the lifecycle manager's stop path.
type Sink interface {
	Notify(ctx context.Context, alert Alert)
}

// LogSink writes each alert to a structured logger, mapping severity
// to log level: info to Info, warning to Warn, critical and violation
// to Error.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs alerts. A nil logger discards.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (sink *LogSink) Notify(ctx context.Context, alert Alert) {
	level := slog.LevelInfo
	switch alert.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical, SeverityViolation:
		level = slog.LevelError
	}
	sink.logger.Log(ctx, level, "compliance alert",
		"worker", alert.Worker,
		"severity", alert.Severity.String(),
		"metric", alert.Metric.String(),
		"current_seconds", alert.Current,
		"limit_seconds", alert.Limit,
		"message", alert.Message,
	)
}

// webhookTimeout bounds a single webhook delivery. A slow operator
// endpoint must not back up the async queue indefinitely.
const webhookTimeout = 10 * time.Second

// WebhookSink POSTs each alert as a JSON document to an operator
// endpoint. Delivery failures are logged and dropped. Wrap it in an
// AsyncSink so a slow endpoint never delays the caller.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookSink creates a sink that delivers alerts to url. A nil
// httpClient uses http.DefaultClient; a nil logger discards.
func NewWebhookSink(url string, httpClient *http.Client, logger *slog.Logger) *WebhookSink {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebhookSink{url: url, httpClient: httpClient, logger: logger}
}

// Notify implements Sink.
func (sink *WebhookSink) Notify(ctx context.Context, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		sink.logger.Error("encoding webhook alert", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.url, bytes.NewReader(body))
	if err != nil {
		sink.logger.Error("building webhook request", "error", err)
		return
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := sink.httpClient.Do(request)
	if err != nil {
		sink.logger.Error("delivering webhook alert",
			"worker", alert.Worker,
			"severity", alert.Severity.String(),
			"error", err,
		)
		return
	}
	defer response.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(response.Body, 4096))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		sink.logger.Error("webhook alert rejected",
			"worker", alert.Worker,
			"severity", alert.Severity.String(),
			"status", response.StatusCode,
		)
	}
}

// FanoutSink delivers each alert to every inner sink in order.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink creates a sink that forwards to each of sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Notify implements Sink.
func (sink *FanoutSink) Notify(ctx context.Context, alert Alert) {
	for _, inner := range sink.sinks {
		inner.Notify(ctx, alert)
	}
}

// AsyncSink decouples the caller from a potentially slow inner sink.
// Notify enqueues onto a bounded buffer and returns immediately; a
// single background goroutine drains the buffer. When the buffer is
// full the alert is dropped and the drop is logged: the history ring
// still holds it, and losing a webhook delivery is preferable to
// delaying a forced stop.
type AsyncSink struct {
	inner  Sink
	queue  chan Alert
	done   chan struct{}
	logger *slog.Logger
}

// NewAsyncSink wraps inner with a delivery queue of the given
// capacity and starts the delivery goroutine. Call Close to stop it.
func NewAsyncSink(inner Sink, capacity int, logger *slog.Logger) *AsyncSink {
	if capacity <= 0 {
		capacity = 64
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sink := &AsyncSink{
		inner:  inner,
		queue:  make(chan Alert, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
	go sink.deliver()
	return sink
}

// Notify implements Sink. Never blocks.
func (sink *AsyncSink) Notify(ctx context.Context, alert Alert) {
	select {
	case sink.queue <- alert:
	default:
		sink.logger.Warn("alert delivery queue full, dropping",
			"worker", alert.Worker,
			"severity", alert.Severity.String(),
		)
	}
}

// Close stops the delivery goroutine after the queue drains. Alerts
// enqueued after Close panic; the daemon closes sinks only after the
// components producing alerts have stopped.
func (sink *AsyncSink) Close() {
	close(sink.queue)
	<-sink.done
}

func (sink *AsyncSink) deliver() {
	defer close(sink.done)
	for alert := range sink.queue {
		sink.inner.Notify(context.Background(), alert)
	}
}
