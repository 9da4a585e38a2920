// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/netutil"
)

// Request describes the session to provision.
type Request struct {
	// Provider is the provider name ("kaggle", "colab").
	Provider string `json:"provider"`

	// Account is the provider account to start the session under.
	Account string `json:"account"`

	// Worker is the Gleaner worker the session belongs to.
	Worker string `json:"worker"`

	// Callback is where the provisioned session reports back for
	// work. Optional.
	Callback string `json:"callback,omitempty"`
}

// Handle identifies a provisioned session.
type Handle struct {
	// SessionID is the provider-side session identifier.
	SessionID string `json:"session_id"`

	// StartedAt is when the provider reported the session live.
	StartedAt time.Time `json:"started_at"`
}

// Provisioner starts and stops provider sessions. Implementations
// classify their failures with the package error types; unclassified
// errors are treated as transient.
type Provisioner interface {
	// Provision starts a session and returns its handle.
	Provision(ctx context.Context, request Request) (*Handle, error)

	// Stop tears a session down. Stopping an already-dead session is
	// not an error.
	Stop(ctx context.Context, provider, sessionID string) error
}

// defaultCallTimeout bounds a single agent call independently of
// retry timing. Starting a browser-automation session takes tens of
// seconds; two minutes covers a slow notebook boot.
const defaultCallTimeout = 2 * time.Minute

// HTTPConfig holds configuration for creating an HTTPProvisioner.
type HTTPConfig struct {
	// BaseURL is the automation agent's root URL, usually loopback
	// (the agent runs next to the daemon).
	BaseURL string

	// CallTimeout is the hard per-call deadline. Zero means 2m.
	CallTimeout time.Duration

	// HTTPClient is used for all requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to discard.
	Logger *slog.Logger
}

// HTTPProvisioner drives the external automation agent over its HTTP
// API. The agent performs the actual browser automation; this client
// only translates its responses into the pipeline's error classes.
type HTTPProvisioner struct {
	baseURL     string
	callTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewHTTPProvisioner creates a provisioner from the given
// configuration.
func NewHTTPProvisioner(config HTTPConfig) (*HTTPProvisioner, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provision: agent base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("provision: invalid agent base URL %q", config.BaseURL)
	}

	callTimeout := config.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &HTTPProvisioner{
		baseURL:     baseURL,
		callTimeout: callTimeout,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Provision implements Provisioner. POSTs the request to the agent's
// sessions endpoint and decodes the session handle.
func (p *HTTPProvisioner) Provision(ctx context.Context, request Request) (*Handle, error) {
	if request.Provider == "" || request.Account == "" {
		return nil, &PermanentError{Err: errors.New("request needs provider and account")}
	}

	body, err := p.call(ctx, http.MethodPost, "/v1/sessions", request)
	if err != nil {
		return nil, err
	}

	var handle Handle
	if err := json.Unmarshal(body, &handle); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decoding session handle: %w", err)}
	}
	if handle.SessionID == "" {
		return nil, &PermanentError{Err: errors.New("agent returned a handle without a session id")}
	}

	p.logger.Info("session provisioned",
		"provider", request.Provider,
		"worker", request.Worker,
		"session_id", handle.SessionID,
	)
	return &handle, nil
}

// Stop implements Provisioner. A 404 from the agent means the session
// is already gone, which is the desired end state.
func (p *HTTPProvisioner) Stop(ctx context.Context, provider, sessionID string) error {
	path := fmt.Sprintf("/v1/sessions/%s/%s", url.PathEscape(provider), url.PathEscape(sessionID))
	_, err := p.call(ctx, http.MethodDelete, path, nil)

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return nil
		}
	}
	return err
}

// call executes one agent request under the per-call timeout and
// classifies any failure.
func (p *HTTPProvisioner) call(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, &PermanentError{Err: fmt.Errorf("encoding request: %w", err)}
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("creating request: %w", err)}
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := p.httpClient.Do(request)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading agent response: %w", err)}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, classifyAgentError(response.StatusCode, body)
	}
	return body, nil
}

// statusError carries the HTTP status through the classified error
// chain so Stop can recognize a 404.
type statusError struct {
	code    int
	message string
}

func (err *statusError) Error() string {
	return fmt.Sprintf("agent HTTP %d: %s", err.code, err.message)
}

// classifyAgentError maps an agent error response to a pipeline error
// class. The agent may classify explicitly with a "kind" field;
// otherwise the status code decides: timeouts, rate limits, and
// server errors are transient, the rest of the 4xx range is
// permanent.
func classifyAgentError(statusCode int, body []byte) error {
	var wire struct {
		Message  string `json:"message"`
		Kind     string `json:"kind"`
		Provider string `json:"provider"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		message = wire.Message
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch wire.Kind {
	case "quota_exhausted":
		return &QuotaExhaustedError{Provider: wire.Provider, Message: message}
	case "permanent":
		return &PermanentError{Err: &statusError{code: statusCode, message: message}}
	case "transient":
		return &TransientError{Err: &statusError{code: statusCode, message: message}}
	}

	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return &TransientError{Err: &statusError{code: statusCode, message: message}}
	}
	return &PermanentError{Err: &statusError{code: statusCode, message: message}}
}
