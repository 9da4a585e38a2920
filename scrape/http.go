// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package scrape

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

// defaultCallTimeout bounds a single agent call. A dashboard scrape
// is one page load; thirty seconds is generous.
const defaultCallTimeout = 30 * time.Second

// HTTPConfig holds configuration for creating an HTTPScraper.
type HTTPConfig struct {
	// BaseURL is the automation agent's root URL, usually loopback.
	BaseURL string

	// Vault supplies the credentials for each target. Required.
	Vault *Vault

	// CallTimeout is the hard per-call deadline. Zero means 30s.
	CallTimeout time.Duration

	// HTTPClient is used for all requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to discard.
	Logger *slog.Logger
}

// HTTPScraper drives the external automation agent's quota endpoint.
// The agent does the actual dashboard read; this client unseals the
// target's credentials for the call and validates the payload.
type HTTPScraper struct {
	baseURL     string
	vault       *Vault
	callTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewHTTPScraper creates a scraper from the given configuration.
func NewHTTPScraper(config HTTPConfig) (*HTTPScraper, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("scrape: agent base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("scrape: invalid agent base URL %q", config.BaseURL)
	}
	if config.Vault == nil {
		return nil, fmt.Errorf("scrape: Vault is required")
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

	return &HTTPScraper{
		baseURL:     baseURL,
		vault:       config.Vault,
		callTimeout: callTimeout,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// scrapeRequest is the agent's quota endpoint body. The credential
// crosses as a string for the one request; the durable copy stays in
// the vault.
type scrapeRequest struct {
	Provider   string `json:"provider"`
	Account    string `json:"account"`
	Credential string `json:"credential"`
}

// Scrape implements Scraper. Credentials are unsealed for the
// duration of the call only.
func (s *HTTPScraper) Scrape(ctx context.Context, target Target) (Report, error) {
	if target.Provider == "" || target.Account == "" {
		return Report{}, fmt.Errorf("scrape: target needs provider and account")
	}

	credential, err := s.vault.Credential(target.Provider, target.Account)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return Report{}, &AuthExpiredError{Provider: target.Provider, Account: target.Account, Err: err}
		}
		return Report{}, err
	}
	defer credential.Close()

	body, err := json.Marshal(scrapeRequest{
		Provider:   target.Provider,
		Account:    target.Account,
		Credential: credential.String(),
	})
	if err != nil {
		return Report{}, fmt.Errorf("scrape: encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/quota", bytes.NewReader(body))
	if err != nil {
		return Report{}, fmt.Errorf("scrape: creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return Report{}, fmt.Errorf("scrape: %s/%s: %w", target.Provider, target.Account, err)
	}
	defer response.Body.Close()

	payload, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return Report{}, fmt.Errorf("scrape: reading agent response: %w", err)
	}

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return Report{}, &AuthExpiredError{
			Provider: target.Provider,
			Account:  target.Account,
			Err:      fmt.Errorf("agent HTTP %d: %s", response.StatusCode, agentMessage(payload)),
		}
	case response.StatusCode < 200 || response.StatusCode >= 300:
		return Report{}, fmt.Errorf("scrape: %s/%s: agent HTTP %d: %s",
			target.Provider, target.Account, response.StatusCode, agentMessage(payload))
	}

	report, err := ParseReport(target.Provider, target.RequireWeekly, payload)
	if err != nil {
		return Report{}, err
	}

	s.logger.Debug("scraped quota",
		"provider", target.Provider,
		"account", target.Account,
		"session_remaining", report.SessionRemaining,
		"weekly_remaining", report.WeeklyRemaining,
		"can_start", report.CanStart,
		"should_stop", report.ShouldStop,
	)
	return report, nil
}

// agentMessage pulls the human-readable message out of an agent error
// body, falling back to the raw text.
func agentMessage(body []byte) string {
	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		return wire.Message
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		return "(no body)"
	}
	return message
}
