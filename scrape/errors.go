// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package scrape

import "fmt"

// AuthExpiredError reports that a provider rejected the stored
// credentials, or that none are stored. The account needs external
// re-authentication; retrying the scrape cannot help.
type AuthExpiredError struct {
	Provider string
	Account  string
	Err      error
}

func (e *AuthExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scrape: credentials for %s/%s rejected: %v", e.Provider, e.Account, e.Err)
	}
	return fmt.Sprintf("scrape: credentials for %s/%s rejected", e.Provider, e.Account)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// FormatError reports a payload the agent returned that does not
// parse into a valid Report: unparseable JSON, missing fields, or
// impossible values. The reading is discarded whole; no defaults are
// substituted for the broken parts.
type FormatError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scrape: %s payload: %s: %v", e.Provider, e.Detail, e.Err)
	}
	return fmt.Sprintf("scrape: %s payload: %s", e.Provider, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Err }
