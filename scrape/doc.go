// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package scrape reads provider quota dashboards through the external
// automation agent. A scrape takes sealed credentials, returns a
// strongly typed Report, and classifies its failures: expired
// credentials demand re-authentication and are never retried as
// transient, malformed payloads fail safe with FormatError rather
// than substituting default numbers.
//
// Credentials live in a Vault of age-sealed files keyed by provider
// and account, decrypted into mlocked buffers only for the duration
// of a call.
package scrape
