// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Gleaner components.
//
// Configuration is loaded from a single file specified by:
//   - GLEANER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches. The only expansion performed is ${VAR} and
// ${VAR:-default} in path fields for portability.
//
// Provider policy definitions (session caps, weekly budgets, cooldown
// windows) live in a separate providers file referenced by
// paths.providers; see the quota package for its format.
package config
