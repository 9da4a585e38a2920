// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package cadence randomizes session timing so that usage does not
// exhibit mechanical regularity.
//
// A session that always runs exactly 11 hours, always starts on the
// hour, and always returns after exactly 36 hours of cooldown looks
// automated. [Randomizer] draws a session duration from a provider's
// safe band, jitters start instants and cooldowns within bounded
// offsets, and steers start times away from conspicuous instants
// (exact top of hour, the dead 02:00-05:59 UTC window).
//
// Every draw is bounded: a randomized duration can never exceed the
// provider's hard ceiling, whatever the distribution extreme. The
// generator is seeded at construction, so tests reproduce exact
// sequences.
package cadence
