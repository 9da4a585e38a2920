// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// matcher wraps fzf's FuzzyMatchV2 with a reusable allocation slab.
// Not safe for concurrent use; the bubbletea update loop is the only
// caller.
type matcher struct {
	slab *util.Slab
}

func newMatcher() *matcher {
	return &matcher{slab: util.MakeSlab(100*1024, 2048)}
}

// match scores text against the query, case-insensitively. Returns
// false when the query does not fuzzy-match.
func (m *matcher) match(text, query string) (int, bool) {
	chars := util.ToChars([]byte(text))
	// fzf expects a lowercase pattern when matching case-insensitively.
	result, _ := algo.FuzzyMatchV2(false, true, true, &chars, []rune(strings.ToLower(query)), false, m.slab)
	if result.Start < 0 {
		return 0, false
	}
	return result.Score, true
}
