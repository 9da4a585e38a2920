// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "testing"

func TestStateNames(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateCooldown, "cooldown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.state), got, tt.want)
		}
		text, err := tt.state.MarshalText()
		if err != nil {
			t.Errorf("MarshalText(%q): %v", tt.want, err)
		}
		if string(text) != tt.want {
			t.Errorf("MarshalText(%d) = %q, want %q", int(tt.state), text, tt.want)
		}
	}

	if got := State(42).String(); got != "State(42)" {
		t.Errorf("String(42) = %q", got)
	}
	if _, err := State(42).MarshalText(); err == nil {
		t.Error("MarshalText accepted an unknown state")
	}
}
