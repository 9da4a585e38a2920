// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "fmt"

// State is a worker's position in the session lifecycle. It is the
// manager's in-memory view; the durable facts (session start, caps,
// cooldowns) live in the ledger.
type State int

const (
	// StateIdle means no session and nothing in flight.
	StateIdle State = iota

	// StateStarting means quota is reserved and provisioning is in
	// flight. A starting worker can still be canceled.
	StateStarting

	// StateRunning means a provider session is up and under heartbeat
	// supervision.
	StateRunning

	// StateStopping means teardown is in progress: the provider stop
	// call and the ledger fold have not both finished yet.
	StateStopping

	// StateCooldown means the last session ended and the worker must
	// wait out its cooldown before starting again.
	StateCooldown
)

var stateNames = map[State]string{
	StateIdle:     "idle",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateCooldown: "cooldown",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler so states serialize
// as their names in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("lifecycle: unknown state %d", int(s))
	}
	return []byte(name), nil
}
