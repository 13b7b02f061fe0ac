// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

// State is the lifecycle of a relay session:
// Connecting -> Open -> Closing -> Closed. Closed is terminal.
type State int32

const (
	// StateConnecting lasts while the upstream connector is being opened.
	StateConnecting State = iota
	// StateOpen means both sides are wired and the session is registered.
	StateOpen
	// StateClosing is entered on the first termination signal from either side.
	StateClosing
	// StateClosed is terminal; the session is removed from the registry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
