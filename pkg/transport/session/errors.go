// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

// Common session errors
var (
	// ErrSessionDisconnected is returned when trying to use a closed session
	ErrSessionDisconnected = errors.New("session is disconnected")

	// ErrNotConnected is returned when a message is posted before the session
	// has been paired with an upstream connector
	ErrNotConnected = errors.New("session is not connected to an upstream")

	// ErrSessionNotFound is returned when a session cannot be found
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyExists is returned when trying to register a session with an existing ID
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrStreamingUnsupported is returned when the response writer cannot flush
	ErrStreamingUnsupported = errors.New("streaming not supported")
)
