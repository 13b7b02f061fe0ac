// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors surfaced by the relay.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrInvalidArgument is returned when a request carries a missing or malformed parameter
	ErrInvalidArgument = "invalid_argument"

	// ErrConnect is returned when the upstream connector cannot be opened
	ErrConnect = "connect"

	// ErrSessionNotFound is returned when a post references an unknown session
	ErrSessionNotFound = "session_not_found"

	// ErrForward is returned when a message cannot be delivered to the other side
	ErrForward = "forward"

	// ErrTermination describes why an established pipe was torn down
	ErrTermination = "termination"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the relay.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewConnectError creates a new upstream connect error
func NewConnectError(message string, cause error) *Error {
	return NewError(ErrConnect, message, cause)
}

// NewSessionNotFoundError creates a new session not found error
func NewSessionNotFoundError(message string, cause error) *Error {
	return NewError(ErrSessionNotFound, message, cause)
}

// NewForwardError creates a new forward error
func NewForwardError(message string, cause error) *Error {
	return NewError(ErrForward, message, cause)
}

// NewTerminationError creates a new termination error
func NewTerminationError(message string, cause error) *Error {
	return NewError(ErrTermination, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsConnect checks if the error is an upstream connect error
func IsConnect(err error) bool {
	return isType(err, ErrConnect)
}

// HTTPStatus maps a relay error to the status code reported to the browser.
// Untyped errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrConnect:
		return http.StatusBadGateway
	case ErrSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
