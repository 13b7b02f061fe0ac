// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package types contains the message type shared by every relay component.
package types

import (
	"encoding/json"
	"errors"

	"golang.org/x/exp/jsonrpc2"
)

// Message is one JSON-RPC payload. The relay forwards it byte-for-byte.
type Message = json.RawMessage

// ErrInvalidMessage is returned for payloads that are not a single JSON value.
var ErrInvalidMessage = errors.New("message is not valid JSON")

// MessageKind classifies a JSON-RPC payload for logging and metrics.
type MessageKind string

const (
	// KindCall is a request that expects a response.
	KindCall MessageKind = "call"
	// KindNotification is a request without an id.
	KindNotification MessageKind = "notification"
	// KindResponse is a result or error for an earlier call.
	KindResponse MessageKind = "response"
	// KindUnknown is valid JSON that is not a well-formed JSON-RPC 2.0 message.
	KindUnknown MessageKind = "unknown"
)

// Validate checks that data is a single JSON value. Content is not
// interpreted beyond that.
func Validate(data []byte) error {
	if len(data) == 0 || !json.Valid(data) {
		return ErrInvalidMessage
	}
	return nil
}

// Describe reports the kind and method of msg. It never fails; payloads
// jsonrpc2 cannot decode are reported as KindUnknown with whatever method
// name is present.
func Describe(msg Message) (MessageKind, string) {
	decoded, err := jsonrpc2.DecodeMessage(msg)
	if err != nil {
		var loose struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(msg, &loose)
		return KindUnknown, loose.Method
	}

	switch m := decoded.(type) {
	case *jsonrpc2.Request:
		if m.IsCall() {
			return KindCall, m.Method
		}
		return KindNotification, m.Method
	case *jsonrpc2.Response:
		return KindResponse, ""
	default:
		return KindUnknown, ""
	}
}
