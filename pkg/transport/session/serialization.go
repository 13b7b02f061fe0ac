// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
)

// serializeRecord converts a Record to its JSON representation for remote storage.
func serializeRecord(rec Record) ([]byte, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("cannot serialize session with empty ID")
	}
	return json.Marshal(rec)
}

// deserializeRecord reconstructs a Record from its JSON representation.
func deserializeRecord(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("cannot deserialize empty data")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("session record has no ID")
	}
	if rec.Type == "" {
		rec.Type = SessionTypeSSE
	}
	return rec, nil
}
