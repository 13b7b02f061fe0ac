// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys set by the relay.
const (
	AttrSessionID      = attribute.Key("mcp.relay.session_id")
	AttrUpstreamTarget = attribute.Key("mcp.relay.upstream.target")
	AttrUpstreamScheme = attribute.Key("mcp.relay.upstream.transport")
	AttrMessageKind    = attribute.Key("mcp.relay.message.kind")
	AttrMessageMethod  = attribute.Key("mcp.method")
)

// ParseCustomAttributes parses a comma-separated list of key=value pairs into a map.
// Example input: "region=us-east-1,team=platform"
func ParseCustomAttributes(input string) (map[string]string, error) {
	attributes := make(map[string]string)
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute format '%s': expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty attribute key in '%s'", pair)
		}
		attributes[key] = strings.TrimSpace(value)
	}
	return attributes, nil
}

// ConvertMapToAttributes converts a map to OpenTelemetry attributes, sorted by key.
func ConvertMapToAttributes(attrs map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		result = append(result, attribute.String(k, attrs[k]))
	}
	return result
}

// TargetAttributes describes an upstream target without leaking credentials.
func TargetAttributes(target string) []attribute.KeyValue {
	u, err := url.Parse(target)
	if err != nil {
		return []attribute.KeyValue{AttrUpstreamTarget.String("<invalid>")}
	}
	return []attribute.KeyValue{
		AttrUpstreamTarget.String(u.Redacted()),
		AttrUpstreamScheme.String(u.Scheme),
	}
}
