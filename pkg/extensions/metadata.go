// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"maps"
	"slices"
)

// Metadata stores extra key-value pairs on identities and audit events.
//
// # Common Keys
//
//   - "token_id": jti claim of the bearer token
//   - "user_token": per-client collaboration token
//   - "sequence": change-log sequence number
//   - "error": error message if applicable
//
// # Thread Safety
//
// Metadata is NOT thread-safe. Do not share a single Metadata instance
// across goroutines without external synchronization.
//
// Example:
//
//	meta := extensions.NewMetadata().
//	    Set("sequence", int64(42)).
//	    Set("user_token", token)
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key-value pair and returns the Metadata for chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get retrieves a value by key.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString retrieves a string value by key.
//
// # Outputs
//
//   - string: The value, or "" if not found or not a string.
//   - bool: True if the key exists and value is a string.
func (m Metadata) GetString(key string) (string, bool) {
	str, ok := m[key].(string)
	return str, ok
}

// GetInt64 retrieves an integer value by key, accepting int and int64.
func (m Metadata) GetInt64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Keys returns all keys in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}
