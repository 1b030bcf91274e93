// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records who ran which change against which assembly.
//
// # Event Categories
//
//   - "change.submit": a change was executed (Outcome success or failure)
//   - "change.rejected": validation or authorization refused a change
//   - "auth.failed": a bearer token was rejected
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "change.submit",
//	    UserID:       authInfo.UserID,
//	    Action:       "LocationEndChange",
//	    ResourceType: "assembly",
//	    ResourceID:   change.AssemblyID(),
//	    Outcome:      "success",
//	    Metadata:     NewMetadata().Set("sequence", seq),
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred (always use UTC).
	// If zero, implementations should set to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "anonymous" if unknown.
	UserID string

	// Action is the change typeName or HTTP route.
	Action string

	// ResourceType is the category of resource involved.
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome is "success", "failure" or "rejected".
	Outcome string

	// Metadata holds additional event-specific data.
	Metadata Metadata
}

// AuditLogger records change submissions.
//
// Implementations must be safe for concurrent use by multiple goroutines
// and should return quickly; Log is called on the request path.
type AuditLogger interface {
	// Log records one event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures all buffered events are persisted. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
//
// Thread-safe: This implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event without recording it.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(context.Context) error {
	return nil
}

// SlogAuditLogger writes events as structured log records at Info level.
//
// Thread-safe: slog.Logger is safe for concurrent use.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// Log writes event to the logger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.Time("event_time", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	for _, k := range event.Metadata.Keys() {
		attrs = append(attrs, slog.Any(k, event.Metadata[k]))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
