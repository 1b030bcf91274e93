// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manager

import (
	"context"
	"log/slog"
)

// Level is the severity of a user notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier shows messages to the user of a session.
//
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(level Level, message string)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs message at the slog level matching level.
func (n LogNotifier) Notify(level Level, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slogLevel := slog.LevelInfo
	switch level {
	case LevelWarning:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	}
	logger.Log(context.Background(), slogLevel, message, slog.String("notification", string(level)))
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level Level, message string)

// Notify calls f.
func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }
