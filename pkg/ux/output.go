// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the annotate CLI.
package ux

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "│"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconInfo:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes status lines at a fixed personality level.
//
// # Thread Safety
//
// Safe for concurrent use; each line is written with a single Write.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	level PersonalityLevel
}

// NewPrinter returns a printer writing to w.
func NewPrinter(w io.Writer, level PersonalityLevel) *Printer {
	return &Printer{w: w, level: level}
}

// Level returns the printer's personality level.
func (p *Printer) Level() PersonalityLevel { return p.level }

// Success prints a success message with checkmark
func (p *Printer) Success(text string) { p.line("OK", IconSuccess, Styles.Success, text) }

// Warning prints a warning message
func (p *Printer) Warning(text string) { p.line("WARN", IconWarning, Styles.Warning, text) }

// Error prints an error message
func (p *Printer) Error(text string) { p.line("ERROR", IconError, Styles.Error, text) }

// Info prints an informational message
func (p *Printer) Info(text string) { p.line("", IconInfo, lipgloss.NewStyle(), text) }

// Title prints a styled title. Machine output omits it.
func (p *Printer) Title(text string) {
	switch p.level {
	case PersonalityMachine:
		return
	case PersonalityMinimal:
		p.write(text + "\n")
	default:
		p.write(Styles.Title.Render(text) + "\n")
	}
}

// Notify prints text with the style matching a notification level name
// (success, info, warning or error).
func (p *Printer) Notify(level, text string) {
	switch level {
	case "success":
		p.Success(text)
	case "warning":
		p.Warning(text)
	case "error":
		p.Error(text)
	default:
		p.Info(text)
	}
}

func (p *Printer) line(tag string, icon Icon, style lipgloss.Style, text string) {
	var s string
	switch p.level {
	case PersonalityMachine:
		if tag == "" {
			s = text
		} else {
			s = tag + ": " + text
		}
	case PersonalityMinimal:
		s = fmt.Sprintf("%s %s", icon, text)
	default:
		s = fmt.Sprintf("%s %s", icon.Render(), style.Render(text))
	}
	p.write(s + "\n")
}

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, s)
}
