// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvPersonality overrides terminal detection when set.
const EnvPersonality = "ANNOTATE_OUTPUT"

// PersonalityLevel defines the richness of CLI output
type PersonalityLevel string

const (
	// PersonalityStandard enables colors and icons
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal uses icons without colors
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain text suitable for scripting and parsing
	PersonalityMachine PersonalityLevel = "machine"
)

// ParsePersonalityLevel converts a string to PersonalityLevel
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// LevelFor picks the level for output written to w.
//
// # Description
//
// EnvPersonality wins when set. Otherwise terminals get
// PersonalityStandard and everything else (pipes, files, buffers) gets
// PersonalityMachine.
//
// # Inputs
//
//   - w: Destination of the output.
//   - lookup: Environment lookup, usually os.LookupEnv. May be nil.
func LevelFor(w io.Writer, lookup func(string) (string, bool)) PersonalityLevel {
	if lookup != nil {
		if v, ok := lookup(EnvPersonality); ok && v != "" {
			return ParsePersonalityLevel(v)
		}
	}
	if isTerminal(w) {
		return PersonalityStandard
	}
	return PersonalityMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
