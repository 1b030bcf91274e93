// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation checks user-provided identifiers that end up in file
// paths or storage keys.
//
// File ids name files in the upload directory and assembly ids prefix every
// badger key of an assembly, so both must be free of separators and
// traversal segments.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds identifiers so keys and file names stay short.
const MaxIdentifierLength = 128

// ErrInvalidIdentifier is wrapped by every identifier error.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// identifierPattern allows letters, digits, dots, hyphens and underscores,
// starting with a letter or digit.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// ValidateIdentifier validates a file id or assembly id.
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters A-Z and a-z, digits 0-9
//   - Dots, hyphens and underscores after the first character
//   - Not "." or ".."
//
// Example:
//
//	if err := validation.ValidateIdentifier(fileID); err != nil {
//	    return "", err
//	}
//	// Safe to join onto the store directory
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidIdentifier)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidIdentifier, len(id), MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (must be alphanumeric, dots, hyphens or underscores)", ErrInvalidIdentifier, id)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers and lists every invalid
// one in the error.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if ValidateIdentifier(id) != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, invalid)
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
