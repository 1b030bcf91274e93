// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gff3 reads and writes GFF3 files and provides LocalStore, a
// changes.LocalGFF3Backend over one GFF3 file.
//
// GFF3 coordinates are one-based and closed. Features use zero-based
// half-open coordinates, so a line with start 1 and end 10 becomes
// [0, 10).
//
// Column attributes map onto feature.Attributes as follows: ID becomes
// feature.AttrGFFID, Parent becomes tree structure, and the other reserved
// (capitalised) keys are stored lower-case with a "gff_" prefix. The source
// and score columns are kept as gff_source and gff_score. Other keys pass
// through unchanged.
package gff3

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// Column positions of a feature line.
const (
	fieldSeqID = iota
	fieldSource
	fieldType
	fieldStart
	fieldEnd
	fieldScore
	fieldStrand
	fieldPhase
	fieldAttributes
	numFields
)

// ErrMalformed indicates a line or block that is not valid GFF3.
var ErrMalformed = errors.New("malformed gff3")

// Attribute keys for the source and score columns.
const (
	AttrSource = "gff_source"
	AttrScore  = "gff_score"
)

// reserved maps GFF3 reserved attribute names to stored keys. ID and
// Parent are handled separately.
var reserved = map[string]string{
	"Name":          "gff_name",
	"Alias":         "gff_alias",
	"Target":        "gff_target",
	"Gap":           "gff_gap",
	"Derives_from":  "gff_derives_from",
	"Note":          "gff_note",
	"Dbxref":        "gff_dbxref",
	"Ontology_term": "gff_ontology_term",
	"Is_circular":   "gff_is_circular",
}

// reservedOrder is the order reserved attributes are written in.
var reservedOrder = []string{
	"Name", "Alias", "Target", "Gap", "Derives_from", "Note", "Dbxref", "Ontology_term", "Is_circular",
}

var storedToReserved = func() map[string]string {
	m := make(map[string]string, len(reserved))
	for k, v := range reserved {
		m[v] = k
	}
	return m
}()

// storedKey returns the attribute key a GFF3 attribute is kept under.
func storedKey(key string) string {
	if k, ok := reserved[key]; ok {
		return k
	}
	return key
}

// isColumnKey reports whether a stored key is written as a column or as
// ID rather than as a plain attribute.
func isColumnKey(key string) bool {
	return key == feature.AttrGFFID || key == AttrSource || key == AttrScore
}

func malformed(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformed, line, fmt.Sprintf(format, args...))
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	return url.PathUnescape(s)
}

// escape percent-encodes the characters with meaning in column 9, plus
// control characters.
func escape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < 0x20 || c == 0x7f, c == ';', c == '=', c == '&', c == ',', c == '%':
			fmt.Fprintf(&sb, "%%%02X", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// escapeColumn encodes a non-attribute column.
func escapeColumn(s string) string {
	if s == "" {
		return "."
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || c == '%' {
			fmt.Fprintf(&sb, "%%%02X", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
