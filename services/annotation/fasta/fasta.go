// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fasta reads and writes reference sequences in FASTA format.
package fasta

import (
	"fmt"
	"io"
	"strings"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
)

// DefaultLineWidth is the residue count per line when writing.
const DefaultLineWidth = 60

// Record is one FASTA entry.
type Record struct {
	Name        string
	Description string
	Sequence    string
}

// Read streams records from r, calling fn for each. The record name is the
// first word of the defline.
func Read(r io.Reader, fn func(Record) error) error {
	template := linear.NewSeq("", nil, alphabet.DNAredundant)
	sc := seqio.NewScanner(fasta.NewReader(r, template))
	for sc.Next() {
		s, ok := sc.Seq().(*linear.Seq)
		if !ok {
			return fmt.Errorf("unexpected sequence type %T", sc.Seq())
		}
		name, desc := splitDefline(s.Name(), s.Description())
		rec := Record{
			Name:        name,
			Description: desc,
			Sequence:    string(alphabet.LettersToBytes(s.Seq)),
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := sc.Error(); err != nil {
		return fmt.Errorf("read fasta: %w", err)
	}
	return nil
}

func splitDefline(name, desc string) (string, string) {
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		return name[:i], strings.TrimSpace(name[i:] + " " + desc)
	}
	return name, desc
}

// Write emits records to w, wrapping sequence lines at width residues.
func Write(w io.Writer, records []Record, width int) error {
	if width <= 0 {
		width = DefaultLineWidth
	}
	fw := fasta.NewWriter(w, width)
	for _, rec := range records {
		s := linear.NewSeq(rec.Name, alphabet.BytesToLetters([]byte(rec.Sequence)), alphabet.DNAredundant)
		s.Desc = rec.Description
		if _, err := fw.Write(s); err != nil {
			return fmt.Errorf("write fasta %s: %w", rec.Name, err)
		}
	}
	return nil
}
