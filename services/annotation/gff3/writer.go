// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gff3

import (
	"bufio"
	"cmp"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// Writer emits features as GFF3, one "###"-terminated block per
// top-level feature.
type Writer struct {
	w      *bufio.Writer
	header bool

	// SeqName maps a feature's RefSeq to the seqid column. Nil writes
	// RefSeq as is.
	SeqName func(refSeq string) string
}

// NewWriter returns a writer to w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write emits f and its descendants.
func (w *Writer) Write(f *feature.Feature) error {
	if !w.header {
		if _, err := w.w.WriteString("##gff-version 3\n"); err != nil {
			return err
		}
		w.header = true
	}
	if err := w.writeTree(f, ""); err != nil {
		return err
	}
	_, err := w.w.WriteString("###\n")
	return err
}

// Flush writes buffered output, emitting the header for an empty file.
func (w *Writer) Flush() error {
	if !w.header {
		if _, err := w.w.WriteString("##gff-version 3\n"); err != nil {
			return err
		}
		w.header = true
	}
	return w.w.Flush()
}

// Write emits features to w as a complete GFF3 file.
func Write(w io.Writer, features []*feature.Feature) error {
	gw := NewWriter(w)
	for _, f := range features {
		if err := gw.Write(f); err != nil {
			return err
		}
	}
	return gw.Flush()
}

// gffID is the ID column value of f.
func gffID(f *feature.Feature) string {
	if v := f.Attributes[feature.AttrGFFID]; len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return f.ID
}

func (w *Writer) writeTree(f *feature.Feature, parentID string) error {
	id := gffID(f)
	attrs := formatAttributes(f, id, parentID)
	locs := f.DiscontinuousLocations
	if len(locs) == 0 {
		locs = []feature.Location{{Start: f.Min, End: f.Max}}
	}
	for _, loc := range locs {
		if err := w.writeLine(f, loc, attrs); err != nil {
			return err
		}
	}

	children := make([]*feature.Feature, 0, len(f.Children))
	for _, c := range f.Children {
		children = append(children, c)
	}
	slices.SortFunc(children, func(a, b *feature.Feature) int {
		return cmp.Or(cmp.Compare(a.Min, b.Min), cmp.Compare(a.Max, b.Max), cmp.Compare(a.ID, b.ID))
	})
	for _, c := range children {
		if err := w.writeTree(c, id); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeLine(f *feature.Feature, loc feature.Location, attrs string) error {
	seq := f.RefSeq
	if w.SeqName != nil {
		seq = w.SeqName(seq)
	}
	phase := "."
	if loc.Phase != nil {
		phase = strconv.Itoa(*loc.Phase)
	}
	cols := [numFields]string{
		fieldSeqID:      escapeColumn(seq),
		fieldSource:     firstOr(f.Attributes[AttrSource], "."),
		fieldType:       escapeColumn(f.Type),
		fieldStart:      strconv.FormatInt(loc.Start+1, 10),
		fieldEnd:        strconv.FormatInt(loc.End, 10),
		fieldScore:      firstOr(f.Attributes[AttrScore], "."),
		fieldStrand:     f.Strand.String(),
		fieldPhase:      phase,
		fieldAttributes: attrs,
	}
	_, err := w.w.WriteString(strings.Join(cols[:], "\t") + "\n")
	return err
}

func firstOr(v []string, def string) string {
	if len(v) == 0 || v[0] == "" {
		return def
	}
	return escapeColumn(v[0])
}

// formatAttributes renders column 9: ID, Parent, reserved keys in their
// conventional order, then the rest sorted.
func formatAttributes(f *feature.Feature, id, parentID string) string {
	var parts []string
	add := func(key string, values []string) {
		if len(values) == 0 {
			return
		}
		escaped := make([]string, len(values))
		for i, v := range values {
			escaped[i] = escape(v)
		}
		parts = append(parts, escape(key)+"="+strings.Join(escaped, ","))
	}
	add("ID", []string{id})
	if parentID != "" {
		add("Parent", []string{parentID})
	}
	for _, key := range reservedOrder {
		add(key, f.Attributes[reserved[key]])
	}
	for _, key := range f.Attributes.Keys() {
		if isColumnKey(key) || key == "ID" || key == "Parent" {
			continue
		}
		if _, ok := storedToReserved[key]; ok {
			continue
		}
		add(key, f.Attributes[key])
	}
	return strings.Join(parts, ";")
}
