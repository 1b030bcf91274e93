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
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// maxLineSize bounds one GFF3 line.
const maxLineSize = 16 << 20

// Reader streams top-level features from a GFF3 file.
//
// # Description
//
// Features are assembled per block: lines up to a "###" directive, a
// "##FASTA" directive, or the end of input. Within a block a child may
// precede its parent. Lines sharing an ID form one discontinuous feature.
// A feature with several parents is attached to the first and copied, with
// fresh ids, under the others.
//
// Every feature receives a new id from the reader's generator; the GFF3 ID
// is kept in the feature.AttrGFFID attribute.
//
// # Thread Safety
//
// A Reader belongs to one goroutine.
type Reader struct {
	sc    *bufio.Scanner
	ids   feature.IDGenerator
	line  int
	ready []*feature.Feature
	done  bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithIDGenerator sets the generator for feature ids.
func WithIDGenerator(gen feature.IDGenerator) ReaderOption {
	return func(r *Reader) { r.ids = gen }
}

// NewReader returns a reader over r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	rd := &Reader{sc: sc, ids: feature.NewID}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Next returns the next top-level feature, or io.EOF.
func (r *Reader) Next() (*feature.Feature, error) {
	for len(r.ready) == 0 {
		if r.done {
			return nil, io.EOF
		}
		if err := r.readBlock(); err != nil {
			r.done = true
			return nil, err
		}
	}
	f := r.ready[0]
	r.ready = r.ready[1:]
	return f, nil
}

// ReadAll reads every top-level feature from r.
func ReadAll(r io.Reader, opts ...ReaderOption) ([]*feature.Feature, error) {
	rd := NewReader(r, opts...)
	var out []*feature.Feature
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
}

// entry is one feature under construction.
type entry struct {
	f         *feature.Feature
	gffID     string
	parents   []string
	line      int
	locs      []feature.Location
	hasPhase  bool
	multiLine bool
}

type block struct {
	byID    map[string]*entry
	entries []*entry
}

func (r *Reader) readBlock() error {
	b := &block{byID: map[string]*entry{}}
	for {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return err
			}
			r.done = true
			break
		}
		r.line++
		text := strings.TrimRight(r.sc.Text(), "\r")
		switch {
		case strings.TrimSpace(text) == "":
			continue
		case text == "###":
			if len(b.entries) == 0 {
				continue
			}
			return r.finish(b)
		case strings.HasPrefix(text, "##FASTA"), strings.HasPrefix(text, ">"):
			r.done = true
			return r.finish(b)
		case strings.HasPrefix(text, "#"):
			continue
		}
		if err := r.parseLine(b, text); err != nil {
			return err
		}
	}
	return r.finish(b)
}

func (r *Reader) parseLine(b *block, text string) error {
	cols := strings.Split(text, "\t")
	if len(cols) != numFields {
		return malformed(r.line, "expected %d tab-separated columns, got %d", numFields, len(cols))
	}
	start, err := strconv.ParseInt(cols[fieldStart], 10, 64)
	if err != nil || start < 1 {
		return malformed(r.line, "invalid start %q", cols[fieldStart])
	}
	end, err := strconv.ParseInt(cols[fieldEnd], 10, 64)
	if err != nil || end < start-1 {
		return malformed(r.line, "invalid end %q", cols[fieldEnd])
	}
	strand, err := feature.ParseStrand(cols[fieldStrand])
	if err != nil {
		return malformed(r.line, "%v", err)
	}
	loc := feature.Location{Start: start - 1, End: end}
	if p := cols[fieldPhase]; p != "." {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 2 {
			return malformed(r.line, "invalid phase %q", p)
		}
		loc.Phase = feature.Phase(n)
	}
	seqID, err := unescape(cols[fieldSeqID])
	if err != nil {
		return malformed(r.line, "seqid: %v", err)
	}
	typ, err := unescape(cols[fieldType])
	if err != nil {
		return malformed(r.line, "type: %v", err)
	}
	attrs, gffID, parents, err := parseAttributes(cols[fieldAttributes])
	if err != nil {
		return malformed(r.line, "%v", err)
	}

	if gffID != "" {
		if e, ok := b.byID[gffID]; ok {
			if e.f.Type != typ || e.f.RefSeq != seqID {
				return malformed(r.line, "ID %s reused by a %s on %s", gffID, typ, seqID)
			}
			e.f.Min = min(e.f.Min, loc.Start)
			e.f.Max = max(e.f.Max, loc.End)
			e.locs = append(e.locs, loc)
			e.hasPhase = e.hasPhase || loc.Phase != nil
			e.multiLine = true
			return nil
		}
	}

	if src := cols[fieldSource]; src != "." {
		attrs = setAttr(attrs, AttrSource, src)
	}
	if score := cols[fieldScore]; score != "." {
		attrs = setAttr(attrs, AttrScore, score)
	}
	if gffID != "" {
		attrs = setAttr(attrs, feature.AttrGFFID, gffID)
	}
	e := &entry{
		f: &feature.Feature{
			ID:         r.ids(),
			Type:       typ,
			RefSeq:     seqID,
			Min:        loc.Start,
			Max:        loc.End,
			Strand:     strand,
			Attributes: attrs,
		},
		gffID:    gffID,
		parents:  parents,
		line:     r.line,
		locs:     []feature.Location{loc},
		hasPhase: loc.Phase != nil,
	}
	if gffID != "" {
		b.byID[gffID] = e
	}
	b.entries = append(b.entries, e)
	return nil
}

func setAttr(a feature.Attributes, key, value string) feature.Attributes {
	if a == nil {
		a = feature.Attributes{}
	}
	a[key] = []string{value}
	return a
}

func parseAttributes(col string) (feature.Attributes, string, []string, error) {
	if col == "." || col == "" {
		return nil, "", nil, nil
	}
	var (
		attrs   feature.Attributes
		gffID   string
		parents []string
	)
	for pair := range strings.SplitSeq(col, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		rawKey, rawVal, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, "", nil, errors.New("attribute " + strconv.Quote(pair) + " has no value")
		}
		key, err := unescape(rawKey)
		if err != nil {
			return nil, "", nil, err
		}
		var values []string
		for v := range strings.SplitSeq(rawVal, ",") {
			v, err := unescape(v)
			if err != nil {
				return nil, "", nil, err
			}
			values = append(values, v)
		}
		switch key {
		case "ID":
			gffID = values[0]
		case "Parent":
			parents = append(parents, values...)
		default:
			if attrs == nil {
				attrs = feature.Attributes{}
			}
			k := storedKey(key)
			attrs[k] = append(attrs[k], values...)
		}
	}
	return attrs, gffID, parents, nil
}

// finish links the block's entries into trees and queues the roots.
func (r *Reader) finish(b *block) error {
	for _, e := range b.entries {
		if e.multiLine || e.hasPhase {
			slices.SortFunc(e.locs, func(x, y feature.Location) int { return cmp.Compare(x.Start, y.Start) })
			e.f.DiscontinuousLocations = e.locs
		}
	}

	var roots []*feature.Feature
	var extra []struct {
		child  *entry
		parent *entry
	}
	for _, e := range b.entries {
		if len(e.parents) == 0 {
			roots = append(roots, e.f)
			continue
		}
		for i, pid := range e.parents {
			p, ok := b.byID[pid]
			if !ok {
				return malformed(e.line, "parent %s not found", pid)
			}
			if p == e {
				return malformed(e.line, "feature %s is its own parent", pid)
			}
			if i == 0 {
				attach(p.f, e.f)
				continue
			}
			extra = append(extra, struct {
				child  *entry
				parent *entry
			}{e, p})
		}
	}

	reached := map[*feature.Feature]bool{}
	for _, root := range roots {
		root.Walk(func(f *feature.Feature) bool {
			reached[f] = true
			return true
		})
	}
	for _, e := range b.entries {
		if !reached[e.f] {
			return malformed(e.line, "feature %s is part of a parent cycle", e.gffID)
		}
	}

	for _, x := range extra {
		copied, err := x.child.f.CloneWithIDs(feature.IDMapFor(x.child.f, r.ids))
		if err != nil {
			return err
		}
		attach(x.parent.f, copied)
	}
	r.ready = append(r.ready, roots...)
	return nil
}

func attach(parent, child *feature.Feature) {
	if parent.Children == nil {
		parent.Children = map[string]*feature.Feature{}
	}
	parent.Children[child.ID] = child
}
