// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package feature provides the annotation feature tree.
//
// A top-level Feature exclusively owns its descendants. Coordinates are
// zero-based and half-open: a feature covers [Min, Max). Zero-length
// features (Min == Max) are permitted.
//
// # Thread Safety
//
// Features and Trees are NOT safe for concurrent mutation. Stores hand out
// private copies (see Tree.Clone) so that callers can mutate freely.
package feature

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidRange indicates a bound update that would make Min > Max.
	ErrInvalidRange = errors.New("feature min must not exceed max")

	// ErrDuplicateID indicates an id already present in the tree.
	ErrDuplicateID = errors.New("duplicate feature id")

	// ErrNotFound indicates a feature id not present in the tree.
	ErrNotFound = errors.New("feature not found in tree")

	// ErrRootRemoval indicates an attempt to excise the root of a tree.
	ErrRootRemoval = errors.New("cannot remove the root of a tree")

	// ErrEmptyID indicates a feature without an id.
	ErrEmptyID = errors.New("feature id is empty")
)

// =============================================================================
// Strand
// =============================================================================

// Strand is the optional orientation of a feature.
type Strand int8

const (
	// StrandNone means the feature has no strand.
	StrandNone Strand = 0

	// StrandForward is the "+" strand.
	StrandForward Strand = 1

	// StrandReverse is the "-" strand.
	StrandReverse Strand = -1
)

// String returns the GFF3 column representation of the strand.
func (s Strand) String() string {
	switch s {
	case StrandForward:
		return "+"
	case StrandReverse:
		return "-"
	default:
		return "."
	}
}

// ParseStrand parses a GFF3 strand column.
func ParseStrand(s string) (Strand, error) {
	switch s {
	case "+":
		return StrandForward, nil
	case "-":
		return StrandReverse, nil
	case ".", "?", "":
		return StrandNone, nil
	default:
		return StrandNone, fmt.Errorf("invalid strand %q", s)
	}
}

// =============================================================================
// Location
// =============================================================================

// Location is one sub-interval of a discontinuous (CDS) feature.
type Location struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Phase *int  `json:"phase,omitempty"`
}

// Len returns the length of the location.
func (l Location) Len() int64 {
	return l.End - l.Start
}

// Equal reports whether two locations have identical bounds and phase.
func (l Location) Equal(o Location) bool {
	if l.Start != o.Start || l.End != o.End {
		return false
	}
	if l.Phase == nil || o.Phase == nil {
		return l.Phase == nil && o.Phase == nil
	}
	return *l.Phase == *o.Phase
}

// Clone returns a copy that shares no memory with l.
func (l Location) Clone() Location {
	if l.Phase != nil {
		p := *l.Phase
		l.Phase = &p
	}
	return l
}

// Phase returns a pointer to p, for building Locations.
func Phase(p int) *int {
	return &p
}

// CloneLocations deep-copies a location list.
func CloneLocations(locs []Location) []Location {
	if locs == nil {
		return nil
	}
	out := make([]Location, len(locs))
	for i, l := range locs {
		out[i] = l.Clone()
	}
	return out
}

// LocationsEqual reports whether two location lists are identical.
func LocationsEqual(a, b []Location) bool {
	return slices.EqualFunc(a, b, Location.Equal)
}

// =============================================================================
// Attributes
// =============================================================================

// Attributes is a GFF3-style multi-valued attribute map.
//
// The reserved key AttrGFFID carries the original GFF3 ID column value.
type Attributes map[string][]string

// AttrGFFID is the attribute key holding the original GFF3 ID.
const AttrGFFID = "gff_id"

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = slices.Clone(v)
	}
	return out
}

// Equal reports whether two attribute maps hold the same keys and values.
// A nil map equals an empty one.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !slices.Equal(v, w) {
			return false
		}
	}
	return true
}

// Keys returns the attribute keys in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns the union of a and b, appending values of b not already
// present under the same key.
func (a Attributes) Merge(b Attributes) Attributes {
	out := a.Clone()
	if out == nil && len(b) > 0 {
		out = make(Attributes, len(b))
	}
	for k, vs := range b {
		for _, v := range vs {
			if !slices.Contains(out[k], v) {
				out[k] = append(out[k], v)
			}
		}
	}
	return out
}

// =============================================================================
// Feature
// =============================================================================

// Feature is one node of an annotation tree.
type Feature struct {
	ID                     string              `json:"id"`
	Type                   string              `json:"type"`
	RefSeq                 string              `json:"refSeq"`
	Min                    int64               `json:"min"`
	Max                    int64               `json:"max"`
	Strand                 Strand              `json:"strand,omitempty"`
	Attributes             Attributes          `json:"attributes,omitempty"`
	Children               map[string]*Feature `json:"children,omitempty"`
	DiscontinuousLocations []Location          `json:"discontinuousLocations,omitempty"`

	parent *Feature
}

// Parent returns the feature's parent, or nil for a root or detached node.
func (f *Feature) Parent() *Feature {
	return f.parent
}

// SetMin sets the lower bound, rejecting values above Max.
func (f *Feature) SetMin(v int64) error {
	if v > f.Max {
		return fmt.Errorf("%w: %s min %d > max %d", ErrInvalidRange, f.ID, v, f.Max)
	}
	f.Min = v
	return nil
}

// SetMax sets the upper bound, rejecting values below Min.
func (f *Feature) SetMax(v int64) error {
	if v < f.Min {
		return fmt.Errorf("%w: %s max %d < min %d", ErrInvalidRange, f.ID, v, f.Min)
	}
	f.Max = v
	return nil
}

// Extent returns the displayed bounds: the feature's own interval unioned
// with every descendant's extent.
func (f *Feature) Extent() (int64, int64) {
	lo, hi := f.Min, f.Max
	for _, c := range f.Children {
		cl, ch := c.Extent()
		lo = min(lo, cl)
		hi = max(hi, ch)
	}
	return lo, hi
}

// Overlaps reports whether [start, end) intersects the feature's extent.
func (f *Feature) Overlaps(start, end int64) bool {
	lo, hi := f.Extent()
	if lo == hi {
		return lo >= start && lo <= end
	}
	return lo < end && hi > start
}

// ChildIDs returns the ids of the direct children in sorted order.
func (f *Feature) ChildIDs() []string {
	ids := make([]string, 0, len(f.Children))
	for id := range f.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Walk visits f and every descendant depth-first, children in sorted id
// order. Returning false from fn stops the walk below that node.
func (f *Feature) Walk(fn func(*Feature) bool) {
	if !fn(f) {
		return
	}
	for _, id := range f.ChildIDs() {
		f.Children[id].Walk(fn)
	}
}

// IDs returns f's id followed by every descendant id.
func (f *Feature) IDs() []string {
	var ids []string
	f.Walk(func(n *Feature) bool {
		ids = append(ids, n.ID)
		return true
	})
	return ids
}

// Clone returns a deep copy of the subtree rooted at f. The copy is
// detached: its root has no parent.
func (f *Feature) Clone() *Feature {
	return f.cloneInto(nil)
}

func (f *Feature) cloneInto(parent *Feature) *Feature {
	c := &Feature{
		ID:                     f.ID,
		Type:                   f.Type,
		RefSeq:                 f.RefSeq,
		Min:                    f.Min,
		Max:                    f.Max,
		Strand:                 f.Strand,
		Attributes:             f.Attributes.Clone(),
		DiscontinuousLocations: CloneLocations(f.DiscontinuousLocations),
		parent:                 parent,
	}
	if f.Children != nil {
		c.Children = make(map[string]*Feature, len(f.Children))
		for id, child := range f.Children {
			c.Children[id] = child.cloneInto(c)
		}
	}
	return c
}

// IDGenerator produces fresh feature ids.
type IDGenerator func() string

// NewID returns a fresh random feature id.
func NewID() string {
	return uuid.NewString()
}

// IDMapFor assigns a fresh id from gen to every id in the subtree.
func IDMapFor(f *Feature, gen IDGenerator) map[string]string {
	if gen == nil {
		gen = NewID
	}
	m := make(map[string]string)
	f.Walk(func(n *Feature) bool {
		m[n.ID] = gen()
		return true
	})
	return m
}

// CloneWithIDs deep-copies f, renaming every node through idMap. Every id
// in the subtree must be mapped.
func (f *Feature) CloneWithIDs(idMap map[string]string) (*Feature, error) {
	c := f.Clone()
	var missing string
	c.Walk(func(n *Feature) bool {
		if missing != "" {
			return false
		}
		newID, ok := idMap[n.ID]
		if !ok || newID == "" {
			missing = n.ID
			return false
		}
		n.ID = newID
		return true
	})
	if missing != "" {
		return nil, fmt.Errorf("no replacement id for %s", missing)
	}
	c.rekeyChildren()
	return c, nil
}

// SetRefSeq sets the reference sequence on f and every descendant.
func (f *Feature) SetRefSeq(refSeq string) {
	f.Walk(func(n *Feature) bool {
		n.RefSeq = refSeq
		return true
	})
}

// addChild attaches child directly under f without index maintenance. Tree
// callers should use Tree.AddChild.
func (f *Feature) addChild(child *Feature) {
	if f.Children == nil {
		f.Children = make(map[string]*Feature)
	}
	child.parent = f
	f.Children[child.ID] = child
}

func (f *Feature) rekeyChildren() {
	if f.Children == nil {
		return
	}
	rekeyed := make(map[string]*Feature, len(f.Children))
	for _, c := range f.Children {
		c.parent = f
		c.rekeyChildren()
		rekeyed[c.ID] = c
	}
	f.Children = rekeyed
}

// SameShape reports whether f and o agree on the scalar fields an edit can
// observe: type, reference sequence, bounds and strand.
func (f *Feature) SameShape(o *Feature) bool {
	return f.ID == o.ID &&
		f.Type == o.Type &&
		f.RefSeq == o.RefSeq &&
		f.Min == o.Min &&
		f.Max == o.Max &&
		f.Strand == o.Strand
}
