// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// CDSLocationEdit replaces the discontinuous locations of one CDS.
type CDSLocationEdit struct {
	CDSID  string             `json:"cdsId" validate:"required"`
	Before []feature.Location `json:"before"`
	After  []feature.Location `json:"after"`
}

func (e CDSLocationEdit) swapped() CDSLocationEdit {
	return CDSLocationEdit{
		CDSID:  e.CDSID,
		Before: feature.CloneLocations(e.After),
		After:  feature.CloneLocations(e.Before),
	}
}

func swapCDS(edits []CDSLocationEdit) []CDSLocationEdit {
	if edits == nil {
		return nil
	}
	out := make([]CDSLocationEdit, len(edits))
	for i, e := range edits {
		out[i] = e.swapped()
	}
	return out
}

func cloneCDS(edits []CDSLocationEdit) []CDSLocationEdit {
	if edits == nil {
		return nil
	}
	out := make([]CDSLocationEdit, len(edits))
	for i, e := range edits {
		out[i] = CDSLocationEdit{
			CDSID:  e.CDSID,
			Before: feature.CloneLocations(e.Before),
			After:  feature.CloneLocations(e.After),
		}
	}
	return out
}

// restructure replaces children of one parent and rewrites CDS locations in
// a single all-or-nothing step. Every removed child must still match its
// snapshot; every CDS must still hold its Before locations.
type restructure struct {
	parentID string
	remove   []*feature.Feature
	add      []*feature.Feature
	cds      []CDSLocationEdit
}

func (r restructure) run(ctx context.Context, store TreeStore, assembly string) error {
	w := newWorkset(store, assembly)
	t, parent, err := w.locate(ctx, r.parentID)
	if err != nil {
		return err
	}
	for _, snap := range r.remove {
		if snap == nil {
			return fmt.Errorf("%w: missing snapshot", ErrInvalidChange)
		}
		cur, ok := t.Find(snap.ID)
		if !ok {
			return notFound(snap.ID)
		}
		if cur.Parent() != parent {
			return fmt.Errorf("%w: %s is no longer a child of %s", ErrConflict, snap.ID, parent.ID)
		}
		if !cur.SameShape(snap) {
			return fmt.Errorf("%w: %s changed since it was read", ErrConflict, snap.ID)
		}
		if _, err := t.Remove(snap.ID); err != nil {
			return err
		}
	}
	for _, f := range r.add {
		if f == nil {
			return fmt.Errorf("%w: missing replacement", ErrInvalidChange)
		}
		if err := t.AddChild(parent.ID, f.Clone()); err != nil {
			if errors.Is(err, feature.ErrDuplicateID) {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return err
		}
	}
	for _, e := range r.cds {
		cds, ok := t.Find(e.CDSID)
		if !ok {
			return notFound(e.CDSID)
		}
		if !feature.LocationsEqual(cds.DiscontinuousLocations, e.Before) {
			return conflict(e.CDSID, "locations", e.Before, cds.DiscontinuousLocations)
		}
		cds.DiscontinuousLocations = feature.CloneLocations(e.After)
	}
	return w.commit(ctx)
}

func clones(fs ...*feature.Feature) []*feature.Feature {
	out := make([]*feature.Feature, len(fs))
	for i, f := range fs {
		if f != nil {
			out[i] = f.Clone()
		}
	}
	return out
}

func childOf(parent *feature.Feature, id string) (*feature.Feature, error) {
	c, ok := parent.Children[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a child of %s", ErrFeatureNotFound, id, parent.ID)
	}
	return c, nil
}

// =============================================================================
// Location arithmetic
// =============================================================================

// nextPhase returns the phase of the segment following one of the given
// length that started at phase.
func nextPhase(phase int, length int64) int {
	r := (length - int64(phase)) % 3
	if r < 0 {
		r += 3
	}
	return int((3 - r) % 3)
}

// splitLocation cuts loc at p. The piece transcribed first keeps the
// original phase.
func splitLocation(loc feature.Location, p int64, strand feature.Strand) (feature.Location, feature.Location) {
	left := feature.Location{Start: loc.Start, End: p}
	right := feature.Location{Start: p, End: loc.End}
	if loc.Phase == nil {
		return left, right
	}
	if strand == feature.StrandReverse {
		right.Phase = feature.Phase(*loc.Phase)
		left.Phase = feature.Phase(nextPhase(*loc.Phase, right.Len()))
	} else {
		left.Phase = feature.Phase(*loc.Phase)
		right.Phase = feature.Phase(nextPhase(*loc.Phase, left.Len()))
	}
	return left, right
}

// coalesce merges overlapping or touching locations. The merged location
// keeps the phase of whichever piece is transcribed first.
func coalesce(locs []feature.Location, strand feature.Strand) []feature.Location {
	if len(locs) == 0 {
		return nil
	}
	sorted := feature.CloneLocations(locs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	out := []feature.Location{sorted[0]}
	for _, l := range sorted[1:] {
		last := &out[len(out)-1]
		if l.Start > last.End {
			out = append(out, l)
			continue
		}
		if l.End > last.End {
			if strand == feature.StrandReverse {
				last.Phase = l.Phase
			}
			last.End = l.End
		}
	}
	return out
}

// mergeLocationsWithin coalesces every location intersecting [lo, hi) into
// one. It reports false when fewer than two locations intersect.
func mergeLocationsWithin(locs []feature.Location, lo, hi int64, strand feature.Strand) ([]feature.Location, bool) {
	var inside, outside []feature.Location
	for _, l := range locs {
		if l.Start < hi && l.End > lo {
			inside = append(inside, l.Clone())
		} else {
			outside = append(outside, l.Clone())
		}
	}
	if len(inside) < 2 {
		return nil, false
	}
	merged := feature.Location{Start: inside[0].Start, End: inside[0].End, Phase: inside[0].Phase}
	first := inside[0]
	for _, l := range inside[1:] {
		merged.Start = min(merged.Start, l.Start)
		merged.End = max(merged.End, l.End)
		if (strand == feature.StrandReverse && l.End > first.End) ||
			(strand != feature.StrandReverse && l.Start < first.Start) {
			first = l
		}
	}
	merged.Phase = first.Phase
	out := append(outside, merged)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, true
}

// cdsChildren returns the CDS children of parent in id order.
func cdsChildren(parent *feature.Feature) []*feature.Feature {
	var out []*feature.Feature
	for _, id := range parent.ChildIDs() {
		if c := parent.Children[id]; c.Type == "CDS" && len(c.DiscontinuousLocations) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// MergeExonsChange / UndoMergeExonsChange
// =============================================================================

// ExonMerge describes two exons of one transcript replaced by a single exon
// spanning both, with overlapping CDS locations coalesced.
type ExonMerge struct {
	Meta
	ParentFeatureID string            `json:"parentFeatureId" validate:"required"`
	FirstExon       *feature.Feature  `json:"firstExon" validate:"required"`
	SecondExon      *feature.Feature  `json:"secondExon" validate:"required"`
	MergedExon      *feature.Feature  `json:"mergedExon" validate:"required"`
	CDSLocations    []CDSLocationEdit `json:"cdsLocations,omitempty" validate:"dive"`
}

func (m *ExonMerge) merge() restructure {
	return restructure{
		parentID: m.ParentFeatureID,
		remove:   clones(m.FirstExon, m.SecondExon),
		add:      clones(m.MergedExon),
		cds:      m.CDSLocations,
	}
}

func (m *ExonMerge) unmerge() restructure {
	return restructure{
		parentID: m.ParentFeatureID,
		remove:   clones(m.MergedExon),
		add:      clones(m.FirstExon, m.SecondExon),
		cds:      swapCDS(m.CDSLocations),
	}
}

func (m *ExonMerge) copyOf() ExonMerge {
	return ExonMerge{
		Meta:            Meta{IDs: m.ChangedIDs(), Assembly: m.Assembly},
		ParentFeatureID: m.ParentFeatureID,
		FirstExon:       m.FirstExon.Clone(),
		SecondExon:      m.SecondExon.Clone(),
		MergedExon:      m.MergedExon.Clone(),
		CDSLocations:    cloneCDS(m.CDSLocations),
	}
}

// MergeExonsChange replaces two exons with one new exon.
type MergeExonsChange struct {
	ExonMerge
}

// NewMergeExonsChange merges the exons firstID and secondID of transcript.
// The merged exon gets a fresh id from gen.
func NewMergeExonsChange(assembly string, transcript *feature.Feature, firstID, secondID string, gen feature.IDGenerator) (*MergeExonsChange, error) {
	if gen == nil {
		gen = feature.NewID
	}
	first, err := childOf(transcript, firstID)
	if err != nil {
		return nil, err
	}
	second, err := childOf(transcript, secondID)
	if err != nil {
		return nil, err
	}
	if firstID == secondID {
		return nil, fmt.Errorf("%w: cannot merge %s with itself", ErrInvalidChange, firstID)
	}

	merged := &feature.Feature{
		ID:         gen(),
		Type:       first.Type,
		RefSeq:     first.RefSeq,
		Min:        min(first.Min, second.Min),
		Max:        max(first.Max, second.Max),
		Strand:     first.Strand,
		Attributes: first.Attributes.Merge(second.Attributes),
	}
	for _, src := range []*feature.Feature{first, second} {
		for _, id := range src.ChildIDs() {
			if merged.Children == nil {
				merged.Children = make(map[string]*feature.Feature)
			}
			merged.Children[id] = src.Children[id].Clone()
		}
	}

	var edits []CDSLocationEdit
	for _, cds := range cdsChildren(transcript) {
		after, ok := mergeLocationsWithin(cds.DiscontinuousLocations, merged.Min, merged.Max, transcript.Strand)
		if !ok {
			continue
		}
		edits = append(edits, CDSLocationEdit{
			CDSID:  cds.ID,
			Before: feature.CloneLocations(cds.DiscontinuousLocations),
			After:  after,
		})
	}

	return &MergeExonsChange{ExonMerge{
		Meta:            Meta{IDs: []string{firstID, secondID, merged.ID}, Assembly: assembly},
		ParentFeatureID: transcript.ID,
		FirstExon:       first.Clone(),
		SecondExon:      second.Clone(),
		MergedExon:      merged,
		CDSLocations:    edits,
	}}, nil
}

func (c *MergeExonsChange) TypeName() Kind { return KindMergeExons }

func (c *MergeExonsChange) Notification() string {
	return fmt.Sprintf("Merged exons %s and %s", c.FirstExon.ID, c.SecondExon.ID)
}

// Inverse restores both original exons with their original ids.
func (c *MergeExonsChange) Inverse() (Change, error) {
	return &UndoMergeExonsChange{c.copyOf()}, nil
}

func (c *MergeExonsChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.merge().run(ctx, b.Documents(), c.Assembly)
}

func (c *MergeExonsChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *MergeExonsChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.merge().run(ctx, b, c.Assembly)
}

// UndoMergeExonsChange splits a merged exon back into its two originals.
type UndoMergeExonsChange struct {
	ExonMerge
}

func (c *UndoMergeExonsChange) TypeName() Kind { return KindUndoMergeExons }

func (c *UndoMergeExonsChange) Notification() string {
	return fmt.Sprintf("Restored exons %s and %s", c.FirstExon.ID, c.SecondExon.ID)
}

func (c *UndoMergeExonsChange) Inverse() (Change, error) {
	return &MergeExonsChange{c.copyOf()}, nil
}

func (c *UndoMergeExonsChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.unmerge().run(ctx, b.Documents(), c.Assembly)
}

func (c *UndoMergeExonsChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *UndoMergeExonsChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.unmerge().run(ctx, b, c.Assembly)
}

// =============================================================================
// SplitExonChange / UndoSplitExonChange
// =============================================================================

// ExonSplit describes one exon cut at SplitPosition into a left piece
// [min, pos) and a right piece [pos, max), each with a new id.
type ExonSplit struct {
	Meta
	ParentFeatureID string            `json:"parentFeatureId" validate:"required"`
	SplitPosition   int64             `json:"splitPosition"`
	Exon            *feature.Feature  `json:"exon" validate:"required"`
	LeftExon        *feature.Feature  `json:"leftExon" validate:"required"`
	RightExon       *feature.Feature  `json:"rightExon" validate:"required"`
	CDSLocations    []CDSLocationEdit `json:"cdsLocations,omitempty" validate:"dive"`
}

func (s *ExonSplit) split() restructure {
	return restructure{
		parentID: s.ParentFeatureID,
		remove:   clones(s.Exon),
		add:      clones(s.LeftExon, s.RightExon),
		cds:      s.CDSLocations,
	}
}

func (s *ExonSplit) unsplit() restructure {
	return restructure{
		parentID: s.ParentFeatureID,
		remove:   clones(s.LeftExon, s.RightExon),
		add:      clones(s.Exon),
		cds:      swapCDS(s.CDSLocations),
	}
}

func (s *ExonSplit) copyOf() ExonSplit {
	return ExonSplit{
		Meta:            Meta{IDs: s.ChangedIDs(), Assembly: s.Assembly},
		ParentFeatureID: s.ParentFeatureID,
		SplitPosition:   s.SplitPosition,
		Exon:            s.Exon.Clone(),
		LeftExon:        s.LeftExon.Clone(),
		RightExon:       s.RightExon.Clone(),
		CDSLocations:    cloneCDS(s.CDSLocations),
	}
}

// SplitExonChange cuts an exon in two.
type SplitExonChange struct {
	ExonSplit
}

// NewSplitExonChange splits exonID of transcript at pos, which must lie
// strictly inside the exon. Children of the exon go to the piece holding
// their start. CDS locations spanning pos are cut with phases recomputed.
func NewSplitExonChange(assembly string, transcript *feature.Feature, exonID string, pos int64, gen feature.IDGenerator) (*SplitExonChange, error) {
	if gen == nil {
		gen = feature.NewID
	}
	exon, err := childOf(transcript, exonID)
	if err != nil {
		return nil, err
	}
	if pos <= exon.Min || pos >= exon.Max {
		return nil, fmt.Errorf("%w: split position %d outside exon %s [%d, %d)", ErrInvalidChange, pos, exonID, exon.Min, exon.Max)
	}

	piece := func(lo, hi int64) *feature.Feature {
		return &feature.Feature{
			ID: gen(), Type: exon.Type, RefSeq: exon.RefSeq,
			Min: lo, Max: hi, Strand: exon.Strand,
			Attributes: exon.Attributes.Clone(),
		}
	}
	left, right := piece(exon.Min, pos), piece(pos, exon.Max)
	for _, id := range exon.ChildIDs() {
		child := exon.Children[id].Clone()
		side := right
		if child.Min < pos {
			side = left
		}
		if side.Children == nil {
			side.Children = make(map[string]*feature.Feature)
		}
		side.Children[id] = child
	}

	var edits []CDSLocationEdit
	for _, cds := range cdsChildren(transcript) {
		var after []feature.Location
		cut := false
		for _, l := range cds.DiscontinuousLocations {
			if l.Start < pos && l.End > pos {
				a, b := splitLocation(l, pos, transcript.Strand)
				after = append(after, a, b)
				cut = true
				continue
			}
			after = append(after, l.Clone())
		}
		if cut {
			edits = append(edits, CDSLocationEdit{
				CDSID:  cds.ID,
				Before: feature.CloneLocations(cds.DiscontinuousLocations),
				After:  after,
			})
		}
	}

	return &SplitExonChange{ExonSplit{
		Meta:            Meta{IDs: []string{exonID, left.ID, right.ID}, Assembly: assembly},
		ParentFeatureID: transcript.ID,
		SplitPosition:   pos,
		Exon:            exon.Clone(),
		LeftExon:        left,
		RightExon:       right,
		CDSLocations:    edits,
	}}, nil
}

func (c *SplitExonChange) TypeName() Kind { return KindSplitExon }

func (c *SplitExonChange) Notification() string {
	return fmt.Sprintf("Split exon %s at %d", c.Exon.ID, c.SplitPosition)
}

// Inverse restores the original exon with its original id.
func (c *SplitExonChange) Inverse() (Change, error) {
	return &UndoSplitExonChange{c.copyOf()}, nil
}

func (c *SplitExonChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.split().run(ctx, b.Documents(), c.Assembly)
}

func (c *SplitExonChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *SplitExonChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.split().run(ctx, b, c.Assembly)
}

// UndoSplitExonChange joins the two pieces of a split back into the
// original exon.
type UndoSplitExonChange struct {
	ExonSplit
}

func (c *UndoSplitExonChange) TypeName() Kind { return KindUndoSplitExon }

func (c *UndoSplitExonChange) Notification() string {
	return fmt.Sprintf("Restored exon %s", c.Exon.ID)
}

func (c *UndoSplitExonChange) Inverse() (Change, error) {
	return &SplitExonChange{c.copyOf()}, nil
}

func (c *UndoSplitExonChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.unsplit().run(ctx, b.Documents(), c.Assembly)
}

func (c *UndoSplitExonChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *UndoSplitExonChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.unsplit().run(ctx, b, c.Assembly)
}

// =============================================================================
// MergeTranscriptsChange / UndoMergeTranscriptsChange
// =============================================================================

// TranscriptMerge describes two sibling transcripts replaced by their
// union. The merged transcript keeps the first transcript's id.
type TranscriptMerge struct {
	Meta
	ParentFeatureID  string           `json:"parentFeatureId" validate:"required"`
	FirstTranscript  *feature.Feature `json:"firstTranscript" validate:"required"`
	SecondTranscript *feature.Feature `json:"secondTranscript" validate:"required"`
	MergedTranscript *feature.Feature `json:"mergedTranscript" validate:"required"`
}

func (m *TranscriptMerge) merge() restructure {
	return restructure{
		parentID: m.ParentFeatureID,
		remove:   clones(m.FirstTranscript, m.SecondTranscript),
		add:      clones(m.MergedTranscript),
	}
}

func (m *TranscriptMerge) unmerge() restructure {
	return restructure{
		parentID: m.ParentFeatureID,
		remove:   clones(m.MergedTranscript),
		add:      clones(m.FirstTranscript, m.SecondTranscript),
	}
}

func (m *TranscriptMerge) copyOf() TranscriptMerge {
	return TranscriptMerge{
		Meta:             Meta{IDs: m.ChangedIDs(), Assembly: m.Assembly},
		ParentFeatureID:  m.ParentFeatureID,
		FirstTranscript:  m.FirstTranscript.Clone(),
		SecondTranscript: m.SecondTranscript.Clone(),
		MergedTranscript: m.MergedTranscript.Clone(),
	}
}

// MergeTranscriptsChange unions two transcripts of the same gene.
type MergeTranscriptsChange struct {
	TranscriptMerge
}

// NewMergeTranscriptsChange merges transcript secondID into firstID under
// gene. Children of the second transcript that overlap a child of the same
// type in the first are unioned with it; their attributes are merged and
// CDS locations coalesced. Other children are carried over unchanged.
func NewMergeTranscriptsChange(assembly string, gene *feature.Feature, firstID, secondID string) (*MergeTranscriptsChange, error) {
	first, err := childOf(gene, firstID)
	if err != nil {
		return nil, err
	}
	second, err := childOf(gene, secondID)
	if err != nil {
		return nil, err
	}
	if firstID == secondID {
		return nil, fmt.Errorf("%w: cannot merge %s with itself", ErrInvalidChange, firstID)
	}

	merged := first.Clone()
	merged.Min = min(first.Min, second.Min)
	merged.Max = max(first.Max, second.Max)
	merged.Attributes = first.Attributes.Merge(second.Attributes)
	for _, id := range second.ChildIDs() {
		child := second.Children[id].Clone()
		if match := overlappingChild(merged, child); match != nil {
			unionInto(match, child, merged.Strand)
			continue
		}
		if merged.Children == nil {
			merged.Children = make(map[string]*feature.Feature)
		}
		merged.Children[child.ID] = child
	}

	return &MergeTranscriptsChange{TranscriptMerge{
		Meta:             Meta{IDs: []string{firstID, secondID}, Assembly: assembly},
		ParentFeatureID:  gene.ID,
		FirstTranscript:  first.Clone(),
		SecondTranscript: second.Clone(),
		MergedTranscript: merged,
	}}, nil
}

func overlappingChild(parent, child *feature.Feature) *feature.Feature {
	for _, id := range parent.ChildIDs() {
		c := parent.Children[id]
		if c.Type == child.Type && c.Min < child.Max && child.Min < c.Max {
			return c
		}
	}
	return nil
}

func unionInto(dst, src *feature.Feature, strand feature.Strand) {
	dst.Min = min(dst.Min, src.Min)
	dst.Max = max(dst.Max, src.Max)
	dst.Attributes = dst.Attributes.Merge(src.Attributes)
	if len(src.DiscontinuousLocations) > 0 {
		dst.DiscontinuousLocations = coalesce(append(feature.CloneLocations(dst.DiscontinuousLocations), src.DiscontinuousLocations...), strand)
	}
	for _, id := range src.ChildIDs() {
		if _, dup := dst.Children[id]; dup {
			continue
		}
		if dst.Children == nil {
			dst.Children = make(map[string]*feature.Feature)
		}
		dst.Children[id] = src.Children[id].Clone()
	}
}

func (c *MergeTranscriptsChange) TypeName() Kind { return KindMergeTranscripts }

func (c *MergeTranscriptsChange) Notification() string {
	return fmt.Sprintf("Merged transcript %s into %s", c.SecondTranscript.ID, c.FirstTranscript.ID)
}

// Inverse restores both transcripts verbatim.
func (c *MergeTranscriptsChange) Inverse() (Change, error) {
	return &UndoMergeTranscriptsChange{c.copyOf()}, nil
}

func (c *MergeTranscriptsChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.merge().run(ctx, b.Documents(), c.Assembly)
}

func (c *MergeTranscriptsChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *MergeTranscriptsChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.merge().run(ctx, b, c.Assembly)
}

// UndoMergeTranscriptsChange restores the pre-merge pair of transcripts.
type UndoMergeTranscriptsChange struct {
	TranscriptMerge
}

func (c *UndoMergeTranscriptsChange) TypeName() Kind { return KindUndoMergeTranscripts }

func (c *UndoMergeTranscriptsChange) Notification() string {
	return fmt.Sprintf("Restored transcripts %s and %s", c.FirstTranscript.ID, c.SecondTranscript.ID)
}

func (c *UndoMergeTranscriptsChange) Inverse() (Change, error) {
	return &MergeTranscriptsChange{c.copyOf()}, nil
}

func (c *UndoMergeTranscriptsChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.unmerge().run(ctx, b.Documents(), c.Assembly)
}

func (c *UndoMergeTranscriptsChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *UndoMergeTranscriptsChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.unmerge().run(ctx, b, c.Assembly)
}
