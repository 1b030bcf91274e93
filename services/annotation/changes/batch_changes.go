// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes

import (
	"context"
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// detail is one element of a batched change. apply checks the expected old
// value before writing the new one.
type detail[D any] interface {
	target() string
	apply(f *feature.Feature) error
	swapped() D
}

// batch is the shared core of changes that edit one property on many
// features. Details apply in order; the inverse swaps old and new values
// and reverses the order.
type batch[D detail[D]] struct {
	Meta
	Changes []D `json:"-" validate:"min=1,dive"`
}

func newBatch[D detail[D]](assembly string, details []D) batch[D] {
	b := batch[D]{Meta: Meta{Assembly: assembly}, Changes: details}
	b.IDs = b.targets()
	return b
}

func (b *batch[D]) targets() []string {
	ids := make([]string, len(b.Changes))
	for i, d := range b.Changes {
		ids[i] = d.target()
	}
	return ids
}

// ChangedIDs returns the target of every detail, in order.
func (b *batch[D]) ChangedIDs() []string {
	if len(b.IDs) > 0 {
		return slices.Clone(b.IDs)
	}
	return b.targets()
}

func (b *batch[D]) inverted() batch[D] {
	details := make([]D, len(b.Changes))
	for i, d := range b.Changes {
		details[len(details)-1-i] = d.swapped()
	}
	return newBatch(b.Assembly, details)
}

func (b *batch[D]) run(ctx context.Context, store TreeStore) error {
	if len(b.Changes) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidChange)
	}
	return editFeatures(ctx, store, b.Assembly, b.targets(), func(i int, f *feature.Feature) error {
		return b.Changes[i].apply(f)
	})
}

func (b *batch[D]) MarshalJSON() ([]byte, error) {
	return marshalBatch(b.Meta, b.Changes)
}

func (b *batch[D]) UnmarshalJSON(data []byte) error {
	return unmarshalBatch(data, &b.Meta, &b.Changes)
}

// =============================================================================
// LocationStartChange
// =============================================================================

// LocationStartDetail moves the start of one feature.
type LocationStartDetail struct {
	FeatureID string `json:"featureId" validate:"required"`
	OldStart  int64  `json:"oldStart"`
	NewStart  int64  `json:"newStart"`
}

func (d LocationStartDetail) target() string { return d.FeatureID }

func (d LocationStartDetail) apply(f *feature.Feature) error {
	if f.Min != d.OldStart {
		return conflict(d.FeatureID, "start", d.OldStart, f.Min)
	}
	return f.SetMin(d.NewStart)
}

func (d LocationStartDetail) swapped() LocationStartDetail {
	return LocationStartDetail{FeatureID: d.FeatureID, OldStart: d.NewStart, NewStart: d.OldStart}
}

// LocationStartChange moves feature starts, failing if a stored start no
// longer equals OldStart.
type LocationStartChange struct {
	batch[LocationStartDetail]
}

// NewLocationStartChange builds a batched start change.
func NewLocationStartChange(assembly string, details ...LocationStartDetail) *LocationStartChange {
	return &LocationStartChange{newBatch(assembly, details)}
}

func (c *LocationStartChange) TypeName() Kind { return KindLocationStart }

func (c *LocationStartChange) Notification() string {
	return fmt.Sprintf("Start location changed for %d feature(s)", len(c.Changes))
}

func (c *LocationStartChange) Inverse() (Change, error) {
	return &LocationStartChange{c.inverted()}, nil
}

func (c *LocationStartChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *LocationStartChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *LocationStartChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}

// =============================================================================
// LocationEndChange
// =============================================================================

// LocationEndDetail moves the end of one feature.
type LocationEndDetail struct {
	FeatureID string `json:"featureId" validate:"required"`
	OldEnd    int64  `json:"oldEnd"`
	NewEnd    int64  `json:"newEnd"`
}

func (d LocationEndDetail) target() string { return d.FeatureID }

func (d LocationEndDetail) apply(f *feature.Feature) error {
	if f.Max != d.OldEnd {
		return conflict(d.FeatureID, "end", d.OldEnd, f.Max)
	}
	return f.SetMax(d.NewEnd)
}

func (d LocationEndDetail) swapped() LocationEndDetail {
	return LocationEndDetail{FeatureID: d.FeatureID, OldEnd: d.NewEnd, NewEnd: d.OldEnd}
}

// LocationEndChange moves feature ends, failing if a stored end no longer
// equals OldEnd.
type LocationEndChange struct {
	batch[LocationEndDetail]
}

// NewLocationEndChange builds a batched end change.
func NewLocationEndChange(assembly string, details ...LocationEndDetail) *LocationEndChange {
	return &LocationEndChange{newBatch(assembly, details)}
}

func (c *LocationEndChange) TypeName() Kind { return KindLocationEnd }

func (c *LocationEndChange) Notification() string {
	return fmt.Sprintf("End location changed for %d feature(s)", len(c.Changes))
}

func (c *LocationEndChange) Inverse() (Change, error) {
	return &LocationEndChange{c.inverted()}, nil
}

func (c *LocationEndChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *LocationEndChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *LocationEndChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}

// =============================================================================
// TypeChange
// =============================================================================

// TypeDetail retypes one feature.
type TypeDetail struct {
	FeatureID string `json:"featureId" validate:"required"`
	OldType   string `json:"oldType" validate:"required"`
	NewType   string `json:"newType" validate:"required"`
}

func (d TypeDetail) target() string { return d.FeatureID }

func (d TypeDetail) apply(f *feature.Feature) error {
	if f.Type != d.OldType {
		return conflict(d.FeatureID, "type", d.OldType, f.Type)
	}
	f.Type = d.NewType
	return nil
}

func (d TypeDetail) swapped() TypeDetail {
	return TypeDetail{FeatureID: d.FeatureID, OldType: d.NewType, NewType: d.OldType}
}

// TypeChange sets feature types. New types are checked against the
// ontology by validation, not here.
type TypeChange struct {
	batch[TypeDetail]
}

// NewTypeChange builds a batched type change.
func NewTypeChange(assembly string, details ...TypeDetail) *TypeChange {
	return &TypeChange{newBatch(assembly, details)}
}

func (c *TypeChange) TypeName() Kind { return KindType }

func (c *TypeChange) Notification() string {
	if len(c.Changes) == 1 {
		return fmt.Sprintf("Type of %s changed to %s", c.Changes[0].FeatureID, c.Changes[0].NewType)
	}
	return fmt.Sprintf("Type changed for %d features", len(c.Changes))
}

func (c *TypeChange) Inverse() (Change, error) {
	return &TypeChange{c.inverted()}, nil
}

func (c *TypeChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *TypeChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *TypeChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}

// NewTypes returns the type every detail assigns.
func (c *TypeChange) NewTypes() []string {
	out := make([]string, len(c.Changes))
	for i, d := range c.Changes {
		out[i] = d.NewType
	}
	return out
}

// =============================================================================
// FeatureAttributeChange
// =============================================================================

// FeatureAttributeDetail replaces the attribute map of one feature.
type FeatureAttributeDetail struct {
	FeatureID     string             `json:"featureId" validate:"required"`
	OldAttributes feature.Attributes `json:"oldAttributes"`
	NewAttributes feature.Attributes `json:"newAttributes"`
}

func (d FeatureAttributeDetail) target() string { return d.FeatureID }

func (d FeatureAttributeDetail) apply(f *feature.Feature) error {
	if !f.Attributes.Equal(d.OldAttributes) {
		return conflict(d.FeatureID, "attributes", d.OldAttributes, f.Attributes)
	}
	f.Attributes = d.NewAttributes.Clone()
	return nil
}

func (d FeatureAttributeDetail) swapped() FeatureAttributeDetail {
	return FeatureAttributeDetail{
		FeatureID:     d.FeatureID,
		OldAttributes: d.NewAttributes.Clone(),
		NewAttributes: d.OldAttributes.Clone(),
	}
}

// FeatureAttributeChange replaces attribute maps wholesale.
type FeatureAttributeChange struct {
	batch[FeatureAttributeDetail]
}

// NewFeatureAttributeChange builds a batched attribute change.
func NewFeatureAttributeChange(assembly string, details ...FeatureAttributeDetail) *FeatureAttributeChange {
	return &FeatureAttributeChange{newBatch(assembly, details)}
}

func (c *FeatureAttributeChange) TypeName() Kind { return KindFeatureAttribute }

func (c *FeatureAttributeChange) Notification() string { return "" }

func (c *FeatureAttributeChange) Inverse() (Change, error) {
	return &FeatureAttributeChange{c.inverted()}, nil
}

func (c *FeatureAttributeChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *FeatureAttributeChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *FeatureAttributeChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}

// =============================================================================
// StrandChange
// =============================================================================

// StrandDetail sets the strand of one feature and every descendant.
type StrandDetail struct {
	FeatureID string         `json:"featureId" validate:"required"`
	OldStrand feature.Strand `json:"oldStrand" validate:"oneof=-1 0 1"`
	NewStrand feature.Strand `json:"newStrand" validate:"oneof=-1 0 1"`
}

func (d StrandDetail) target() string { return d.FeatureID }

// apply checks the whole subtree before writing any node, so a conflict
// on a descendant leaves f untouched.
func (d StrandDetail) apply(f *feature.Feature) error {
	var bad error
	f.Walk(func(n *feature.Feature) bool {
		if bad == nil && n.Strand != d.OldStrand {
			bad = conflict(n.ID, "strand", d.OldStrand, n.Strand)
		}
		return bad == nil
	})
	if bad != nil {
		return bad
	}
	f.Walk(func(n *feature.Feature) bool {
		n.Strand = d.NewStrand
		return true
	})
	return nil
}

func (d StrandDetail) swapped() StrandDetail {
	return StrandDetail{FeatureID: d.FeatureID, OldStrand: d.NewStrand, NewStrand: d.OldStrand}
}

// StrandChange sets feature strands.
type StrandChange struct {
	batch[StrandDetail]
}

// NewStrandChange builds a batched strand change.
func NewStrandChange(assembly string, details ...StrandDetail) *StrandChange {
	return &StrandChange{newBatch(assembly, details)}
}

func (c *StrandChange) TypeName() Kind { return KindStrand }

func (c *StrandChange) Notification() string { return "" }

func (c *StrandChange) Inverse() (Change, error) {
	return &StrandChange{c.inverted()}, nil
}

func (c *StrandChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *StrandChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *StrandChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}

// =============================================================================
// Discontinuous locations
// =============================================================================

func locationAt(f *feature.Feature, index int) (*feature.Location, error) {
	if index < 0 || index >= len(f.DiscontinuousLocations) {
		return nil, fmt.Errorf("%w: %s has no location %d", ErrInvalidChange, f.ID, index)
	}
	return &f.DiscontinuousLocations[index], nil
}

// DiscontinuousLocationStartDetail moves the start of one CDS sub-interval.
type DiscontinuousLocationStartDetail struct {
	FeatureID string `json:"featureId" validate:"required"`
	Index     int    `json:"index" validate:"gte=0"`
	OldStart  int64  `json:"oldStart"`
	NewStart  int64  `json:"newStart"`
}

func (d DiscontinuousLocationStartDetail) target() string { return d.FeatureID }

func (d DiscontinuousLocationStartDetail) apply(f *feature.Feature) error {
	loc, err := locationAt(f, d.Index)
	if err != nil {
		return err
	}
	if loc.Start != d.OldStart {
		return conflict(d.FeatureID, fmt.Sprintf("location %d start", d.Index), d.OldStart, loc.Start)
	}
	if d.NewStart > loc.End {
		return fmt.Errorf("%w: %s location %d start %d > end %d", feature.ErrInvalidRange, d.FeatureID, d.Index, d.NewStart, loc.End)
	}
	loc.Start = d.NewStart
	return nil
}

func (d DiscontinuousLocationStartDetail) swapped() DiscontinuousLocationStartDetail {
	return DiscontinuousLocationStartDetail{FeatureID: d.FeatureID, Index: d.Index, OldStart: d.NewStart, NewStart: d.OldStart}
}

// DiscontinuousLocationStartChange moves CDS sub-interval starts.
type DiscontinuousLocationStartChange struct {
	batch[DiscontinuousLocationStartDetail]
}

// NewDiscontinuousLocationStartChange builds a batched sub-interval start change.
func NewDiscontinuousLocationStartChange(assembly string, details ...DiscontinuousLocationStartDetail) *DiscontinuousLocationStartChange {
	return &DiscontinuousLocationStartChange{newBatch(assembly, details)}
}

func (c *DiscontinuousLocationStartChange) TypeName() Kind { return KindDiscontinuousLocationStart }

func (c *DiscontinuousLocationStartChange) Notification() string { return "" }

func (c *DiscontinuousLocationStartChange) Inverse() (Change, error) {
	return &DiscontinuousLocationStartChange{c.inverted()}, nil
}

func (c *DiscontinuousLocationStartChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *DiscontinuousLocationStartChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *DiscontinuousLocationStartChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}

// DiscontinuousLocationEndDetail moves the end of one CDS sub-interval.
type DiscontinuousLocationEndDetail struct {
	FeatureID string `json:"featureId" validate:"required"`
	Index     int    `json:"index" validate:"gte=0"`
	OldEnd    int64  `json:"oldEnd"`
	NewEnd    int64  `json:"newEnd"`
}

func (d DiscontinuousLocationEndDetail) target() string { return d.FeatureID }

func (d DiscontinuousLocationEndDetail) apply(f *feature.Feature) error {
	loc, err := locationAt(f, d.Index)
	if err != nil {
		return err
	}
	if loc.End != d.OldEnd {
		return conflict(d.FeatureID, fmt.Sprintf("location %d end", d.Index), d.OldEnd, loc.End)
	}
	if d.NewEnd < loc.Start {
		return fmt.Errorf("%w: %s location %d end %d < start %d", feature.ErrInvalidRange, d.FeatureID, d.Index, d.NewEnd, loc.Start)
	}
	loc.End = d.NewEnd
	return nil
}

func (d DiscontinuousLocationEndDetail) swapped() DiscontinuousLocationEndDetail {
	return DiscontinuousLocationEndDetail{FeatureID: d.FeatureID, Index: d.Index, OldEnd: d.NewEnd, NewEnd: d.OldEnd}
}

// DiscontinuousLocationEndChange moves CDS sub-interval ends.
type DiscontinuousLocationEndChange struct {
	batch[DiscontinuousLocationEndDetail]
}

// NewDiscontinuousLocationEndChange builds a batched sub-interval end change.
func NewDiscontinuousLocationEndChange(assembly string, details ...DiscontinuousLocationEndDetail) *DiscontinuousLocationEndChange {
	return &DiscontinuousLocationEndChange{newBatch(assembly, details)}
}

func (c *DiscontinuousLocationEndChange) TypeName() Kind { return KindDiscontinuousLocationEnd }

func (c *DiscontinuousLocationEndChange) Notification() string { return "" }

func (c *DiscontinuousLocationEndChange) Inverse() (Change, error) {
	return &DiscontinuousLocationEndChange{c.inverted()}, nil
}

func (c *DiscontinuousLocationEndChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.run(ctx, b.Documents())
}

func (c *DiscontinuousLocationEndChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.run(ctx, b)
}

func (c *DiscontinuousLocationEndChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.run(ctx, b)
}
