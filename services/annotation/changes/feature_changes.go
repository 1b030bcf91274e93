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

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// =============================================================================
// AddFeatureChange
// =============================================================================

// AddFeatureChange inserts a feature subtree, either as a new top-level
// document or under ParentFeatureID.
type AddFeatureChange struct {
	Meta
	AddedFeature    *feature.Feature `json:"addedFeature" validate:"required"`
	ParentFeatureID string           `json:"parentFeatureId,omitempty"`
}

// NewAddFeatureChange snapshots f for insertion. An empty parentID adds a
// top-level feature.
func NewAddFeatureChange(assembly string, f *feature.Feature, parentID string) *AddFeatureChange {
	return &AddFeatureChange{
		Meta:            Meta{IDs: []string{f.ID}, Assembly: assembly},
		AddedFeature:    f.Clone(),
		ParentFeatureID: parentID,
	}
}

func (c *AddFeatureChange) TypeName() Kind { return KindAddFeature }

func (c *AddFeatureChange) Notification() string {
	if c.AddedFeature == nil {
		return ""
	}
	return fmt.Sprintf("Added %s %s", c.AddedFeature.Type, c.AddedFeature.ID)
}

// Inverse deletes the added subtree.
func (c *AddFeatureChange) Inverse() (Change, error) {
	if c.AddedFeature == nil {
		return nil, fmt.Errorf("%w: no added feature", ErrInvalidChange)
	}
	return &DeleteFeatureChange{
		Meta:            Meta{IDs: []string{c.AddedFeature.ID}, Assembly: c.Assembly},
		FeatureID:       c.AddedFeature.ID,
		ParentFeatureID: c.ParentFeatureID,
		DeletedFeature:  c.AddedFeature.Clone(),
	}, nil
}

func (c *AddFeatureChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	docs := b.Documents()
	if _, err := docs.FindAssembly(ctx, c.Assembly); err != nil {
		return err
	}
	return c.addTo(ctx, docs)
}

func (c *AddFeatureChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.addTo(ctx, b)
}

func (c *AddFeatureChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.addTo(ctx, b)
}

func (c *AddFeatureChange) addTo(ctx context.Context, store TreeStore) error {
	if c.AddedFeature == nil {
		return fmt.Errorf("%w: no added feature", ErrInvalidChange)
	}
	added := c.AddedFeature.Clone()
	if c.ParentFeatureID == "" {
		t, err := feature.NewTree(added)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
		if err := ensureAbsent(ctx, store, added.ID); err != nil {
			return err
		}
		return store.PutTree(ctx, c.Assembly, t)
	}
	w := newWorkset(store, c.Assembly)
	t, _, err := w.locate(ctx, c.ParentFeatureID)
	if err != nil {
		return err
	}
	if err := t.AddChild(c.ParentFeatureID, added); err != nil {
		if errors.Is(err, feature.ErrDuplicateID) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return w.commit(ctx)
}

func ensureAbsent(ctx context.Context, store TreeStore, id string) error {
	_, err := store.FindTree(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: feature %s already exists", ErrConflict, id)
	case errors.Is(err, ErrFeatureNotFound):
		return nil
	default:
		return err
	}
}

// =============================================================================
// DeleteFeatureChange
// =============================================================================

// DeleteFeatureChange removes a feature and its descendants. Deleting a
// top-level feature removes its whole document.
//
// DeletedFeature is the snapshot used by the inverse. When it is absent a
// successful execution fills it in, together with ParentFeatureID: the
// Execute methods mutate the change, so a delete built without a snapshot
// is invertible once applied and is logged with one on the server. A
// failed execution leaves the change as it was.
type DeleteFeatureChange struct {
	Meta
	FeatureID       string           `json:"featureId" validate:"required"`
	ParentFeatureID string           `json:"parentFeatureId,omitempty"`
	DeletedFeature  *feature.Feature `json:"deletedFeature,omitempty"`
}

// NewDeleteFeatureChange builds a delete of f, snapshotting it for undo.
func NewDeleteFeatureChange(assembly string, f *feature.Feature) *DeleteFeatureChange {
	c := &DeleteFeatureChange{
		Meta:           Meta{IDs: []string{f.ID}, Assembly: assembly},
		FeatureID:      f.ID,
		DeletedFeature: f.Clone(),
	}
	if p := f.Parent(); p != nil {
		c.ParentFeatureID = p.ID
	}
	return c
}

func (c *DeleteFeatureChange) TypeName() Kind { return KindDeleteFeature }

func (c *DeleteFeatureChange) Notification() string {
	return fmt.Sprintf("Deleted feature %s", c.FeatureID)
}

// Inverse re-adds the captured snapshot under the original parent.
func (c *DeleteFeatureChange) Inverse() (Change, error) {
	if c.DeletedFeature == nil {
		return nil, fmt.Errorf("%w: delete of %s has no snapshot", ErrNotInvertible, c.FeatureID)
	}
	return &AddFeatureChange{
		Meta:            Meta{IDs: []string{c.FeatureID}, Assembly: c.Assembly},
		AddedFeature:    c.DeletedFeature.Clone(),
		ParentFeatureID: c.ParentFeatureID,
	}, nil
}

func (c *DeleteFeatureChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return c.record(c.deleteFrom(ctx, b.Documents()))
}

func (c *DeleteFeatureChange) ExecuteOnLocalGFF3(ctx context.Context, b LocalGFF3Backend) error {
	return c.record(c.deleteFrom(ctx, b))
}

func (c *DeleteFeatureChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.record(c.deleteFrom(ctx, b))
}

// record stores what a successful delete observed on c.
func (c *DeleteFeatureChange) record(snapshot *feature.Feature, parentID string, err error) error {
	if err != nil {
		return err
	}
	if c.DeletedFeature == nil {
		c.DeletedFeature = snapshot
	}
	c.ParentFeatureID = parentID
	return nil
}

// deleteFrom removes the feature and returns a snapshot of it with its
// parent id. It does not modify c.
func (c *DeleteFeatureChange) deleteFrom(ctx context.Context, store TreeStore) (*feature.Feature, string, error) {
	w := newWorkset(store, c.Assembly)
	t, f, err := w.locate(ctx, c.FeatureID)
	if err != nil {
		return nil, "", err
	}
	parentID := ""
	if p := f.Parent(); p != nil {
		parentID = p.ID
	}
	if c.ParentFeatureID != "" && c.ParentFeatureID != parentID {
		return nil, "", conflict(c.FeatureID, "parent", c.ParentFeatureID, parentID)
	}
	if c.DeletedFeature != nil && !c.DeletedFeature.SameShape(f) {
		return nil, "", fmt.Errorf("%w: %s changed since it was read", ErrConflict, c.FeatureID)
	}
	snapshot := f.Clone()
	if f == t.Root() {
		if err := store.DeleteTree(ctx, f.ID); err != nil {
			return nil, "", err
		}
	} else {
		if _, err := t.Remove(f.ID); err != nil {
			return nil, "", err
		}
		if err := w.commit(ctx); err != nil {
			return nil, "", err
		}
	}
	return snapshot, parentID, nil
}

// =============================================================================
// CopyFeatureChange
// =============================================================================

// CopyFeatureChange copies a feature subtree into another assembly as a new
// top-level feature. New ids are fixed at construction in IDMap, and the
// copy is placed on the target refseq whose name matches the source's.
type CopyFeatureChange struct {
	Meta
	FeatureID        string            `json:"featureId" validate:"required"`
	TargetAssemblyID string            `json:"targetAssemblyId" validate:"required"`
	NewFeatureID     string            `json:"newFeatureId" validate:"required"`
	IDMap            map[string]string `json:"idMap" validate:"required,min=1"`
}

// NewCopyFeatureChange assigns fresh ids from gen to every node of source.
func NewCopyFeatureChange(assembly string, source *feature.Feature, targetAssembly string, gen feature.IDGenerator) *CopyFeatureChange {
	idMap := feature.IDMapFor(source, gen)
	newID := idMap[source.ID]
	return &CopyFeatureChange{
		Meta:             Meta{IDs: []string{newID}, Assembly: assembly},
		FeatureID:        source.ID,
		TargetAssemblyID: targetAssembly,
		NewFeatureID:     newID,
		IDMap:            idMap,
	}
}

func (c *CopyFeatureChange) TypeName() Kind { return KindCopyFeature }

func (c *CopyFeatureChange) Notification() string {
	return fmt.Sprintf("Copied feature %s to assembly %s", c.FeatureID, c.TargetAssemblyID)
}

// Inverse deletes the copy from the target assembly.
func (c *CopyFeatureChange) Inverse() (Change, error) {
	return &DeleteFeatureChange{
		Meta:      Meta{IDs: []string{c.NewFeatureID}, Assembly: c.TargetAssemblyID},
		FeatureID: c.NewFeatureID,
	}, nil
}

func (c *CopyFeatureChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	docs := b.Documents()
	if _, err := docs.FindAssembly(ctx, c.TargetAssemblyID); err != nil {
		return err
	}
	return c.copyWithin(ctx, docs, docs)
}

// ExecuteOnLocalGFF3 fails: a GFF3 file holds a single assembly.
func (c *CopyFeatureChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *CopyFeatureChange) ExecuteOnClient(ctx context.Context, b ClientBackend) error {
	return c.copyWithin(ctx, b, b.Assemblies())
}

func (c *CopyFeatureChange) copyWithin(ctx context.Context, store TreeStore, refSeqs RefSeqSource) error {
	src, err := store.FindTree(ctx, c.FeatureID)
	if err != nil {
		return err
	}
	f, ok := src.Find(c.FeatureID)
	if !ok {
		return notFound(c.FeatureID)
	}

	sourceRefSeqs, err := refSeqs.RefSeqs(ctx, c.Assembly)
	if err != nil {
		return err
	}
	sourceRefSeq, ok := findRefSeq(sourceRefSeqs, f.RefSeq)
	if !ok {
		return fmt.Errorf("%w: %s in assembly %s", ErrRefSeqNotFound, f.RefSeq, c.Assembly)
	}
	targetRefSeqs, err := refSeqs.RefSeqs(ctx, c.TargetAssemblyID)
	if err != nil {
		return err
	}
	targetRefSeq, ok := feature.ResolveRefSeq(sourceRefSeq, targetRefSeqs)
	if !ok {
		return fmt.Errorf("%w: no match for %s in assembly %s", ErrRefSeqNotFound, sourceRefSeq.Name, c.TargetAssemblyID)
	}

	copied, err := f.CloneWithIDs(c.IDMap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if copied.ID != c.NewFeatureID {
		return fmt.Errorf("%w: idMap maps %s to %s, not %s", ErrInvalidChange, c.FeatureID, copied.ID, c.NewFeatureID)
	}
	copied.SetRefSeq(targetRefSeq.ID)

	t, err := feature.NewTree(copied)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if err := ensureAbsent(ctx, store, copied.ID); err != nil {
		return err
	}
	return store.PutTree(ctx, c.TargetAssemblyID, t)
}

// findRefSeq matches key against refseq ids first, then names.
func findRefSeq(refSeqs []feature.RefSeq, key string) (feature.RefSeq, bool) {
	for _, r := range refSeqs {
		if r.ID == key {
			return r, true
		}
	}
	for _, r := range refSeqs {
		if r.Matches(key) {
			return r, true
		}
	}
	return feature.RefSeq{}, false
}
