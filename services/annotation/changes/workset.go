// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes

import (
	"context"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// workset stages edits to the trees touched by one change. Trees are loaded
// on first use and written back only by commit, so an error part way through
// a batch leaves the store untouched.
type workset struct {
	store    TreeStore
	assembly string
	trees    map[string]*feature.Tree
	order    []string
}

func newWorkset(store TreeStore, assembly string) *workset {
	return &workset{
		store:    store,
		assembly: assembly,
		trees:    make(map[string]*feature.Tree),
	}
}

// locate returns the staged tree and node holding id.
func (w *workset) locate(ctx context.Context, id string) (*feature.Tree, *feature.Feature, error) {
	for _, rootID := range w.order {
		t := w.trees[rootID]
		if f, ok := t.Find(id); ok {
			return t, f, nil
		}
	}
	t, err := w.store.FindTree(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rootID := t.Root().ID
	if _, staged := w.trees[rootID]; staged {
		// The store still has id but this change already removed it.
		return nil, nil, notFound(id)
	}
	f, ok := t.Find(id)
	if !ok {
		return nil, nil, notFound(id)
	}
	w.trees[rootID] = t
	w.order = append(w.order, rootID)
	return t, f, nil
}

// commit writes every staged tree back to the store.
func (w *workset) commit(ctx context.Context) error {
	for _, rootID := range w.order {
		if err := w.store.PutTree(ctx, w.assembly, w.trees[rootID]); err != nil {
			return err
		}
	}
	return nil
}

// editFeatures applies fn to each id in order inside one workset.
func editFeatures(ctx context.Context, store TreeStore, assembly string, ids []string, fn func(i int, f *feature.Feature) error) error {
	w := newWorkset(store, assembly)
	for i, id := range ids {
		_, f, err := w.locate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(i, f); err != nil {
			return err
		}
	}
	return w.commit(ctx)
}
