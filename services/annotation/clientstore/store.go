// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clientstore holds a session's working copy of annotation trees.
//
// # Description
//
// Store is the client backend changes are applied to optimistically. It
// keeps the top-level documents the session has loaded, an id → root
// index, and the registry of open assemblies with their refseqs. Regions
// are filled from the server through a Loader.
//
// # Thread Safety
//
// Store is safe for concurrent use. FindTree hands out private copies, so
// callers may mutate what they receive and write it back with PutTree.
package clientstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// ErrNoLoader is returned by LoadFeatures on a store without a Loader.
var ErrNoLoader = errors.New("clientstore: no loader configured")

// DefaultLoadConcurrency bounds parallel region fetches in LoadFeatures.
const DefaultLoadConcurrency = 4

// Region is a half-open interval of one refseq.
type Region struct {
	Assembly string `json:"assembly"`
	RefSeq   string `json:"refSeq"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

func (r Region) String() string {
	return fmt.Sprintf("%s/%s:%d-%d", r.Assembly, r.RefSeq, r.Start, r.End)
}

// Loader fetches the top-level documents overlapping a region.
type Loader interface {
	LoadRegion(ctx context.Context, r Region) ([]*feature.Document, error)
}

// Config configures a Store.
type Config struct {
	// Loader fills regions for LoadFeatures. Optional.
	Loader Loader

	// LoadConcurrency bounds parallel fetches. Default DefaultLoadConcurrency.
	LoadConcurrency int

	Logger *slog.Logger
}

// Store is the in-memory client backend.
type Store struct {
	loader      Loader
	concurrency int
	logger      *slog.Logger
	loads       singleflight.Group

	mu         sync.RWMutex
	docs       map[string]*feature.Document
	owner      map[string]string
	assemblies map[string]feature.Assembly
	refSeqs    map[string][]feature.RefSeq
	loaded     map[Region]bool
}

// New creates an empty Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.LoadConcurrency
	if concurrency <= 0 {
		concurrency = DefaultLoadConcurrency
	}
	return &Store{
		loader:      cfg.Loader,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "clientstore")),
		docs:        make(map[string]*feature.Document),
		owner:       make(map[string]string),
		assemblies:  make(map[string]feature.Assembly),
		refSeqs:     make(map[string][]feature.RefSeq),
		loaded:      make(map[Region]bool),
	}
}

// Kind reports the client backend.
func (s *Store) Kind() changes.BackendKind { return changes.BackendClient }

// Assemblies returns the store's assembly registry, which is the store
// itself so that removing an assembly also drops its features.
func (s *Store) Assemblies() changes.AssemblyRegistry { return s }

// =============================================================================
// Trees
// =============================================================================

// FindTree returns a private copy of the tree containing featureID.
func (s *Store) FindTree(_ context.Context, featureID string) (*feature.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.owner[featureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, featureID)
	}
	return feature.NewTree(s.docs[root].Feature.Clone())
}

// FindDocument returns a copy of the top-level document containing
// featureID.
func (s *Store) FindDocument(_ context.Context, featureID string) (*feature.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.owner[featureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, featureID)
	}
	return cloneDocument(s.docs[root]), nil
}

// GetFeature returns a detached copy of one feature and its subtree.
func (s *Store) GetFeature(ctx context.Context, id string) (*feature.Feature, error) {
	t, err := s.FindTree(ctx, id)
	if err != nil {
		return nil, err
	}
	f, _ := t.Find(id)
	return f.Clone(), nil
}

// PutTree stores t as the top-level document for its root, replacing any
// previous version.
//
// # Outputs
//
//   - error: changes.ErrConflict when an id of t belongs to another document.
func (s *Store) PutTree(_ context.Context, assembly string, t *feature.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(feature.NewDocument(assembly, t.Clone()))
}

func (s *Store) putLocked(doc *feature.Document) error {
	root := doc.Feature.ID
	for _, id := range doc.AllIDs {
		if o, ok := s.owner[id]; ok && o != root {
			return fmt.Errorf("%w: %s belongs to %s", changes.ErrConflict, id, o)
		}
	}
	s.dropLocked(root)
	s.docs[root] = doc
	for _, id := range doc.AllIDs {
		s.owner[id] = root
	}
	return nil
}

// DeleteTree removes the top-level document topID.
func (s *Store) DeleteTree(_ context.Context, topID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[topID]; !ok {
		return fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, topID)
	}
	s.dropLocked(topID)
	return nil
}

func (s *Store) dropLocked(root string) {
	doc, ok := s.docs[root]
	if !ok {
		return
	}
	for _, id := range doc.AllIDs {
		delete(s.owner, id)
	}
	delete(s.docs, root)
}

// Documents returns copies of the loaded documents on refSeq, sorted by
// start then id. An empty refSeq returns every document.
func (s *Store) Documents(refSeq string) []*feature.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feature.Document
	for _, d := range s.docs {
		if refSeq == "" || d.Feature.RefSeq == refSeq {
			out = append(out, cloneDocument(d))
		}
	}
	slices.SortFunc(out, func(a, b *feature.Document) int {
		if c := cmp.Compare(a.Feature.Min, b.Feature.Min); c != 0 {
			return c
		}
		return cmp.Compare(a.Feature.ID, b.Feature.ID)
	})
	return out
}

// Len returns the number of top-level documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func cloneDocument(d *feature.Document) *feature.Document {
	return &feature.Document{
		Assembly: d.Assembly,
		Feature:  d.Feature.Clone(),
		AllIDs:   slices.Clone(d.AllIDs),
	}
}

// =============================================================================
// Assembly registry
// =============================================================================

// Assembly returns a registered assembly.
func (s *Store) Assembly(id string) (*feature.Assembly, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assemblies[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

// AddAssembly registers a and appends refSeqs not already known by id.
func (s *Store) AddAssembly(a feature.Assembly, refSeqs []feature.RefSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assemblies[a.ID] = a
	for _, r := range refSeqs {
		known := slices.ContainsFunc(s.refSeqs[a.ID], func(k feature.RefSeq) bool { return k.ID == r.ID })
		if !known {
			s.refSeqs[a.ID] = append(s.refSeqs[a.ID], r)
		}
	}
}

// RemoveAssembly forgets the assembly, its refseqs, its loaded regions
// and every document in it.
func (s *Store) RemoveAssembly(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assemblies, id)
	delete(s.refSeqs, id)
	for root, d := range s.docs {
		if d.Assembly == id {
			s.dropLocked(root)
		}
	}
	for r := range s.loaded {
		if r.Assembly == id {
			delete(s.loaded, r)
		}
	}
}

// RefSeqs returns the refseqs registered for assembly.
func (s *Store) RefSeqs(_ context.Context, assembly string) ([]feature.RefSeq, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.assemblies[assembly]; !ok {
		return nil, fmt.Errorf("%w: %s", changes.ErrAssemblyNotFound, assembly)
	}
	return slices.Clone(s.refSeqs[assembly]), nil
}

// =============================================================================
// Loading
// =============================================================================

// LoadFeatures fetches every region not loaded yet and merges the
// documents into the store.
//
// # Description
//
// Regions are fetched in parallel, bounded by LoadConcurrency. Concurrent
// calls asking for the same region share one fetch. A fetched document
// replaces the local copy of the same root.
//
// # Outputs
//
//   - error: The first fetch or merge failure. Regions fetched before it
//     stay loaded.
func (s *Store) LoadFeatures(ctx context.Context, regions []Region) error {
	if s.loader == nil {
		return ErrNoLoader
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	seen := make(map[Region]bool, len(regions))
	for _, r := range regions {
		if seen[r] || s.isLoaded(r) {
			continue
		}
		seen[r] = true
		g.Go(func() error {
			_, err, shared := s.loads.Do(r.String(), func() (any, error) {
				if s.isLoaded(r) {
					return nil, nil
				}
				return nil, s.loadRegion(ctx, r)
			})
			if shared {
				s.logger.Debug("region load shared", slog.String("region", r.String()))
			}
			return err
		})
	}
	return g.Wait()
}

func (s *Store) isLoaded(r Region) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded[r]
}

func (s *Store) loadRegion(ctx context.Context, r Region) error {
	docs, err := s.loader.LoadRegion(ctx, r)
	if err != nil {
		return fmt.Errorf("loading %s: %w", r, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		t, err := d.Tree()
		if err != nil {
			return fmt.Errorf("loading %s: %w", r, err)
		}
		if err := s.putLocked(feature.NewDocument(d.Assembly, t)); err != nil {
			return fmt.Errorf("loading %s: %w", r, err)
		}
	}
	s.loaded[r] = true
	s.logger.Debug("region loaded",
		slog.String("region", r.String()),
		slog.Int("documents", len(docs)),
	)
	return nil
}

// Reload clears the loaded-region cache for assembly so the next
// LoadFeatures fetches again. Used after bulk imports.
func (s *Store) Reload(assembly string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r := range s.loaded {
		if r.Assembly == assembly {
			delete(s.loaded, r)
		}
	}
}

// Compile-time interface compliance checks.
var (
	_ changes.ClientBackend    = (*Store)(nil)
	_ changes.AssemblyRegistry = (*Store)(nil)
)
