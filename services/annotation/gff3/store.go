// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gff3

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// StoreConfig configures a LocalStore.
type StoreConfig struct {
	// Path is the GFF3 file. A missing file opens an empty store.
	Path string

	// AutoSave rewrites the file after every PutTree and DeleteTree.
	AutoSave bool

	// IDs generates feature ids for parsed features. Default feature.NewID.
	IDs feature.IDGenerator

	Logger *slog.Logger
}

// LocalStore holds a GFF3 file in memory and serves it as a
// changes.LocalGFF3Backend.
//
// # Thread Safety
//
// Safe for concurrent use.
type LocalStore struct {
	mu       sync.RWMutex
	path     string
	autoSave bool
	docs     map[string]*feature.Feature
	owner    map[string]string
	dirty    bool
	logger   *slog.Logger
}

// Open reads cfg.Path into a new store.
//
// # Outputs
//
//   - error: ErrMalformed for an invalid file, feature.ErrDuplicateID
//     when a parsed tree repeats an id.
func Open(cfg StoreConfig) (*LocalStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("gff3 store path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &LocalStore{
		path:     cfg.Path,
		autoSave: cfg.AutoSave,
		docs:     make(map[string]*feature.Feature),
		owner:    make(map[string]string),
		logger:   logger.With(slog.String("component", "gff3_store"), slog.String("path", cfg.Path)),
	}

	f, err := os.Open(cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("gff3 file does not exist, starting empty")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	defer f.Close()

	var opts []ReaderOption
	if cfg.IDs != nil {
		opts = append(opts, WithIDGenerator(cfg.IDs))
	}
	roots, err := ReadAll(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cfg.Path, err)
	}
	for _, root := range roots {
		t, err := feature.NewTree(root)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", cfg.Path, err)
		}
		s.put(t)
	}
	s.dirty = false
	s.logger.Info("gff3 file loaded", slog.Int("features", len(roots)))
	return s, nil
}

// Kind reports BackendLocalGFF3.
func (s *LocalStore) Kind() changes.BackendKind { return changes.BackendLocalGFF3 }

// Path returns the backing file.
func (s *LocalStore) Path() string { return s.path }

func (s *LocalStore) FindTree(_ context.Context, featureID string) (*feature.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.owner[featureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, featureID)
	}
	return feature.NewTree(s.docs[root].Clone())
}

// PutTree stores t, replacing the document with the same root id.
func (s *LocalStore) PutTree(_ context.Context, _ string, t *feature.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := t.Root().ID
	for _, id := range t.AllIDs() {
		if o, ok := s.owner[id]; ok && o != root {
			return fmt.Errorf("%w: %s belongs to %s", changes.ErrConflict, id, o)
		}
	}
	s.put(t.Clone())
	return s.afterWrite()
}

func (s *LocalStore) DeleteTree(_ context.Context, topID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[topID]; !ok {
		return fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, topID)
	}
	s.drop(topID)
	return s.afterWrite()
}

func (s *LocalStore) put(t *feature.Tree) {
	root := t.Root()
	s.drop(root.ID)
	s.docs[root.ID] = root
	for _, id := range t.AllIDs() {
		s.owner[id] = root.ID
	}
	s.dirty = true
}

func (s *LocalStore) drop(rootID string) {
	doc, ok := s.docs[rootID]
	if !ok {
		return
	}
	for _, id := range doc.IDs() {
		delete(s.owner, id)
	}
	delete(s.docs, rootID)
	s.dirty = true
}

func (s *LocalStore) afterWrite() error {
	if !s.autoSave {
		return nil
	}
	return s.save()
}

// Features returns copies of every top-level feature ordered by refseq,
// start and id.
func (s *LocalStore) Features() []*feature.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted()
}

func (s *LocalStore) sorted() []*feature.Feature {
	out := make([]*feature.Feature, 0, len(s.docs))
	for _, f := range s.docs {
		out = append(out, f.Clone())
	}
	slices.SortFunc(out, func(a, b *feature.Feature) int {
		return cmp.Or(cmp.Compare(a.RefSeq, b.RefSeq), cmp.Compare(a.Min, b.Min), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Dirty reports whether the store holds unsaved changes.
func (s *LocalStore) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Save writes the store back to its file through a temporary file and
// rename.
func (s *LocalStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *LocalStore) save() error {
	var buf bytes.Buffer
	if err := Write(&buf, s.sorted()); err != nil {
		return fmt.Errorf("encode gff3: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".gff3-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write gff3: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync gff3: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close gff3: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename gff3: %w", err)
	}
	success = true
	s.dirty = false
	s.logger.Debug("gff3 file saved", slog.Int("features", len(s.docs)))
	return nil
}

var _ changes.LocalGFF3Backend = (*LocalStore)(nil)
