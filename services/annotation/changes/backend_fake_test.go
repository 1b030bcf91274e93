// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes_test

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// memBackend is an in-memory backend that reports whichever kind it is
// given, so one fixture exercises all three Execute paths.
type memBackend struct {
	kind       changes.BackendKind
	docs       map[string]*feature.Document
	owner      map[string]string
	assemblies map[string]feature.Assembly
	refSeqs    map[string][]feature.RefSeq
	chunks     []feature.RefSeqChunk
	raw        map[string]string
	gff3       map[string][]*feature.Feature
	putCalls   int
}

func newMemBackend(kind changes.BackendKind) *memBackend {
	return &memBackend{
		kind:       kind,
		docs:       make(map[string]*feature.Document),
		owner:      make(map[string]string),
		assemblies: make(map[string]feature.Assembly),
		refSeqs:    make(map[string][]feature.RefSeq),
		raw:        make(map[string]string),
		gff3:       make(map[string][]*feature.Feature),
	}
}

func (m *memBackend) Kind() changes.BackendKind { return m.kind }

func (m *memBackend) Documents() changes.DocumentStore     { return m }
func (m *memBackend) Bulk() changes.DocumentStore          { return m }
func (m *memBackend) Files() changes.FileStore             { return m }
func (m *memBackend) Assemblies() changes.AssemblyRegistry { return m }

func (m *memBackend) FindTree(_ context.Context, id string) (*feature.Tree, error) {
	root, ok := m.owner[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, id)
	}
	return feature.NewTree(m.docs[root].Feature.Clone())
}

func (m *memBackend) PutTree(_ context.Context, assembly string, t *feature.Tree) error {
	root := t.Root().ID
	for _, id := range t.AllIDs() {
		if o, ok := m.owner[id]; ok && o != root {
			return fmt.Errorf("%w: %s belongs to %s", changes.ErrConflict, id, o)
		}
	}
	m.dropOwners(root)
	doc := feature.NewDocument(assembly, t.Clone())
	m.docs[root] = doc
	for _, id := range doc.AllIDs {
		m.owner[id] = root
	}
	m.putCalls++
	return nil
}

func (m *memBackend) DeleteTree(_ context.Context, topID string) error {
	if _, ok := m.docs[topID]; !ok {
		return fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, topID)
	}
	m.dropOwners(topID)
	delete(m.docs, topID)
	return nil
}

func (m *memBackend) dropOwners(root string) {
	if doc, ok := m.docs[root]; ok {
		for _, id := range doc.AllIDs {
			delete(m.owner, id)
		}
	}
}

func (m *memBackend) RefSeqs(_ context.Context, assembly string) ([]feature.RefSeq, error) {
	return slices.Clone(m.refSeqs[assembly]), nil
}

func (m *memBackend) FindAssembly(_ context.Context, id string) (*feature.Assembly, error) {
	a, ok := m.assemblies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", changes.ErrAssemblyNotFound, id)
	}
	return &a, nil
}

func (m *memBackend) CreateAssembly(_ context.Context, a *feature.Assembly) error {
	m.assemblies[a.ID] = *a
	return nil
}

func (m *memBackend) DeleteAssembly(_ context.Context, id string) error {
	if _, ok := m.assemblies[id]; !ok {
		return fmt.Errorf("%w: %s", changes.ErrAssemblyNotFound, id)
	}
	m.RemoveAssembly(id)
	return nil
}

func (m *memBackend) CreateRefSeq(_ context.Context, r *feature.RefSeq) error {
	m.refSeqs[r.Assembly] = append(m.refSeqs[r.Assembly], *r)
	return nil
}

func (m *memBackend) CreateRefSeqChunk(_ context.Context, c *feature.RefSeqChunk) error {
	m.chunks = append(m.chunks, *c)
	return nil
}

func (m *memBackend) ParseGFF3(_ context.Context, fileID string) (changes.FeatureIterator, error) {
	fs, ok := m.gff3[fileID]
	if !ok {
		return nil, fmt.Errorf("no file %s", fileID)
	}
	return &sliceIterator{features: fs}, nil
}

func (m *memBackend) OpenRaw(_ context.Context, fileID string) (io.ReadCloser, error) {
	s, ok := m.raw[fileID]
	if !ok {
		return nil, fmt.Errorf("no file %s", fileID)
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

func (m *memBackend) Assembly(id string) (*feature.Assembly, bool) {
	a, ok := m.assemblies[id]
	return &a, ok
}

func (m *memBackend) AddAssembly(a feature.Assembly, refSeqs []feature.RefSeq) {
	m.assemblies[a.ID] = a
	m.refSeqs[a.ID] = append(m.refSeqs[a.ID], refSeqs...)
}

func (m *memBackend) RemoveAssembly(id string) {
	delete(m.assemblies, id)
	delete(m.refSeqs, id)
	for root, doc := range m.docs {
		if doc.Assembly == id {
			m.dropOwners(root)
			delete(m.docs, root)
		}
	}
}

// snapshot returns a deep copy of every stored document.
func (m *memBackend) snapshot() map[string]*feature.Document {
	out := make(map[string]*feature.Document, len(m.docs))
	for id, d := range m.docs {
		out[id] = &feature.Document{
			Assembly: d.Assembly,
			Feature:  d.Feature.Clone(),
			AllIDs:   slices.Clone(d.AllIDs),
		}
	}
	return out
}

func (m *memBackend) find(id string) *feature.Feature {
	root, ok := m.owner[id]
	if !ok {
		return nil
	}
	t, err := feature.NewTree(m.docs[root].Feature.Clone())
	if err != nil {
		return nil
	}
	f, _ := t.Find(id)
	return f
}

type sliceIterator struct {
	features []*feature.Feature
	i        int
}

func (s *sliceIterator) Next() (*feature.Feature, error) {
	if s.i >= len(s.features) {
		return nil, io.EOF
	}
	f := s.features[s.i]
	s.i++
	return f, nil
}
