// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feature

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// DefaultChunkSize is the number of bases stored per RefSeqChunk.
const DefaultChunkSize = 262144

// Document is the persisted form of a top-level feature.
//
// AllIDs holds the top-level id and every descendant id so that any node can
// be located with one document lookup.
type Document struct {
	Assembly string   `json:"assembly"`
	Feature  *Feature `json:"feature"`
	AllIDs   []string `json:"allIds"`
}

// NewDocument builds a document for t, recomputing AllIDs from the tree.
func NewDocument(assembly string, t *Tree) *Document {
	return &Document{
		Assembly: assembly,
		Feature:  t.Root(),
		AllIDs:   t.AllIDs(),
	}
}

// Tree indexes the document's feature.
func (d *Document) Tree() (*Tree, error) {
	return NewTree(d.Feature)
}

// CheckAllIDs verifies that AllIDs is exactly the set of ids in the tree.
func (d *Document) CheckAllIDs() error {
	want := d.Feature.IDs()
	got := slices.Clone(d.AllIDs)
	slices.Sort(want)
	slices.Sort(got)
	if !slices.Equal(want, got) {
		return fmt.Errorf("allIds of %s out of sync: have %v, tree has %v", d.Feature.ID, got, want)
	}
	return nil
}

// Assembly is a named collection of reference sequences.
type Assembly struct {
	ID      string   `json:"id" validate:"required"`
	Name    string   `json:"name" validate:"required"`
	Aliases []string `json:"aliases,omitempty"`
}

// RefSeq is one contig or chromosome within an assembly.
type RefSeq struct {
	ID        string   `json:"id" validate:"required"`
	Assembly  string   `json:"assembly" validate:"required"`
	Name      string   `json:"name" validate:"required"`
	Length    int64    `json:"length" validate:"gte=0"`
	ChunkSize int64    `json:"chunkSize,omitempty"`
	Aliases   []string `json:"aliases,omitempty"`
}

// Matches reports whether name is the refseq's name or one of its aliases.
func (r RefSeq) Matches(name string) bool {
	return r.Name == name || slices.Contains(r.Aliases, name)
}

// RefSeqChunk holds bases [N*ChunkSize, (N+1)*ChunkSize) of a refseq.
type RefSeqChunk struct {
	RefSeq   string `json:"refSeq"`
	N        int64  `json:"n"`
	Sequence string `json:"sequence"`
}

// ResolveRefSeq finds the refseq in candidates that matches source by name
// or alias.
func ResolveRefSeq(source RefSeq, candidates []RefSeq) (RefSeq, bool) {
	for _, c := range candidates {
		if c.Matches(source.Name) {
			return c, true
		}
		for _, alias := range source.Aliases {
			if c.Matches(alias) {
				return c, true
			}
		}
	}
	return RefSeq{}, false
}

// Chunk splits a full sequence into chunks of size chunkSize.
func Chunk(refSeqID, sequence string, chunkSize int64) []RefSeqChunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks []RefSeqChunk
	for n := int64(0); n*chunkSize < int64(len(sequence)); n++ {
		end := min((n+1)*chunkSize, int64(len(sequence)))
		chunks = append(chunks, RefSeqChunk{
			RefSeq:   refSeqID,
			N:        n,
			Sequence: sequence[n*chunkSize : end],
		})
	}
	return chunks
}

// RefSeqID derives a stable refseq id from its assembly and name.
func RefSeqID(assembly, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(assembly+"/"+name)).String()
}
