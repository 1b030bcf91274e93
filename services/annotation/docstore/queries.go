// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

// FindDocument returns the committed document containing featureID.
func (s *Store) FindDocument(ctx context.Context, featureID string) (doc *feature.Document, err error) {
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		doc, err = findDocument(txn, featureID)
		return err
	})
	return doc, err
}

// FeaturesInRegion returns the top-level documents on refSeq whose extent
// overlaps [start, end), ordered by extent start.
func (s *Store) FeaturesInRegion(ctx context.Context, refSeq string, start, end int64) ([]*feature.Document, error) {
	var out []*feature.Document
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanKeys(txn, refSeqFeatPrefix(refSeq), func(key []byte) error {
			docStart, root, err := parseRefSeqFeatKey(key, refSeq)
			if err != nil {
				return err
			}
			if docStart >= end {
				return badgerstore.ErrStopScan
			}
			doc, err := getDocument(txn, root)
			if err != nil {
				return err
			}
			if _, docEnd := doc.Feature.Extent(); docEnd > start {
				out = append(out, doc)
			}
			return nil
		})
	})
	return out, err
}

// Documents returns every document of assembly, in root id order.
func (s *Store) Documents(ctx context.Context, assembly string) ([]*feature.Document, error) {
	var out []*feature.Document
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanPrefix(txn, []byte(prefixFeature), func(k, v []byte) error {
			var doc feature.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if doc.Assembly == assembly {
				out = append(out, &doc)
			}
			return nil
		})
	})
	return out, err
}

// Assemblies lists every assembly in id order.
func (s *Store) Assemblies(ctx context.Context) ([]feature.Assembly, error) {
	var out []feature.Assembly
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanPrefix(txn, []byte(prefixAssembly), func(k, v []byte) error {
			var a feature.Assembly
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// FindAssembly returns one assembly.
func (s *Store) FindAssembly(ctx context.Context, id string) (a *feature.Assembly, err error) {
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		a, err = findAssembly(txn, id)
		return err
	})
	return a, err
}

// RefSeqs lists the refseqs of assembly.
//
// # Outputs
//
//   - error: changes.ErrAssemblyNotFound for an unknown assembly.
func (s *Store) RefSeqs(ctx context.Context, assembly string) (out []feature.RefSeq, err error) {
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if _, err := findAssembly(txn, assembly); err != nil {
			return err
		}
		out, err = listRefSeqs(txn, assembly)
		return err
	})
	return out, err
}

// Sequence returns bases [start, end) of a refseq, clamped to its length.
func (s *Store) Sequence(ctx context.Context, refSeqID string, start, end int64) (string, error) {
	var sb strings.Builder
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		r, err := getRefSeq(txn, refSeqID)
		if err != nil {
			return err
		}
		start = max(start, 0)
		end = min(end, r.Length)
		if start >= end {
			return nil
		}
		size := r.ChunkSize
		if size <= 0 {
			size = feature.DefaultChunkSize
		}
		for n := start / size; n*size < end; n++ {
			var c feature.RefSeqChunk
			if err := badgerstore.GetJSON(txn, chunkKey(refSeqID, n), &c); err != nil {
				return fmt.Errorf("%w: chunk %d of %s: %v", changes.ErrRefSeqNotFound, n, refSeqID, err)
			}
			lo := max(start-n*size, 0)
			hi := min(end-n*size, int64(len(c.Sequence)))
			if lo < hi {
				sb.WriteString(c.Sequence[lo:hi])
			}
		}
		return nil
	})
	return sb.String(), err
}
