// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

// The functions below implement every record operation against one badger
// transaction. Session runs them all in a single transaction; BulkWriter
// runs each in its own.

func findRoot(txn *badger.Txn, id string) (string, error) {
	item, err := txn.Get(featureIdxKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, id)
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func getDocument(txn *badger.Txn, rootID string) (*feature.Document, error) {
	var doc feature.Document
	if err := badgerstore.GetJSON(txn, featureKey(rootID), &doc); err != nil {
		if errors.Is(err, badgerstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, rootID)
		}
		return nil, err
	}
	return &doc, nil
}

func findDocument(txn *badger.Txn, id string) (*feature.Document, error) {
	root, err := findRoot(txn, id)
	if err != nil {
		return nil, err
	}
	return getDocument(txn, root)
}

func findTree(txn *badger.Txn, id string) (*feature.Tree, error) {
	doc, err := findDocument(txn, id)
	if err != nil {
		return nil, err
	}
	return doc.Tree()
}

// putDocument writes doc and its indexes, dropping index entries of the
// previous version. It returns the channels of both versions.
func putDocument(txn *badger.Txn, doc *feature.Document) ([]string, error) {
	root := doc.Feature.ID
	for _, id := range doc.AllIDs {
		owner, err := findRoot(txn, id)
		if errors.Is(err, changes.ErrFeatureNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if owner != root {
			return nil, fmt.Errorf("%w: %s belongs to %s", changes.ErrConflict, id, owner)
		}
	}

	var touched []string
	old, err := getDocument(txn, root)
	switch {
	case err == nil:
		ch, err := dropIndexes(txn, old, doc.AllIDs)
		if err != nil {
			return nil, err
		}
		touched = append(touched, ch)
	case !errors.Is(err, changes.ErrFeatureNotFound):
		return nil, err
	}

	if err := badgerstore.SetJSON(txn, featureKey(root), doc); err != nil {
		return nil, err
	}
	for _, id := range doc.AllIDs {
		if err := txn.Set(featureIdxKey(id), []byte(root)); err != nil {
			return nil, err
		}
	}
	start, _ := doc.Feature.Extent()
	if err := txn.Set(refSeqFeatKey(doc.Feature.RefSeq, start, root), nil); err != nil {
		return nil, err
	}
	return append(touched, Channel(doc.Assembly, doc.Feature.RefSeq)), nil
}

// dropIndexes removes the region key of doc and the allIds entries not in
// keep, returning doc's channel.
func dropIndexes(txn *badger.Txn, doc *feature.Document, keep []string) (string, error) {
	for _, id := range doc.AllIDs {
		if slices.Contains(keep, id) {
			continue
		}
		if err := txn.Delete(featureIdxKey(id)); err != nil {
			return "", err
		}
	}
	start, _ := doc.Feature.Extent()
	if err := txn.Delete(refSeqFeatKey(doc.Feature.RefSeq, start, doc.Feature.ID)); err != nil {
		return "", err
	}
	return Channel(doc.Assembly, doc.Feature.RefSeq), nil
}

func deleteDocument(txn *badger.Txn, rootID string) (string, error) {
	doc, err := getDocument(txn, rootID)
	if err != nil {
		return "", err
	}
	ch, err := dropIndexes(txn, doc, nil)
	if err != nil {
		return "", err
	}
	return ch, txn.Delete(featureKey(rootID))
}

func findAssembly(txn *badger.Txn, id string) (*feature.Assembly, error) {
	var a feature.Assembly
	if err := badgerstore.GetJSON(txn, assemblyKey(id), &a); err != nil {
		if errors.Is(err, badgerstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", changes.ErrAssemblyNotFound, id)
		}
		return nil, err
	}
	return &a, nil
}

func refSeqIDs(txn *badger.Txn, assembly string) ([]string, error) {
	prefix := asmRefSeqPrefix(assembly)
	var ids []string
	err := badgerstore.ScanKeys(txn, prefix, func(key []byte) error {
		ids = append(ids, string(key[len(prefix):]))
		return nil
	})
	return ids, err
}

func listRefSeqs(txn *badger.Txn, assembly string) ([]feature.RefSeq, error) {
	ids, err := refSeqIDs(txn, assembly)
	if err != nil {
		return nil, err
	}
	out := make([]feature.RefSeq, 0, len(ids))
	for _, id := range ids {
		var r feature.RefSeq
		if err := badgerstore.GetJSON(txn, refSeqKey(id), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func getRefSeq(txn *badger.Txn, id string) (*feature.RefSeq, error) {
	var r feature.RefSeq
	if err := badgerstore.GetJSON(txn, refSeqKey(id), &r); err != nil {
		if errors.Is(err, badgerstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", changes.ErrRefSeqNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

// assemblyKeys lists every key that belongs to assembly: the assembly,
// its refseqs and chunks, and its feature documents with their indexes.
// It also returns the channels those documents were broadcast on.
func assemblyKeys(txn *badger.Txn, assembly string) ([][]byte, []string, error) {
	if _, err := findAssembly(txn, assembly); err != nil {
		return nil, nil, err
	}
	keys := [][]byte{assemblyKey(assembly)}
	ids, err := refSeqIDs(txn, assembly)
	if err != nil {
		return nil, nil, err
	}
	for _, refSeqID := range ids {
		keys = append(keys, refSeqKey(refSeqID), asmRefSeqKey(assembly, refSeqID))
		if err := badgerstore.ScanKeys(txn, chunkPrefix(refSeqID), func(k []byte) error {
			keys = append(keys, k)
			return nil
		}); err != nil {
			return nil, nil, err
		}
	}

	seen := map[string]bool{}
	var channels []string
	err = badgerstore.ScanPrefix(txn, []byte(prefixFeature), func(k, v []byte) error {
		var doc feature.Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		if doc.Assembly != assembly {
			return nil
		}
		start, _ := doc.Feature.Extent()
		keys = append(keys, slices.Clone(k), refSeqFeatKey(doc.Feature.RefSeq, start, doc.Feature.ID))
		for _, id := range doc.AllIDs {
			keys = append(keys, featureIdxKey(id))
		}
		if ch := Channel(assembly, doc.Feature.RefSeq); !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return keys, channels, nil
}
