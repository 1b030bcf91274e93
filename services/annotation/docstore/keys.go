// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package docstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout. Integers are zero-padded so lexical order is numeric order.
//
//	feature:{rootID}                              Document JSON
//	featureidx:{id}                               rootID (allIds index)
//	refseqfeat:{refSeq}:{min:020d}:{rootID}       empty (region index)
//	assembly:{id}                                 Assembly JSON
//	refseq:{id}                                   RefSeq JSON
//	asmrefseq:{assembly}:{refSeqID}               empty
//	chunk:{refSeqID}:{n:012d}                     RefSeqChunk JSON
//	change:{seq:016d}                             LogEntry JSON
//	meta:changeseq                                last sequence, decimal
const (
	prefixFeature    = "feature:"
	prefixFeatureIdx = "featureidx:"
	prefixRefSeqFeat = "refseqfeat:"
	prefixAssembly   = "assembly:"
	prefixRefSeq     = "refseq:"
	prefixAsmRefSeq  = "asmrefseq:"
	prefixChunk      = "chunk:"
	prefixChange     = "change:"
	keyChangeSeq     = "meta:changeseq"
)

func featureKey(rootID string) []byte { return []byte(prefixFeature + rootID) }
func featureIdxKey(id string) []byte  { return []byte(prefixFeatureIdx + id) }
func assemblyKey(id string) []byte    { return []byte(prefixAssembly + id) }
func refSeqKey(id string) []byte      { return []byte(prefixRefSeq + id) }
func changeKey(seq int64) []byte      { return fmt.Appendf(nil, "%s%016d", prefixChange, seq) }
func refSeqFeatPrefix(refSeq string) []byte {
	return []byte(prefixRefSeqFeat + refSeq + ":")
}

// Coordinates are non-negative, so padding the raw value keeps order.
func refSeqFeatKey(refSeq string, start int64, rootID string) []byte {
	return fmt.Appendf(nil, "%s%s:%020d:%s", prefixRefSeqFeat, refSeq, max(start, 0), rootID)
}

func asmRefSeqPrefix(assembly string) []byte { return []byte(prefixAsmRefSeq + assembly + ":") }

func asmRefSeqKey(assembly, refSeqID string) []byte {
	return []byte(prefixAsmRefSeq + assembly + ":" + refSeqID)
}

func chunkPrefix(refSeqID string) []byte { return []byte(prefixChunk + refSeqID + ":") }

func chunkKey(refSeqID string, n int64) []byte {
	return fmt.Appendf(nil, "%s%s:%012d", prefixChunk, refSeqID, n)
}

// parseRefSeqFeatKey splits a region index key into its start and root id.
func parseRefSeqFeatKey(key []byte, refSeq string) (int64, string, error) {
	rest := strings.TrimPrefix(string(key), string(refSeqFeatPrefix(refSeq)))
	startStr, rootID, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed region key %q", key)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed region key %q: %w", key, err)
	}
	return start, rootID, nil
}

// Channel returns the broadcast channel of a refseq within an assembly.
func Channel(assembly, refSeq string) string {
	return assembly + "-" + refSeq
}
