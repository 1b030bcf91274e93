// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package changes implements the annotation change engine.
//
// A Change is a serializable, invertible command. Every change can execute
// against three kinds of backend:
//
//   - Server: the persistent document store, inside a transaction.
//   - LocalGFF3: a flat GFF3 file loaded into memory.
//   - Client: the in-memory tree of an editing session.
//
// Apply dispatches on Backend.Kind. Combinations a change does not support
// fail with ErrUnsupportedBackend rather than doing nothing.
//
// # Inverse Law
//
// For every valid change c applied to a snapshot S,
// Apply(Apply(S, c), c.Inverse()) equals S, ids included. Changes that
// create nodes choose the new ids when they are constructed, so a change
// replayed on another backend produces the same ids.
//
// # Wire Format
//
// Changes are encoded by a Registry. The envelope is a flat object carrying
// typeName, changedIds and assembly next to the change-specific fields.
// Batched changes also accept a "changes" array and encode a one-element
// batch back to the flat form.
package changes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrFeatureNotFound indicates a referenced feature id could not be located.
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrAssemblyNotFound indicates a referenced assembly does not exist.
	ErrAssemblyNotFound = errors.New("assembly not found")

	// ErrRefSeqNotFound indicates no reference sequence matched.
	ErrRefSeqNotFound = errors.New("reference sequence not found")

	// ErrConflict indicates the caller's expected old value did not match the
	// stored value.
	ErrConflict = errors.New("optimistic conflict")

	// ErrUnsupportedBackend indicates the change cannot execute on the backend.
	ErrUnsupportedBackend = errors.New("change not supported on backend")

	// ErrNotInvertible indicates a change without an inverse.
	ErrNotInvertible = errors.New("change is not invertible")

	// ErrUnknownChangeType indicates a typeName absent from the registry.
	ErrUnknownChangeType = errors.New("unknown change type")

	// ErrChangeTypeRegistered indicates a duplicate registration.
	ErrChangeTypeRegistered = errors.New("change type already registered")

	// ErrInvalidChange indicates a malformed change payload.
	ErrInvalidChange = errors.New("invalid change")
)

func conflict(featureID, field string, want, have any) error {
	return fmt.Errorf("%w: %s %s is %v, expected %v", ErrConflict, featureID, field, have, want)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
}

func unsupported(kind Kind, backend BackendKind) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedBackend, kind, backend)
}

// =============================================================================
// Change
// =============================================================================

// Kind is the wire discriminator of a change type.
type Kind string

const (
	KindAddFeature                 Kind = "AddFeatureChange"
	KindDeleteFeature              Kind = "DeleteFeatureChange"
	KindCopyFeature                Kind = "CopyFeatureChange"
	KindLocationStart              Kind = "LocationStartChange"
	KindLocationEnd                Kind = "LocationEndChange"
	KindType                       Kind = "TypeChange"
	KindFeatureAttribute           Kind = "FeatureAttributeChange"
	KindStrand                     Kind = "StrandChange"
	KindDiscontinuousLocationStart Kind = "DiscontinuousLocationStartChange"
	KindDiscontinuousLocationEnd   Kind = "DiscontinuousLocationEndChange"
	KindMergeExons                 Kind = "MergeExonsChange"
	KindUndoMergeExons             Kind = "UndoMergeExonsChange"
	KindSplitExon                  Kind = "SplitExonChange"
	KindUndoSplitExon              Kind = "UndoSplitExonChange"
	KindMergeTranscripts           Kind = "MergeTranscriptsChange"
	KindUndoMergeTranscripts       Kind = "UndoMergeTranscriptsChange"
	KindAddAssemblyFromFile        Kind = "AddAssemblyFromFileChange"
	KindAddFeaturesFromFile        Kind = "AddFeaturesFromFileChange"
	KindDeleteAssembly             Kind = "DeleteAssemblyChange"
)

// Change is one logical edit.
//
// The interface is sealed: only types in this package implement it.
type Change interface {
	// TypeName returns the wire discriminator.
	TypeName() Kind

	// ChangedIDs returns the feature ids touched, in order.
	ChangedIDs() []string

	// AssemblyID returns the assembly the change applies within.
	AssemblyID() string

	// Notification returns an optional user-facing success message.
	Notification() string

	// Inverse returns the change that undoes this one.
	Inverse() (Change, error)

	ExecuteOnServer(ctx context.Context, backend ServerBackend) error
	ExecuteOnLocalGFF3(ctx context.Context, backend LocalGFF3Backend) error
	ExecuteOnClient(ctx context.Context, backend ClientBackend) error

	sealed()
}

// Meta carries the fields shared by every change.
type Meta struct {
	IDs      []string `json:"changedIds,omitempty"`
	Assembly string   `json:"assembly" validate:"required"`
}

// ChangedIDs returns a copy of the touched ids.
func (m *Meta) ChangedIDs() []string {
	return slices.Clone(m.IDs)
}

// AssemblyID returns the assembly id.
func (m *Meta) AssemblyID() string {
	return m.Assembly
}

func (m *Meta) sealed() {}

// Bulk reports whether a change streams external data or touches a whole
// assembly, and so must run outside a transaction.
func Bulk(c Change) bool {
	switch c.TypeName() {
	case KindAddAssemblyFromFile, KindAddFeaturesFromFile, KindDeleteAssembly:
		return true
	default:
		return false
	}
}

// AssemblyLevel reports whether a change targets a whole assembly rather
// than features on one reference sequence.
func AssemblyLevel(c Change) bool {
	switch c.TypeName() {
	case KindAddAssemblyFromFile, KindAddFeaturesFromFile, KindDeleteAssembly:
		return true
	default:
		return false
	}
}

// =============================================================================
// Backends
// =============================================================================

// BackendKind identifies which Execute method a backend receives.
type BackendKind int

const (
	BackendServer BackendKind = iota + 1
	BackendLocalGFF3
	BackendClient
)

// String returns the backend name.
func (k BackendKind) String() string {
	switch k {
	case BackendServer:
		return "server"
	case BackendLocalGFF3:
		return "local-gff3"
	case BackendClient:
		return "client"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// Backend is an execution target.
type Backend interface {
	Kind() BackendKind
}

// TreeStore locates and persists top-level feature trees.
//
// FindTree returns a private copy of the tree containing featureID; callers
// mutate the copy and write it back with PutTree, so a failed change leaves
// no partial state. FindTree wraps ErrFeatureNotFound for unknown ids.
// PutTree inserts or replaces the document keyed by the tree's root id and
// fails with ErrConflict if any id already belongs to another document.
type TreeStore interface {
	FindTree(ctx context.Context, featureID string) (*feature.Tree, error)
	PutTree(ctx context.Context, assembly string, t *feature.Tree) error
	DeleteTree(ctx context.Context, topID string) error
}

// RefSeqSource lists the reference sequences of an assembly.
type RefSeqSource interface {
	RefSeqs(ctx context.Context, assemblyID string) ([]feature.RefSeq, error)
}

// DocumentStore is the session-scoped view of the persistent store.
type DocumentStore interface {
	TreeStore
	RefSeqSource
	FindAssembly(ctx context.Context, id string) (*feature.Assembly, error)
	CreateAssembly(ctx context.Context, a *feature.Assembly) error
	DeleteAssembly(ctx context.Context, id string) error
	CreateRefSeq(ctx context.Context, r *feature.RefSeq) error
	CreateRefSeqChunk(ctx context.Context, c *feature.RefSeqChunk) error
}

// FeatureIterator streams top-level features. Next returns io.EOF when done.
type FeatureIterator interface {
	Next() (*feature.Feature, error)
}

// FileStore reads uploaded files.
type FileStore interface {
	ParseGFF3(ctx context.Context, fileID string) (FeatureIterator, error)
	OpenRaw(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// ServerBackend is the persistent document store.
//
// Documents is bound to the current transaction. Bulk writes outside any
// transaction and is used only by changes for which Bulk reports true.
type ServerBackend interface {
	Backend
	Documents() DocumentStore
	Bulk() DocumentStore
	Files() FileStore
}

// LocalGFF3Backend is a GFF3 file held in memory.
type LocalGFF3Backend interface {
	Backend
	TreeStore
}

// AssemblyRegistry tracks the assemblies open in a client session.
type AssemblyRegistry interface {
	RefSeqSource
	Assembly(id string) (*feature.Assembly, bool)
	AddAssembly(a feature.Assembly, refSeqs []feature.RefSeq)
	RemoveAssembly(id string)
}

// ClientBackend is the in-memory tree of an editing session.
type ClientBackend interface {
	Backend
	TreeStore
	Assemblies() AssemblyRegistry
}

// Apply executes c against backend, dispatching on the backend's kind.
func Apply(ctx context.Context, c Change, backend Backend) error {
	switch backend.Kind() {
	case BackendServer:
		if b, ok := backend.(ServerBackend); ok {
			return c.ExecuteOnServer(ctx, b)
		}
	case BackendLocalGFF3:
		if b, ok := backend.(LocalGFF3Backend); ok {
			return c.ExecuteOnLocalGFF3(ctx, b)
		}
	case BackendClient:
		if b, ok := backend.(ClientBackend); ok {
			return c.ExecuteOnClient(ctx, b)
		}
	}
	return unsupported(c.TypeName(), backend.Kind())
}
