// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package docstore is the server's persistent document store on BadgerDB.
//
// # Description
//
// Each top-level feature is one document holding its whole subtree and an
// allIds list, so any feature id resolves to its document through one
// index lookup. Assemblies, refseqs, sequence chunks and the change log
// live in the same database.
//
// Writes go through a Session, which is one badger transaction: a change
// executed in a session either commits entirely or leaves no trace. Bulk
// imports that can exceed badger's transaction size use a BulkWriter
// instead, which commits every record on its own.
//
// # Thread Safety
//
// Store is safe for concurrent use. A Session or BulkWriter belongs to one
// goroutine.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

var tracer = otel.Tracer("aleutian.annotate.docstore")

// Store owns the database. Open one Store per database: the change log's
// sequence counter is cached here.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger

	logMu     sync.Mutex
	lastSeq   int64
	seqLoaded bool
	listeners []func(LogEntry)
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *badgerstore.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "docstore"))}
}

// DB returns the underlying database.
func (s *Store) DB() *badgerstore.DB { return s.db }

// InSession runs fn inside one read-write transaction.
//
// # Description
//
// The session commits when fn returns nil and is discarded otherwise, so
// a change that fails validation or hits a conflict halfway leaves the
// store untouched. An entry staged with Session.AppendChange is numbered
// and written as part of the same commit.
//
// # Outputs
//
//   - error: fn's error, or badgerstore.ErrTxnConflict when a concurrent
//     session committed a record this one read.
func (s *Store) InSession(ctx context.Context, fn func(*Session) error) error {
	ctx, span := tracer.Start(ctx, "docstore.Session")
	defer span.End()

	err := s.runSession(ctx, fn, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) runSession(ctx context.Context, fn func(*Session) error, span trace.Span) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	sess := &Session{txn: txn, channels: newChannelSet()}
	if err := fn(sess); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("session.channels", len(sess.channels.list)),
		attribute.Bool("session.logged", sess.pending != nil),
	)
	return s.commit(txn, sess.pending)
}

// Bulk returns a non-transactional writer.
func (s *Store) Bulk() *BulkWriter {
	return &BulkWriter{db: s.db, channels: newChannelSet()}
}

// =============================================================================
// Session
// =============================================================================

// Session is the changes.DocumentStore view of one transaction.
type Session struct {
	txn      *badger.Txn
	channels *channelSet
	pending  *LogEntry
}

// Channels returns the broadcast channels of every document the session
// wrote or deleted, in first-touch order.
func (s *Session) Channels() []string { return s.channels.slice() }

// Touch adds channel to the session's broadcast set.
func (s *Session) Touch(channel string) { s.channels.add(channel) }

func (s *Session) FindTree(_ context.Context, featureID string) (*feature.Tree, error) {
	return findTree(s.txn, featureID)
}

// FindDocument returns the stored document containing featureID.
func (s *Session) FindDocument(_ context.Context, featureID string) (*feature.Document, error) {
	return findDocument(s.txn, featureID)
}

func (s *Session) PutTree(_ context.Context, assembly string, t *feature.Tree) error {
	touched, err := putDocument(s.txn, feature.NewDocument(assembly, t))
	s.channels.add(touched...)
	return err
}

func (s *Session) DeleteTree(_ context.Context, topID string) error {
	ch, err := deleteDocument(s.txn, topID)
	if err != nil {
		return err
	}
	s.channels.add(ch)
	return nil
}

func (s *Session) RefSeqs(_ context.Context, assembly string) ([]feature.RefSeq, error) {
	return listRefSeqs(s.txn, assembly)
}

func (s *Session) FindAssembly(_ context.Context, id string) (*feature.Assembly, error) {
	return findAssembly(s.txn, id)
}

func (s *Session) CreateAssembly(_ context.Context, a *feature.Assembly) error {
	s.channels.add(a.ID)
	return badgerstore.SetJSON(s.txn, assemblyKey(a.ID), a)
}

// DeleteAssembly removes the assembly with every record that belongs to it.
func (s *Session) DeleteAssembly(_ context.Context, id string) error {
	keys, channels, err := assemblyKeys(s.txn, id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.txn.Delete(k); err != nil {
			return err
		}
	}
	s.channels.add(id)
	s.channels.add(channels...)
	return nil
}

func (s *Session) CreateRefSeq(_ context.Context, r *feature.RefSeq) error {
	if err := badgerstore.SetJSON(s.txn, refSeqKey(r.ID), r); err != nil {
		return err
	}
	return s.txn.Set(asmRefSeqKey(r.Assembly, r.ID), nil)
}

func (s *Session) CreateRefSeqChunk(_ context.Context, c *feature.RefSeqChunk) error {
	return badgerstore.SetJSON(s.txn, chunkKey(c.RefSeq, c.N), c)
}

// =============================================================================
// BulkWriter
// =============================================================================

// BulkWriter is a changes.DocumentStore that commits each record on its
// own. Pure writes (refseqs, chunks, assemblies) are buffered in a badger
// WriteBatch; anything that reads flushes the batch first.
//
// A failure leaves every earlier record in place.
type BulkWriter struct {
	db       *badgerstore.DB
	batch    *badger.WriteBatch
	channels *channelSet
}

// Channels returns the broadcast channels of written documents.
func (b *BulkWriter) Channels() []string { return b.channels.slice() }

// Flush commits buffered writes.
func (b *BulkWriter) Flush() error {
	if b.batch == nil {
		return nil
	}
	wb := b.batch
	b.batch = nil
	return wb.Flush()
}

// Close flushes and releases the writer.
func (b *BulkWriter) Close() error { return b.Flush() }

func (b *BulkWriter) write(fn func(wb *badger.WriteBatch) error) error {
	if b.batch == nil {
		b.batch = b.db.NewWriteBatch()
	}
	return fn(b.batch)
}

func (b *BulkWriter) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := b.Flush(); err != nil {
		return err
	}
	return b.db.WithTxn(ctx, fn)
}

func (b *BulkWriter) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := b.Flush(); err != nil {
		return err
	}
	return b.db.WithReadTxn(ctx, fn)
}

func (b *BulkWriter) FindTree(ctx context.Context, featureID string) (t *feature.Tree, err error) {
	err = b.view(ctx, func(txn *badger.Txn) error {
		t, err = findTree(txn, featureID)
		return err
	})
	return t, err
}

func (b *BulkWriter) PutTree(ctx context.Context, assembly string, t *feature.Tree) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		touched, err := putDocument(txn, feature.NewDocument(assembly, t))
		b.channels.add(touched...)
		return err
	})
}

func (b *BulkWriter) DeleteTree(ctx context.Context, topID string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		ch, err := deleteDocument(txn, topID)
		if err != nil {
			return err
		}
		b.channels.add(ch)
		return nil
	})
}

func (b *BulkWriter) RefSeqs(ctx context.Context, assembly string) (out []feature.RefSeq, err error) {
	err = b.view(ctx, func(txn *badger.Txn) error {
		out, err = listRefSeqs(txn, assembly)
		return err
	})
	return out, err
}

func (b *BulkWriter) FindAssembly(ctx context.Context, id string) (a *feature.Assembly, err error) {
	err = b.view(ctx, func(txn *badger.Txn) error {
		a, err = findAssembly(txn, id)
		return err
	})
	return a, err
}

func (b *BulkWriter) CreateAssembly(_ context.Context, a *feature.Assembly) error {
	b.channels.add(a.ID)
	return b.write(func(wb *badger.WriteBatch) error {
		return setJSONBatch(wb, assemblyKey(a.ID), a)
	})
}

// DeleteAssembly removes the assembly's records through the write batch,
// which splits deletes across as many commits as badger needs.
func (b *BulkWriter) DeleteAssembly(ctx context.Context, id string) error {
	var keys [][]byte
	var channels []string
	if err := b.view(ctx, func(txn *badger.Txn) (err error) {
		keys, channels, err = assemblyKeys(txn, id)
		return err
	}); err != nil {
		return err
	}
	b.channels.add(id)
	b.channels.add(channels...)
	return b.write(func(wb *badger.WriteBatch) error {
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BulkWriter) CreateRefSeq(_ context.Context, r *feature.RefSeq) error {
	return b.write(func(wb *badger.WriteBatch) error {
		if err := setJSONBatch(wb, refSeqKey(r.ID), r); err != nil {
			return err
		}
		return wb.Set(asmRefSeqKey(r.Assembly, r.ID), nil)
	})
}

func (b *BulkWriter) CreateRefSeqChunk(_ context.Context, c *feature.RefSeqChunk) error {
	return b.write(func(wb *badger.WriteBatch) error {
		return setJSONBatch(wb, chunkKey(c.RefSeq, c.N), c)
	})
}

// =============================================================================
// Backend
// =============================================================================

// Backend is the changes.ServerBackend for one change execution.
type Backend struct {
	session *Session
	bulk    *BulkWriter
	files   changes.FileStore
}

// NewBackend pairs a session with a bulk writer and file store. A nil
// session routes Documents to the bulk writer, for changes that run
// outside a transaction.
func NewBackend(session *Session, bulk *BulkWriter, files changes.FileStore) *Backend {
	return &Backend{session: session, bulk: bulk, files: files}
}

func (b *Backend) Kind() changes.BackendKind { return changes.BackendServer }

func (b *Backend) Documents() changes.DocumentStore {
	if b.session == nil {
		return b.bulk
	}
	return b.session
}

func (b *Backend) Bulk() changes.DocumentStore { return b.bulk }

func (b *Backend) Files() changes.FileStore { return b.files }

// Channels merges the channels touched through the session and the bulk
// writer.
func (b *Backend) Channels() []string {
	set := newChannelSet()
	if b.session != nil {
		set.add(b.session.Channels()...)
	}
	if b.bulk != nil {
		set.add(b.bulk.Channels()...)
	}
	return set.slice()
}

// =============================================================================
// helpers
// =============================================================================

type channelSet struct {
	seen map[string]bool
	list []string
}

func newChannelSet() *channelSet { return &channelSet{seen: map[string]bool{}} }

func (c *channelSet) add(chs ...string) {
	for _, ch := range chs {
		if ch != "" && !c.seen[ch] {
			c.seen[ch] = true
			c.list = append(c.list, ch)
		}
	}
}

func (c *channelSet) slice() []string {
	return append([]string(nil), c.list...)
}

// Compile-time interface compliance checks.
var (
	_ changes.DocumentStore = (*Session)(nil)
	_ changes.DocumentStore = (*BulkWriter)(nil)
	_ changes.ServerBackend = (*Backend)(nil)
)

func setJSONBatch(wb *badger.WriteBatch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return wb.Set(key, data)
}
