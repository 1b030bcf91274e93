// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package driver

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

// SequenceStore remembers the last change-log sequence a client applied,
// so a reconnect replays only what it missed.
type SequenceStore interface {
	LastSequence(ctx context.Context) (int64, error)

	// Advance records seq when it is greater than the stored value.
	Advance(ctx context.Context, seq int64) error
}

// MemorySequenceStore keeps the sequence for the life of the process.
type MemorySequenceStore struct {
	mu  sync.Mutex
	seq int64
}

func (m *MemorySequenceStore) LastSequence(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func (m *MemorySequenceStore) Advance(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = max(m.seq, seq)
	return nil
}

// BadgerSequenceStore persists the sequence in a badger database, keyed
// by server so one client database can follow several servers.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerSequenceStore struct {
	db  *badgerstore.DB
	key []byte
}

// NewBadgerSequenceStore stores the sequence for server in db.
func NewBadgerSequenceStore(db *badgerstore.DB, server string) *BadgerSequenceStore {
	return &BadgerSequenceStore{db: db, key: []byte("driver:seq:" + server)}
}

func (b *BadgerSequenceStore) LastSequence(ctx context.Context) (seq int64, err error) {
	err = b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		seq, err = readSeq(txn, b.key)
		return err
	})
	return seq, err
}

func (b *BadgerSequenceStore) Advance(ctx context.Context, seq int64) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		cur, err := readSeq(txn, b.key)
		if err != nil || seq <= cur {
			return err
		}
		return txn.Set(b.key, strconv.AppendInt(nil, seq, 10))
	})
}

func readSeq(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq int64
	err = item.Value(func(val []byte) error {
		seq, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return seq, err
}

var (
	_ SequenceStore = (*MemorySequenceStore)(nil)
	_ SequenceStore = (*BadgerSequenceStore)(nil)
)
