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
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

// LogEntry is one committed change in the change log.
type LogEntry struct {
	Sequence  int64           `json:"sequence"`
	Assembly  string          `json:"assembly"`
	TypeName  string          `json:"typeName"`
	Channels  []string        `json:"channels"`
	Change    json.RawMessage `json:"change"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	UserToken string          `json:"userToken,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MatchesAny reports whether the entry was broadcast on any of channels.
// An empty filter matches everything.
func (e LogEntry) MatchesAny(channels []string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, ch := range e.Channels {
		if slices.Contains(channels, ch) {
			return true
		}
	}
	return false
}

// commit assigns e the next sequence number, writes it into txn and
// commits. A nil e commits txn alone.
//
// Numbers are handed out under logMu after the caller's writes are staged,
// and the counter key is written blind, so sessions over disjoint records
// never conflict on the log. A failed commit consumes no number. Commit
// listeners run under logMu, which delivers entries in sequence order.
func (s *Store) commit(txn *badger.Txn, e *LogEntry) error {
	if e == nil {
		return badgerstore.CommitTxn(txn)
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()

	last, err := s.lastSequenceLocked()
	if err != nil {
		return err
	}
	e.Sequence = last + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := writeEntry(txn, e); err != nil {
		e.Sequence = 0
		return err
	}
	if err := badgerstore.CommitTxn(txn); err != nil {
		e.Sequence = 0
		return err
	}
	s.lastSeq = e.Sequence
	for _, fn := range s.listeners {
		fn(*e)
	}
	return nil
}

// lastSequenceLocked returns the last committed sequence, loading it from
// disk on first use. Callers hold logMu.
func (s *Store) lastSequenceLocked() (int64, error) {
	if s.seqLoaded {
		return s.lastSeq, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		seq, err := readSequence(txn)
		s.lastSeq = seq
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load change sequence: %w", err)
	}
	s.seqLoaded = true
	return s.lastSeq, nil
}

func writeEntry(txn *badger.Txn, e *LogEntry) error {
	if err := txn.Set([]byte(keyChangeSeq), strconv.AppendInt(nil, e.Sequence, 10)); err != nil {
		return err
	}
	return badgerstore.SetJSON(txn, changeKey(e.Sequence), e)
}

// OnCommit registers fn to receive every logged entry after it commits.
// Entries arrive one at a time in sequence order; fn must not block or
// call back into the change log.
func (s *Store) OnCommit(fn func(LogEntry)) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func readSequence(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(keyChangeSeq))
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
	if err != nil {
		return 0, fmt.Errorf("reading change sequence: %w", err)
	}
	return seq, nil
}

// AppendChange stages e to be logged when the session commits. e.Sequence
// is set by a successful commit; a session logs at most one entry.
func (s *Session) AppendChange(e *LogEntry) error {
	if s.pending != nil {
		return errors.New("session already logged a change")
	}
	s.pending = e
	return nil
}

// AppendChange logs e in its own transaction, setting e.Sequence. Used for
// bulk changes, which have no session.
func (s *Store) AppendChange(ctx context.Context, e *LogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	return s.commit(txn, e)
}

// LatestSequence returns the last assigned sequence number, 0 when the log
// is empty.
func (s *Store) LatestSequence(ctx context.Context) (seq int64, err error) {
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		seq, err = readSequence(txn)
		return err
	})
	return seq, err
}

// ChangesSince returns entries with a sequence greater than since, in
// sequence order, filtered to channels when any are given.
//
// # Inputs
//
//   - since: Last sequence the caller has seen.
//   - channels: Channel filter; empty returns every entry.
//   - limit: Maximum entries returned; zero or less means no limit.
func (s *Store) ChangesSince(ctx context.Context, since int64, channels []string, limit int) ([]LogEntry, error) {
	var out []LogEntry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanFrom(txn, []byte(prefixChange), changeKey(since+1), func(k, v []byte) error {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if !e.MatchesAny(channels) {
				return nil
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return badgerstore.ErrStopScan
			}
			return nil
		})
	})
	return out, err
}
