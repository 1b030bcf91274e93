// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package filestore keeps uploaded FASTA and GFF3 files in a directory and
// serves them to bulk import changes as a changes.FileStore.
//
// Files are named by ULID, so a directory listing is in upload order.
// Gzip-compressed uploads are detected by their magic bytes and
// decompressed on read.
package filestore

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/AleutianAI/AleutianAnnotate/pkg/validation"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/gff3"
)

var (
	// ErrFileNotFound indicates an unknown file id.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidFileID indicates a file id that cannot name a stored file.
	ErrInvalidFileID = errors.New("invalid file id")
)

// Store is a directory of uploaded files.
//
// # Thread Safety
//
// Safe for concurrent use; each file is written once under a fresh id.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates dir if needed and returns a store over it.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create file store %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger.With(slog.String("component", "filestore"))}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(fileID string) (string, error) {
	if err := validation.ValidateIdentifier(fileID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFileID, err)
	}
	return filepath.Join(s.dir, fileID), nil
}

// Put copies r into a new file and returns its id.
func (s *Store) Put(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := ulid.Make().String()
	path, err := s.path(id)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.dir, ".upload-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	tmpPath := f.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("rename upload: %w", err)
	}
	success = true
	s.logger.Info("file stored", slog.String("file_id", id), slog.Int64("bytes", n))
	return id, nil
}

// PutFile stores a copy of the file at path.
func (s *Store) PutFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.Put(ctx, f)
}

// Delete removes a stored file.
func (s *Store) Delete(fileID string) error {
	path, err := s.path(fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	} else if err != nil {
		return err
	}
	return nil
}

// OpenRaw opens a stored file, decompressing gzip content.
func (s *Store) OpenRaw(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip %s: %w", fileID, err)
		}
		return &readCloser{Reader: zr, close: func() error {
			return errors.Join(zr.Close(), f.Close())
		}}, nil
	}
	return &readCloser{Reader: br, close: f.Close}, nil
}

// ParseGFF3 streams the top-level features of a stored GFF3 file. The file
// is closed once the iterator returns an error or io.EOF.
func (s *Store) ParseGFF3(ctx context.Context, fileID string) (changes.FeatureIterator, error) {
	rc, err := s.OpenRaw(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &featureIterator{rd: gff3.NewReader(rc), rc: rc}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

type featureIterator struct {
	rd *gff3.Reader
	rc io.ReadCloser
}

func (it *featureIterator) Next() (f *feature.Feature, err error) {
	f, err = it.rd.Next()
	if err != nil && it.rc != nil {
		it.rc.Close()
		it.rc = nil
	}
	return f, err
}

var _ changes.FileStore = (*Store)(nil)
