// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ontology holds the controlled vocabulary of feature types.
//
// The default vocabulary is a subset of the Sequence Ontology embedded in the
// binary. Deployments can point at their own YAML file, which is reloaded
// when it changes on disk.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package ontology

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize is the largest vocabulary file accepted (1MB).
const MaxYAMLFileSize = 1024 * 1024

//go:embed sequence_ontology.yaml
var defaultVocabularyYAML []byte

// ErrEmptyVocabulary is returned when a vocabulary file defines no terms.
var ErrEmptyVocabulary = errors.New("vocabulary has no terms")

// Term is one ontology entry.
type Term struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Synonyms []string `yaml:"synonyms,omitempty"`
}

type vocabularyYAML struct {
	Terms []Term `yaml:"terms"`
}

// Vocabulary answers membership queries by term name, synonym or id.
type Vocabulary struct {
	mu     sync.RWMutex
	terms  []Term
	lookup map[string]Term
}

// Default returns a vocabulary built from the embedded Sequence Ontology
// subset.
func Default() *Vocabulary {
	v, err := Parse(bytes.NewReader(defaultVocabularyYAML))
	if err != nil {
		panic(fmt.Sprintf("ontology: embedded vocabulary: %v", err))
	}
	return v
}

// Parse reads a vocabulary from YAML.
func Parse(r io.Reader) (*Vocabulary, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxYAMLFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("vocabulary exceeds %d bytes", MaxYAMLFileSize)
	}
	var doc vocabularyYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(doc.Terms) == 0 {
		return nil, ErrEmptyVocabulary
	}
	v := &Vocabulary{}
	if err := v.set(doc.Terms); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadFile reads a vocabulary from path.
func LoadFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func (v *Vocabulary) set(terms []Term) error {
	lookup := make(map[string]Term, len(terms)*2)
	for _, t := range terms {
		if t.Name == "" {
			return fmt.Errorf("term %q has no name", t.ID)
		}
		keys := append([]string{t.Name}, t.Synonyms...)
		if t.ID != "" {
			keys = append(keys, t.ID)
		}
		for _, k := range keys {
			if prev, dup := lookup[k]; dup && prev.Name != t.Name {
				return fmt.Errorf("%q names both %s and %s", k, prev.Name, t.Name)
			}
			lookup[k] = t
		}
	}
	v.mu.Lock()
	v.terms = slices.Clone(terms)
	v.lookup = lookup
	v.mu.Unlock()
	return nil
}

// Lookup returns the term named by name, a synonym or an id.
func (v *Vocabulary) Lookup(name string) (Term, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.lookup[name]
	return t, ok
}

// Contains reports whether name is a term, synonym or id.
func (v *Vocabulary) Contains(name string) bool {
	_, ok := v.Lookup(name)
	return ok
}

// Names returns every term name in file order.
func (v *Vocabulary) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, len(v.terms))
	for i, t := range v.terms {
		names[i] = t.Name
	}
	return names
}

// Reload replaces the vocabulary with the contents of path. On error the
// current terms are kept.
func (v *Vocabulary) Reload(path string) error {
	next, err := LoadFile(path)
	if err != nil {
		return err
	}
	next.mu.RLock()
	terms := next.terms
	next.mu.RUnlock()
	return v.set(terms)
}

// Watch reloads the vocabulary whenever path is written or replaced.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename are picked up. Reload failures are logged
// and the previous terms stay in effect. Watching stops when ctx is done.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be started.
func (v *Vocabulary) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := v.Reload(abs); err != nil {
					logger.Warn("ontology reload failed, keeping previous terms",
						slog.String("path", abs), slog.String("error", err.Error()))
					continue
				}
				logger.Info("ontology reloaded", slog.String("path", abs), slog.Int("terms", len(v.Names())))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("ontology watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}
