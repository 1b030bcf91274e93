// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Constructor returns a zero change of one kind, ready to be decoded into.
type Constructor func() Change

// Registry maps wire typeNames to constructors.
//
// # Description
//
// The registry is used only at the serialization boundary. In-process code
// works with concrete change values directly. There is no package-level
// instance; build one with NewDefaultRegistry and pass it to the components
// that decode changes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[Kind]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[Kind]Constructor)}
}

// NewDefaultRegistry creates a registry holding every built-in change type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(fmt.Sprintf("changes: register builtins: %v", err))
	}
	return r
}

// Register adds a constructor for kind.
//
// # Outputs
//
//   - error: ErrChangeTypeRegistered if kind is already present.
func (r *Registry) Register(kind Kind, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[kind]; ok {
		return fmt.Errorf("%w: %s", ErrChangeTypeRegistered, kind)
	}
	r.ctors[kind] = ctor
	return nil
}

// Lookup returns the constructor for kind.
//
// # Outputs
//
//   - error: ErrUnknownChangeType if kind is absent.
func (r *Registry) Lookup(kind Kind) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChangeType, kind)
	}
	return ctor, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.ctors))
}

// Decode reconstructs a change from its wire form.
func (r *Registry) Decode(data []byte) (Change, error) {
	var envelope struct {
		TypeName Kind `json:"typeName"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if envelope.TypeName == "" {
		return nil, fmt.Errorf("%w: missing typeName", ErrInvalidChange)
	}
	ctor, err := r.Lookup(envelope.TypeName)
	if err != nil {
		return nil, err
	}
	c := ctor()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidChange, envelope.TypeName, err)
	}
	return c, nil
}

// Encode produces the wire form of c. The typeName field is written first.
func (r *Registry) Encode(c Change) ([]byte, error) {
	return Encode(c)
}

// Encode produces the wire form of c.
func Encode(c Change) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.TypeName(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not an object", c.TypeName())
	}
	var buf bytes.Buffer
	buf.WriteString(`{"typeName":`)
	name, _ := json.Marshal(string(c.TypeName()))
	buf.Write(name)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RegisterBuiltins registers every change type defined in this package.
func RegisterBuiltins(r *Registry) error {
	builtins := map[Kind]Constructor{
		KindAddFeature:                 func() Change { return &AddFeatureChange{} },
		KindDeleteFeature:              func() Change { return &DeleteFeatureChange{} },
		KindCopyFeature:                func() Change { return &CopyFeatureChange{} },
		KindLocationStart:              func() Change { return &LocationStartChange{} },
		KindLocationEnd:                func() Change { return &LocationEndChange{} },
		KindType:                       func() Change { return &TypeChange{} },
		KindFeatureAttribute:           func() Change { return &FeatureAttributeChange{} },
		KindStrand:                     func() Change { return &StrandChange{} },
		KindDiscontinuousLocationStart: func() Change { return &DiscontinuousLocationStartChange{} },
		KindDiscontinuousLocationEnd:   func() Change { return &DiscontinuousLocationEndChange{} },
		KindMergeExons:                 func() Change { return &MergeExonsChange{} },
		KindUndoMergeExons:             func() Change { return &UndoMergeExonsChange{} },
		KindSplitExon:                  func() Change { return &SplitExonChange{} },
		KindUndoSplitExon:              func() Change { return &UndoSplitExonChange{} },
		KindMergeTranscripts:           func() Change { return &MergeTranscriptsChange{} },
		KindUndoMergeTranscripts:       func() Change { return &UndoMergeTranscriptsChange{} },
		KindAddAssemblyFromFile:        func() Change { return &AddAssemblyFromFileChange{} },
		KindAddFeaturesFromFile:        func() Change { return &AddFeaturesFromFileChange{} },
		KindDeleteAssembly:             func() Change { return &DeleteAssemblyChange{} },
	}
	for _, kind := range slices.Sorted(maps.Keys(builtins)) {
		if err := r.Register(kind, builtins[kind]); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Batched encoding
// =============================================================================

// marshalBatch writes a one-element batch flat and larger batches under a
// "changes" array.
func marshalBatch[D any](meta Meta, details []D) ([]byte, error) {
	if len(details) == 1 {
		return mergeObjects(meta, details[0])
	}
	return json.Marshal(struct {
		Meta
		Changes []D `json:"changes"`
	}{meta, details})
}

// unmarshalBatch accepts the flat form, a single "changes" object, or a
// "changes" array.
func unmarshalBatch[D any](data []byte, meta *Meta, details *[]D) error {
	var probe struct {
		Changes json.RawMessage `json:"changes"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if err := json.Unmarshal(data, meta); err != nil {
		return err
	}
	raw := bytes.TrimSpace(probe.Changes)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		var d D
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		*details = []D{d}
	case raw[0] == '[':
		var ds []D
		if err := json.Unmarshal(raw, &ds); err != nil {
			return err
		}
		*details = ds
	default:
		var d D
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		*details = []D{d}
	}
	return nil
}

func mergeObjects(parts ...any) ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	for _, p := range parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		maps.Copy(merged, fields)
	}
	return json.Marshal(merged)
}
