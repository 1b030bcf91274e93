// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/fasta"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

// Bulk changes stream files too large for one transaction. They write
// through ServerBackend.Bulk, so a failure part way through leaves the
// records written so far in place. The returned error says how far the
// import got.

// =============================================================================
// AddAssemblyFromFileChange
// =============================================================================

// AddAssemblyFromFileChange creates an assembly from an uploaded FASTA file:
// one refseq per record, with sequence stored in chunks.
type AddAssemblyFromFileChange struct {
	Meta
	FileID       string `json:"fileId" validate:"required"`
	AssemblyName string `json:"assemblyName" validate:"required"`
	ChunkSize    int64  `json:"chunkSize,omitempty" validate:"gte=0"`
}

func (c *AddAssemblyFromFileChange) TypeName() Kind { return KindAddAssemblyFromFile }

func (c *AddAssemblyFromFileChange) Notification() string {
	return fmt.Sprintf("Assembly %s added", c.AssemblyName)
}

func (c *AddAssemblyFromFileChange) Inverse() (Change, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotInvertible, c.TypeName())
}

func (c *AddAssemblyFromFileChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	bulk := b.Bulk()
	if _, err := bulk.FindAssembly(ctx, c.Assembly); err == nil {
		return fmt.Errorf("%w: assembly %s already exists", ErrConflict, c.Assembly)
	} else if !errors.Is(err, ErrAssemblyNotFound) {
		return err
	}
	if err := bulk.CreateAssembly(ctx, &feature.Assembly{ID: c.Assembly, Name: c.AssemblyName}); err != nil {
		return err
	}

	rc, err := b.Files().OpenRaw(ctx, c.FileID)
	if err != nil {
		return err
	}
	defer rc.Close()

	chunkSize := c.ChunkSize
	if chunkSize <= 0 {
		chunkSize = feature.DefaultChunkSize
	}
	imported := 0
	err = fasta.Read(rc, func(rec fasta.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		refSeq := &feature.RefSeq{
			ID:        feature.RefSeqID(c.Assembly, rec.Name),
			Assembly:  c.Assembly,
			Name:      rec.Name,
			Length:    int64(len(rec.Sequence)),
			ChunkSize: chunkSize,
		}
		if err := bulk.CreateRefSeq(ctx, refSeq); err != nil {
			return err
		}
		for _, chunk := range feature.Chunk(refSeq.ID, rec.Sequence, chunkSize) {
			if err := bulk.CreateRefSeqChunk(ctx, &chunk); err != nil {
				return err
			}
		}
		imported++
		return nil
	})
	if err != nil {
		return fmt.Errorf("assembly %s partially imported (%d sequences): %w", c.Assembly, imported, err)
	}
	if imported == 0 {
		return fmt.Errorf("%w: file %s holds no sequences", ErrInvalidChange, c.FileID)
	}
	return nil
}

func (c *AddAssemblyFromFileChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

// ExecuteOnClient registers the assembly. Its refseqs are fetched when the
// session opens it.
func (c *AddAssemblyFromFileChange) ExecuteOnClient(_ context.Context, b ClientBackend) error {
	b.Assemblies().AddAssembly(feature.Assembly{ID: c.Assembly, Name: c.AssemblyName}, nil)
	return nil
}

// =============================================================================
// AddFeaturesFromFileChange
// =============================================================================

// AddFeaturesFromFileChange imports every top-level feature of an uploaded
// GFF3 file into an existing assembly. Feature refseqs given by name are
// resolved to the assembly's refseq ids.
type AddFeaturesFromFileChange struct {
	Meta
	FileID string `json:"fileId" validate:"required"`
}

func (c *AddFeaturesFromFileChange) TypeName() Kind { return KindAddFeaturesFromFile }

func (c *AddFeaturesFromFileChange) Notification() string {
	return fmt.Sprintf("Features from file %s added", c.FileID)
}

func (c *AddFeaturesFromFileChange) Inverse() (Change, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotInvertible, c.TypeName())
}

func (c *AddFeaturesFromFileChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	bulk := b.Bulk()
	if _, err := bulk.FindAssembly(ctx, c.Assembly); err != nil {
		return err
	}
	refSeqs, err := bulk.RefSeqs(ctx, c.Assembly)
	if err != nil {
		return err
	}
	it, err := b.Files().ParseGFF3(ctx, c.FileID)
	if err != nil {
		return err
	}

	imported := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("features partially imported (%d): %w", imported, err)
		}
		f, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("features partially imported (%d): %w", imported, err)
		}
		refSeq, ok := findRefSeq(refSeqs, f.RefSeq)
		if !ok {
			return fmt.Errorf("features partially imported (%d): %w: %s", imported, ErrRefSeqNotFound, f.RefSeq)
		}
		f.SetRefSeq(refSeq.ID)
		t, err := feature.NewTree(f)
		if err != nil {
			return fmt.Errorf("features partially imported (%d): %w: %v", imported, ErrInvalidChange, err)
		}
		if err := bulk.PutTree(ctx, c.Assembly, t); err != nil {
			return fmt.Errorf("features partially imported (%d): %w", imported, err)
		}
		imported++
	}
}

func (c *AddFeaturesFromFileChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

// ExecuteOnClient does nothing: imported features reach the client through
// its next region load.
func (c *AddFeaturesFromFileChange) ExecuteOnClient(context.Context, ClientBackend) error {
	return nil
}

// =============================================================================
// DeleteAssemblyChange
// =============================================================================

// DeleteAssemblyChange removes an assembly with its refseqs, sequence chunks
// and feature documents.
type DeleteAssemblyChange struct {
	Meta
}

// NewDeleteAssemblyChange builds a delete of assembly.
func NewDeleteAssemblyChange(assembly string) *DeleteAssemblyChange {
	return &DeleteAssemblyChange{Meta{Assembly: assembly}}
}

func (c *DeleteAssemblyChange) TypeName() Kind { return KindDeleteAssembly }

func (c *DeleteAssemblyChange) Notification() string {
	return fmt.Sprintf("Assembly %s deleted", c.Assembly)
}

func (c *DeleteAssemblyChange) Inverse() (Change, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotInvertible, c.TypeName())
}

func (c *DeleteAssemblyChange) ExecuteOnServer(ctx context.Context, b ServerBackend) error {
	return b.Documents().DeleteAssembly(ctx, c.Assembly)
}

func (c *DeleteAssemblyChange) ExecuteOnLocalGFF3(context.Context, LocalGFF3Backend) error {
	return unsupported(c.TypeName(), BackendLocalGFF3)
}

func (c *DeleteAssemblyChange) ExecuteOnClient(_ context.Context, b ClientBackend) error {
	if _, ok := b.Assemblies().Assembly(c.Assembly); !ok {
		return fmt.Errorf("%w: %s", ErrAssemblyNotFound, c.Assembly)
	}
	b.Assemblies().RemoveAssembly(c.Assembly)
	return nil
}
