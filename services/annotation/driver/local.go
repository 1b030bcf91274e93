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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/gff3"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

// LocalConfig configures a LocalGFF3Driver.
type LocalConfig struct {
	// Store is the GFF3 file backend. Required.
	Store *gff3.LocalStore

	// Validations runs the backend hooks. Nil runs none.
	Validations *validation.Set

	// User is passed to backend pre-validation. Default the local admin.
	User *extensions.AuthInfo

	Registry *changes.Registry
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// LocalGFF3Driver is the manager.Driver for a single-user GFF3 file.
//
// # Description
//
// Each change is round-tripped through the registry, so the file backend
// never shares feature snapshots with the client, then validated, applied
// and saved. A failed post-validation applies the change's inverse before
// returning the results.
//
// # Thread Safety
//
// Safe for concurrent use; submissions are serialized.
type LocalGFF3Driver struct {
	mu          sync.Mutex
	store       *gff3.LocalStore
	validations *validation.Set
	user        *extensions.AuthInfo
	registry    *changes.Registry
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewLocalGFF3Driver creates a driver over cfg.Store.
func NewLocalGFF3Driver(cfg LocalConfig) (*LocalGFF3Driver, error) {
	if cfg.Store == nil {
		return nil, errors.New("local driver requires a gff3 store")
	}
	d := &LocalGFF3Driver{
		store:       cfg.Store,
		validations: cfg.Validations,
		user:        cfg.User,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if d.user == nil {
		d.user, _ = (&extensions.NopAuthProvider{}).Validate(context.Background(), "")
	}
	if d.registry == nil {
		d.registry = changes.NewDefaultRegistry()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "local_driver"), slog.String("path", cfg.Store.Path()))
	return d, nil
}

// SubmitChange runs c against the file and saves it.
func (d *LocalGFF3Driver) SubmitChange(ctx context.Context, c changes.Change) (rs validation.ResultSet, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	defer func() {
		d.metrics.RecordChange(string(c.TypeName()), changes.BackendLocalGFF3.String(), time.Since(start), err)
	}()

	data, err := changes.Encode(c)
	if err != nil {
		return rs, err
	}
	local, err := d.registry.Decode(data)
	if err != nil {
		return rs, err
	}

	rs = d.validations.BackendPre(ctx, local, d.user)
	if !rs.OK() {
		return rs, nil
	}
	if err := changes.Apply(ctx, local, d.store); err != nil {
		return rs, err
	}
	post := d.validations.BackendPost(ctx, local, d.store)
	rs = rs.Merge(post)
	if !post.OK() {
		if rerr := d.undo(ctx, local); rerr != nil {
			return rs, rerr
		}
		return rs, nil
	}
	if d.store.Dirty() {
		if err := d.store.Save(); err != nil {
			return rs, fmt.Errorf("save %s: %w", d.store.Path(), err)
		}
	}
	d.logger.Debug("change saved", slog.String("kind", string(local.TypeName())))
	return rs, nil
}

func (d *LocalGFF3Driver) undo(ctx context.Context, c changes.Change) error {
	inv, err := c.Inverse()
	if err != nil {
		return fmt.Errorf("undo rejected %s: %w", c.TypeName(), err)
	}
	if err := changes.Apply(ctx, inv, d.store); err != nil {
		return fmt.Errorf("undo rejected %s: %w", c.TypeName(), err)
	}
	return nil
}
