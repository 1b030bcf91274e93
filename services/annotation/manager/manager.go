// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package manager runs changes through the client-side submit protocol.
//
// # Description
//
// Submit moves a change through these steps:
//
//  1. frontend pre-validation; on failure nothing is mutated
//  2. optimistic apply to the client store
//  3. frontend post-validation; on failure the inverse is applied locally
//  4. submission to the backend driver (unless WithoutBackend)
//  5. success notification
//  6. on driver failure, the change is reverted locally
//
// Revert is Submit of the inverse, so it passes the same validations.
// Manager is the single place where change errors become notifications.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Concurrent submits are not
// serialized against each other: they interleave at the client store,
// which must itself be safe for concurrent use.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

var tracer = otel.Tracer("aleutian.annotate.manager")

var (
	// ErrRejected indicates the backend refused the change.
	ErrRejected = errors.New("change rejected by backend")

	// ErrDiverged indicates a failed change could not be rolled back on the
	// client, leaving it out of step with the backend.
	ErrDiverged = errors.New("client diverged from backend")

	// ErrNothingToUndo is returned by Undo with an empty history.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNoClient is returned by New without a client store.
	ErrNoClient = errors.New("manager requires a client store")
)

// Driver submits serialized changes to a backend.
type Driver interface {
	// SubmitChange executes c on the backend and returns its validation
	// results. A non-nil error means the change did not reach the backend
	// or the backend failed to run it.
	SubmitChange(ctx context.Context, c changes.Change) (validation.ResultSet, error)
}

// Config configures a Manager.
type Config struct {
	// Client is the optimistic in-memory store. Required.
	Client changes.ClientBackend

	// Driver receives every change submitted to the backend. A nil driver
	// behaves as if every submit used WithoutBackend.
	Driver Driver

	// Validations runs the frontend hooks. Nil runs none.
	Validations *validation.Set

	Notifier    Notifier
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	HistorySize int
}

// Manager owns the submit/revert protocol for one client session.
type Manager struct {
	client      changes.ClientBackend
	driver      Driver
	validations *validation.Set
	notifier    Notifier
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	history *ringBuffer[changes.Change]
}

// New creates a Manager.
//
// # Inputs
//
//   - cfg: Client is required; everything else has a default.
//
// # Outputs
//
//   - *Manager: Ready to submit.
//   - error: ErrNoClient when cfg.Client is nil.
func New(cfg Config) (*Manager, error) {
	if cfg.Client == nil {
		return nil, ErrNoClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "change_manager"))
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Manager{
		client:      cfg.Client,
		driver:      cfg.Driver,
		validations: cfg.Validations,
		notifier:    notifier,
		logger:      logger,
		metrics:     cfg.Metrics,
		history:     newRingBuffer[changes.Change](cfg.HistorySize),
	}, nil
}

// SubmitOption adjusts one Submit call.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	toBackend bool
	record    bool
}

// WithoutBackend applies the change locally only. Used for changes that
// already happened on the backend, such as collaborator broadcasts.
func WithoutBackend() SubmitOption {
	return func(o *submitOptions) { o.toBackend = false }
}

// WithoutHistory keeps the change out of the undo history.
func WithoutHistory() SubmitOption {
	return func(o *submitOptions) { o.record = false }
}

// Submit runs c through the submit protocol.
//
// # Outputs
//
//   - error: nil when every step succeeded. A *validation.ValidationError
//     for frontend failures, ErrRejected or the driver's error for backend
//     failures, and ErrDiverged joined in when a rollback also failed.
func (m *Manager) Submit(ctx context.Context, c changes.Change, opts ...SubmitOption) (err error) {
	o := submitOptions{toBackend: m.driver != nil, record: true}
	for _, opt := range opts {
		opt(&o)
	}
	if m.driver == nil {
		o.toBackend = false
	}

	ctx, span := tracer.Start(ctx, "manager.Submit",
		trace.WithAttributes(
			attribute.String("change.kind", string(c.TypeName())),
			attribute.String("change.assembly", c.AssemblyID()),
			attribute.Bool("change.to_backend", o.toBackend),
		),
	)
	start := time.Now()
	defer func() {
		m.metrics.RecordChange(string(c.TypeName()), changes.BackendClient.String(), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if verr := m.validations.FrontendPre(ctx, c).Err(validation.StageFrontendPre); verr != nil {
		m.notifier.Notify(LevelError, verr.Error())
		return verr
	}

	if err := changes.Apply(ctx, c, m.client); err != nil {
		m.notifier.Notify(LevelError, fmt.Sprintf("%s failed: %v", c.TypeName(), err))
		return fmt.Errorf("applying %s to client: %w", c.TypeName(), err)
	}

	if verr := m.validations.FrontendPost(ctx, c, m.client).Err(validation.StageFrontendPost); verr != nil {
		m.notifier.Notify(LevelError, verr.Error())
		if rerr := m.undoLocal(ctx, c); rerr != nil {
			return errors.Join(verr, rerr)
		}
		return verr
	}

	if o.toBackend {
		if berr := m.submitToBackend(ctx, c); berr != nil {
			m.notifier.Notify(LevelError, berr.Error())
			rerr := m.Revert(ctx, c, WithoutBackend(), WithoutHistory())
			m.metrics.RecordRevert(rerr)
			if rerr != nil {
				m.logger.Error("revert after backend failure failed",
					slog.String("kind", string(c.TypeName())),
					slog.String("error", rerr.Error()),
				)
				return errors.Join(berr, fmt.Errorf("%w: %w", ErrDiverged, rerr))
			}
			return berr
		}
	}

	if o.record {
		if _, ierr := c.Inverse(); ierr == nil {
			m.mu.Lock()
			m.history.Push(c)
			m.mu.Unlock()
		}
	}
	if msg := c.Notification(); msg != "" {
		m.notifier.Notify(LevelSuccess, msg)
	}
	m.logger.Debug("change submitted",
		slog.String("kind", string(c.TypeName())),
		slog.Any("ids", c.ChangedIDs()),
		slog.Bool("to_backend", o.toBackend),
	)
	return nil
}

func (m *Manager) submitToBackend(ctx context.Context, c changes.Change) error {
	rs, err := m.driver.SubmitChange(ctx, c)
	if err != nil {
		return fmt.Errorf("submitting %s: %w", c.TypeName(), err)
	}
	if !rs.OK() {
		return fmt.Errorf("%w: %s", ErrRejected, rs.ErrorMessage())
	}
	return nil
}

// undoLocal applies the inverse of c to the client without validation.
// It is the rollback for a failed frontend post-validation, where c itself
// was applied but must never reach the backend.
func (m *Manager) undoLocal(ctx context.Context, c changes.Change) error {
	inv, err := c.Inverse()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiverged, err)
	}
	if err := changes.Apply(ctx, inv, m.client); err != nil {
		m.logger.Error("local rollback failed",
			slog.String("kind", string(c.TypeName())),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrDiverged, err)
	}
	return nil
}

// Revert submits the inverse of c through the full protocol.
//
// # Outputs
//
//   - error: changes.ErrNotInvertible (no mutation happens) or any Submit error.
func (m *Manager) Revert(ctx context.Context, c changes.Change, opts ...SubmitOption) error {
	inv, err := c.Inverse()
	if err != nil {
		m.notifier.Notify(LevelError, fmt.Sprintf("cannot revert %s: %v", c.TypeName(), err))
		return err
	}
	return m.Submit(ctx, inv, opts...)
}

// Undo reverts the most recent change submitted with history. The entry
// is restored when the revert fails.
func (m *Manager) Undo(ctx context.Context) error {
	m.mu.Lock()
	c, ok := m.history.PopNewest()
	m.mu.Unlock()
	if !ok {
		return ErrNothingToUndo
	}
	if err := m.Revert(ctx, c, WithoutHistory()); err != nil {
		m.mu.Lock()
		m.history.Push(c)
		m.mu.Unlock()
		return err
	}
	return nil
}

// History returns the undoable changes from oldest to newest.
func (m *Manager) History() []changes.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Slice()
}

// ApplyRemote applies a change that a collaborator already committed on
// the backend. It is validated and applied locally but never resubmitted
// and never enters the undo history.
func (m *Manager) ApplyRemote(ctx context.Context, c changes.Change) error {
	return m.Submit(ctx, c, WithoutBackend(), WithoutHistory())
}
