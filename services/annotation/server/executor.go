// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

var tracer = otel.Tracer("aleutian.annotate.server")

// DefaultMaxRetries bounds re-execution of a change whose session lost a
// commit race.
const DefaultMaxRetries = 3

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Store    *docstore.Store
	Files    changes.FileStore
	Registry *changes.Registry

	// Validations runs the backend hooks. Nil runs none.
	Validations *validation.Set

	// Hub receives committed changes, in sequence order, from the store's
	// commit path. Nil broadcasts nothing.
	Hub *Hub

	Audit      extensions.AuditLogger
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	MaxRetries int
}

// Executor runs submitted changes against the document store.
//
// # Description
//
// A regular change runs inside one docstore session: execute, backend
// post-validate, append to the change log, commit. Any failure discards
// the session, so the store and the log never see half a change. Bulk
// file imports run outside a session and are logged after they finish.
// Committed changes are broadcast on every channel they touched, in the
// order the log numbered them.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent sessions that touch the same records
// conflict at commit; the loser is re-decoded and re-run up to MaxRetries
// times.
type Executor struct {
	store       *docstore.Store
	files       changes.FileStore
	registry    *changes.Registry
	validations *validation.Set
	audit       extensions.AuditLogger
	metrics     *observability.Metrics
	logger      *slog.Logger
	maxRetries  int
}

// NewExecutor creates an Executor. Store and Registry are required.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("executor requires a document store")
	}
	if cfg.Registry == nil {
		return nil, errors.New("executor requires a change registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := cfg.Audit
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	if cfg.Hub != nil {
		hub := cfg.Hub
		cfg.Store.OnCommit(func(e docstore.LogEntry) { hub.Publish(e) })
	}
	return &Executor{
		store:       cfg.Store,
		files:       cfg.Files,
		registry:    cfg.Registry,
		validations: cfg.Validations,
		audit:       audit,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("component", "executor")),
		maxRetries:  retries,
	}, nil
}

// Submission is one serialized change and its submitter.
type Submission struct {
	Data      []byte
	User      *extensions.AuthInfo
	UserToken string
}

// Outcome describes an executed change.
type Outcome struct {
	Change   changes.Change
	Results  validation.ResultSet
	Sequence int64
	Channels []string
}

// Execute decodes, validates, runs, logs and broadcasts one change.
//
// # Outputs
//
//   - *Outcome: Set whenever the change decoded. Results holds the
//     validation results, including failing ones.
//   - error: changes.ErrUnknownChangeType or ErrInvalidChange when the
//     body does not decode, *validation.ValidationError when a backend
//     hook failed, otherwise the execution or storage error.
func (e *Executor) Execute(ctx context.Context, sub Submission) (out *Outcome, err error) {
	c, err := e.registry.Decode(sub.Data)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "server.Execute",
		trace.WithAttributes(
			attribute.String("change.kind", string(c.TypeName())),
			attribute.String("change.assembly", c.AssemblyID()),
			attribute.Bool("change.bulk", changes.Bulk(c)),
		),
	)
	start := time.Now()
	defer func() {
		e.metrics.RecordChange(string(c.TypeName()), changes.BackendServer.String(), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	out = &Outcome{Change: c}
	out.Results = e.validations.BackendPre(ctx, c, sub.User)
	if verr := out.Results.Err(validation.StageBackendPre); verr != nil {
		e.auditChange(ctx, c, sub.User, "rejected", 0)
		return out, verr
	}

	entry := &docstore.LogEntry{
		Assembly:  c.AssemblyID(),
		TypeName:  string(c.TypeName()),
		UserToken: sub.UserToken,
	}
	if sub.User != nil {
		entry.UserID = sub.User.UserID
		entry.UserName = sub.User.DisplayName()
	}

	if changes.Bulk(c) {
		err = e.executeBulk(ctx, c, entry)
	} else {
		err = e.executeInSession(ctx, sub.Data, &c, entry, out)
		out.Change = c
	}
	if err != nil {
		outcome := "failure"
		if errors.Is(err, validation.ErrValidationFailed) {
			outcome = "rejected"
		}
		e.auditChange(ctx, c, sub.User, outcome, 0)
		return out, err
	}

	out.Sequence = entry.Sequence
	out.Channels = entry.Channels
	e.auditChange(ctx, c, sub.User, "success", entry.Sequence)
	span.SetAttributes(attribute.Int64("change.sequence", entry.Sequence))
	e.logger.Info("change committed",
		slog.String("kind", entry.TypeName),
		slog.String("assembly", entry.Assembly),
		slog.Int64("sequence", entry.Sequence),
		slog.Any("channels", entry.Channels),
		slog.Bool("token_present", sub.UserToken != ""),
	)
	return out, nil
}

// executeInSession runs a regular change transactionally, retrying on
// commit conflicts with a freshly decoded change.
func (e *Executor) executeInSession(ctx context.Context, data []byte, cp *changes.Change, entry *docstore.LogEntry, out *Outcome) error {
	pre := out.Results
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			fresh, err := e.registry.Decode(data)
			if err != nil {
				return err
			}
			*cp = fresh
		}
		c := *cp
		out.Results = pre
		err := e.store.InSession(ctx, func(s *docstore.Session) error {
			backend := docstore.NewBackend(s, nil, e.files)
			if err := changes.Apply(ctx, c, backend); err != nil {
				return err
			}
			post := e.validations.BackendPost(ctx, c, s)
			out.Results = out.Results.Merge(post)
			if verr := post.Err(validation.StageBackendPost); verr != nil {
				return verr
			}
			entry.Channels = backend.Channels()
			raw, err := changes.Encode(c)
			if err != nil {
				return fmt.Errorf("encode %s: %w", c.TypeName(), err)
			}
			entry.Change = raw
			return s.AppendChange(entry)
		})
		if errors.Is(err, badgerstore.ErrTxnConflict) && attempt < e.maxRetries {
			e.logger.Debug("session conflict, retrying",
				slog.String("kind", string(c.TypeName())),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		return err
	}
}

// executeBulk runs a file import through a non-transactional writer. A
// failure leaves whatever was written before it.
func (e *Executor) executeBulk(ctx context.Context, c changes.Change, entry *docstore.LogEntry) error {
	bulk := e.store.Bulk()
	backend := docstore.NewBackend(nil, bulk, e.files)
	err := changes.Apply(ctx, c, backend)
	if cerr := bulk.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	raw, err := changes.Encode(c)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.TypeName(), err)
	}
	entry.Change = raw
	entry.Channels = backend.Channels()
	return e.store.AppendChange(ctx, entry)
}

func (e *Executor) auditChange(ctx context.Context, c changes.Change, user *extensions.AuthInfo, outcome string, seq int64) {
	event := extensions.AuditEvent{
		EventType:    "change.submit",
		Timestamp:    time.Now().UTC(),
		UserID:       "anonymous",
		Action:       string(c.TypeName()),
		ResourceType: "assembly",
		ResourceID:   c.AssemblyID(),
		Outcome:      outcome,
		Metadata:     extensions.NewMetadata().Set("sequence", seq).Set("ids", c.ChangedIDs()),
	}
	if user != nil {
		event.UserID = user.UserID
	}
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}
