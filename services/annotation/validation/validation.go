// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation runs pluggable checks around change execution.
//
// # Description
//
// A Validation can hook four points in a change's life:
//
//	FrontendPreValidate   before the client applies the change
//	FrontendPostValidate  against the client tree after applying it
//	BackendPreValidate    on the server before execution (identity checks)
//	BackendPostValidate   against the written documents, inside the session
//
// A Set runs its validations in registration order and stops at the first
// failure. Embed Base to implement only the hooks you need.
//
// # Thread Safety
//
// Set is safe for concurrent use. Built-in validations have no mutable
// state beyond what their collaborators guard.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
)

// Stage names a hook point.
type Stage string

const (
	StageFrontendPre  Stage = "frontend_pre"
	StageFrontendPost Stage = "frontend_post"
	StageBackendPre   Stage = "backend_pre"
	StageBackendPost  Stage = "backend_post"
)

var (
	// ErrValidationFailed is wrapped by every *ValidationError.
	ErrValidationFailed = errors.New("validation failed")

	// ErrDuplicateValidation is returned when a name is registered twice.
	ErrDuplicateValidation = errors.New("validation already registered")
)

// Validation is one pluggable check. Each hook returns nil to pass.
type Validation interface {
	Name() string
	FrontendPreValidate(ctx context.Context, c changes.Change) error
	FrontendPostValidate(ctx context.Context, c changes.Change, client changes.TreeStore) error
	BackendPreValidate(ctx context.Context, c changes.Change, user *extensions.AuthInfo) error
	BackendPostValidate(ctx context.Context, c changes.Change, store changes.TreeStore) error
}

// Base implements every hook as a pass.
type Base struct{}

func (Base) FrontendPreValidate(context.Context, changes.Change) error { return nil }

func (Base) FrontendPostValidate(context.Context, changes.Change, changes.TreeStore) error {
	return nil
}

func (Base) BackendPreValidate(context.Context, changes.Change, *extensions.AuthInfo) error {
	return nil
}

func (Base) BackendPostValidate(context.Context, changes.Change, changes.TreeStore) error {
	return nil
}

// =============================================================================
// Results
// =============================================================================

// Result is the outcome of one validation hook.
type Result struct {
	ValidationName string `json:"validationName"`
	Error          string `json:"error,omitempty"`
}

// OK reports whether the hook passed.
func (r Result) OK() bool { return r.Error == "" }

// ResultSet collects the results of one stage in run order.
type ResultSet struct {
	Results []Result `json:"results"`
}

// OK reports whether every result passed.
func (s ResultSet) OK() bool {
	for _, r := range s.Results {
		if !r.OK() {
			return false
		}
	}
	return true
}

// ErrorMessage joins the failure messages with "; ".
func (s ResultSet) ErrorMessage() string {
	var msgs []string
	for _, r := range s.Results {
		if !r.OK() {
			msgs = append(msgs, r.Error)
		}
	}
	return strings.Join(msgs, "; ")
}

// Merge appends the results of o.
func (s ResultSet) Merge(o ResultSet) ResultSet {
	return ResultSet{Results: append(append([]Result(nil), s.Results...), o.Results...)}
}

// Err returns a *ValidationError for a failed set, nil otherwise.
func (s ResultSet) Err(stage Stage) error {
	if s.OK() {
		return nil
	}
	return &ValidationError{Stage: stage, Results: s}
}

// ValidationError carries the failed ResultSet of a stage.
type ValidationError struct {
	Stage   Stage
	Results ResultSet
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Stage, ErrValidationFailed, e.Results.ErrorMessage())
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// =============================================================================
// Set
// =============================================================================

// Set is an ordered collection of validations.
//
// A nil *Set passes every stage.
type Set struct {
	mu          sync.RWMutex
	validations []Validation
	metrics     *observability.Metrics
}

// NewSet creates a set holding vs in order.
func NewSet(vs ...Validation) (*Set, error) {
	s := &Set{}
	for _, v := range vs {
		if err := s.Register(v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Instrument records failures on m.
func (s *Set) Instrument(m *observability.Metrics) *Set {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
	return s
}

// Register appends v.
//
// # Outputs
//
//   - error: ErrDuplicateValidation if a validation with the same name exists.
func (s *Set) Register(v Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.validations {
		if existing.Name() == v.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateValidation, v.Name())
		}
	}
	s.validations = append(s.validations, v)
	return nil
}

// Names returns the registered names in run order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.validations))
	for i, v := range s.validations {
		names[i] = v.Name()
	}
	return names
}

func (s *Set) run(stage Stage, hook func(Validation) error) ResultSet {
	if s == nil {
		return ResultSet{}
	}
	s.mu.RLock()
	vs := append([]Validation(nil), s.validations...)
	metrics := s.metrics
	s.mu.RUnlock()

	var rs ResultSet
	for _, v := range vs {
		r := Result{ValidationName: v.Name()}
		if err := hook(v); err != nil {
			r.Error = err.Error()
			rs.Results = append(rs.Results, r)
			metrics.RecordValidationFailure(string(stage), v.Name())
			return rs
		}
		rs.Results = append(rs.Results, r)
	}
	return rs
}

// FrontendPre runs every FrontendPreValidate hook.
func (s *Set) FrontendPre(ctx context.Context, c changes.Change) ResultSet {
	return s.run(StageFrontendPre, func(v Validation) error {
		return v.FrontendPreValidate(ctx, c)
	})
}

// FrontendPost runs every FrontendPostValidate hook against the client tree.
func (s *Set) FrontendPost(ctx context.Context, c changes.Change, client changes.TreeStore) ResultSet {
	return s.run(StageFrontendPost, func(v Validation) error {
		return v.FrontendPostValidate(ctx, c, client)
	})
}

// BackendPre runs every BackendPreValidate hook for user.
func (s *Set) BackendPre(ctx context.Context, c changes.Change, user *extensions.AuthInfo) ResultSet {
	return s.run(StageBackendPre, func(v Validation) error {
		return v.BackendPreValidate(ctx, c, user)
	})
}

// BackendPost runs every BackendPostValidate hook against the session's
// view of the store.
func (s *Set) BackendPost(ctx context.Context, c changes.Change, store changes.TreeStore) ResultSet {
	return s.run(StageBackendPost, func(v Validation) error {
		return v.BackendPostValidate(ctx, c, store)
	})
}
