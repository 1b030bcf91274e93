// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/ontology"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

// stub fails its BackendPreValidate hook when err is set and counts calls.
type stub struct {
	validation.Base
	name  string
	err   error
	calls *int
}

func (s stub) Name() string { return s.name }

func (s stub) BackendPreValidate(context.Context, changes.Change, *extensions.AuthInfo) error {
	*s.calls++
	return s.err
}

// treeStore serves trees and documents from a map keyed by root id.
type treeStore struct {
	docs map[string]*feature.Document
}

func newTreeStore(assembly string, roots ...*feature.Feature) *treeStore {
	s := &treeStore{docs: map[string]*feature.Document{}}
	for _, r := range roots {
		t, err := feature.NewTree(r)
		if err != nil {
			panic(err)
		}
		s.docs[r.ID] = feature.NewDocument(assembly, t)
	}
	return s
}

func (s *treeStore) FindTree(_ context.Context, id string) (*feature.Tree, error) {
	for _, d := range s.docs {
		t, err := feature.NewTree(d.Feature.Clone())
		if err != nil {
			return nil, err
		}
		if t.Contains(id) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", changes.ErrFeatureNotFound, id)
}

func (s *treeStore) PutTree(context.Context, string, *feature.Tree) error { return nil }
func (s *treeStore) DeleteTree(context.Context, string) error             { return nil }

func (s *treeStore) FindDocument(_ context.Context, id string) (*feature.Document, error) {
	d, ok := s.docs[id]
	if !ok {
		return nil, changes.ErrFeatureNotFound
	}
	return d, nil
}

func gene() *feature.Feature {
	return &feature.Feature{
		ID: "g1", Type: "gene", RefSeq: "chr1", Min: 0, Max: 1000, Strand: feature.StrandForward,
		Children: map[string]*feature.Feature{
			"m1": {ID: "m1", Type: "mRNA", RefSeq: "chr1", Min: 0, Max: 1000, Strand: feature.StrandForward,
				Children: map[string]*feature.Feature{
					"e1": {ID: "e1", Type: "exon", RefSeq: "chr1", Min: 0, Max: 100, Strand: feature.StrandForward},
				},
			},
		},
	}
}

func TestSet_StopsAtFirstFailure(t *testing.T) {
	var a, b, c int
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	s, err := validation.NewSet(
		stub{name: "first", calls: &a},
		stub{name: "second", calls: &b, err: errors.New("nope")},
		stub{name: "third", calls: &c},
	)
	require.NoError(t, err)
	s.Instrument(m)

	rs := s.BackendPre(context.Background(), changes.NewDeleteAssemblyChange("A"), nil)

	assert.False(t, rs.OK())
	assert.Equal(t, []validation.Result{
		{ValidationName: "first"},
		{ValidationName: "second", Error: "nope"},
	}, rs.Results)
	assert.Equal(t, "nope", rs.ErrorMessage())
	assert.Equal(t, []int{1, 1, 0}, []int{a, b, c})
	assert.InDelta(t, 1, testutil.ToFloat64(m.ValidationFailuresTotal.WithLabelValues("backend_pre", "second")), 0)

	verr := rs.Err(validation.StageBackendPre)
	assert.ErrorIs(t, verr, validation.ErrValidationFailed)
	var ve *validation.ValidationError
	require.ErrorAs(t, verr, &ve)
	assert.Equal(t, validation.StageBackendPre, ve.Stage)
}

func TestSet_DuplicateName(t *testing.T) {
	var n int
	_, err := validation.NewSet(stub{name: "x", calls: &n}, stub{name: "x", calls: &n})
	assert.ErrorIs(t, err, validation.ErrDuplicateValidation)
}

func TestSet_NilPasses(t *testing.T) {
	var s *validation.Set
	rs := s.BackendPre(context.Background(), changes.NewDeleteAssemblyChange("A"), nil)
	assert.True(t, rs.OK())
	assert.NoError(t, rs.Err(validation.StageBackendPre))
	assert.Nil(t, s.Names())
}

func TestResultSet_ErrorMessageJoins(t *testing.T) {
	rs := validation.ResultSet{Results: []validation.Result{
		{ValidationName: "a", Error: "one"},
		{ValidationName: "b"},
		{ValidationName: "c", Error: "two"},
	}}
	assert.Equal(t, "one; two", rs.ErrorMessage())
	assert.Len(t, rs.Merge(validation.ResultSet{Results: []validation.Result{{ValidationName: "d"}}}).Results, 4)
}

func TestDefault_Order(t *testing.T) {
	s := validation.Default(nil, nil)
	assert.Equal(t, []string{"struct", "ontology", "authorization", "tree-invariants"}, s.Names())
}

func TestStructValidation(t *testing.T) {
	v := validation.NewStructValidation()
	ctx := context.Background()

	assert.NoError(t, v.FrontendPreValidate(ctx, changes.NewAddFeatureChange("A", gene(), "")))

	noAssembly := changes.NewAddFeatureChange("", gene(), "")
	err := v.FrontendPreValidate(ctx, noAssembly)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assembly")

	noFeature := &changes.AddFeatureChange{Meta: changes.Meta{Assembly: "A"}}
	err = v.BackendPreValidate(ctx, noFeature, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addedFeature")
}

func TestOntologyValidation(t *testing.T) {
	v := validation.NewOntologyValidation(ontology.Default())
	ctx := context.Background()

	assert.NoError(t, v.FrontendPreValidate(ctx, changes.NewAddFeatureChange("A", gene(), "")))
	assert.NoError(t, v.FrontendPreValidate(ctx, changes.NewTypeChange("A",
		changes.TypeDetail{FeatureID: "e1", OldType: "exon", NewType: "coding_sequence"})))

	err := v.BackendPreValidate(ctx, changes.NewTypeChange("A",
		changes.TypeDetail{FeatureID: "e1", OldType: "exon", NewType: "exxon"}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exxon")

	// Changes that introduce no types always pass.
	assert.NoError(t, v.FrontendPreValidate(ctx, changes.NewDeleteAssemblyChange("A")))
}

func TestIntroducedTypes_WalkOrderWithoutDuplicates(t *testing.T) {
	g := gene()
	g.Children["m2"] = &feature.Feature{ID: "m2", Type: "mRNA", RefSeq: "chr1", Min: 0, Max: 10}
	got := validation.IntroducedTypes(changes.NewAddFeatureChange("A", g, ""))
	assert.Equal(t, []string{"gene", "mRNA", "exon"}, got)
}

func TestAuthorizationValidation(t *testing.T) {
	v := validation.NewAuthorizationValidation(extensions.RoleAuthzProvider{})
	ctx := context.Background()
	edit := changes.NewAddFeatureChange("A", gene(), "")
	drop := changes.NewDeleteAssemblyChange("A")

	viewer := &extensions.AuthInfo{UserID: "v", Roles: []string{extensions.RoleViewer}}
	editor := &extensions.AuthInfo{UserID: "e", Roles: []string{extensions.RoleEditor}}
	admin := &extensions.AuthInfo{UserID: "a", Roles: []string{extensions.RoleAdmin}}

	assert.ErrorIs(t, v.BackendPreValidate(ctx, edit, viewer), extensions.ErrUnauthorized)
	assert.ErrorIs(t, v.BackendPreValidate(ctx, edit, nil), extensions.ErrUnauthorized)
	assert.NoError(t, v.BackendPreValidate(ctx, edit, editor))
	assert.ErrorIs(t, v.BackendPreValidate(ctx, drop, editor), extensions.ErrUnauthorized)
	assert.NoError(t, v.BackendPreValidate(ctx, drop, admin))
}

func TestParentChildValidation(t *testing.T) {
	v := validation.NewParentChildValidation()
	ctx := context.Background()

	ok := newTreeStore("A", gene())
	assert.NoError(t, v.BackendPostValidate(ctx, changes.NewAddFeatureChange("A", gene(), ""), ok))

	bad := gene()
	bad.Children["x1"] = &feature.Feature{ID: "x1", Type: "exon", RefSeq: "chr1", Min: 0, Max: 10}
	store := newTreeStore("A", bad)
	err := v.BackendPostValidate(ctx, changes.NewAddFeatureChange("A", bad, ""), store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gene g1 cannot have a exon child")

	overhang := gene()
	overhang.Children["m1"].Children["e1"].Max = 2000
	err = v.BackendPostValidate(ctx, changes.NewAddFeatureChange("A", overhang, ""), newTreeStore("A", overhang))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extends outside parent m1")

	// Ids that no longer exist are skipped.
	assert.NoError(t, v.FrontendPostValidate(ctx, changes.NewDeleteFeatureChange("A", gene()), newTreeStore("A")))
}

func TestTreeInvariantValidation(t *testing.T) {
	v := validation.TreeInvariantValidation{}
	ctx := context.Background()
	c := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "e1", OldEnd: 100, NewEnd: 50})

	assert.NoError(t, v.BackendPostValidate(ctx, c, newTreeStore("A", gene())))

	inverted := gene()
	inverted.Children["m1"].Children["e1"].Max = -1
	err := v.BackendPostValidate(ctx, c, newTreeStore("A", inverted))
	assert.ErrorIs(t, err, feature.ErrInvalidRange)

	stale := newTreeStore("A", gene())
	stale.docs["g1"].AllIDs = []string{"g1", "m1"}
	err = v.BackendPostValidate(ctx, c, stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of sync")
}
