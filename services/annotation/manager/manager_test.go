// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/clientstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/manager"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

// fakeDriver records submitted changes and answers with err or results.
type fakeDriver struct {
	mu        sync.Mutex
	submitted []changes.Change
	err       error
	results   validation.ResultSet
}

func (d *fakeDriver) SubmitChange(_ context.Context, c changes.Change) (validation.ResultSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, c)
	return d.results, d.err
}

func (d *fakeDriver) kinds() []changes.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []changes.Kind
	for _, c := range d.submitted {
		out = append(out, c.TypeName())
	}
	return out
}

type note struct {
	level   manager.Level
	message string
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(level manager.Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{level, message})
}

func (r *recorder) levels() []manager.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []manager.Level
	for _, n := range r.notes {
		out = append(out, n.level)
	}
	return out
}

// rejectKind fails the chosen hook for one change kind.
type rejectKind struct {
	validation.Base
	kind changes.Kind
	post bool
}

func (r rejectKind) Name() string { return "reject-" + string(r.kind) }

func (r rejectKind) FrontendPreValidate(_ context.Context, c changes.Change) error {
	if !r.post && c.TypeName() == r.kind {
		return errors.New("rejected " + string(c.TypeName()))
	}
	return nil
}

func (r rejectKind) FrontendPostValidate(_ context.Context, c changes.Change, _ changes.TreeStore) error {
	if r.post && c.TypeName() == r.kind {
		return errors.New("rejected " + string(c.TypeName()))
	}
	return nil
}

type fixture struct {
	client   *clientstore.Store
	driver   *fakeDriver
	notes    *recorder
	metrics  *observability.Metrics
	mgr      *manager.Manager
	original *feature.Feature
}

func newFixture(t *testing.T, vs ...validation.Validation) *fixture {
	t.Helper()
	client := clientstore.New(clientstore.Config{})
	client.AddAssembly(feature.Assembly{ID: "A", Name: "hg38"},
		[]feature.RefSeq{{ID: "r1", Assembly: "A", Name: "chr1"}})

	g := &feature.Feature{ID: "g1", Type: "gene", RefSeq: "r1", Min: 100, Max: 900, Strand: feature.StrandForward,
		Children: map[string]*feature.Feature{
			"m1": {ID: "m1", Type: "mRNA", RefSeq: "r1", Min: 100, Max: 900, Strand: feature.StrandForward},
		},
	}
	tree, err := feature.NewTree(g.Clone())
	require.NoError(t, err)
	require.NoError(t, client.PutTree(context.Background(), "A", tree))

	set, err := validation.NewSet(vs...)
	require.NoError(t, err)

	f := &fixture{
		client:   client,
		driver:   &fakeDriver{},
		notes:    &recorder{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		original: g,
	}
	f.mgr, err = manager.New(manager.Config{
		Client:      client,
		Driver:      f.driver,
		Validations: set,
		Notifier:    f.notes,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) gene(t *testing.T) *feature.Feature {
	t.Helper()
	got, err := f.client.GetFeature(context.Background(), "g1")
	require.NoError(t, err)
	return got
}

// assertUnchanged compares the client's g1 with the fixture's original.
func (f *fixture) assertUnchanged(t *testing.T) {
	t.Helper()
	opts := cmp.Options{cmpopts.IgnoreUnexported(feature.Feature{}), cmpopts.EquateEmpty()}
	if diff := cmp.Diff(f.original, f.gene(t), opts); diff != "" {
		t.Errorf("client tree changed (-want +got):\n%s", diff)
	}
}

func exon() *feature.Feature {
	return &feature.Feature{ID: "e1", Type: "exon", RefSeq: "r1", Min: 100, Max: 200, Strand: feature.StrandForward}
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := manager.New(manager.Config{})
	assert.ErrorIs(t, err, manager.ErrNoClient)
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := changes.NewAddFeatureChange("A", exon(), "m1")
	require.NoError(t, f.mgr.Submit(ctx, c))

	_, err := f.client.FindTree(ctx, "e1")
	assert.NoError(t, err)
	assert.Equal(t, []changes.Kind{changes.KindAddFeature}, f.driver.kinds())
	assert.Equal(t, []manager.Level{manager.LevelSuccess}, f.notes.levels())
	assert.Len(t, f.mgr.History(), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ChangesTotal.WithLabelValues("AddFeatureChange", "client", "success")), 0)
}

func TestSubmit_FrontendPreFailureMutatesNothing(t *testing.T) {
	f := newFixture(t, rejectKind{kind: changes.KindAddFeature})
	ctx := context.Background()

	err := f.mgr.Submit(ctx, changes.NewAddFeatureChange("A", exon(), "m1"))
	assert.ErrorIs(t, err, validation.ErrValidationFailed)

	_, err = f.client.FindTree(ctx, "e1")
	assert.ErrorIs(t, err, changes.ErrFeatureNotFound)
	assert.Empty(t, f.driver.kinds())
	assert.Equal(t, []manager.Level{manager.LevelError}, f.notes.levels())
}

func TestSubmit_FrontendPostFailureRollsBack(t *testing.T) {
	f := newFixture(t, rejectKind{kind: changes.KindAddFeature, post: true})
	ctx := context.Background()

	err := f.mgr.Submit(ctx, changes.NewAddFeatureChange("A", exon(), "m1"))
	var verr *validation.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validation.StageFrontendPost, verr.Stage)

	f.assertUnchanged(t)
	assert.Empty(t, f.driver.kinds())
	assert.Empty(t, f.mgr.History())
}

func TestSubmit_DriverFailureRevertsLocally(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection refused")
	f.driver.err = boom
	ctx := context.Background()

	c := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "m1", OldEnd: 900, NewEnd: 800})
	err := f.mgr.Submit(ctx, c)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, manager.ErrDiverged)

	f.assertUnchanged(t)
	// The inverse is applied locally only.
	assert.Equal(t, []changes.Kind{changes.KindLocationEnd}, f.driver.kinds())
	assert.Empty(t, f.mgr.History())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.RevertsTotal.WithLabelValues("success")), 0)
}

func TestSubmit_BackendRejectionRevertsLocally(t *testing.T) {
	f := newFixture(t)
	f.driver.results = validation.ResultSet{Results: []validation.Result{
		{ValidationName: "authorization", Error: "user v cannot edit"},
	}}
	ctx := context.Background()

	err := f.mgr.Submit(ctx, changes.NewAddFeatureChange("A", exon(), "m1"))
	assert.ErrorIs(t, err, manager.ErrRejected)
	assert.Contains(t, err.Error(), "user v cannot edit")

	_, err = f.client.FindTree(ctx, "e1")
	assert.ErrorIs(t, err, changes.ErrFeatureNotFound)
}

func TestSubmit_FailedRevertReportsDivergence(t *testing.T) {
	f := newFixture(t, rejectKind{kind: changes.KindDeleteFeature})
	f.driver.err = errors.New("timeout")
	ctx := context.Background()

	err := f.mgr.Submit(ctx, changes.NewAddFeatureChange("A", exon(), "m1"))
	assert.ErrorIs(t, err, manager.ErrDiverged)

	// The client keeps the change the backend never accepted.
	_, err = f.client.FindTree(ctx, "e1")
	assert.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.RevertsTotal.WithLabelValues("error")), 0)
}

func TestRevert_SubmitsInverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := changes.NewTypeChange("A", changes.TypeDetail{FeatureID: "m1", OldType: "mRNA", NewType: "ncRNA"})
	require.NoError(t, f.mgr.Submit(ctx, c))
	require.NoError(t, f.mgr.Revert(ctx, c))

	f.assertUnchanged(t)
	assert.Equal(t, []changes.Kind{changes.KindType, changes.KindType}, f.driver.kinds())
}

func TestRevert_NotInvertible(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Revert(context.Background(), changes.NewDeleteAssemblyChange("A"))
	assert.ErrorIs(t, err, changes.ErrNotInvertible)
	assert.Empty(t, f.driver.kinds())
	_, ok := f.client.Assembly("A")
	assert.True(t, ok)
}

func TestUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Submit(ctx, changes.NewAddFeatureChange("A", exon(), "m1")))
	require.NoError(t, f.mgr.Submit(ctx, changes.NewStrandChange("A",
		changes.StrandDetail{FeatureID: "e1", OldStrand: feature.StrandForward, NewStrand: feature.StrandReverse})))

	require.NoError(t, f.mgr.Undo(ctx))
	e, err := f.client.GetFeature(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, feature.StrandForward, e.Strand)

	require.NoError(t, f.mgr.Undo(ctx))
	f.assertUnchanged(t)

	assert.ErrorIs(t, f.mgr.Undo(ctx), manager.ErrNothingToUndo)
	assert.Equal(t, []changes.Kind{
		changes.KindAddFeature, changes.KindStrand, changes.KindStrand, changes.KindDeleteFeature,
	}, f.driver.kinds())
}

func TestRevert_StrandCoversDescendants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := changes.NewStrandChange("A",
		changes.StrandDetail{FeatureID: "g1", OldStrand: feature.StrandForward, NewStrand: feature.StrandReverse})
	require.NoError(t, f.mgr.Submit(ctx, c))
	g := f.gene(t)
	assert.Equal(t, feature.StrandReverse, g.Strand)
	assert.Equal(t, feature.StrandReverse, g.Children["m1"].Strand)

	require.NoError(t, f.mgr.Revert(ctx, c))
	f.assertUnchanged(t)
}

func TestUndo_FailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Submit(ctx, changes.NewAddFeatureChange("A", exon(), "m1")))

	f.driver.err = errors.New("offline")
	assert.Error(t, f.mgr.Undo(ctx))
	assert.Len(t, f.mgr.History(), 1)
}

func TestApplyRemote_NeverResubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.ApplyRemote(ctx, changes.NewAddFeatureChange("A", exon(), "m1")))
	_, err := f.client.FindTree(ctx, "e1")
	assert.NoError(t, err)
	assert.Empty(t, f.driver.kinds())
	assert.Empty(t, f.mgr.History())
}

func TestSubmit_BackendAuthorizationNotRunOnClient(t *testing.T) {
	// Authorization only has a backend hook, so a client set holding it
	// never blocks a local apply.
	f := newFixture(t, validation.NewAuthorizationValidation(extensions.RoleAuthzProvider{}))
	require.NoError(t, f.mgr.Submit(context.Background(), changes.NewAddFeatureChange("A", exon(), "m1")))
}
