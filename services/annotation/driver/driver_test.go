// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package driver_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/clientstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/driver"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/filestore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/gff3"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/manager"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/ontology"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/server"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var chr1 = docstore.Channel("A", "chr1")

type testServer struct {
	url   string
	store *docstore.Store
	hub   *server.Hub
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := docstore.New(db, nil)
	require.NoError(t, store.InSession(context.Background(), func(s *docstore.Session) error {
		return s.CreateAssembly(context.Background(), &feature.Assembly{ID: "A", Name: "test"})
	}))

	hub := server.NewHub(0, nil, nil)
	exec, err := server.NewExecutor(server.ExecutorConfig{
		Store:       store,
		Registry:    changes.NewDefaultRegistry(),
		Validations: validation.Default(ontology.Default(), nil),
		Hub:         hub,
	})
	require.NoError(t, err)
	files, err := filestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	router := server.NewRouter(server.NewHandlers(exec, store, files, hub), server.RouterConfig{Metrics: http.NotFoundHandler()})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testServer{url: srv.URL, store: store, hub: hub}
}

type client struct {
	store   *clientstore.Store
	driver  *driver.CollaborationServerDriver
	manager *manager.Manager
	seqs    *driver.MemorySequenceStore
}

func newClient(t *testing.T, url string, pageSize int) *client {
	t.Helper()
	seqs := &driver.MemorySequenceStore{}
	d, err := driver.NewCollaborationServerDriver(driver.CollaborationConfig{
		BaseURL:           url,
		Channels:          []string{chr1},
		Sequences:         seqs,
		ReconnectInterval: 10 * time.Millisecond,
		ReplayPageSize:    pageSize,
	})
	require.NoError(t, err)
	store := clientstore.New(clientstore.Config{Loader: d})
	m, err := manager.New(manager.Config{Client: store, Driver: d})
	require.NoError(t, err)
	return &client{store: store, driver: d, manager: m, seqs: seqs}
}

// run starts the driver and returns a function that stops it and waits.
func (c *client) run(t *testing.T, applier driver.Applier) func() {
	t.Helper()
	if applier == nil {
		applier = c.manager
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.driver.Run(ctx, applier) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("driver did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (c *client) lastSeq(t *testing.T) int64 {
	seq, err := c.seqs.LastSequence(context.Background())
	require.NoError(t, err)
	return seq
}

func gene(id string, lo, hi int64) *feature.Feature {
	return &feature.Feature{
		ID: id, Type: "gene", RefSeq: "chr1", Min: lo, Max: hi, Strand: feature.StrandForward,
		Children: map[string]*feature.Feature{
			id + "-e": {ID: id + "-e", Type: "exon", RefSeq: "chr1", Min: lo, Max: lo + 10, Strand: feature.StrandForward},
		},
	}
}

func hasFeature(s *clientstore.Store, id string) bool {
	_, err := s.FindTree(context.Background(), id)
	return err == nil
}

type countingApplier struct {
	inner driver.Applier
	n     atomic.Int32
}

func (a *countingApplier) ApplyRemote(ctx context.Context, c changes.Change) error {
	a.n.Add(1)
	return a.inner.ApplyRemote(ctx, c)
}

func TestCollaboration_ChangePropagates(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	alice := newClient(t, srv.url, 0)
	bob := newClient(t, srv.url, 0)
	assert.NotEqual(t, alice.driver.UserToken(), bob.driver.UserToken())

	aliceApplier := &countingApplier{inner: alice.manager}
	alice.run(t, aliceApplier)
	bob.run(t, nil)
	require.Eventually(t, func() bool { return srv.hub.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.manager.Submit(ctx, changes.NewAddFeatureChange("A", gene("g1", 100, 200), "")))
	assert.True(t, hasFeature(alice.store, "g1"))

	require.Eventually(t, func() bool { return hasFeature(bob.store, "g1-e") }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return alice.lastSeq(t) == 1 && bob.lastSeq(t) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, aliceApplier.n.Load(), "own change must not be applied twice")

	// Bob's edit flows back to Alice.
	require.NoError(t, bob.manager.Submit(ctx, changes.NewLocationEndChange("A",
		changes.LocationEndDetail{FeatureID: "g1", OldEnd: 200, NewEnd: 250})))
	require.Eventually(t, func() bool {
		tree, err := alice.store.FindTree(ctx, "g1")
		return err == nil && tree.Root().Max == 250
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, aliceApplier.n.Load())
}

func TestCollaboration_ReconnectReplaysMissedChanges(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	alice := newClient(t, srv.url, 0)
	bob := newClient(t, srv.url, 1)

	stop := bob.run(t, nil)
	require.Eventually(t, func() bool { return srv.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.manager.Submit(ctx, changes.NewAddFeatureChange("A", gene("g1", 100, 200), "")))
	require.Eventually(t, func() bool { return bob.lastSeq(t) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	require.NoError(t, alice.manager.Submit(ctx, changes.NewAddFeatureChange("A", gene("g2", 300, 400), "")))
	require.NoError(t, alice.manager.Submit(ctx, changes.NewLocationEndChange("A",
		changes.LocationEndDetail{FeatureID: "g1", OldEnd: 200, NewEnd: 250})))
	assert.False(t, hasFeature(bob.store, "g2"))

	bob.run(t, nil)
	require.Eventually(t, func() bool { return bob.lastSeq(t) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, hasFeature(bob.store, "g2"))
	tree, err := bob.store.FindTree(ctx, "g1")
	require.NoError(t, err)
	assert.EqualValues(t, 250, tree.Root().Max)
}

func TestCollaboration_RejectedChangeRollsBack(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	alice := newClient(t, srv.url, 0)

	bad := gene("g1", 100, 200)
	bad.Type = "not_a_sequence_ontology_term"
	err := alice.manager.Submit(ctx, changes.NewAddFeatureChange("A", bad, ""))
	require.ErrorIs(t, err, manager.ErrRejected)
	assert.False(t, hasFeature(alice.store, "g1"))

	_, err = alice.driver.SubmitChange(ctx, changes.NewLocationEndChange("A",
		changes.LocationEndDetail{FeatureID: "missing", OldEnd: 1, NewEnd: 2}))
	var serr *driver.ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Status)
	assert.Equal(t, "FEATURE_NOT_FOUND", serr.Code)
}

func TestCollaboration_LoadRegionAndReplayPaging(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	alice := newClient(t, srv.url, 0)
	for i, id := range []string{"g1", "g2", "g3"} {
		lo := int64(i) * 1000
		require.NoError(t, alice.manager.Submit(ctx, changes.NewAddFeatureChange("A", gene(id, lo, lo+100), "")))
	}

	bob := newClient(t, srv.url, 2)
	require.NoError(t, bob.store.LoadFeatures(ctx, []clientstore.Region{
		{Assembly: "A", RefSeq: "chr1", Start: 0, End: 1500},
	}))
	assert.True(t, hasFeature(bob.store, "g1"))
	assert.True(t, hasFeature(bob.store, "g2"))
	assert.False(t, hasFeature(bob.store, "g3"))

	records, err := bob.driver.ChangesSince(ctx, 0, []string{chr1})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[2].Sequence)

	records, err = bob.driver.ChangesSince(ctx, 0, []string{docstore.Channel("A", "chr2")})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCollaboration_UploadAndImportAssembly(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	alice := newClient(t, srv.url, 0)

	fileID, err := alice.driver.UploadFile(ctx, strings.NewReader(">chrX\nACGTACGT\n>chrY\nTTTT\n"))
	require.NoError(t, err)
	require.NotEmpty(t, fileID)

	rs, err := alice.driver.SubmitChange(ctx, &changes.AddAssemblyFromFileChange{
		Meta:         changes.Meta{Assembly: "B"},
		FileID:       fileID,
		AssemblyName: "bee",
	})
	require.NoError(t, err)
	require.True(t, rs.OK(), rs.ErrorMessage())

	asms, err := alice.driver.Assemblies(ctx)
	require.NoError(t, err)
	var ids []string
	for _, a := range asms {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"A", "B"}, ids)

	refSeqs, err := alice.driver.RefSeqs(ctx, "B")
	require.NoError(t, err)
	require.Len(t, refSeqs, 2)
	byName := map[string]int64{}
	for _, r := range refSeqs {
		byName[r.Name] = r.Length
	}
	assert.Equal(t, map[string]int64{"chrX": 8, "chrY": 4}, byName)
}

func TestNewCollaborationServerDriver_Errors(t *testing.T) {
	_, err := driver.NewCollaborationServerDriver(driver.CollaborationConfig{})
	assert.Error(t, err)
	_, err = driver.NewCollaborationServerDriver(driver.CollaborationConfig{BaseURL: "ftp://example.org"})
	assert.Error(t, err)
}

func TestBadgerSequenceStore(t *testing.T) {
	ctx := context.Background()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a := driver.NewBadgerSequenceStore(db, "http://a")
	b := driver.NewBadgerSequenceStore(db, "http://b")

	seq, err := a.LastSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, a.Advance(ctx, 5))
	require.NoError(t, a.Advance(ctx, 3))
	seq, err = a.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	seq, err = b.LastSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

const localGFF = "##gff-version 3\n" +
	"chr1\t.\tgene\t101\t200\t.\t+\t.\tID=g1\n" +
	"###\n"

func TestLocalGFF3Driver(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.gff3")
	require.NoError(t, os.WriteFile(path, []byte(localGFF), 0o644))

	n := 0
	ids := func() string { n++; return "id" + string(rune('0'+n)) }
	file, err := gff3.Open(gff3.StoreConfig{Path: path, IDs: ids})
	require.NoError(t, err)

	d, err := driver.NewLocalGFF3Driver(driver.LocalConfig{
		Store:       file,
		Validations: validation.Default(ontology.Default(), extensions.RoleAuthzProvider{}),
	})
	require.NoError(t, err)

	client := clientstore.New(clientstore.Config{})
	for _, f := range file.Features() {
		tree, err := feature.NewTree(f)
		require.NoError(t, err)
		require.NoError(t, client.PutTree(ctx, "A", tree))
	}
	m, err := manager.New(manager.Config{Client: client, Driver: d})
	require.NoError(t, err)

	require.NoError(t, m.Submit(ctx, changes.NewLocationEndChange("A",
		changes.LocationEndDetail{FeatureID: "id1", OldEnd: 200, NewEnd: 260})))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chr1\t.\tgene\t101\t260\t.\t+\t.\tID=g1\n")
	assert.False(t, file.Dirty())

	err = m.Submit(ctx, changes.NewTypeChange("A",
		changes.TypeDetail{FeatureID: "id1", OldType: "gene", NewType: "not_a_sequence_ontology_term"}))
	require.True(t, errors.Is(err, manager.ErrRejected), "got %v", err)
	tree, err := client.FindTree(ctx, "id1")
	require.NoError(t, err)
	assert.Equal(t, "gene", tree.Root().Type)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\tgene\t")

	require.NoError(t, m.Undo(ctx))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chr1\t.\tgene\t101\t200\t.\t+\t.\tID=g1\n")
}
