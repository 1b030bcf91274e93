// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/config"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/filestore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/ontology"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/server"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/telemetry"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// execute runs the root command with args against an absent config file.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startServer(t *testing.T) string {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := docstore.New(db, nil)
	files, err := filestore.New(t.TempDir(), nil)
	require.NoError(t, err)
	hub := server.NewHub(0, nil, nil)
	exec, err := server.NewExecutor(server.ExecutorConfig{
		Store:       store,
		Files:       files,
		Registry:    changes.NewDefaultRegistry(),
		Validations: validation.Default(ontology.Default(), nil),
		Hub:         hub,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewRouter(server.NewHandlers(exec, store, files, hub), server.RouterConfig{Metrics: http.NotFoundHandler()}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv.URL
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportExportChanges(t *testing.T) {
	url := startServer(t)
	fa := writeFile(t, "asm.fa", ">chrX\nACGTACGT\n")
	gff := writeFile(t, "asm.gff3", "##gff-version 3\nchrX\tsrc\tgene\t1\t4\t.\t+\t.\tID=geneA;Name=A\n")

	out, err := execute(t, "import", "--server", url, "--assembly-id", "asm1",
		"--assembly", "test assembly", "--fasta", fa, "--gff3", gff)
	require.NoError(t, err)
	assert.Equal(t, "asm1\n", out)

	exported := filepath.Join(t.TempDir(), "out.gff3")
	_, err = execute(t, "export", "--server", url, "--assembly", "asm1", "--out", exported)
	require.NoError(t, err)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chrX\tsrc\tgene\t1\t4\t.\t+\t.\tID=geneA;Name=A\n")

	out, err = execute(t, "changes", "--server", url)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "AddAssemblyFromFileChange")
	assert.Contains(t, lines[2], "AddFeaturesFromFileChange")

	out, err = execute(t, "changes", "--server", url, "--since", "1", "--json")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, `"sequence":2`)

	_, err = execute(t, "export", "--server", url, "--assembly", "missing", "--out", "")
	assert.Error(t, err)

	_, err = execute(t, "import", "--server", url, "--assembly-id", "../asm",
		"--assembly", "bad", "--fasta", fa, "--gff3", "")
	assert.ErrorContains(t, err, "--assembly-id")
}

func TestApplyLocal(t *testing.T) {
	gff := writeFile(t, "local.gff3", "##gff-version 3\nchr1\t.\tgene\t11\t20\t.\t-\t.\tID=g1\n###\n")

	add := changes.NewAddFeatureChange("local", &feature.Feature{
		ID: "new-gene", Type: "gene", RefSeq: "chr1", Min: 99, Max: 200, Strand: feature.StrandForward,
	}, "")
	data, err := changes.Encode(add)
	require.NoError(t, err)
	changeFile := writeFile(t, "add.json", string(data))

	out, err := execute(t, "apply", "--gff3", gff, changeFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Added gene new-gene")
	assert.Contains(t, out, "2 features")

	saved, err := os.ReadFile(gff)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "chr1\t.\tgene\t100\t200\t.\t+\t.\tID=new-gene\n")

	bad := changes.NewAddFeatureChange("local", &feature.Feature{
		ID: "odd", Type: "not_a_sequence_ontology_term", RefSeq: "chr1", Min: 0, Max: 10,
	}, "")
	data, err = changes.Encode(bad)
	require.NoError(t, err)
	_, err = execute(t, "apply", "--gff3", gff, writeFile(t, "bad.json", string(data)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	after, err := os.ReadFile(gff)
	require.NoError(t, err)
	assert.Equal(t, string(saved), string(after))
}

func TestToken(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "a-test-secret-of-some-length")
	out, err := execute(t, "token", "--user", "u1", "--role", "viewer")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	info, err := extensions.NewJWTAuthProvider([]byte("a-test-secret-of-some-length"), cfg.Auth.Issuer).
		Validate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, []string{extensions.RoleViewer}, info.Roles)
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "")
	_, err := execute(t, "token", "--user", "u1")
	assert.Error(t, err)
}

func TestTracingConfig(t *testing.T) {
	assert.Equal(t, telemetry.ExporterNone, tracingConfig(config.TracingConfig{}, false).TraceExporter)
	assert.Equal(t, telemetry.ExporterStdout, tracingConfig(config.TracingConfig{OTLPEndpoint: "c:4317"}, true).TraceExporter)
	tc := tracingConfig(config.TracingConfig{OTLPEndpoint: "c:4317", Insecure: true}, false)
	assert.Equal(t, telemetry.ExporterOTLP, tc.TraceExporter)
	assert.True(t, tc.OTLPInsecure)
}

func TestServiceOptions(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := serviceOptions(config.AuthConfig{}, log)
	info, err := opts.AuthProvider.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, info.HasRole(extensions.RoleAdmin))

	opts = serviceOptions(config.AuthConfig{JWTSecret: "0123456789abcdef", Issuer: "x"}, log)
	_, err = opts.AuthProvider.Validate(context.Background(), "")
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
	assert.IsType(t, extensions.RoleAuthzProvider{}, opts.AuthzProvider)
}
