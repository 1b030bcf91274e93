// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ontology

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	v := Default()
	for _, name := range []string{"gene", "mRNA", "exon", "CDS", "SO:0000147", "5'UTR"} {
		assert.True(t, v.Contains(name), name)
	}
	assert.False(t, v.Contains("banana"))

	term, ok := v.Lookup("coding_sequence")
	require.True(t, ok)
	assert.Equal(t, "CDS", term.Name)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(strings.NewReader("terms: []\n"))
	assert.ErrorIs(t, err, ErrEmptyVocabulary)

	_, err = Parse(strings.NewReader("terms: [{id: X}]\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("terms:\n  - {name: a, synonyms: [x]}\n  - {name: b, synonyms: [x]}\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("terms: [\n"))
	assert.Error(t, err)
}

func TestReload_KeepsTermsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "so.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terms: [{name: gene}]\n"), 0o644))

	v, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gene"}, v.Names())

	require.NoError(t, os.WriteFile(path, []byte("not: [yaml"), 0o644))
	assert.Error(t, v.Reload(path))
	assert.True(t, v.Contains("gene"))

	require.NoError(t, os.WriteFile(path, []byte("terms: [{name: gene}, {name: exon}]\n"), 0o644))
	require.NoError(t, v.Reload(path))
	assert.True(t, v.Contains("exon"))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "so.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terms: [{name: gene}]\n"), 0o644))
	v, err := LoadFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, v.Watch(ctx, path, nil))

	require.NoError(t, os.WriteFile(path, []byte("terms: [{name: gene}, {name: intron}]\n"), 0o644))
	assert.Eventually(t, func() bool { return v.Contains("intron") }, 5*time.Second, 20*time.Millisecond)
}
