// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fasta

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	in := ">chr1 first contig\nACGTACGT\nACGT\n>chr2\nNNNN\n"

	var got []Record
	err := Read(strings.NewReader(in), func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "chr1", got[0].Name)
	assert.Equal(t, "ACGTACGTACGT", got[0].Sequence)
	assert.Contains(t, got[0].Description, "first contig")
	assert.Equal(t, "chr2", got[1].Name)
	assert.Equal(t, "NNNN", got[1].Sequence)
}

func TestRead_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := Read(strings.NewReader(">a\nAC\n>b\nGT\n"), func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestWriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Record{{Name: "chr1", Sequence: "ACGTACGTAC"}}, 4))

	var got []Record
	require.NoError(t, Read(&buf, func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "chr1", got[0].Name)
	assert.Equal(t, "ACGTACGTAC", got[0].Sequence)
}
