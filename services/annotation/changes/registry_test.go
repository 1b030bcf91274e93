// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes_test

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := changes.NewRegistry()
	ctor := func() changes.Change { return &changes.AddFeatureChange{} }

	require.NoError(t, r.Register(changes.KindAddFeature, ctor))
	assert.ErrorIs(t, r.Register(changes.KindAddFeature, ctor), changes.ErrChangeTypeRegistered)

	got, err := r.Lookup(changes.KindAddFeature)
	require.NoError(t, err)
	assert.Equal(t, changes.KindAddFeature, got().TypeName())

	_, err = r.Lookup("NoSuchChange")
	assert.ErrorIs(t, err, changes.ErrUnknownChangeType)

	_, err = r.Decode([]byte(`{"typeName":"NoSuchChange","assembly":"A"}`))
	assert.ErrorIs(t, err, changes.ErrUnknownChangeType)
}

func TestRegistry_BuiltinsTwiceFails(t *testing.T) {
	r := changes.NewDefaultRegistry()
	assert.Len(t, r.Kinds(), 19)
	assert.ErrorIs(t, changes.RegisterBuiltins(r), changes.ErrChangeTypeRegistered)
}

func TestDecode_Malformed(t *testing.T) {
	r := changes.NewDefaultRegistry()
	for name, in := range map[string]string{
		"not json":         `{"typeName":`,
		"missing typeName": `{"assembly":"A"}`,
		"wrong field type": `{"typeName":"LocationEndChange","assembly":"A","featureId":"g1","oldEnd":"x","newEnd":2}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Decode([]byte(in))
			assert.ErrorIs(t, err, changes.ErrInvalidChange)
		})
	}
}

// sampleChanges returns at least one change of every registered kind.
func sampleChanges(t *testing.T) []changes.Change {
	t.Helper()
	var out []changes.Change
	for _, tc := range invertibleCases() {
		b := seeded(t, changes.BackendClient)
		c := tc.build(t, b)
		out = append(out, c)
		if inv, err := c.Inverse(); err == nil {
			out = append(out, inv)
		}
	}
	return append(out,
		&changes.AddAssemblyFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f1", AssemblyName: "hg38", ChunkSize: 1024},
		&changes.AddFeaturesFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f2"},
		changes.NewDeleteAssemblyChange("A"),
	)
}

func TestEncodeDecode_RoundTripEveryKind(t *testing.T) {
	r := changes.NewDefaultRegistry()
	seen := map[changes.Kind]bool{}
	for _, c := range sampleChanges(t) {
		seen[c.TypeName()] = true
		t.Run(string(c.TypeName()), func(t *testing.T) {
			data, err := r.Encode(c)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(string(data), `{"typeName":"`+string(c.TypeName())+`"`))

			got, err := r.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, c.TypeName(), got.TypeName())
			assert.Equal(t, c.AssemblyID(), got.AssemblyID())
			assert.Equal(t, c.ChangedIDs(), got.ChangedIDs())

			again, err := r.Encode(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(data), string(again))
		})
	}
	for _, k := range r.Kinds() {
		assert.True(t, seen[k], "no sample for %s", k)
	}
}

func TestBatch_SingleElementEncodesFlat(t *testing.T) {
	c := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "g1", OldEnd: 500, NewEnd: 600})
	data, err := changes.Encode(c)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "changes")
	assert.Equal(t, "LocationEndChange", fields["typeName"])
	assert.Equal(t, "g1", fields["featureId"])
	assert.EqualValues(t, 500, fields["oldEnd"])
	assert.EqualValues(t, 600, fields["newEnd"])
}

func TestBatch_ManyElementsEncodeArray(t *testing.T) {
	c := changes.NewLocationEndChange("A",
		changes.LocationEndDetail{FeatureID: "g1", OldEnd: 500, NewEnd: 600},
		changes.LocationEndDetail{FeatureID: "g2", OldEnd: 10, NewEnd: 20},
	)
	data, err := changes.Encode(c)
	require.NoError(t, err)

	var fields struct {
		Changes []map[string]any `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Len(t, fields.Changes, 2)
	assert.Equal(t, "g2", fields.Changes[1]["featureId"])
}

func TestBatch_AllWireFormsDecodeAlike(t *testing.T) {
	r := changes.NewDefaultRegistry()
	forms := map[string]string{
		"flat":   `{"typeName":"StrandChange","assembly":"A","changedIds":["m1"],"featureId":"m1","oldStrand":1,"newStrand":-1}`,
		"object": `{"typeName":"StrandChange","assembly":"A","changedIds":["m1"],"changes":{"featureId":"m1","oldStrand":1,"newStrand":-1}}`,
		"array":  `{"typeName":"StrandChange","assembly":"A","changedIds":["m1"],"changes":[{"featureId":"m1","oldStrand":1,"newStrand":-1}]}`,
	}
	want := changes.NewStrandChange("A", changes.StrandDetail{FeatureID: "m1", OldStrand: 1, NewStrand: -1})

	for _, name := range slices.Sorted(maps.Keys(forms)) {
		t.Run(name, func(t *testing.T) {
			got, err := r.Decode([]byte(forms[name]))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestBatch_ChangedIDsDerivedWhenAbsent(t *testing.T) {
	r := changes.NewDefaultRegistry()
	got, err := r.Decode([]byte(`{"typeName":"TypeChange","assembly":"A","changes":[{"featureId":"a","oldType":"exon","newType":"CDS"},{"featureId":"b","oldType":"exon","newType":"CDS"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.ChangedIDs())
}
