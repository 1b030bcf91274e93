// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package changes_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
)

var snapshotOpts = cmp.Options{cmpopts.IgnoreUnexported(feature.Feature{})}

func geneFixture() *feature.Feature {
	leaf := func(id, typ string, lo, hi int64) *feature.Feature {
		return &feature.Feature{ID: id, Type: typ, RefSeq: "A-chr1", Min: lo, Max: hi, Strand: feature.StrandForward}
	}
	cds := leaf("c1", "CDS", 150, 800)
	cds.DiscontinuousLocations = []feature.Location{
		{Start: 150, End: 200, Phase: feature.Phase(0)},
		{Start: 300, End: 500, Phase: feature.Phase(2)},
		{Start: 700, End: 800, Phase: feature.Phase(1)},
	}
	m1 := leaf("m1", "mRNA", 100, 900)
	m1.Children = map[string]*feature.Feature{
		"e1": leaf("e1", "exon", 100, 200),
		"e2": leaf("e2", "exon", 300, 500),
		"e3": leaf("e3", "exon", 700, 900),
		"c1": cds,
	}
	m2 := leaf("m2", "mRNA", 100, 950)
	m2.Attributes = feature.Attributes{"Name": {"alt"}}
	m2.Children = map[string]*feature.Feature{
		"e4": leaf("e4", "exon", 100, 250),
		"e5": leaf("e5", "exon", 700, 950),
	}
	g1 := leaf("g1", "gene", 100, 950)
	g1.Attributes = feature.Attributes{"Name": {"BRCA"}, feature.AttrGFFID: {"gene0001"}}
	g1.Children = map[string]*feature.Feature{"m1": m1, "m2": m2}
	return g1
}

func seeded(t *testing.T, kind changes.BackendKind) *memBackend {
	t.Helper()
	b := newMemBackend(kind)
	b.AddAssembly(feature.Assembly{ID: "A", Name: "asmA"}, []feature.RefSeq{{ID: "A-chr1", Assembly: "A", Name: "chr1"}})
	b.AddAssembly(feature.Assembly{ID: "B", Name: "asmB"}, []feature.RefSeq{
		{ID: "B-chr2", Assembly: "B", Name: "chr2"},
		{ID: "B-chr1", Assembly: "B", Name: "chr1"},
	})
	tree, err := feature.NewTree(geneFixture())
	require.NoError(t, err)
	require.NoError(t, b.PutTree(context.Background(), "A", tree))
	return b
}

func counter(prefix string) feature.IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

type changeCase struct {
	name  string
	build func(t *testing.T, b *memBackend) changes.Change
}

// invertibleCases builds one change of every invertible kind against the
// seeded fixture.
func invertibleCases() []changeCase {
	return []changeCase{
		{"add child", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewAddFeatureChange("A", &feature.Feature{ID: "e9", Type: "exon", RefSeq: "A-chr1", Min: 910, Max: 940}, "m2")
		}},
		{"add top-level", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewAddFeatureChange("A", &feature.Feature{ID: "g2", Type: "gene", RefSeq: "A-chr1", Min: 5, Max: 50}, "")
		}},
		{"delete child", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewDeleteFeatureChange("A", b.find("e2"))
		}},
		{"delete top-level", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewDeleteFeatureChange("A", b.find("g1"))
		}},
		{"delete without snapshot", func(t *testing.T, b *memBackend) changes.Change {
			return &changes.DeleteFeatureChange{Meta: changes.Meta{Assembly: "A"}, FeatureID: "m2"}
		}},
		{"copy", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewCopyFeatureChange("A", b.find("g1"), "B", counter("copy"))
		}},
		{"location start batch", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewLocationStartChange("A",
				changes.LocationStartDetail{FeatureID: "e1", OldStart: 100, NewStart: 120},
				changes.LocationStartDetail{FeatureID: "e2", OldStart: 300, NewStart: 290},
			)
		}},
		{"location end", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "g1", OldEnd: 950, NewEnd: 990})
		}},
		{"same feature twice", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewLocationEndChange("A",
				changes.LocationEndDetail{FeatureID: "e1", OldEnd: 200, NewEnd: 210},
				changes.LocationEndDetail{FeatureID: "e1", OldEnd: 210, NewEnd: 220},
			)
		}},
		{"type", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewTypeChange("A", changes.TypeDetail{FeatureID: "m2", OldType: "mRNA", NewType: "ncRNA"})
		}},
		{"attributes", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewFeatureAttributeChange("A", changes.FeatureAttributeDetail{
				FeatureID:     "g1",
				OldAttributes: b.find("g1").Attributes,
				NewAttributes: feature.Attributes{"Name": {"BRCA2"}, "Note": {"edited"}},
			})
		}},
		{"strand", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewStrandChange("A", changes.StrandDetail{FeatureID: "e4", OldStrand: feature.StrandForward, NewStrand: feature.StrandReverse})
		}},
		{"cds location start", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewDiscontinuousLocationStartChange("A", changes.DiscontinuousLocationStartDetail{FeatureID: "c1", Index: 1, OldStart: 300, NewStart: 310})
		}},
		{"cds location end", func(t *testing.T, b *memBackend) changes.Change {
			return changes.NewDiscontinuousLocationEndChange("A", changes.DiscontinuousLocationEndDetail{FeatureID: "c1", Index: 2, OldEnd: 800, NewEnd: 850})
		}},
		{"merge exons", func(t *testing.T, b *memBackend) changes.Change {
			c, err := changes.NewMergeExonsChange("A", b.find("m1"), "e2", "e3", counter("merged"))
			require.NoError(t, err)
			return c
		}},
		{"split exon", func(t *testing.T, b *memBackend) changes.Change {
			c, err := changes.NewSplitExonChange("A", b.find("m1"), "e2", 400, counter("piece"))
			require.NoError(t, err)
			return c
		}},
		{"merge transcripts", func(t *testing.T, b *memBackend) changes.Change {
			c, err := changes.NewMergeTranscriptsChange("A", b.find("g1"), "m1", "m2")
			require.NoError(t, err)
			return c
		}},
	}
}

func TestInverseLaw(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []changes.BackendKind{changes.BackendServer, changes.BackendClient} {
		for _, tc := range invertibleCases() {
			t.Run(kind.String()+"/"+tc.name, func(t *testing.T) {
				b := seeded(t, kind)
				before := b.snapshot()
				c := tc.build(t, b)

				require.NoError(t, changes.Apply(ctx, c, b))
				assert.NotEmpty(t, cmp.Diff(before, b.snapshot(), snapshotOpts), "forward change had no effect")

				inv, err := c.Inverse()
				require.NoError(t, err)
				require.NoError(t, changes.Apply(ctx, inv, b))
				assert.Empty(t, cmp.Diff(before, b.snapshot(), snapshotOpts))

				for _, doc := range b.docs {
					require.NoError(t, doc.CheckAllIDs())
					tree, err := doc.Tree()
					require.NoError(t, err)
					require.NoError(t, tree.Validate())
				}
			})
		}
	}
}

func TestStrandChange_AppliesToSubtree(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendServer)
	before := b.snapshot()
	strands := func(ids ...string) []feature.Strand {
		var out []feature.Strand
		for _, id := range ids {
			out = append(out, b.find(id).Strand)
		}
		return out
	}

	c := changes.NewStrandChange("A", changes.StrandDetail{FeatureID: "m2", OldStrand: feature.StrandForward, NewStrand: feature.StrandReverse})
	require.NoError(t, changes.Apply(ctx, c, b))
	assert.Equal(t, []feature.Strand{feature.StrandReverse, feature.StrandReverse, feature.StrandReverse}, strands("m2", "e4", "e5"))
	assert.Equal(t, []feature.Strand{feature.StrandForward, feature.StrandForward}, strands("g1", "m1"))

	inv, err := c.Inverse()
	require.NoError(t, err)
	require.NoError(t, changes.Apply(ctx, inv, b))
	assert.Empty(t, cmp.Diff(before, b.snapshot(), snapshotOpts))
}

func TestStrandChange_DescendantConflict(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendClient)
	require.NoError(t, changes.Apply(ctx, changes.NewStrandChange("A",
		changes.StrandDetail{FeatureID: "e5", OldStrand: feature.StrandForward, NewStrand: feature.StrandReverse}), b))
	before := b.snapshot()

	err := changes.Apply(ctx, changes.NewStrandChange("A",
		changes.StrandDetail{FeatureID: "m2", OldStrand: feature.StrandForward, NewStrand: feature.StrandReverse}), b)
	assert.ErrorIs(t, err, changes.ErrConflict)
	assert.ErrorContains(t, err, "e5")
	assert.Empty(t, cmp.Diff(before, b.snapshot(), snapshotOpts))
}

func TestDeleteFeatureChange_RecordsSnapshotOnSuccessOnly(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendServer)
	want := b.find("e4")

	wrongParent := &changes.DeleteFeatureChange{Meta: changes.Meta{Assembly: "A"}, FeatureID: "e4", ParentFeatureID: "m1"}
	require.ErrorIs(t, changes.Apply(ctx, wrongParent, b), changes.ErrConflict)
	assert.Nil(t, wrongParent.DeletedFeature)
	assert.Equal(t, "m1", wrongParent.ParentFeatureID)

	c := &changes.DeleteFeatureChange{Meta: changes.Meta{Assembly: "A"}, FeatureID: "e4"}
	_, err := c.Inverse()
	require.ErrorIs(t, err, changes.ErrNotInvertible)

	require.NoError(t, changes.Apply(ctx, c, b))
	assert.Equal(t, "m2", c.ParentFeatureID)
	assert.Empty(t, cmp.Diff(want, c.DeletedFeature, snapshotOpts))

	raw, err := changes.Encode(c)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"deletedFeature"`)
}

func TestInverseOfInverse(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendClient)
	c, err := changes.NewSplitExonChange("A", b.find("m1"), "e2", 400, counter("piece"))
	require.NoError(t, err)

	require.NoError(t, changes.Apply(ctx, c, b))
	after := b.snapshot()

	inv, err := c.Inverse()
	require.NoError(t, err)
	require.NoError(t, changes.Apply(ctx, inv, b))

	again, err := inv.Inverse()
	require.NoError(t, err)
	assert.Equal(t, changes.KindSplitExon, again.TypeName())
	require.NoError(t, changes.Apply(ctx, again, b))
	assert.Empty(t, cmp.Diff(after, b.snapshot(), snapshotOpts))
}

func TestScenario_AddGeneThenChild(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(changes.BackendServer)
	b.AddAssembly(feature.Assembly{ID: "A", Name: "A"}, nil)

	gene := &feature.Feature{ID: "g1", Type: "gene", RefSeq: "chr1", Min: 100, Max: 500}
	require.NoError(t, changes.Apply(ctx, changes.NewAddFeatureChange("A", gene, ""), b))

	mrna := &feature.Feature{ID: "mrna1", Type: "mRNA", RefSeq: "chr1", Min: 100, Max: 500}
	require.NoError(t, changes.Apply(ctx, changes.NewAddFeatureChange("A", mrna, "g1"), b))

	g1 := b.find("g1")
	require.NotNil(t, g1)
	assert.Contains(t, g1.Children, "mrna1")
	assert.Equal(t, []string{"g1", "mrna1"}, b.docs["g1"].AllIDs)
}

func TestScenario_LocationEnd(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendServer)

	c := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "g1", OldEnd: 950, NewEnd: 1000})
	require.NoError(t, changes.Apply(ctx, c, b))
	assert.Equal(t, int64(1000), b.find("g1").Max)

	inv, err := c.Inverse()
	require.NoError(t, err)
	want := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "g1", OldEnd: 1000, NewEnd: 950})
	assert.Equal(t, want, inv)
}

func TestScenario_StaleOldValueRejected(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []changes.BackendKind{changes.BackendServer, changes.BackendLocalGFF3, changes.BackendClient} {
		t.Run(kind.String(), func(t *testing.T) {
			b := seeded(t, kind)
			before := b.snapshot()

			end := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "g1", OldEnd: 400, NewEnd: 600})
			assert.ErrorIs(t, changes.Apply(context.Background(), end, b), changes.ErrConflict)

			start := changes.NewLocationStartChange("A", changes.LocationStartDetail{FeatureID: "e2", OldStart: 1, NewStart: 310})
			assert.ErrorIs(t, changes.Apply(ctx, start, b), changes.ErrConflict)

			assert.Empty(t, cmp.Diff(before, b.snapshot(), snapshotOpts))
		})
	}
}

func TestScenario_DeleteChildExon(t *testing.T) {
	b := seeded(t, changes.BackendClient)
	require.NoError(t, changes.Apply(context.Background(), changes.NewDeleteFeatureChange("A", b.find("e2")), b))

	m1 := b.find("m1")
	assert.NotContains(t, m1.Children, "e2")
	assert.Contains(t, m1.Children, "e1")
	assert.Contains(t, m1.Children, "e3")
	assert.NotContains(t, b.docs["g1"].AllIDs, "e2")
	assert.Nil(t, b.find("e2"))
}

func TestScenario_CopyToOtherAssembly(t *testing.T) {
	b := seeded(t, changes.BackendServer)
	c := changes.NewCopyFeatureChange("A", b.find("g1"), "B", counter("n"))
	require.NoError(t, changes.Apply(context.Background(), c, b))

	src := b.find("g1")
	dst := b.find(c.NewFeatureID)
	require.NotNil(t, dst)
	assert.NotEqual(t, src.ID, dst.ID)
	assert.Equal(t, src.Min, dst.Min)
	assert.Equal(t, src.Max, dst.Max)
	assert.Equal(t, src.Type, dst.Type)
	assert.Equal(t, src.Attributes, dst.Attributes)
	assert.Equal(t, "B-chr1", dst.RefSeq)
	assert.Equal(t, "B", b.docs[c.NewFeatureID].Assembly)
	assert.Len(t, b.docs[c.NewFeatureID].AllIDs, len(b.docs["g1"].AllIDs))
}

func TestCopy_NoMatchingRefSeq(t *testing.T) {
	b := seeded(t, changes.BackendServer)
	b.refSeqs["B"] = []feature.RefSeq{{ID: "B-chrX", Assembly: "B", Name: "chrX"}}
	c := changes.NewCopyFeatureChange("A", b.find("g1"), "B", counter("n"))
	assert.ErrorIs(t, changes.Apply(context.Background(), c, b), changes.ErrRefSeqNotFound)
}

func TestBatch_NotFoundLeavesNoPartialWrite(t *testing.T) {
	b := seeded(t, changes.BackendServer)
	before := b.snapshot()
	puts := b.putCalls

	c := changes.NewLocationStartChange("A",
		changes.LocationStartDetail{FeatureID: "e1", OldStart: 100, NewStart: 110},
		changes.LocationStartDetail{FeatureID: "missing", OldStart: 0, NewStart: 1},
	)
	assert.ErrorIs(t, changes.Apply(context.Background(), c, b), changes.ErrFeatureNotFound)
	assert.Empty(t, cmp.Diff(before, b.snapshot(), snapshotOpts))
	assert.Equal(t, puts, b.putCalls)
}

func TestLocationStart_RejectsInvertedRange(t *testing.T) {
	b := seeded(t, changes.BackendClient)
	c := changes.NewLocationStartChange("A", changes.LocationStartDetail{FeatureID: "e1", OldStart: 100, NewStart: 201})
	assert.ErrorIs(t, changes.Apply(context.Background(), c, b), feature.ErrInvalidRange)
}

func TestAdd_Conflicts(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendServer)

	dupTop := changes.NewAddFeatureChange("A", &feature.Feature{ID: "g1", Type: "gene"}, "")
	assert.ErrorIs(t, changes.Apply(ctx, dupTop, b), changes.ErrConflict)

	dupChild := changes.NewAddFeatureChange("A", &feature.Feature{ID: "e1", Type: "exon"}, "m2")
	assert.ErrorIs(t, changes.Apply(ctx, dupChild, b), changes.ErrConflict)

	noParent := changes.NewAddFeatureChange("A", &feature.Feature{ID: "x", Type: "exon"}, "nope")
	assert.ErrorIs(t, changes.Apply(ctx, noParent, b), changes.ErrFeatureNotFound)

	noAssembly := changes.NewAddFeatureChange("Z", &feature.Feature{ID: "y", Type: "gene"}, "")
	assert.ErrorIs(t, changes.Apply(ctx, noAssembly, b), changes.ErrAssemblyNotFound)
}

func TestDelete_WrongParentIsConflict(t *testing.T) {
	b := seeded(t, changes.BackendClient)
	c := &changes.DeleteFeatureChange{Meta: changes.Meta{Assembly: "A"}, FeatureID: "e1", ParentFeatureID: "m2"}
	assert.ErrorIs(t, changes.Apply(context.Background(), c, b), changes.ErrConflict)
	assert.NotNil(t, b.find("e1"))
}

func TestNotInvertible(t *testing.T) {
	_, err := (&changes.DeleteFeatureChange{Meta: changes.Meta{Assembly: "A"}, FeatureID: "x"}).Inverse()
	assert.ErrorIs(t, err, changes.ErrNotInvertible)

	for _, c := range []changes.Change{
		changes.NewDeleteAssemblyChange("A"),
		&changes.AddAssemblyFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f", AssemblyName: "a"},
		&changes.AddFeaturesFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f"},
	} {
		_, err := c.Inverse()
		assert.ErrorIs(t, err, changes.ErrNotInvertible, c.TypeName())
	}
}

type bareBackend struct{ kind changes.BackendKind }

func (b bareBackend) Kind() changes.BackendKind { return b.kind }

func TestApply_UnsupportedBackend(t *testing.T) {
	ctx := context.Background()
	gff := seeded(t, changes.BackendLocalGFF3)

	copyChange := changes.NewCopyFeatureChange("A", gff.find("g1"), "B", counter("n"))
	assert.ErrorIs(t, changes.Apply(ctx, copyChange, gff), changes.ErrUnsupportedBackend)

	merge, err := changes.NewMergeExonsChange("A", gff.find("m1"), "e1", "e2", counter("m"))
	require.NoError(t, err)
	assert.ErrorIs(t, changes.Apply(ctx, merge, gff), changes.ErrUnsupportedBackend)

	loc := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "g1", OldEnd: 950, NewEnd: 960})
	assert.ErrorIs(t, changes.Apply(ctx, loc, bareBackend{changes.BackendServer}), changes.ErrUnsupportedBackend)
	assert.ErrorIs(t, changes.Apply(ctx, loc, bareBackend{changes.BackendKind(42)}), changes.ErrUnsupportedBackend)
}

func TestMergeExons_CoalescesCDS(t *testing.T) {
	b := seeded(t, changes.BackendClient)
	c, err := changes.NewMergeExonsChange("A", b.find("m1"), "e2", "e3", counter("merged"))
	require.NoError(t, err)
	require.Len(t, c.CDSLocations, 1)
	require.NoError(t, changes.Apply(context.Background(), c, b))

	m1 := b.find("m1")
	assert.NotContains(t, m1.Children, "e2")
	assert.NotContains(t, m1.Children, "e3")
	merged := m1.Children["merged1"]
	require.NotNil(t, merged)
	assert.Equal(t, int64(300), merged.Min)
	assert.Equal(t, int64(900), merged.Max)

	locs := m1.Children["c1"].DiscontinuousLocations
	require.Len(t, locs, 2)
	assert.Equal(t, int64(300), locs[1].Start)
	assert.Equal(t, int64(800), locs[1].End)
	assert.Equal(t, 2, *locs[1].Phase)
}

func TestSplitExon_CutsCDSWithPhase(t *testing.T) {
	b := seeded(t, changes.BackendServer)
	c, err := changes.NewSplitExonChange("A", b.find("m1"), "e2", 400, counter("piece"))
	require.NoError(t, err)
	require.NoError(t, changes.Apply(context.Background(), c, b))

	m1 := b.find("m1")
	left, right := m1.Children["piece1"], m1.Children["piece2"]
	require.NotNil(t, left)
	require.NotNil(t, right)
	assert.Equal(t, [2]int64{300, 400}, [2]int64{left.Min, left.Max})
	assert.Equal(t, [2]int64{400, 500}, [2]int64{right.Min, right.Max})

	locs := m1.Children["c1"].DiscontinuousLocations
	require.Len(t, locs, 4)
	assert.Equal(t, 2, *locs[1].Phase)
	assert.Equal(t, 1, *locs[2].Phase)

	_, err = changes.NewSplitExonChange("A", b.find("m1"), "e1", 100, nil)
	assert.ErrorIs(t, err, changes.ErrInvalidChange)
}

func TestMergeTranscripts_UnionsOverlappingChildren(t *testing.T) {
	b := seeded(t, changes.BackendClient)
	c, err := changes.NewMergeTranscriptsChange("A", b.find("g1"), "m1", "m2")
	require.NoError(t, err)
	require.NoError(t, changes.Apply(context.Background(), c, b))

	g1 := b.find("g1")
	assert.NotContains(t, g1.Children, "m2")
	m1 := g1.Children["m1"]
	assert.Equal(t, int64(950), m1.Max)
	assert.Equal(t, []string{"alt"}, m1.Attributes["Name"])
	assert.Equal(t, int64(250), m1.Children["e1"].Max)
	assert.Equal(t, int64(950), m1.Children["e3"].Max)
	assert.NotContains(t, m1.Children, "e4")
}

func TestRestructure_StaleSnapshotIsConflict(t *testing.T) {
	ctx := context.Background()
	b := seeded(t, changes.BackendServer)
	merge, err := changes.NewMergeExonsChange("A", b.find("m1"), "e2", "e3", counter("merged"))
	require.NoError(t, err)

	moved := changes.NewLocationEndChange("A", changes.LocationEndDetail{FeatureID: "e3", OldEnd: 900, NewEnd: 910})
	require.NoError(t, changes.Apply(ctx, moved, b))
	before := b.snapshot()

	assert.ErrorIs(t, changes.Apply(ctx, merge, b), changes.ErrConflict)
	assert.Empty(t, cmp.Diff(before, b.snapshot(), snapshotOpts))
}

func TestAddAssemblyFromFile(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(changes.BackendServer)
	b.raw["f1"] = ">chr1\nACGTACGTAC\n>chr2\nGGGG\n"

	c := &changes.AddAssemblyFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f1", AssemblyName: "hg", ChunkSize: 4}
	require.NoError(t, changes.Apply(ctx, c, b))

	assert.Equal(t, "hg", b.assemblies["A"].Name)
	require.Len(t, b.refSeqs["A"], 2)
	assert.Equal(t, feature.RefSeqID("A", "chr1"), b.refSeqs["A"][0].ID)
	assert.Equal(t, int64(10), b.refSeqs["A"][0].Length)
	assert.Len(t, b.chunks, 4)

	assert.ErrorIs(t, changes.Apply(ctx, c, b), changes.ErrConflict)

	client := newMemBackend(changes.BackendClient)
	require.NoError(t, changes.Apply(ctx, c, client))
	_, ok := client.Assembly("A")
	assert.True(t, ok)
}

func TestAddFeaturesFromFile(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(changes.BackendServer)
	b.AddAssembly(feature.Assembly{ID: "A", Name: "A"}, []feature.RefSeq{{ID: "r1", Assembly: "A", Name: "chr1"}})
	b.gff3["f1"] = []*feature.Feature{
		{ID: "g1", Type: "gene", RefSeq: "chr1", Min: 1, Max: 10, Children: map[string]*feature.Feature{
			"m1": {ID: "m1", Type: "mRNA", RefSeq: "chr1", Min: 1, Max: 10},
		}},
		{ID: "g2", Type: "gene", RefSeq: "chr1", Min: 20, Max: 30},
	}
	c := &changes.AddFeaturesFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f1"}
	require.NoError(t, changes.Apply(ctx, c, b))
	assert.Len(t, b.docs, 2)
	assert.Equal(t, "r1", b.find("m1").RefSeq)

	b.gff3["f2"] = []*feature.Feature{
		{ID: "g3", Type: "gene", RefSeq: "chr1", Min: 1, Max: 2},
		{ID: "g4", Type: "gene", RefSeq: "chrUn", Min: 1, Max: 2},
	}
	err := changes.Apply(ctx, &changes.AddFeaturesFromFileChange{Meta: changes.Meta{Assembly: "A"}, FileID: "f2"}, b)
	assert.ErrorIs(t, err, changes.ErrRefSeqNotFound)
	assert.NotNil(t, b.find("g3"), "bulk import is not rolled back")
}

func TestDeleteAssembly(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []changes.BackendKind{changes.BackendServer, changes.BackendClient} {
		b := seeded(t, kind)
		require.NoError(t, changes.Apply(ctx, changes.NewDeleteAssemblyChange("A"), b))
		assert.Empty(t, b.docs)
		assert.ErrorIs(t, changes.Apply(ctx, changes.NewDeleteAssemblyChange("A"), b), changes.ErrAssemblyNotFound)
	}
}
