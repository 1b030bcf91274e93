// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/ontology"
)

// DocumentFinder is implemented by stores that can return a whole
// persisted document, including its allIds index.
type DocumentFinder interface {
	FindDocument(ctx context.Context, featureID string) (*feature.Document, error)
}

// Default returns the validations every backend runs: struct tags,
// feature types and authorization before execution, tree invariants after.
func Default(vocab *ontology.Vocabulary, authz extensions.AuthzProvider) *Set {
	s := &Set{}
	for _, v := range []Validation{
		NewStructValidation(),
		NewOntologyValidation(vocab),
		NewAuthorizationValidation(authz),
		TreeInvariantValidation{},
	} {
		if err := s.Register(v); err != nil {
			panic(err)
		}
	}
	return s
}

// =============================================================================
// StructValidation
// =============================================================================

// StructValidation checks `validate` struct tags on the change payload.
type StructValidation struct {
	Base
	validate *validator.Validate
}

// NewStructValidation builds a validator that reports fields by json name.
func NewStructValidation() *StructValidation {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &StructValidation{validate: v}
}

func (*StructValidation) Name() string { return "struct" }

func (s *StructValidation) FrontendPreValidate(_ context.Context, c changes.Change) error {
	return s.check(c)
}

func (s *StructValidation) BackendPreValidate(_ context.Context, c changes.Change, _ *extensions.AuthInfo) error {
	return s.check(c)
}

func (s *StructValidation) check(c changes.Change) error {
	err := s.validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%s: %s", c.TypeName(), strings.Join(msgs, ", "))
}

// =============================================================================
// OntologyValidation
// =============================================================================

// OntologyValidation rejects changes that introduce a feature type missing
// from the vocabulary.
type OntologyValidation struct {
	Base
	vocab *ontology.Vocabulary
}

// NewOntologyValidation checks types against vocab, or the embedded
// Sequence Ontology subset when vocab is nil.
func NewOntologyValidation(vocab *ontology.Vocabulary) *OntologyValidation {
	if vocab == nil {
		vocab = ontology.Default()
	}
	return &OntologyValidation{vocab: vocab}
}

func (*OntologyValidation) Name() string { return "ontology" }

func (o *OntologyValidation) FrontendPreValidate(_ context.Context, c changes.Change) error {
	return o.check(c)
}

func (o *OntologyValidation) BackendPreValidate(_ context.Context, c changes.Change, _ *extensions.AuthInfo) error {
	return o.check(c)
}

func (o *OntologyValidation) check(c changes.Change) error {
	var unknown []string
	for _, t := range IntroducedTypes(c) {
		if !o.vocab.Contains(t) {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown feature type %s", strings.Join(unknown, ", "))
	}
	return nil
}

// IntroducedTypes lists the feature types a change writes, without
// duplicates, in first-seen order.
func IntroducedTypes(c changes.Change) []string {
	var fs []*feature.Feature
	var types []string
	switch c := c.(type) {
	case *changes.AddFeatureChange:
		fs = append(fs, c.AddedFeature)
	case *changes.TypeChange:
		types = c.NewTypes()
	case *changes.MergeExonsChange:
		fs = append(fs, c.MergedExon)
	case *changes.UndoMergeExonsChange:
		fs = append(fs, c.FirstExon, c.SecondExon)
	case *changes.SplitExonChange:
		fs = append(fs, c.LeftExon, c.RightExon)
	case *changes.UndoSplitExonChange:
		fs = append(fs, c.Exon)
	case *changes.MergeTranscriptsChange:
		fs = append(fs, c.MergedTranscript)
	case *changes.UndoMergeTranscriptsChange:
		fs = append(fs, c.FirstTranscript, c.SecondTranscript)
	}
	for _, f := range fs {
		if f == nil {
			continue
		}
		f.Walk(func(n *feature.Feature) bool {
			types = append(types, n.Type)
			return true
		})
	}
	seen := make(map[string]bool, len(types))
	out := types[:0]
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// =============================================================================
// AuthorizationValidation
// =============================================================================

// AuthorizationValidation asks an AuthzProvider whether the submitting user
// may run the change. Assembly-level changes need ActionAdminister, all
// others ActionEdit.
type AuthorizationValidation struct {
	Base
	authz extensions.AuthzProvider
}

// NewAuthorizationValidation wraps authz; nil allows everything.
func NewAuthorizationValidation(authz extensions.AuthzProvider) *AuthorizationValidation {
	if authz == nil {
		authz = &extensions.NopAuthzProvider{}
	}
	return &AuthorizationValidation{authz: authz}
}

// AuthorizationValidationName is the Name of AuthorizationValidation.
const AuthorizationValidationName = "authorization"

func (*AuthorizationValidation) Name() string { return AuthorizationValidationName }

func (a *AuthorizationValidation) BackendPreValidate(ctx context.Context, c changes.Change, user *extensions.AuthInfo) error {
	action := extensions.ActionEdit
	if changes.AssemblyLevel(c) {
		action = extensions.ActionAdminister
	}
	return a.authz.Authorize(ctx, extensions.AuthzRequest{
		User:         user,
		Action:       action,
		ResourceType: "assembly",
		ResourceID:   c.AssemblyID(),
	})
}

// =============================================================================
// ParentChildValidation
// =============================================================================

// ParentChildValidation restricts which types may sit under which parent
// type and requires every child to lie within its parent's interval.
// Parent types absent from Allowed accept any child type.
//
// Not registered by Default, since GFF3 permits children to overhang.
type ParentChildValidation struct {
	Base
	Allowed map[string][]string
}

// NewParentChildValidation returns the gene model rules:
// gene > mRNA|ncRNA|transcript, transcripts > exon|CDS|UTRs|intron.
func NewParentChildValidation() *ParentChildValidation {
	transcriptParts := []string{"exon", "CDS", "five_prime_UTR", "three_prime_UTR", "intron", "start_codon", "stop_codon"}
	return &ParentChildValidation{Allowed: map[string][]string{
		"gene":       {"mRNA", "ncRNA", "transcript", "tRNA", "rRNA", "pseudogenic_transcript"},
		"mRNA":       transcriptParts,
		"ncRNA":      transcriptParts,
		"transcript": transcriptParts,
		"exon":       {},
		"CDS":        {},
	}}
}

func (*ParentChildValidation) Name() string { return "parent-child" }

func (p *ParentChildValidation) BackendPostValidate(ctx context.Context, c changes.Change, store changes.TreeStore) error {
	return p.check(ctx, c, store)
}

func (p *ParentChildValidation) FrontendPostValidate(ctx context.Context, c changes.Change, client changes.TreeStore) error {
	return p.check(ctx, c, client)
}

func (p *ParentChildValidation) check(ctx context.Context, c changes.Change, store changes.TreeStore) error {
	if changes.Bulk(c) {
		return nil
	}
	for _, id := range c.ChangedIDs() {
		t, err := store.FindTree(ctx, id)
		if err != nil {
			// Deleted or replaced ids have nothing left to check.
			continue
		}
		var bad error
		t.Root().Walk(func(n *feature.Feature) bool {
			if bad != nil {
				return false
			}
			allowed, restricted := p.Allowed[n.Type]
			for _, childID := range n.ChildIDs() {
				child := n.Children[childID]
				if restricted && !slices.Contains(allowed, child.Type) {
					bad = fmt.Errorf("%s %s cannot have a %s child (%s)", n.Type, n.ID, child.Type, child.ID)
					return false
				}
				if child.Min < n.Min || child.Max > n.Max {
					bad = fmt.Errorf("%s [%d, %d) extends outside parent %s [%d, %d)",
						child.ID, child.Min, child.Max, n.ID, n.Min, n.Max)
					return false
				}
			}
			return true
		})
		if bad != nil {
			return bad
		}
	}
	return nil
}

// =============================================================================
// TreeInvariantValidation
// =============================================================================

// TreeInvariantValidation re-checks every touched tree after execution:
// coordinates ordered, indexes consistent and, where the store exposes
// documents, allIds matching the tree.
type TreeInvariantValidation struct {
	Base
}

func (TreeInvariantValidation) Name() string { return "tree-invariants" }

func (v TreeInvariantValidation) BackendPostValidate(ctx context.Context, c changes.Change, store changes.TreeStore) error {
	return v.check(ctx, c, store)
}

func (v TreeInvariantValidation) FrontendPostValidate(ctx context.Context, c changes.Change, client changes.TreeStore) error {
	return v.check(ctx, c, client)
}

func (TreeInvariantValidation) check(ctx context.Context, c changes.Change, store changes.TreeStore) error {
	if changes.Bulk(c) {
		return nil
	}
	docs, _ := store.(DocumentFinder)
	checked := map[string]bool{}
	for _, id := range c.ChangedIDs() {
		t, err := store.FindTree(ctx, id)
		if err != nil {
			continue
		}
		root := t.Root().ID
		if checked[root] {
			continue
		}
		checked[root] = true
		if err := t.Validate(); err != nil {
			return err
		}
		if docs == nil {
			continue
		}
		doc, err := docs.FindDocument(ctx, root)
		if err != nil {
			return fmt.Errorf("reading document %s: %w", root, err)
		}
		if err := doc.CheckAllIDs(); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ Validation = (*StructValidation)(nil)
	_ Validation = (*OntologyValidation)(nil)
	_ Validation = (*AuthorizationValidation)(nil)
	_ Validation = (*ParentChildValidation)(nil)
	_ Validation = TreeInvariantValidation{}
)
