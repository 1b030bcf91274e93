// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feature

import (
	"fmt"
)

// Tree is a top-level feature together with an id index over the root and
// all of its descendants.
//
// # Description
//
// The index mirrors the persisted allIds list and gives O(1) lookup of any
// node by id. Parent back-pointers are maintained on every insert and
// removal, so Feature.Parent is always accurate for nodes reached through
// the tree.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type Tree struct {
	root  *Feature
	index map[string]*Feature
}

// NewTree indexes root and its descendants.
//
// # Inputs
//
//   - root: The top-level feature. It is adopted, not copied.
//
// # Outputs
//
//   - *Tree: The indexed tree.
//   - error: ErrDuplicateID if any id repeats, ErrEmptyID for a blank id.
func NewTree(root *Feature) (*Tree, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrEmptyID)
	}
	t := &Tree{root: root, index: make(map[string]*Feature)}
	root.parent = nil
	if err := t.indexSubtree(root); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) indexSubtree(f *Feature) error {
	var err error
	f.Walk(func(n *Feature) bool {
		if err != nil {
			return false
		}
		if n.ID == "" {
			err = ErrEmptyID
			return false
		}
		if _, dup := t.index[n.ID]; dup {
			err = fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
			return false
		}
		t.index[n.ID] = n
		for key, c := range n.Children {
			if key != c.ID {
				err = fmt.Errorf("child keyed %q has id %q", key, c.ID)
				return false
			}
			c.parent = n
		}
		return true
	})
	return err
}

// Root returns the top-level feature.
func (t *Tree) Root() *Feature {
	return t.root
}

// Find returns the node with the given id.
func (t *Tree) Find(id string) (*Feature, bool) {
	f, ok := t.index[id]
	return f, ok
}

// Contains reports whether id is the root or a descendant.
func (t *Tree) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Parent returns the parent of the node with the given id. The root has no
// parent.
func (t *Tree) Parent(id string) (*Feature, bool) {
	f, ok := t.index[id]
	if !ok || f.parent == nil {
		return nil, false
	}
	return f.parent, true
}

// AllIDs returns the root id followed by all descendant ids, depth-first
// with children in sorted order.
func (t *Tree) AllIDs() []string {
	return t.root.IDs()
}

// Len returns the number of indexed nodes.
func (t *Tree) Len() int {
	return len(t.index)
}

// AddChild attaches child (and its subtree) under the node parentID.
//
// # Outputs
//
//   - error: ErrNotFound if parentID is absent, ErrDuplicateID if any id in
//     child's subtree already exists or repeats within it, ErrEmptyID for a
//     blank id. On error the tree is unchanged.
func (t *Tree) AddChild(parentID string, child *Feature) error {
	parent, ok := t.index[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
	}
	if err := t.checkSubtree(child); err != nil {
		return err
	}
	parent.addChild(child)
	if err := t.indexSubtree(child); err != nil {
		t.unlink(parent, child)
		return err
	}
	return nil
}

// checkSubtree returns the error indexSubtree would hit on f, without
// touching the tree.
func (t *Tree) checkSubtree(f *Feature) error {
	seen := make(map[string]bool)
	var err error
	f.Walk(func(n *Feature) bool {
		if err != nil {
			return false
		}
		_, indexed := t.index[n.ID]
		switch {
		case n.ID == "":
			err = ErrEmptyID
		case indexed || seen[n.ID]:
			err = fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		seen[n.ID] = true
		for key, c := range n.Children {
			if err == nil && key != c.ID {
				err = fmt.Errorf("child keyed %q has id %q", key, c.ID)
			}
		}
		return err == nil
	})
	return err
}

// unlink detaches child from parent and drops the index entries that
// point into child's subtree.
func (t *Tree) unlink(parent, child *Feature) {
	if parent.Children[child.ID] == child {
		delete(parent.Children, child.ID)
	}
	if len(parent.Children) == 0 {
		parent.Children = nil
	}
	child.parent = nil
	child.Walk(func(n *Feature) bool {
		if t.index[n.ID] == n {
			delete(t.index, n.ID)
		}
		return true
	})
}

// Remove detaches the subtree rooted at id and returns it.
//
// # Outputs
//
//   - *Feature: The detached subtree (parent cleared).
//   - error: ErrNotFound if id is absent, ErrRootRemoval for the root.
func (t *Tree) Remove(id string) (*Feature, error) {
	f, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if f == t.root {
		return nil, fmt.Errorf("%w: %s", ErrRootRemoval, id)
	}
	parent := f.parent
	delete(parent.Children, id)
	if len(parent.Children) == 0 {
		parent.Children = nil
	}
	f.parent = nil
	f.Walk(func(n *Feature) bool {
		delete(t.index, n.ID)
		return true
	})
	return f, nil
}

// Clone returns a deep, independently indexed copy.
func (t *Tree) Clone() *Tree {
	c, err := NewTree(t.root.Clone())
	if err != nil {
		// The source tree was valid, so its copy is too.
		panic(fmt.Sprintf("feature: clone of valid tree failed: %v", err))
	}
	return c
}

// Validate checks the structural invariants: every node has Min <= Max,
// the index covers exactly the nodes reachable from the root, and parent
// pointers agree with the children maps.
func (t *Tree) Validate() error {
	seen := 0
	var err error
	t.root.Walk(func(n *Feature) bool {
		if err != nil {
			return false
		}
		seen++
		if n.Min > n.Max {
			err = fmt.Errorf("%w: %s [%d, %d)", ErrInvalidRange, n.ID, n.Min, n.Max)
			return false
		}
		if idx, ok := t.index[n.ID]; !ok || idx != n {
			err = fmt.Errorf("index does not hold node %s", n.ID)
			return false
		}
		for key, c := range n.Children {
			if key != c.ID {
				err = fmt.Errorf("child keyed %q has id %q", key, c.ID)
				return false
			}
			if c.parent != n {
				err = fmt.Errorf("node %s has stale parent pointer", c.ID)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if seen != len(t.index) {
		return fmt.Errorf("index holds %d ids, tree has %d nodes", len(t.index), seen)
	}
	return nil
}
