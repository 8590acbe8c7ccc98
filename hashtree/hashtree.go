// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hashtree implements the Merkle hash trees that protect
// blocks, segments and shares.
//
// A tree is complete and binary, stored breadth first: node 0 is the
// root and the children of node i are 2i+1 and 2i+2. The number of
// leaves is rounded up to a power of two, and missing leaves are
// filled with a position-dependent empty-leaf hash.
package hashtree

import (
	"bytes"
	"sort"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// roundPow2 returns the smallest power of two that is at least n, and
// at least 1.
func roundPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

func parent(i int) int { return (i - 1) / 2 }

func sibling(i int) int {
	if i%2 == 1 {
		return i + 1
	}
	return i - 1
}

// NodeCount returns the number of nodes in a tree with the given
// number of leaves.
func NodeCount(leaves int) int {
	return 2*roundPow2(leaves) - 1
}

// neededHashes returns, in increasing order, the nodes needed to
// validate leaf against the root of a tree whose first leaf has index
// firstLeaf.
func neededHashes(firstLeaf, leaf int, includeLeaf bool) []int {
	i := firstLeaf + leaf
	var needed []int
	if includeLeaf {
		needed = append(needed, i)
	}
	for i > 0 {
		needed = append(needed, sibling(i))
		i = parent(i)
	}
	sort.Ints(needed)
	return needed
}

// Tree is a fully populated hash tree.
type Tree struct {
	nodes     [][]byte
	numLeaves int // Rounded up to a power of two.
}

// New builds the tree whose leaves are the given hashes.
func New(leaves [][]byte) *Tree {
	n := roundPow2(len(leaves))
	nodes := make([][]byte, 2*n-1)
	first := n - 1
	for i := 0; i < n; i++ {
		if i < len(leaves) {
			nodes[first+i] = leaves[i]
		} else {
			nodes[first+i] = hashutil.EmptyLeafHash(i)
		}
	}
	for i := first - 1; i >= 0; i-- {
		nodes[i] = hashutil.InternalNodeHash(nodes[2*i+1], nodes[2*i+2])
	}
	return &Tree{nodes: nodes, numLeaves: n}
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	return t.nodes[0]
}

// Nodes returns every node in breadth-first order. The caller must
// not modify the result.
func (t *Tree) Nodes() [][]byte {
	return t.nodes
}

// NeededHashes returns the indexes of the nodes needed to validate
// the given leaf against the root.
func (t *Tree) NeededHashes(leaf int, includeLeaf bool) []int {
	return neededHashes(t.numLeaves-1, leaf, includeLeaf)
}

// Chain returns the nodes named by NeededHashes, keyed by index.
func (t *Tree) Chain(leaf int, includeLeaf bool) map[int][]byte {
	chain := make(map[int][]byte)
	for _, i := range t.NeededHashes(leaf, includeLeaf) {
		chain[i] = t.nodes[i]
	}
	return chain
}

// Incomplete is a hash tree of which only some nodes are known.
// Every node it holds has been validated against the root, which is
// trusted when it is first set.
type Incomplete struct {
	nodes     [][]byte
	numLeaves int
}

// NewIncomplete returns an empty tree with room for the given number of
// leaves.
func NewIncomplete(leaves int) *Incomplete {
	n := roundPow2(leaves)
	return &Incomplete{
		nodes:     make([][]byte, 2*n-1),
		numLeaves: n,
	}
}

// Root returns the root hash, or nil if it is not yet known.
func (t *Incomplete) Root() []byte {
	return t.nodes[0]
}

// Node returns node i, or nil if it is unknown or out of range.
func (t *Incomplete) Node(i int) []byte {
	if i < 0 || i >= len(t.nodes) {
		return nil
	}
	return t.nodes[i]
}

// Leaf returns the hash of leaf i, or nil if it is not yet known.
func (t *Incomplete) Leaf(i int) []byte {
	return t.Node(t.numLeaves - 1 + i)
}

// NeededHashes returns the indexes of the unknown nodes needed to
// validate the given leaf.
func (t *Incomplete) NeededHashes(leaf int, includeLeaf bool) []int {
	var needed []int
	for _, i := range neededHashes(t.numLeaves-1, leaf, includeLeaf) {
		if t.nodes[i] == nil {
			needed = append(needed, i)
		}
	}
	return needed
}

// SetHashes adds the given interior hashes and leaf hashes to the tree.
// Leaves are keyed by leaf number, hashes by node index. The addition is
// all or nothing: if any new hash fails to connect to the root through
// known siblings, or connects to a different value, the tree is left
// unchanged and an error is returned. If the root is unknown, hashes[0]
// is accepted as the trusted root.
func (t *Incomplete) SetHashes(hashes map[int][]byte, leaves map[int][]byte) error {
	const op errors.Op = "hashtree.SetHashes"
	trial := make([][]byte, len(t.nodes))
	copy(trial, t.nodes)
	var added []int

	set := func(i int, h []byte) error {
		if i < 0 || i >= len(trial) {
			return errors.E(op, errors.Invalid, errors.Errorf("node %d out of range", i))
		}
		if len(h) != hashutil.Size {
			return errors.E(op, errors.Invalid, errors.Errorf("node %d has length %d", i, len(h)))
		}
		if trial[i] != nil {
			if !bytes.Equal(trial[i], h) {
				return errors.E(op, errors.HashMismatch, errors.Errorf("node %d differs from known value", i))
			}
			return nil
		}
		trial[i] = h
		added = append(added, i)
		return nil
	}
	for i, h := range hashes {
		if err := set(i, h); err != nil {
			return err
		}
	}
	for leaf, h := range leaves {
		if leaf < 0 || leaf >= t.numLeaves {
			return errors.E(op, errors.Invalid, errors.Errorf("leaf %d out of range", leaf))
		}
		if err := set(t.numLeaves-1+leaf, h); err != nil {
			return err
		}
	}
	if trial[0] == nil {
		return errors.E(op, errors.Invalid, errors.Str("root hash is unknown"))
	}

	// Recompute bottom up. Computed parents must agree with anything
	// already present, including the root.
	for p := t.numLeaves - 2; p >= 0; p-- {
		l, r := trial[2*p+1], trial[2*p+2]
		if l == nil || r == nil {
			continue
		}
		h := hashutil.InternalNodeHash(l, r)
		if trial[p] == nil {
			trial[p] = h
			continue
		}
		if !bytes.Equal(trial[p], h) {
			return errors.E(op, errors.HashMismatch, errors.Errorf("hash of node %d does not match its children", p))
		}
	}

	// Every new node must reach the root through known siblings and
	// computed parents.
	for _, i := range added {
		for j := i; j > 0; j = parent(j) {
			if trial[sibling(j)] == nil || trial[parent(j)] == nil {
				return errors.E(op, errors.Invalid, errors.Errorf("not enough hashes to validate node %d", i))
			}
		}
	}
	t.nodes = trial
	return nil
}
