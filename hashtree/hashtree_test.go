// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hashtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

func leaves(n int) [][]byte {
	var l [][]byte
	for i := 0; i < n; i++ {
		l = append(l, hashutil.BlockHash([]byte(fmt.Sprintf("block %d", i))))
	}
	return l
}

func flip(h []byte) []byte {
	c := append([]byte(nil), h...)
	c[len(c)-1] ^= 0x01
	return c
}

func TestShape(t *testing.T) {
	for _, test := range []struct{ leaves, nodes int }{
		{1, 1}, {2, 3}, {3, 7}, {4, 7}, {5, 15}, {10, 31},
	} {
		tree := New(leaves(test.leaves))
		assert.Len(t, tree.Nodes(), test.nodes, "%d leaves", test.leaves)
		assert.Equal(t, test.nodes, NodeCount(test.leaves))
	}
	// A single leaf is its own root.
	l := leaves(1)
	assert.Equal(t, l[0], New(l).Root())
}

func TestNeededHashes(t *testing.T) {
	tree := New(leaves(8))
	// Leaf 0 is node 7; its uncles are 8, 4 and 2.
	assert.Equal(t, []int{2, 4, 8}, tree.NeededHashes(0, false))
	assert.Equal(t, []int{2, 4, 7, 8}, tree.NeededHashes(0, true))
	assert.Equal(t, []int{1, 5, 13}, tree.NeededHashes(7, false))
}

func TestValidate(t *testing.T) {
	l := leaves(5)
	tree := New(l)
	for leaf := range l {
		in := NewIncomplete(len(l))
		require.NoError(t, in.SetHashes(map[int][]byte{0: tree.Root()}, nil))
		require.NoError(t, in.SetHashes(tree.Chain(leaf, false), map[int][]byte{leaf: l[leaf]}), "leaf %d", leaf)
		assert.Equal(t, l[leaf], in.Leaf(leaf))
		assert.Empty(t, in.NeededHashes(leaf, true))
	}
}

func TestDeepChain(t *testing.T) {
	l := leaves(10)
	tree := New(l)
	in := NewIncomplete(len(l))
	require.NoError(t, in.SetHashes(map[int][]byte{0: tree.Root()}, nil))
	require.NoError(t, in.SetHashes(tree.Chain(3, false), map[int][]byte{3: l[3]}))
	assert.Equal(t, l[3], in.Leaf(3))

	// Leaf 2 shares its parent with leaf 3, so it needs nothing more.
	assert.Empty(t, in.NeededHashes(2, false))
	require.NoError(t, in.SetHashes(nil, map[int][]byte{2: l[2]}))

	// Leaf 9 needs only the hashes not already known.
	chain := make(map[int][]byte)
	for _, i := range in.NeededHashes(9, false) {
		chain[i] = tree.Nodes()[i]
	}
	assert.Less(t, len(chain), len(tree.Chain(9, false)))
	require.NoError(t, in.SetHashes(chain, map[int][]byte{9: l[9]}))
	assert.Equal(t, l[9], in.Leaf(9))

	err := in.SetHashes(nil, map[int][]byte{8: flip(l[8])})
	assert.True(t, errors.Is(errors.HashMismatch, err), "%v", err)
	assert.Nil(t, in.Leaf(8))
}

func TestBadLeaf(t *testing.T) {
	l := leaves(4)
	tree := New(l)
	in := NewIncomplete(4)
	require.NoError(t, in.SetHashes(map[int][]byte{0: tree.Root()}, nil))
	err := in.SetHashes(tree.Chain(2, false), map[int][]byte{2: flip(l[2])})
	require.Error(t, err)
	assert.True(t, errors.Is(errors.HashMismatch, err), "%v", err)
	// Nothing was added.
	assert.Nil(t, in.Leaf(2))
	assert.Len(t, in.NeededHashes(2, false), 2)
}

func TestBadChain(t *testing.T) {
	l := leaves(4)
	tree := New(l)
	in := NewIncomplete(4)
	require.NoError(t, in.SetHashes(map[int][]byte{0: tree.Root()}, nil))
	chain := tree.Chain(1, false)
	for i := range chain {
		chain[i] = flip(chain[i])
		break
	}
	err := in.SetHashes(chain, map[int][]byte{1: l[1]})
	assert.True(t, errors.Is(errors.HashMismatch, err), "%v", err)
}

func TestNotEnoughHashes(t *testing.T) {
	l := leaves(4)
	tree := New(l)
	in := NewIncomplete(4)
	require.NoError(t, in.SetHashes(map[int][]byte{0: tree.Root()}, nil))
	err := in.SetHashes(nil, map[int][]byte{1: l[1]})
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)

	noRoot := NewIncomplete(4)
	err = noRoot.SetHashes(tree.Chain(1, false), map[int][]byte{1: l[1]})
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestSingleLeaf(t *testing.T) {
	l := leaves(1)
	in := NewIncomplete(1)
	require.NoError(t, in.SetHashes(map[int][]byte{0: l[0]}, nil))
	require.NoError(t, in.SetHashes(nil, map[int][]byte{0: l[0]}))
	err := in.SetHashes(nil, map[int][]byte{0: flip(l[0])})
	assert.True(t, errors.Is(errors.HashMismatch, err), "%v", err)
}
