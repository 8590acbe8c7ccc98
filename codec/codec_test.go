// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
)

// subsets returns every subset of size k of 0..n-1.
func subsets(n, k int) [][]int {
	var out [][]int
	var rec func(start int, cur []int)
	rec = func(start int, cur []int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			rec(i+1, append(cur, i))
		}
	}
	rec(0, nil)
	return out
}

func TestAnyKOfN(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, p := range []struct{ k, n, size int }{
		{3, 10, 1024}, {3, 10, 25}, {1, 1, 7}, {2, 2, 9}, {1, 4, 100}, {5, 7, 1},
	} {
		c, err := New(p.k, p.n)
		require.NoError(t, err)
		seg := make([]byte, p.size)
		rnd.Read(seg)
		blocks, err := c.Encode(seg)
		require.NoError(t, err)
		require.Len(t, blocks, p.n)
		for _, set := range subsets(p.n, p.k) {
			in := make(map[int][]byte)
			for _, i := range set {
				in[i] = blocks[i]
			}
			got, err := c.Decode(in, int64(p.size))
			require.NoError(t, err, "k=%d n=%d set=%v", p.k, p.n, set)
			if !bytes.Equal(got, seg) {
				t.Fatalf("k=%d n=%d set=%v: round trip mismatch", p.k, p.n, set)
			}
		}
	}
}

func TestTailBlockSize(t *testing.T) {
	c, err := New(3, 10)
	require.NoError(t, err)
	// A tail of 25 bytes pads to 27, so blocks are 9 bytes.
	blocks, err := c.Encode(make([]byte, 25))
	require.NoError(t, err)
	assert.Len(t, blocks[0], 9)
	assert.Equal(t, int64(9), BlockSize(25, 3))
	assert.Equal(t, int64(342), BlockSize(1026, 3))
}

func TestEmpty(t *testing.T) {
	c, err := New(3, 10)
	require.NoError(t, err)
	blocks, err := c.Encode(nil)
	require.NoError(t, err)
	got, err := c.Decode(map[int][]byte{0: blocks[0], 4: blocks[4], 9: blocks[9]}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNotEnough(t *testing.T) {
	c, err := New(3, 10)
	require.NoError(t, err)
	blocks, err := c.Encode([]byte("some data to encode"))
	require.NoError(t, err)
	_, err = c.Decode(map[int][]byte{1: blocks[1], 2: blocks[2]}, 19)
	assert.True(t, errors.Is(errors.NotEnoughShares, err), "%v", err)

	_, err = c.Decode(map[int][]byte{1: blocks[1], 2: blocks[2], 3: blocks[3][:2]}, 19)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestBadParams(t *testing.T) {
	for _, p := range [][2]int{{0, 1}, {4, 3}, {1, 257}} {
		_, err := New(p[0], p[1])
		assert.Error(t, err, "k=%d n=%d", p[0], p[1])
	}
}
