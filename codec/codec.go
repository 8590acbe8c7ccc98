// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec implements the k-of-N erasure code applied to each
// segment of a file. Any k of the N blocks produced for a segment are
// enough to rebuild it.
package codec

import (
	"github.com/klauspost/reedsolomon"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

// Name identifies this codec in URI extension blocks.
const Name = "crs"

// Codec encodes and decodes segments with fixed k and N.
type Codec struct {
	k, n int
	rs   reedsolomon.Encoder // nil when there are no parity blocks.
}

// New returns a codec producing n blocks of which any k suffice.
func New(k, n int) (*Codec, error) {
	const op errors.Op = "codec.New"
	if k < 1 || k > n || n > grid.MaxShares {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("bad parameters k=%d n=%d", k, n))
	}
	c := &Codec{k: k, n: n}
	if n > k {
		rs, err := reedsolomon.New(k, n-k)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		c.rs = rs
	}
	return c, nil
}

// Needed returns k.
func (c *Codec) Needed() int { return c.k }

// Total returns N.
func (c *Codec) Total() int { return c.n }

// BlockSize returns the size of each block of a segment of the given
// length. The last block is conceptually padded with zeros.
func BlockSize(segmentSize int64, k int) int64 {
	return (segmentSize + int64(k) - 1) / int64(k)
}

// Encode splits segment into N blocks of equal size.
func (c *Codec) Encode(segment []byte) ([][]byte, error) {
	const op errors.Op = "codec.Encode"
	bs := int(BlockSize(int64(len(segment)), c.k))
	blocks := make([][]byte, c.n)
	if bs == 0 {
		for i := range blocks {
			blocks[i] = []byte{}
		}
		return blocks, nil
	}
	// One allocation holds every block; data blocks are copies of the
	// segment, zero padded.
	buf := make([]byte, bs*c.n)
	copy(buf, segment)
	for i := range blocks {
		blocks[i] = buf[i*bs : (i+1)*bs : (i+1)*bs]
	}
	if c.rs != nil {
		if err := c.rs.Encode(blocks); err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
	}
	return blocks, nil
}

// Decode rebuilds a segment of the given size from at least k blocks,
// keyed by block number.
func (c *Codec) Decode(blocks map[int][]byte, size int64) ([]byte, error) {
	const op errors.Op = "codec.Decode"
	if len(blocks) < c.k {
		return nil, errors.E(op, errors.NotEnoughShares, errors.Errorf("have %d blocks, need %d", len(blocks), c.k))
	}
	bs := BlockSize(size, c.k)
	shards := make([][]byte, c.n)
	for i, b := range blocks {
		if i < 0 || i >= c.n {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("block number %d out of range", i))
		}
		if int64(len(b)) != bs {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("block %d has size %d, want %d", i, len(b), bs))
		}
		shards[i] = b
	}
	if bs == 0 {
		return []byte{}, nil
	}
	missing := false
	for i := 0; i < c.k; i++ {
		if shards[i] == nil {
			missing = true
			break
		}
	}
	if missing {
		if c.rs == nil {
			return nil, errors.E(op, errors.NotEnoughShares, errors.Str("missing data block with no parity"))
		}
		if err := c.rs.ReconstructData(shards); err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
	}
	out := make([]byte, 0, bs*int64(c.k))
	for i := 0; i < c.k; i++ {
		out = append(out, shards[i]...)
	}
	return out[:size], nil
}
