// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"encoding/binary"

	"github.com/rpatterson/tahoe-lafs/codec"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashtree"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// Encoded is a file encoded into shares, ready for placement.
type Encoded struct {
	UEB     *UEB
	UEBHash []byte
	// Shares holds the complete bytes of each share, indexed by share
	// number.
	Shares [][]byte
}

// Encode erasure codes ciphertext into N shares, each carrying its
// blocks, the hash trees that protect them, and the URI extension
// block. PlaintextHash is recorded in the UEB if it is not nil.
func Encode(ciphertext []byte, k, n int, maxSegmentSize int64, plaintextHash []byte) (*Encoded, error) {
	const op errors.Op = "immutable.Encode"
	if len(ciphertext) == 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("cannot encode an empty file"))
	}
	if maxSegmentSize < 1 {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("bad max segment size %d", maxSegmentSize))
	}
	c, err := codec.New(k, n)
	if err != nil {
		return nil, errors.E(op, err)
	}
	seg := Segment(int64(len(ciphertext)), maxSegmentSize, k)

	// blocks[share][segment]
	blocks := make([][][]byte, n)
	blockHashes := make([][][]byte, n)
	segHashes := make([][]byte, seg.NumSegments)
	flat := hashutil.NewCrypttextHasher()
	for i := 0; i < seg.NumSegments; i++ {
		start := int64(i) * seg.SegmentSize
		data := ciphertext[start : start+seg.SegmentLen(i)]
		flat.Write(data)
		segHashes[i] = hashutil.CrypttextSegmentHash(data)
		encoded, err := c.Encode(data)
		if err != nil {
			return nil, errors.E(op, err)
		}
		for sh, b := range encoded {
			blocks[sh] = append(blocks[sh], b)
			blockHashes[sh] = append(blockHashes[sh], hashutil.BlockHash(b))
		}
	}

	blockTrees := make([]*hashtree.Tree, n)
	roots := make([][]byte, n)
	for sh := range blockTrees {
		blockTrees[sh] = hashtree.New(blockHashes[sh])
		roots[sh] = blockTrees[sh].Root()
	}
	shareTree := hashtree.New(roots)
	ctTree := hashtree.New(segHashes)

	ueb := &UEB{
		CodecName:         codec.Name,
		SegmentSize:       seg.SegmentSize,
		TailSegmentSize:   seg.TailSegmentSize,
		Needed:            k,
		Total:             n,
		NumSegments:       seg.NumSegments,
		Size:              seg.Size,
		CrypttextHash:     flat.Sum(nil),
		CrypttextRootHash: ctTree.Root(),
		ShareRootHash:     shareTree.Root(),
		PlaintextHash:     plaintextHash,
	}
	packed := ueb.Pack()
	h := layout(seg, k, n, len(packed))
	ctNodes := marshalNodes(ctTree.Nodes())

	shares := make([][]byte, n)
	for sh := range shares {
		b := make([]byte, 0, h.End)
		b = append(b, h.marshal()...)
		for _, blk := range blocks[sh] {
			b = append(b, blk...)
		}
		b = append(b, ctNodes...)
		b = append(b, marshalNodes(blockTrees[sh].Nodes())...)
		b = append(b, marshalChain(shareTree.Chain(sh, true))...)
		b = binary.BigEndian.AppendUint64(b, uint64(len(packed)))
		b = append(b, packed...)
		if int64(len(b)) != h.End {
			return nil, errors.E(op, errors.Internal, errors.Errorf("share %d has length %d, layout says %d", sh, len(b), h.End))
		}
		shares[sh] = b
	}
	return &Encoded{
		UEB:     ueb,
		UEBHash: hashutil.UEBHash(packed),
		Shares:  shares,
	}, nil
}

// Subset returns the shares with the given numbers.
func (e *Encoded) Subset(shares []grid.ShareNum) map[grid.ShareNum][]byte {
	out := make(map[grid.ShareNum][]byte, len(shares))
	for _, n := range shares {
		if int(n) < len(e.Shares) {
			out[n] = e.Shares[n]
		}
	}
	return out
}

// All returns every share keyed by share number.
func (e *Encoded) All() map[grid.ShareNum][]byte {
	out := make(map[grid.ShareNum][]byte, len(e.Shares))
	for i, b := range e.Shares {
		out[grid.ShareNum(i)] = b
	}
	return out
}
