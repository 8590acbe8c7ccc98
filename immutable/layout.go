// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"encoding/binary"
	"sort"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashtree"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// Share layout, version 2. All integers are big endian.
//
//	0x00 uint32 version
//	0x04 uint64 block size
//	0x0c uint64 data size
//	0x14 uint64 offset of data
//	0x1c uint64 offset of plaintext hash tree (unused, empty)
//	0x24 uint64 offset of crypttext hash tree
//	0x2c uint64 offset of block hash tree
//	0x34 uint64 offset of share hash chain
//	0x3c uint64 offset of URI extension block
//	0x44 uint64 end of share
//	0x4c regions
const (
	shareVersion   = 2
	headerSize     = 0x4c
	chainEntrySize = 2 + hashutil.Size
)

// header is the fixed-size head of an immutable share.
type header struct {
	Version       uint32
	BlockSize     int64
	DataSize      int64
	Data          int64
	PlaintextTree int64
	CrypttextTree int64
	BlockTree     int64
	ShareChain    int64
	UEB           int64
	End           int64
}

// chainLen is the number of share hash tree nodes each share stores:
// its own leaf and one sibling per level.
func chainLen(total int) int {
	n := 1
	for p := 1; p < total; p *= 2 {
		n++
	}
	return n
}

// layout computes the header of every share of a file with the given
// segmentation and packed UEB length.
func layout(seg Segmentation, k, total, uebLen int) header {
	blockSize := seg.SegmentSize / int64(k)
	tailBlockSize := seg.TailSegmentSize / int64(k)
	h := header{
		Version:   shareVersion,
		BlockSize: blockSize,
		DataSize:  blockSize*int64(seg.NumSegments-1) + tailBlockSize,
		Data:      headerSize,
	}
	treeSize := int64(hashtree.NodeCount(seg.NumSegments) * hashutil.Size)
	h.PlaintextTree = h.Data + h.DataSize
	h.CrypttextTree = h.PlaintextTree
	h.BlockTree = h.CrypttextTree + treeSize
	h.ShareChain = h.BlockTree + treeSize
	h.UEB = h.ShareChain + int64(chainLen(total)*chainEntrySize)
	h.End = h.UEB + 8 + int64(uebLen)
	return h
}

func (h header) marshal() []byte {
	b := make([]byte, 0, headerSize)
	b = binary.BigEndian.AppendUint32(b, h.Version)
	for _, v := range []int64{h.BlockSize, h.DataSize, h.Data, h.PlaintextTree, h.CrypttextTree, h.BlockTree, h.ShareChain, h.UEB, h.End} {
		b = binary.BigEndian.AppendUint64(b, uint64(v))
	}
	return b
}

// parseHeader decodes a header and checks that its regions are in
// order. It does not check them against the file's parameters.
func parseHeader(b []byte) (header, error) {
	const op errors.Op = "immutable.parseHeader"
	var h header
	if len(b) < headerSize {
		return h, errors.E(op, errors.Malformed, errors.Errorf("short header: %d bytes", len(b)))
	}
	h.Version = binary.BigEndian.Uint32(b)
	if h.Version != shareVersion {
		return h, errors.E(op, errors.Malformed, errors.Errorf("unknown share version %d", h.Version))
	}
	vals := make([]int64, 9)
	for i := range vals {
		v := binary.BigEndian.Uint64(b[4+8*i:])
		if v > 1<<62 {
			return h, errors.E(op, errors.Malformed, errors.Errorf("header field %d out of range", i))
		}
		vals[i] = int64(v)
	}
	h.BlockSize, h.DataSize = vals[0], vals[1]
	h.Data, h.PlaintextTree, h.CrypttextTree, h.BlockTree, h.ShareChain, h.UEB, h.End = vals[2], vals[3], vals[4], vals[5], vals[6], vals[7], vals[8]
	offs := vals[2:]
	if h.Data != headerSize || !sort.SliceIsSorted(offs, func(i, j int) bool { return offs[i] < offs[j] }) || h.End < h.UEB+8 {
		return h, errors.E(op, errors.Malformed, errors.Str("regions out of order"))
	}
	return h, nil
}

// blockRange returns the offset and length of block i within the share.
func (h header) blockRange(seg Segmentation, k, i int) (int64, int64) {
	size := h.BlockSize
	if i == seg.NumSegments-1 {
		size = seg.TailSegmentSize / int64(k)
	}
	return h.Data + int64(i)*h.BlockSize, size
}

// marshalChain serializes share hash tree nodes as (index, hash) pairs
// in index order.
func marshalChain(chain map[int][]byte) []byte {
	idx := make([]int, 0, len(chain))
	for i := range chain {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	b := make([]byte, 0, len(idx)*chainEntrySize)
	for _, i := range idx {
		b = binary.BigEndian.AppendUint16(b, uint16(i))
		b = append(b, chain[i]...)
	}
	return b
}

func parseChain(b []byte) (map[int][]byte, error) {
	if len(b)%chainEntrySize != 0 {
		return nil, errors.E(errors.Op("immutable.parseChain"), errors.Malformed, errors.Errorf("share hash chain has length %d", len(b)))
	}
	chain := make(map[int][]byte, len(b)/chainEntrySize)
	for ; len(b) > 0; b = b[chainEntrySize:] {
		i := int(binary.BigEndian.Uint16(b))
		if _, dup := chain[i]; dup {
			return nil, errors.E(errors.Op("immutable.parseChain"), errors.Malformed, errors.Errorf("node %d repeated", i))
		}
		chain[i] = b[2:chainEntrySize:chainEntrySize]
	}
	return chain, nil
}

func marshalNodes(nodes [][]byte) []byte {
	b := make([]byte, 0, len(nodes)*hashutil.Size)
	for _, n := range nodes {
		b = append(b, n...)
	}
	return b
}

func parseNodes(b []byte) map[int][]byte {
	nodes := make(map[int][]byte, len(b)/hashutil.Size)
	for i := 0; (i+1)*hashutil.Size <= len(b); i++ {
		nodes[i] = b[i*hashutil.Size : (i+1)*hashutil.Size : (i+1)*hashutil.Size]
	}
	return nodes
}

// loadTree validates a complete serialized tree against root, which
// may be nil to accept the serialized root.
func loadTree(leaves int, b []byte, root []byte) (*hashtree.Incomplete, error) {
	const op errors.Op = "immutable.loadTree"
	if len(b) != hashtree.NodeCount(leaves)*hashutil.Size {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("tree region has length %d", len(b)))
	}
	t := hashtree.NewIncomplete(leaves)
	if root != nil {
		if err := t.SetHashes(map[int][]byte{0: root}, nil); err != nil {
			return nil, errors.E(op, err)
		}
	}
	if err := t.SetHashes(parseNodes(b), nil); err != nil {
		return nil, errors.E(op, err)
	}
	return t, nil
}
