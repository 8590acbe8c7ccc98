// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// SDMF share layout. All integers are big endian.
//
//	prefix, signed:
//	  0  uint8    version (0)
//	  1  uint64   seqnum
//	  9  [32]byte root hash
//	  41 [16]byte IV
//	  57 uint8    k
//	  58 uint8    N
//	  59 uint64   segment size
//	  67 uint64   data length
//	offsets:
//	  75 uint32   signature
//	  79 uint32   share hash chain
//	  83 uint32   block hash tree
//	  87 uint32   share data
//	  91 uint64   encrypted private key
//	  99 uint64   end of share
//	107 verification key, then the regions in offset order.
const (
	sdmfVersion     = 0
	prefixSize      = 75
	headerSize      = prefixSize + 32
	checkstringSize = 1 + 8 + hashutil.Size
	chainEntrySize  = 2 + hashutil.Size
	ivSize          = 16

	// maxShareSize bounds the read issued for one share.
	maxShareSize = 1 << 30
)

// VersionID identifies one version of a slot: every share of the
// version carries the same values.
type VersionID struct {
	Seqnum  uint64
	Root    [hashutil.Size]byte
	IV      [ivSize]byte
	K, N    int
	SegSize int64
	DataLen int64
}

// newer reports whether v sorts before w: higher seqnum first, then
// higher root hash.
func (v VersionID) newer(w VersionID) bool {
	if v.Seqnum != w.Seqnum {
		return v.Seqnum > w.Seqnum
	}
	return bytes.Compare(v.Root[:], w.Root[:]) > 0
}

func (v VersionID) marshalPrefix() []byte {
	b := make([]byte, 0, prefixSize)
	b = append(b, sdmfVersion)
	b = binary.BigEndian.AppendUint64(b, v.Seqnum)
	b = append(b, v.Root[:]...)
	b = append(b, v.IV[:]...)
	b = append(b, byte(v.K), byte(v.N))
	b = binary.BigEndian.AppendUint64(b, uint64(v.SegSize))
	b = binary.BigEndian.AppendUint64(b, uint64(v.DataLen))
	return b
}

// checkstring is the part of the prefix a writer tests before
// replacing a share.
func (v VersionID) checkstring() []byte {
	return v.marshalPrefix()[:checkstringSize]
}

// share is a parsed SDMF share.
type share struct {
	version    VersionID
	prefix     []byte
	pubkey     []byte
	signature  []byte
	chain      map[int][]byte
	blockTree  [][]byte
	data       []byte
	encPrivkey []byte
}

func (s *share) marshal() []byte {
	chain := marshalChain(s.chain)
	var tree []byte
	for _, n := range s.blockTree {
		tree = append(tree, n...)
	}
	sig := uint32(headerSize + len(s.pubkey))
	chainOff := sig + uint32(len(s.signature))
	treeOff := chainOff + uint32(len(chain))
	dataOff := treeOff + uint32(len(tree))
	privOff := uint64(dataOff) + uint64(len(s.data))
	end := privOff + uint64(len(s.encPrivkey))

	b := make([]byte, 0, end)
	b = append(b, s.version.marshalPrefix()...)
	for _, o := range []uint32{sig, chainOff, treeOff, dataOff} {
		b = binary.BigEndian.AppendUint32(b, o)
	}
	b = binary.BigEndian.AppendUint64(b, privOff)
	b = binary.BigEndian.AppendUint64(b, end)
	for _, r := range [][]byte{s.pubkey, s.signature, chain, tree, s.data, s.encPrivkey} {
		b = append(b, r...)
	}
	return b
}

// offsets returns the start of each region: verification key,
// signature, chain, block tree, data, private key, and the end.
func offsets(b []byte) ([7]int64, error) {
	var o [7]int64
	if len(b) < headerSize {
		return o, errors.E(errors.Malformed, errors.Errorf("short share: %d bytes", len(b)))
	}
	o[0] = headerSize
	for i := 0; i < 4; i++ {
		o[i+1] = int64(binary.BigEndian.Uint32(b[prefixSize+4*i:]))
	}
	for i := 0; i < 2; i++ {
		v := binary.BigEndian.Uint64(b[prefixSize+16+8*i:])
		if v > maxShareSize {
			return o, errors.E(errors.Malformed, errors.Errorf("offset %d out of range", v))
		}
		o[i+5] = int64(v)
	}
	for i := 1; i < len(o); i++ {
		if o[i] < o[i-1] {
			return o, errors.E(errors.Malformed, errors.Str("share regions out of order"))
		}
	}
	if o[6] > int64(len(b)) {
		return o, errors.E(errors.Malformed, errors.Errorf("share of %d bytes claims %d", len(b), o[6]))
	}
	return o, nil
}

// parseShare splits a share into its fields. It checks structure only.
func parseShare(b []byte) (*share, error) {
	const op errors.Op = "mutable.parseShare"
	o, err := offsets(b)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if b[0] != sdmfVersion {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("unknown share version %d", b[0]))
	}
	v := VersionID{
		Seqnum:  binary.BigEndian.Uint64(b[1:]),
		K:       int(b[57]),
		N:       int(b[58]),
		SegSize: int64(binary.BigEndian.Uint64(b[59:])),
		DataLen: int64(binary.BigEndian.Uint64(b[67:])),
	}
	copy(v.Root[:], b[9:41])
	copy(v.IV[:], b[41:57])
	s := &share{
		version:    v,
		prefix:     b[:prefixSize:prefixSize],
		pubkey:     b[o[0]:o[1]],
		signature:  b[o[1]:o[2]],
		data:       b[o[4]:o[5]],
		encPrivkey: b[o[5]:o[6]],
	}
	if s.chain, err = parseChain(b[o[2]:o[3]]); err != nil {
		return nil, errors.E(op, err)
	}
	tree := b[o[3]:o[4]]
	if len(tree)%hashutil.Size != 0 {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("block hash tree has length %d", len(tree)))
	}
	for ; len(tree) > 0; tree = tree[hashutil.Size:] {
		s.blockTree = append(s.blockTree, tree[:hashutil.Size:hashutil.Size])
	}
	return s, nil
}

func marshalChain(chain map[int][]byte) []byte {
	idx := make([]int, 0, len(chain))
	for i := range chain {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var b []byte
	for _, i := range idx {
		b = binary.BigEndian.AppendUint16(b, uint16(i))
		b = append(b, chain[i]...)
	}
	return b
}

func parseChain(b []byte) (map[int][]byte, error) {
	if len(b)%chainEntrySize != 0 {
		return nil, errors.E(errors.Malformed, errors.Errorf("share hash chain has length %d", len(b)))
	}
	chain := make(map[int][]byte)
	for ; len(b) > 0; b = b[chainEntrySize:] {
		i := int(binary.BigEndian.Uint16(b))
		if _, dup := chain[i]; dup {
			return nil, errors.E(errors.Malformed, errors.Errorf("chain node %d repeated", i))
		}
		chain[i] = b[2:chainEntrySize:chainEntrySize]
	}
	return chain, nil
}

// Fields of a share that FieldOffset can locate.
const (
	FieldSeqnum     = "seqnum"
	FieldRoot       = "root_hash"
	FieldIV         = "IV"
	FieldK          = "k"
	FieldN          = "N"
	FieldSegSize    = "segsize"
	FieldDataLen    = "datalen"
	FieldPubkey     = "pubkey"
	FieldSignature  = "signature"
	FieldChain      = "share_hash_chain"
	FieldBlockTree  = "block_hash_tree"
	FieldData       = "share_data"
	FieldEncPrivkey = "enc_privkey"
)

// FieldOffset returns the offset of the last byte of the named field
// in a share. Debugging tools and tests use it to damage one field.
func FieldOffset(b []byte, field string) (int64, error) {
	const op errors.Op = "mutable.FieldOffset"
	fixed := map[string]int64{
		FieldSeqnum: 9, FieldRoot: 41, FieldIV: 57, FieldK: 58,
		FieldN: 59, FieldSegSize: 67, FieldDataLen: 75,
	}
	if end, ok := fixed[field]; ok {
		return end - 1, nil
	}
	o, err := offsets(b)
	if err != nil {
		return 0, errors.E(op, err)
	}
	regions := []string{FieldPubkey, FieldSignature, FieldChain, FieldBlockTree, FieldData, FieldEncPrivkey}
	for i, r := range regions {
		if r != field {
			continue
		}
		if o[i+1] == o[i] {
			return 0, errors.E(op, errors.Invalid, errors.Errorf("field %s is empty", field))
		}
		return o[i+1] - 1, nil
	}
	return 0, errors.E(op, errors.Invalid, errors.Errorf("unknown field %q", field))
}

// DumpShare parses a mutable share and describes its fields to w.
func DumpShare(w io.Writer, b []byte) error {
	const op errors.Op = "mutable.DumpShare"
	s, err := parseShare(b)
	if err != nil {
		return errors.E(op, err)
	}
	v := s.version
	fmt.Fprintf(w, "SDMF share version %d, seqnum %d\n", sdmfVersion, v.Seqnum)
	fmt.Fprintf(w, "root hash %x\n", v.Root)
	fmt.Fprintf(w, "IV %x\n", v.IV)
	fmt.Fprintf(w, "encoding %d of %d, segment size %d, data length %d\n", v.K, v.N, v.SegSize, v.DataLen)
	fmt.Fprintf(w, "verification key %d bytes, signature %d bytes, encrypted private key %d bytes\n",
		len(s.pubkey), len(s.signature), len(s.encPrivkey))
	fmt.Fprintf(w, "share data %d bytes, block hash tree %d nodes\n", len(s.data), len(s.blockTree))
	nodes := make([]int, 0, len(s.chain))
	for i := range s.chain {
		nodes = append(nodes, i)
	}
	sort.Ints(nodes)
	fmt.Fprintf(w, "share hash chain nodes:")
	for _, i := range nodes {
		fmt.Fprintf(w, " %d", i)
	}
	fmt.Fprintln(w)
	return nil
}
