// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashtree"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// ShareInfo describes the contents of one immutable share.
type ShareInfo struct {
	header
	UEB     *UEB
	UEBHash []byte
	Chain   map[int][]byte
}

// ParseShare decodes a complete share without checking it against any
// capability.
func ParseShare(b []byte) (*ShareInfo, error) {
	const op errors.Op = "immutable.ParseShare"
	h, err := parseHeader(b)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if int64(len(b)) < h.End {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("share is %d bytes, header says %d", len(b), h.End))
	}
	packed, err := uebRegion(b[h.UEB:h.End])
	if err != nil {
		return nil, errors.E(op, err)
	}
	ueb, err := UnpackUEB(packed)
	if err != nil {
		return nil, errors.E(op, err)
	}
	chain, err := parseChain(b[h.ShareChain:h.UEB])
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &ShareInfo{header: h, UEB: ueb, UEBHash: hashutil.UEBHash(packed), Chain: chain}, nil
}

// Dump writes a readable description of the share to w.
func (s *ShareInfo) Dump(w io.Writer) {
	fmt.Fprintf(w, "share version %d\n", s.Version)
	fmt.Fprintf(w, "block size %d, data size %d\n", s.BlockSize, s.DataSize)
	fmt.Fprintf(w, "offsets: data %d, crypttext tree %d, block tree %d, share chain %d, extension block %d, end %d\n",
		s.Data, s.CrypttextTree, s.BlockTree, s.ShareChain, s.header.UEB, s.End)
	fmt.Fprintf(w, "extension block hash %x\n", s.UEBHash)
	fmt.Fprintf(w, "extension block:\n%s", s.UEB)
	fmt.Fprintf(w, "share hash chain nodes:")
	for i := 0; i < hashtree.NodeCount(s.UEB.Total); i++ {
		if _, ok := s.Chain[i]; ok {
			fmt.Fprintf(w, " %d", i)
		}
	}
	fmt.Fprintln(w)
}

func uebRegion(b []byte) ([]byte, error) {
	if len(b) < 8 {
		return nil, errors.E(errors.Malformed, errors.Str("truncated extension block"))
	}
	if n := binary.BigEndian.Uint64(b); n != uint64(len(b)-8) {
		return nil, errors.E(errors.Malformed, errors.Errorf("extension block length %d in region of %d", n, len(b)-8))
	}
	return b[8:], nil
}

// FetchUEB reads the extension block of a share. The caller must check
// its hash before trusting it.
func FetchUEB(ctx context.Context, r grid.BucketReader, timeout time.Duration) (*UEB, error) {
	const op errors.Op = "immutable.FetchUEB"
	cctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	hb, err := r.ReadAt(cctx, 0, headerSize)
	if err != nil {
		return nil, errors.E(op, err)
	}
	h, err := parseHeader(hb)
	if err != nil {
		return nil, errors.E(op, err)
	}
	packed, err := readUEBRegion(ctx, r, h, timeout)
	if err != nil {
		return nil, errors.E(op, err)
	}
	ueb, err := UnpackUEB(packed)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return ueb, nil
}

// VerifyShare reads an entire share and checks every hash in it
// against the verify capability: the extension block, the share's
// place in the share hash tree, the crypttext hash tree, and every
// block.
func VerifyShare(ctx context.Context, r grid.BucketReader, shnum grid.ShareNum, v *uri.CHKVerifier, timeout time.Duration) error {
	const op errors.Op = "immutable.VerifyShare"
	cctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	hb, err := r.ReadAt(cctx, 0, headerSize)
	if err != nil {
		return errors.E(op, v.SI, err)
	}
	h, err := parseHeader(hb)
	if err != nil {
		return errors.E(op, v.SI, err)
	}
	b, err := r.ReadAt(cctx, 0, h.End)
	if err != nil {
		return errors.E(op, v.SI, err)
	}
	if err := CheckShare(b, shnum, v); err != nil {
		return errors.E(op, v.SI, err)
	}
	return nil
}

// CheckShare validates the bytes of a complete share.
func CheckShare(b []byte, shnum grid.ShareNum, v *uri.CHKVerifier) error {
	const op errors.Op = "immutable.CheckShare"
	info, err := ParseShare(b)
	if err != nil {
		return errors.E(op, err)
	}
	if !bytes.Equal(info.UEBHash, v.UEBHash[:]) {
		return errors.E(op, errors.HashMismatch, errors.Str("extension block does not match capability"))
	}
	ueb := info.UEB
	if ueb.Needed != v.Needed || ueb.Total != v.Total || ueb.Size != v.Size {
		return errors.E(op, errors.Invalid, errors.Str("capability parameters do not match extension block"))
	}
	if int(shnum) < 0 || int(shnum) >= ueb.Total {
		return errors.E(op, errors.Malformed, errors.Errorf("share number %d out of range", shnum))
	}
	seg := ueb.Segmentation()
	if info.header != layout(seg, ueb.Needed, ueb.Total, int(info.End-info.header.UEB-8)) {
		return errors.E(op, errors.Malformed, errors.Str("share layout does not match extension block"))
	}
	if _, err := loadTree(seg.NumSegments, b[info.CrypttextTree:info.BlockTree], ueb.CrypttextRootHash); err != nil {
		return errors.E(op, err)
	}
	bt, err := loadTree(seg.NumSegments, b[info.BlockTree:info.ShareChain], nil)
	if err != nil {
		return errors.E(op, err)
	}
	shareTree := hashtree.NewIncomplete(ueb.Total)
	if err := shareTree.SetHashes(map[int][]byte{0: ueb.ShareRootHash}, nil); err != nil {
		return errors.E(op, err)
	}
	if err := shareTree.SetHashes(info.Chain, map[int][]byte{int(shnum): bt.Root()}); err != nil {
		return errors.E(op, err)
	}
	for i := 0; i < seg.NumSegments; i++ {
		off, n := info.blockRange(seg, ueb.Needed, i)
		if !bytes.Equal(hashutil.BlockHash(b[off:off+n]), bt.Leaf(i)) {
			return errors.E(op, errors.HashMismatch, errors.Errorf("block %d", i))
		}
	}
	return nil
}
