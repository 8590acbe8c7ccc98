// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/codec"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashtree"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// DefaultFanOut is the number of servers queried at once.
const DefaultFanOut = 10

// Downloader reads immutable files from the grid, verifying everything
// it reads. A share that fails verification is discarded and another
// is used in its place.
type Downloader struct {
	Broker *broker.Broker
	// Timeout bounds each server request; zero means none.
	Timeout time.Duration
	// FanOut bounds concurrent server queries; zero means DefaultFanOut.
	FanOut int
}

// Read returns size bytes of the file starting at offset. A negative
// size reads to the end of the file; a range past the end is clipped.
// Only the segments covering the range are fetched.
func (d *Downloader) Read(ctx context.Context, c *uri.CHK, offset, size int64) ([]byte, error) {
	const op errors.Op = "immutable.Read"
	si := c.StorageIndex()
	if offset < 0 {
		return nil, errors.E(op, si, errors.Invalid, errors.Errorf("negative offset %d", offset))
	}
	end := c.Size
	if size >= 0 && size < end-offset {
		end = offset + size
	}
	if offset >= end {
		return []byte{}, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dl := d.newDownload(si, c.UEBHash[:], c.Needed, c.Total, c.Size)
	if err := dl.start(ctx); err != nil {
		return nil, errors.E(op, err)
	}
	seg := dl.seg
	first := int(offset / seg.SegmentSize)
	last := int((end - 1) / seg.SegmentSize)
	ct, err := dl.read(ctx, first, last)
	if err != nil {
		return nil, errors.E(op, err)
	}
	base := int64(first) * seg.SegmentSize
	full := first == 0 && last == seg.NumSegments-1
	if full {
		h := hashutil.NewCrypttextHasher()
		h.Write(ct)
		if !bytes.Equal(h.Sum(nil), dl.ueb.CrypttextHash) {
			return nil, errors.E(op, si, errors.HashMismatch, errors.Str("crypttext hash"))
		}
	}
	pt := make([]byte, len(ct))
	if err := CryptAt(c.Key[:], pt, ct, base); err != nil {
		return nil, errors.E(op, si, err)
	}
	if full && dl.ueb.PlaintextHash != nil {
		h := hashutil.NewPlaintextHasher()
		h.Write(pt)
		if !bytes.Equal(h.Sum(nil), dl.ueb.PlaintextHash) {
			return nil, errors.E(op, si, errors.HashMismatch, errors.Str("plaintext hash"))
		}
	}
	return pt[offset-base : end-base], nil
}

// Ciphertext returns the verified ciphertext of a file and its UEB. It
// needs only a verify capability.
func (d *Downloader) Ciphertext(ctx context.Context, v *uri.CHKVerifier) ([]byte, *UEB, error) {
	const op errors.Op = "immutable.Ciphertext"
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dl := d.newDownload(v.SI, v.UEBHash[:], v.Needed, v.Total, v.Size)
	if err := dl.start(ctx); err != nil {
		return nil, nil, errors.E(op, err)
	}
	ct, err := dl.read(ctx, 0, dl.seg.NumSegments-1)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	h := hashutil.NewCrypttextHasher()
	h.Write(ct)
	if !bytes.Equal(h.Sum(nil), dl.ueb.CrypttextHash) {
		return nil, nil, errors.E(op, v.SI, errors.HashMismatch, errors.Str("crypttext hash"))
	}
	return ct, dl.ueb, nil
}

// candidate is a share some server claims to hold.
type candidate struct {
	server *broker.Server
	share  grid.ShareNum
	r      grid.BucketReader
	h      *header // Verified header, once read.
}

// activeShare is a candidate whose trees have been validated.
type activeShare struct {
	*candidate
	blockTree *hashtree.Incomplete
}

type download struct {
	d       *Downloader
	si      grid.StorageIndex
	uebHash []byte
	k, n    int
	size    int64

	servers []*broker.Server // In ring order.
	queried int              // Servers queried so far.
	pending []*candidate     // Found and not yet tried, in ring order.
	found   int              // Candidates ever found.

	ueb       *UEB
	uebLen    int
	seg       Segmentation
	expected  header
	codec     *codec.Codec
	shareTree *hashtree.Incomplete
	ctTree    *hashtree.Incomplete
	active    map[grid.ShareNum]*activeShare
	fatal     error // Set when the capability itself is inconsistent.
}

func (d *Downloader) newDownload(si grid.StorageIndex, uebHash []byte, k, n int, size int64) *download {
	return &download{
		d:       d,
		si:      si,
		uebHash: uebHash,
		k:       k,
		n:       n,
		size:    size,
		servers: d.Broker.PermutedServers(si),
		active:  make(map[grid.ShareNum]*activeShare),
	}
}

func (dl *download) fanOut() int {
	if dl.d.FanOut > 0 {
		return dl.d.FanOut
	}
	return DefaultFanOut
}

// locate asks the next batch of servers for their shares. It reports
// false when every server has been asked.
func (dl *download) locate(ctx context.Context) bool {
	if dl.queried >= len(dl.servers) {
		return false
	}
	batch := dl.servers[dl.queried:min(dl.queried+dl.fanOut(), len(dl.servers))]
	dl.queried += len(batch)
	results := make([][]*candidate, len(batch))
	var g errgroup.Group
	for i, s := range batch {
		g.Go(func() error {
			cctx, cancel := withTimeout(ctx, dl.d.Timeout)
			defer cancel()
			readers, err := s.Storage.GetBuckets(cctx, dl.si)
			if err != nil {
				log.Debug.Printf("immutable: get buckets %s from %s: %v", dl.si, s.ID, err)
				return nil
			}
			for n, r := range readers {
				results[i] = append(results[i], &candidate{server: s, share: n, r: r})
			}
			sort.Slice(results[i], func(a, b int) bool { return results[i][a].share < results[i][b].share })
			return nil
		})
	}
	g.Wait()
	for _, r := range results {
		dl.pending = append(dl.pending, r...)
		dl.found += len(r)
	}
	return true
}

func (dl *download) distinctPending() int {
	seen := make(map[grid.ShareNum]bool)
	for _, c := range dl.pending {
		seen[c.share] = true
	}
	return len(seen)
}

// noShares returns the error for running out of candidates.
func (dl *download) noShares() error {
	if dl.found == 0 {
		return errors.E(dl.si, errors.NoShares)
	}
	return errors.E(dl.si, errors.NotEnoughShares, errors.Errorf("found %d shares, %d usable, need %d", dl.found, len(dl.active), dl.k))
}

// start locates shares and fetches a valid UEB.
func (dl *download) start(ctx context.Context) error {
	for dl.distinctPending() < dl.k && dl.locate(ctx) {
	}
	for dl.ueb == nil {
		if len(dl.pending) == 0 {
			if !dl.locate(ctx) {
				return dl.noShares()
			}
			continue
		}
		c := dl.pending[0]
		dl.pending = dl.pending[1:]
		if err := dl.readUEB(ctx, c); err != nil {
			if dl.fatal != nil {
				return dl.fatal
			}
			dl.discard(ctx, c, err)
			continue
		}
		// The candidate is still usable for blocks.
		dl.pending = append([]*candidate{c}, dl.pending...)
	}
	return nil
}

func (dl *download) readAt(ctx context.Context, c *candidate, off, n int64) ([]byte, error) {
	cctx, cancel := withTimeout(ctx, dl.d.Timeout)
	defer cancel()
	b, err := c.r.ReadAt(cctx, off, n)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != n {
		return nil, errors.E(errors.Malformed, errors.Errorf("share %d truncated", c.share))
	}
	return b, nil
}

// readUEB fetches and checks the candidate's UEB. On success it fixes
// the file's parameters for the rest of the download.
func (dl *download) readUEB(ctx context.Context, c *candidate) error {
	hb, err := dl.readAt(ctx, c, 0, headerSize)
	if err != nil {
		return err
	}
	h, err := parseHeader(hb)
	if err != nil {
		return err
	}
	packed, err := readUEBRegion(ctx, c.r, h, dl.d.Timeout)
	if err != nil {
		return err
	}
	if !bytes.Equal(hashutil.UEBHash(packed), dl.uebHash) {
		return errors.E(errors.HashMismatch, errors.Str("URI extension block does not match capability"))
	}
	ueb, err := UnpackUEB(packed)
	if err != nil {
		return err
	}
	if ueb.Needed != dl.k || ueb.Total != dl.n || ueb.Size != dl.size {
		dl.fatal = errors.E(dl.si, errors.Invalid, errors.Errorf("capability says %d-of-%d size %d, extension block says %d-of-%d size %d",
			dl.k, dl.n, dl.size, ueb.Needed, ueb.Total, ueb.Size))
		return dl.fatal
	}
	seg := ueb.Segmentation()
	expected := layout(seg, ueb.Needed, ueb.Total, len(packed))
	if h != expected {
		return errors.E(errors.Malformed, errors.Str("share layout does not match extension block"))
	}
	c.h = &h
	cd, err := codec.New(ueb.Needed, ueb.Total)
	if err != nil {
		return err
	}
	shareTree := hashtree.NewIncomplete(ueb.Total)
	if err := shareTree.SetHashes(map[int][]byte{0: ueb.ShareRootHash}, nil); err != nil {
		return err
	}
	dl.ueb, dl.uebLen, dl.seg, dl.expected, dl.codec, dl.shareTree = ueb, len(packed), seg, expected, cd, shareTree
	return nil
}

// readUEBRegion returns the packed UEB stored in a share.
func readUEBRegion(ctx context.Context, r grid.BucketReader, h header, timeout time.Duration) ([]byte, error) {
	cctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	b, err := r.ReadAt(cctx, h.UEB, h.End-h.UEB)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != h.End-h.UEB || len(b) < 8 {
		return nil, errors.E(errors.Malformed, errors.Str("truncated extension block"))
	}
	n := binary.BigEndian.Uint64(b)
	if n != uint64(len(b)-8) {
		return nil, errors.E(errors.Malformed, errors.Errorf("extension block length %d in region of %d", n, len(b)-8))
	}
	return b[8:], nil
}

// activate validates a candidate's hash trees and makes it one of the
// shares blocks are read from.
func (dl *download) activate(ctx context.Context, c *candidate) error {
	if c.h == nil {
		hb, err := dl.readAt(ctx, c, 0, headerSize)
		if err != nil {
			return err
		}
		h, err := parseHeader(hb)
		if err != nil {
			return err
		}
		if h != dl.expected {
			return errors.E(errors.Malformed, errors.Str("share layout does not match extension block"))
		}
		c.h = &h
	}
	h := c.h
	region, err := dl.readAt(ctx, c, h.CrypttextTree, h.UEB-h.CrypttextTree)
	if err != nil {
		return err
	}
	treeSize := h.BlockTree - h.CrypttextTree
	ctBytes, btBytes, chainBytes := region[:treeSize], region[treeSize:2*treeSize], region[2*treeSize:]
	if dl.ctTree == nil {
		t, err := loadTree(dl.seg.NumSegments, ctBytes, dl.ueb.CrypttextRootHash)
		if err != nil {
			return err
		}
		dl.ctTree = t
	}
	bt, err := loadTree(dl.seg.NumSegments, btBytes, nil)
	if err != nil {
		return err
	}
	chain, err := parseChain(chainBytes)
	if err != nil {
		return err
	}
	leaf := map[int][]byte{int(c.share): bt.Root()}
	if err := dl.shareTree.SetHashes(chain, leaf); err != nil {
		return err
	}
	dl.active[c.share] = &activeShare{candidate: c, blockTree: bt}
	return nil
}

// next removes and returns the best untried candidate: a share number
// not yet active, preferably on a server not yet used.
func (dl *download) next(ctx context.Context) *candidate {
	for {
		used := make(map[grid.ServerID]bool)
		for _, a := range dl.active {
			used[a.server.ID] = true
		}
		pick := -1
		for i, c := range dl.pending {
			if _, dup := dl.active[c.share]; dup {
				continue
			}
			if !used[c.server.ID] {
				pick = i
				break
			}
			if pick < 0 {
				pick = i
			}
		}
		if pick >= 0 && !used[dl.pending[pick].server.ID] {
			return dl.take(pick)
		}
		// Try to find a fresh server before reusing one.
		if dl.locate(ctx) {
			continue
		}
		if pick >= 0 {
			return dl.take(pick)
		}
		return nil
	}
}

func (dl *download) take(i int) *candidate {
	c := dl.pending[i]
	dl.pending = append(dl.pending[:i], dl.pending[i+1:]...)
	return c
}

func (dl *download) fill(ctx context.Context) error {
	for len(dl.active) < dl.k {
		if err := ctx.Err(); err != nil {
			return errors.E(dl.si, errors.IO, err)
		}
		c := dl.next(ctx)
		if c == nil {
			return dl.noShares()
		}
		if err := dl.activate(ctx, c); err != nil {
			dl.discard(ctx, c, err)
		}
	}
	return nil
}

// discard drops a share that failed, telling its server if it is
// corrupt.
func (dl *download) discard(ctx context.Context, c *candidate, err error) {
	log.Debug.Printf("immutable: discarding share %d of %s on %s: %v", c.share, dl.si, c.server.ID, err)
	delete(dl.active, c.share)
	if errors.Is(errors.HashMismatch, err) || errors.Is(errors.Malformed, err) {
		cctx, cancel := withTimeout(ctx, dl.d.Timeout)
		defer cancel()
		c.server.Storage.AdviseCorruptShare(cctx, dl.si, c.share, false, err.Error())
	}
}

// read returns the ciphertext of segments first through last.
func (dl *download) read(ctx context.Context, first, last int) ([]byte, error) {
	var out []byte
	for i := first; i <= last; i++ {
		data, err := dl.segment(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// segment fetches and decodes segment i, replacing shares whose blocks
// fail until it succeeds or candidates run out.
func (dl *download) segment(ctx context.Context, i int) ([]byte, error) {
	type result struct {
		a   *activeShare
		b   []byte
		err error
	}
	for {
		if err := dl.fill(ctx); err != nil {
			return nil, err
		}
		var results []*result
		for _, a := range dl.active {
			results = append(results, &result{a: a})
		}
		var g errgroup.Group
		for _, r := range results {
			g.Go(func() error {
				off, n := r.a.h.blockRange(dl.seg, dl.k, i)
				r.b, r.err = dl.readAt(ctx, r.a.candidate, off, n)
				if r.err == nil && !bytes.Equal(hashutil.BlockHash(r.b), r.a.blockTree.Leaf(i)) {
					r.err = errors.E(errors.HashMismatch, errors.Errorf("block %d of share %d", i, r.a.share))
				}
				return nil
			})
		}
		g.Wait()
		blocks := make(map[int][]byte, len(results))
		for _, r := range results {
			if r.err != nil {
				dl.discard(ctx, r.a.candidate, r.err)
				continue
			}
			blocks[int(r.a.share)] = r.b
		}
		if len(blocks) < dl.k {
			continue
		}
		data, err := dl.codec.Decode(blocks, dl.seg.SegmentLen(i))
		if err != nil {
			return nil, errors.E(dl.si, err)
		}
		if !bytes.Equal(hashutil.CrypttextSegmentHash(data), dl.ctTree.Leaf(i)) {
			return nil, errors.E(dl.si, errors.HashMismatch, errors.Errorf("crypttext segment %d", i))
		}
		return data, nil
	}
}
