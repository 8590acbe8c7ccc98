// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutable

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/factotum"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashtree"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// Mode selects how much of the grid a map update examines.
type Mode int

const (
	// ModeRead stops as soon as the newest recoverable version is
	// known.
	ModeRead Mode = iota
	// ModeWrite asks every server, so that a publish can replace
	// every old share.
	ModeWrite
	// ModeCheck asks every server and keeps every finding.
	ModeCheck
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeCheck:
		return "check"
	}
	return "unknown"
}

// DefaultInitialQueryCount is the number of servers a read-mode
// update asks at once.
const DefaultInitialQueryCount = 5

// ShareRecord is a share that passed the fingerprint and signature
// checks.
type ShareRecord struct {
	Server  grid.ServerID
	Share   grid.ShareNum
	Version VersionID

	sh       *share
	verified bool // Hashes checked.
}

// Problem is a failure seen during an update. Share is -1 when the
// whole server failed.
type Problem struct {
	Server grid.ServerID
	Share  grid.ShareNum
	Err    error
}

// ServerMap is what a map update learned about a slot: which servers
// hold which shares of which versions.
type ServerMap struct {
	SI   grid.StorageIndex
	Mode Mode
	// Shares lists the acceptable shares.
	Shares []*ShareRecord
	// Problems lists the servers that failed and the shares that were
	// rejected.
	Problems []Problem
	// Responding lists the servers that answered, in ring order.
	Responding []grid.ServerID

	keys    *keys
	ring    []*broker.Server
	empty   map[grid.ServerID]bool
	seen    map[grid.ServerID]map[grid.ShareNum][]byte // Checkstrings of every share seen.
	pubkey  *factotum.PublicKey
	privkey *factotum.Key
	timeout time.Duration
}

// Versions returns every version seen, newest first.
func (sm *ServerMap) Versions() []VersionID {
	seen := make(map[VersionID]bool)
	var out []VersionID
	for _, r := range sm.Shares {
		if !seen[r.Version] {
			seen[r.Version] = true
			out = append(out, r.Version)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].newer(out[j]) })
	return out
}

// SharesOf maps each share number of v to the servers holding it.
func (sm *ServerMap) SharesOf(v VersionID) map[grid.ShareNum][]grid.ServerID {
	out := make(map[grid.ShareNum][]grid.ServerID)
	for _, r := range sm.Shares {
		if r.Version == v {
			out[r.Share] = append(out[r.Share], r.Server)
		}
	}
	return out
}

// Recoverable reports whether at least k distinct shares of v are
// known.
func (sm *ServerMap) Recoverable(v VersionID) bool {
	return len(sm.SharesOf(v)) >= v.K
}

// Best returns the newest recoverable version.
func (sm *ServerMap) Best() (VersionID, bool) {
	for _, v := range sm.Versions() {
		if sm.Recoverable(v) {
			return v, true
		}
	}
	return VersionID{}, false
}

// HighestSeqnum returns the largest sequence number seen, or zero.
func (sm *ServerMap) HighestSeqnum() uint64 {
	var high uint64
	for _, r := range sm.Shares {
		high = max(high, r.Version.Seqnum)
	}
	return high
}

// CorruptShares returns the problems that concern a single share.
func (sm *ServerMap) CorruptShares() []Problem {
	var out []Problem
	for _, p := range sm.Problems {
		if p.Share >= 0 {
			out = append(out, p)
		}
	}
	return out
}

// Verify checks the hashes of every share, moving those that fail to
// the problems and advising their servers.
func (sm *ServerMap) Verify(ctx context.Context) {
	for _, r := range append([]*ShareRecord(nil), sm.Shares...) {
		if err := sm.verify(r); err != nil {
			sm.discard(ctx, r, err)
		}
	}
}

func (sm *ServerMap) verify(r *ShareRecord) error {
	if r.verified {
		return nil
	}
	if err := verifyHashes(r.sh, r.Share); err != nil {
		return err
	}
	r.verified = true
	return nil
}

// discard removes a share whose hashes failed and tells its server.
func (sm *ServerMap) discard(ctx context.Context, r *ShareRecord, err error) {
	log.Info.Printf("mutable: share %d of %s on %s is corrupt: %v", r.Share, sm.SI, r.Server, err)
	for i, s := range sm.Shares {
		if s == r {
			sm.Shares = append(sm.Shares[:i], sm.Shares[i+1:]...)
			break
		}
	}
	sm.Problems = append(sm.Problems, Problem{Server: r.Server, Share: r.Share, Err: err})
	sm.advise(ctx, r.Server, r.Share, err)
}

func (sm *ServerMap) advise(ctx context.Context, id grid.ServerID, shnum grid.ShareNum, err error) {
	for _, s := range sm.ring {
		if s.ID != id {
			continue
		}
		cctx, cancel := withTimeout(ctx, sm.timeout)
		defer cancel()
		s.Storage.AdviseCorruptShare(cctx, sm.SI, shnum, true, err.Error())
		return
	}
}

// validate parses a share and checks its fingerprint and signature.
// The distinct error kinds say which check failed.
func (sm *ServerMap) validate(raw []byte, shnum grid.ShareNum) (*share, error) {
	sh, err := parseShare(raw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(hashutil.Fingerprint(sh.pubkey), sm.keys.fingerprint) {
		return nil, errors.E(errors.FingerprintMismatch, errors.Str("verification key does not match capability"))
	}
	pub := sm.pubkey
	if pub == nil {
		if pub, err = factotum.ParsePublicKey(sh.pubkey); err != nil {
			return nil, err
		}
		sm.pubkey = pub
	}
	if err := pub.Verify(sh.prefix, sh.signature); err != nil {
		return nil, err
	}
	v := sh.version
	if v.K < 1 || v.K > v.N || int(shnum) >= v.N {
		return nil, errors.E(errors.Malformed, errors.Errorf("bad parameters k=%d N=%d for share %d", v.K, v.N, shnum))
	}
	if v.SegSize != roundUp(v.DataLen, v.K) || int64(len(sh.data)) != v.SegSize/int64(v.K) || len(sh.blockTree) != 1 {
		return nil, errors.E(errors.Malformed, errors.Str("share size is inconsistent with its parameters"))
	}
	return sh, nil
}

// verifyHashes checks the share's block against its block hash tree,
// and the tree against the signed root through the share hash chain.
func verifyHashes(sh *share, shnum grid.ShareNum) error {
	leaf := hashutil.BlockHash(sh.data)
	if !bytes.Equal(leaf, sh.blockTree[0]) {
		return errors.E(errors.HashMismatch, errors.Str("block does not match block hash tree"))
	}
	t := hashtree.NewIncomplete(sh.version.N)
	if err := t.SetHashes(map[int][]byte{0: sh.version.Root[:]}, nil); err != nil {
		return errors.E(errors.HashMismatch, err)
	}
	if err := t.SetHashes(sh.chain, map[int][]byte{int(shnum): leaf}); err != nil {
		return errors.E(errors.HashMismatch, err)
	}
	return nil
}

func roundUp(n int64, k int) int64 {
	return (n + int64(k) - 1) / int64(k) * int64(k)
}

type reply struct {
	server *broker.Server
	data   map[grid.ShareNum][][]byte
	err    error
}

// add folds one server's answer into the map.
func (sm *ServerMap) add(r reply) {
	id := r.server.ID
	if r.err != nil {
		log.Debug.Printf("mutable: readv %s from %s: %v", sm.SI, id, r.err)
		sm.Problems = append(sm.Problems, Problem{Server: id, Share: -1, Err: r.err})
		return
	}
	sm.Responding = append(sm.Responding, id)
	held := 0
	for shnum, reads := range r.data {
		if len(reads) == 0 || len(reads[0]) == 0 {
			continue
		}
		held++
		raw := reads[0]
		if sm.seen[id] == nil {
			sm.seen[id] = make(map[grid.ShareNum][]byte)
		}
		sm.seen[id][shnum] = raw[:min(len(raw), checkstringSize)]
		sh, err := sm.validate(raw, shnum)
		if err != nil {
			log.Info.Printf("mutable: rejecting share %d of %s on %s: %v", shnum, sm.SI, id, err)
			sm.Problems = append(sm.Problems, Problem{Server: id, Share: shnum, Err: err})
			continue
		}
		if sm.Mode == ModeWrite && sm.keys.writekey != nil && sm.privkey == nil {
			if key, err := recoverPrivkey(sm.keys.writekey, sh.encPrivkey); err == nil {
				sm.privkey = key
			} else {
				log.Debug.Printf("mutable: no usable signing key in share %d on %s: %v", shnum, id, err)
			}
		}
		sm.Shares = append(sm.Shares, &ShareRecord{Server: id, Share: shnum, Version: sh.version, sh: sh})
	}
	if held == 0 {
		sm.empty[id] = true
	}
}

// readDone reports whether a read-mode update may stop: the newest
// version seen is recoverable and enough servers have answered.
func (sm *ServerMap) readDone(quorum int) bool {
	versions := sm.Versions()
	if len(versions) == 0 || !sm.Recoverable(versions[0]) {
		return false
	}
	if quorum <= 0 {
		quorum = versions[0].K
	}
	return len(sm.Responding) >= quorum
}

// Updater builds server maps.
type Updater struct {
	Broker *broker.Broker
	// Timeout bounds each server request; zero means none.
	Timeout time.Duration
	// InitialQueryCount is the read-mode fan-out; zero means
	// DefaultInitialQueryCount.
	InitialQueryCount int
	// ReadQuorum is the number of servers a read-mode update hears
	// from before stopping; zero means k.
	ReadQuorum int
}

// Update queries the servers of the slot named by c.
func (u *Updater) Update(ctx context.Context, c uri.Cap, mode Mode) (*ServerMap, error) {
	k, err := keysFromCap(c)
	if err != nil {
		return nil, errors.E(errors.Op("mutable.Update"), err)
	}
	return u.update(ctx, k, mode)
}

func (u *Updater) update(ctx context.Context, k *keys, mode Mode) (*ServerMap, error) {
	const op errors.Op = "mutable.Update"
	ring := u.Broker.PermutedServers(k.si)
	sm := &ServerMap{
		SI:      k.si,
		Mode:    mode,
		keys:    k,
		ring:    ring,
		empty:   make(map[grid.ServerID]bool),
		seen:    make(map[grid.ServerID]map[grid.ShareNum][]byte),
		timeout: u.Timeout,
	}
	window := len(ring)
	if mode == ModeRead {
		window = u.InitialQueryCount
		if window <= 0 {
			window = DefaultInitialQueryCount
		}
	}
	// Buffered so that abandoned queries never block.
	replies := make(chan reply, len(ring))
	query := func(s *broker.Server) {
		cctx, cancel := withTimeout(ctx, u.Timeout)
		defer cancel()
		data, err := s.Storage.SlotReadv(cctx, k.si, nil, []grid.ReadVector{{Offset: 0, Length: maxShareSize}})
		replies <- reply{server: s, data: data, err: err}
	}
	next, inflight := 0, 0
	for {
		if mode == ModeRead && sm.readDone(u.ReadQuorum) {
			break
		}
		for inflight < window && next < len(ring) {
			go query(ring[next])
			next++
			inflight++
		}
		if inflight == 0 {
			break
		}
		select {
		case r := <-replies:
			inflight--
			sm.add(r)
		case <-ctx.Done():
			return nil, errors.E(op, k.si, errors.IO, ctx.Err())
		}
	}
	// Keep ring order for servers that answered.
	pos := make(map[grid.ServerID]int, len(ring))
	for i, s := range ring {
		pos[s.ID] = i
	}
	sort.Slice(sm.Responding, func(i, j int) bool { return pos[sm.Responding[i]] < pos[sm.Responding[j]] })
	if mode == ModeCheck {
		for _, p := range sm.CorruptShares() {
			sm.advise(ctx, p.Server, p.Share, p.Err)
		}
	}
	log.Debug.Printf("mutable: %s update of %s: %d servers answered, %d shares, %d problems",
		mode, k.si, len(sm.Responding), len(sm.Shares), len(sm.Problems))
	return sm, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
