// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutable

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/codec"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/factotum"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashtree"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/log"
)

// maxParallelWrites bounds the servers written at once.
const maxParallelWrites = 10

// encode builds every share of a new version of a slot.
func encode(key *factotum.Key, readkey, contents []byte, seqnum uint64, k, n int) (VersionID, [][]byte, error) {
	const op errors.Op = "mutable.encode"
	v := VersionID{Seqnum: seqnum, K: k, N: n, DataLen: int64(len(contents))}
	if k < 1 || k > n || n > 255 {
		return v, nil, errors.E(op, errors.Invalid, errors.Errorf("bad parameters k=%d N=%d", k, n))
	}
	v.SegSize = roundUp(v.DataLen, k)
	if _, err := rand.Read(v.IV[:]); err != nil {
		return v, nil, errors.E(op, errors.Internal, err)
	}
	ciphertext, err := immutable.Encrypt(hashutil.Datakey(v.IV[:], readkey), contents)
	if err != nil {
		return v, nil, errors.E(op, err)
	}
	c, err := codec.New(k, n)
	if err != nil {
		return v, nil, errors.E(op, err)
	}
	blocks, err := c.Encode(ciphertext)
	if err != nil {
		return v, nil, errors.E(op, err)
	}
	leaves := make([][]byte, n)
	for i, b := range blocks {
		leaves[i] = hashutil.BlockHash(b)
	}
	tree := hashtree.New(leaves)
	copy(v.Root[:], tree.Root())
	sig, err := key.Sign(v.marshalPrefix())
	if err != nil {
		return v, nil, errors.E(op, err)
	}
	encPriv, err := encryptPrivkey(key.Writekey(), key)
	if err != nil {
		return v, nil, errors.E(op, err)
	}
	shares := make([][]byte, n)
	for i := range shares {
		sh := &share{
			version:    v,
			pubkey:     key.Public().Bytes(),
			signature:  sig,
			chain:      tree.Chain(i, false),
			blockTree:  [][]byte{leaves[i]},
			data:       blocks[i],
			encPrivkey: encPriv,
		}
		shares[i] = sh.marshal()
	}
	return v, shares, nil
}

// Publisher writes new versions of slots.
type Publisher struct {
	Broker *broker.Broker
	// Timeout bounds each server request; zero means none.
	Timeout time.Duration
	// LeaseSecret is the client's master lease secret.
	LeaseSecret []byte
	// WriteQuorum is the number of shares that must be written for a
	// publish to succeed; zero means N/2+1.
	WriteQuorum int
}

// Publish writes contents as the version after the newest one in sm,
// which must come from a write-mode update. Every share in the map is
// replaced, conditional on it being unchanged since the update; a
// share that changed means another writer got there first, and
// Publish fails with Collision.
func (p *Publisher) Publish(ctx context.Context, sm *ServerMap, key *factotum.Key, contents []byte, k, n int) (VersionID, error) {
	const op errors.Op = "mutable.Publish"
	if sm.keys.writekey == nil || key == nil {
		return VersionID{}, errors.E(op, sm.SI, errors.NotWriteable)
	}
	v, shares, err := encode(key, sm.keys.readkey, contents, sm.HighestSeqnum()+1, k, n)
	if err != nil {
		return v, errors.E(op, sm.SI, err)
	}
	plan := make(map[grid.ServerID]map[grid.ShareNum]grid.TestAndWrite)
	add := func(id grid.ServerID, shnum grid.ShareNum, tw grid.TestAndWrite) {
		if plan[id] == nil {
			plan[id] = make(map[grid.ShareNum]grid.TestAndWrite)
		}
		plan[id][shnum] = tw
	}
	write := func(shnum grid.ShareNum, check []byte) grid.TestAndWrite {
		b := shares[shnum]
		return grid.TestAndWrite{
			Tests:     []grid.TestVector{{Offset: 0, Length: checkstringSize, Specimen: check}},
			Writes:    []grid.WriteVector{{Offset: 0, Data: b}},
			NewLength: int64(len(b)),
		}
	}

	// Replace every share seen, old versions and corrupt ones alike.
	placed := make(map[grid.ShareNum]bool)
	for id, held := range sm.seen {
		for shnum, check := range held {
			if int(shnum) >= n {
				add(id, shnum, grid.TestAndWrite{
					Tests:     []grid.TestVector{{Offset: 0, Length: checkstringSize, Specimen: check}},
					NewLength: 0,
				})
				continue
			}
			add(id, shnum, write(shnum, check))
			placed[shnum] = true
		}
	}

	// Homeless shares go first to servers holding nothing, then around
	// every server that answered.
	var homeless []grid.ShareNum
	for i := 0; i < n; i++ {
		if !placed[grid.ShareNum(i)] {
			homeless = append(homeless, grid.ShareNum(i))
		}
	}
	var targets []grid.ServerID
	for _, id := range sm.Responding {
		if sm.empty[id] {
			targets = append(targets, id)
		}
	}
	for _, id := range sm.Responding {
		if !sm.empty[id] {
			targets = append(targets, id)
		}
	}
	for i, shnum := range homeless {
		if len(targets) == 0 {
			break
		}
		add(targets[i%len(targets)], shnum, write(shnum, nil))
	}

	servers := make(map[grid.ServerID]*broker.Server)
	for _, s := range sm.ring {
		servers[s.ID] = s
	}
	var (
		mu       sync.Mutex
		written  = make(map[grid.ShareNum]bool)
		collided []grid.ServerID
	)
	var g errgroup.Group
	g.SetLimit(maxParallelWrites)
	for id, tw := range plan {
		s := servers[id]
		if s == nil {
			continue
		}
		g.Go(func() error {
			cctx, cancel := withTimeout(ctx, p.Timeout)
			defer cancel()
			we := hashutil.WriteEnabler(sm.keys.writekey, id)
			leases := hashutil.LeaseSecrets(p.LeaseSecret, sm.SI, id)
			ok, _, err := s.Storage.SlotTestAndWrite(cctx, sm.SI, we, leases, tw, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Info.Printf("mutable: write %s to %s: %v", sm.SI, id, err)
			case !ok:
				collided = append(collided, id)
			default:
				for shnum := range tw {
					if int(shnum) < n {
						written[shnum] = true
					}
				}
			}
			return nil
		})
	}
	g.Wait()

	if len(collided) > 0 {
		sort.Slice(collided, func(i, j int) bool { return collided[i] < collided[j] })
		return v, errors.E(op, sm.SI, errors.Collision, errors.Errorf("shares changed on %v", collided))
	}
	quorum := p.WriteQuorum
	if quorum <= 0 {
		quorum = n/2 + 1
	}
	if len(written) < quorum {
		return v, errors.E(op, sm.SI, errors.NotEnoughShares, errors.Errorf("wrote %d shares, need %d", len(written), quorum))
	}
	log.Debug.Printf("mutable: published %s seqnum %d, %d shares", sm.SI, v.Seqnum, len(written))
	return v, nil
}
