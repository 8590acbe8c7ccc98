// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/log"
)

// writeChunk is the most bytes sent in one WriteAt.
const writeChunk = 256 * 1024

// maxParallelWrites bounds the shares written at once.
const maxParallelWrites = 10

// Placer places shares on the servers of the permuted ring.
type Placer struct {
	Broker *broker.Broker
	// LeaseSecret is the client's master lease secret.
	LeaseSecret []byte
	// Timeout bounds each server request; zero means none.
	Timeout time.Duration
	// Exclude names servers that are offered nothing.
	Exclude map[grid.ServerID]bool
}

// Placement records where the shares of a file ended up.
type Placement struct {
	// Shares maps each placed share to the servers holding it.
	Shares map[grid.ShareNum][]grid.ServerID
	// Preexisting counts shares that servers already held.
	Preexisting int
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

type allocation struct {
	server *broker.Server
	share  grid.ShareNum
	w      grid.BucketWriter
}

// Place offers the given shares, all of one size, to servers in ring
// order and writes those accepted. Existing records shares already
// known to be in the grid; they count toward the placement's success
// but are not written again. Place fails with NotEnoughShares, having
// aborted every writer, if fewer than k shares would be placed or they
// would land on fewer than p.Happy servers.
func (pl *Placer) Place(ctx context.Context, si grid.StorageIndex, shares map[grid.ShareNum][]byte, p grid.EncodingParams, existing map[grid.ShareNum][]grid.ServerID) (*Placement, error) {
	const op errors.Op = "immutable.Place"
	var size int64
	homeless := make([]grid.ShareNum, 0, len(shares))
	for n, b := range shares {
		homeless = append(homeless, n)
		size = int64(len(b))
	}
	sort.Slice(homeless, func(i, j int) bool { return homeless[i] < homeless[j] })

	placed := make(map[grid.ShareNum]map[grid.ServerID]bool)
	mark := func(n grid.ShareNum, id grid.ServerID) {
		if placed[n] == nil {
			placed[n] = make(map[grid.ServerID]bool)
		}
		placed[n][id] = true
	}
	for n, ids := range existing {
		for _, id := range ids {
			mark(n, id)
		}
	}
	preexisting := make(map[grid.ShareNum]bool)
	remove := func(n grid.ShareNum) {
		for i, h := range homeless {
			if h == n {
				homeless = append(homeless[:i], homeless[i+1:]...)
				return
			}
		}
	}

	var allocs []allocation
	ask := func(s *broker.Server, n grid.ShareNum) bool {
		cctx, cancel := withTimeout(ctx, pl.Timeout)
		defer cancel()
		leases := hashutil.LeaseSecrets(pl.LeaseSecret, si, s.ID)
		got, writers, err := s.Storage.AllocateBuckets(cctx, si, leases, []grid.ShareNum{n}, size)
		if err != nil {
			log.Debug.Printf("immutable: allocate %s on %s: %v", si, s.ID, err)
			return false
		}
		for _, g := range got {
			mark(g, s.ID)
			preexisting[g] = true
			remove(g)
		}
		accepted := len(got) > 0
		for wn, w := range writers {
			if wn != n {
				w.Abort(cctx)
				continue
			}
			allocs = append(allocs, allocation{s, n, w})
			mark(n, s.ID)
			remove(n)
			accepted = true
		}
		return accepted
	}

	// The first pass gives each server one share. Later passes spread
	// what is left over the servers that accepted.
	var usable []*broker.Server
	for _, s := range pl.Broker.PermutedServers(si) {
		if len(homeless) == 0 {
			break
		}
		if pl.Exclude[s.ID] {
			continue
		}
		if ask(s, homeless[0]) {
			usable = append(usable, s)
		}
	}
	for len(homeless) > 0 && len(usable) > 0 {
		var next []*broker.Server
		for _, s := range usable {
			if len(homeless) == 0 {
				break
			}
			if ask(s, homeless[0]) {
				next = append(next, s)
			}
		}
		usable = next
	}

	abortAll := func() {
		for _, a := range allocs {
			a.w.Abort(context.Background())
		}
	}
	if err := checkHappy(placed, p); err != nil {
		abortAll()
		return nil, errors.E(op, si, err)
	}

	// Write the allocated shares. A failed writer loses its share.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWrites)
	for _, a := range allocs {
		a := a
		g.Go(func() error {
			if err := pl.write(gctx, a.w, shares[a.share]); err != nil {
				log.Info.Printf("immutable: writing share %d of %s to %s: %v", a.share, si, a.server.ID, err)
				a.w.Abort(context.Background())
				mu.Lock()
				delete(placed[a.share], a.server.ID)
				if len(placed[a.share]) == 0 {
					delete(placed, a.share)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, errors.E(op, si, errors.IO, err)
	}
	if err := checkHappy(placed, p); err != nil {
		return nil, errors.E(op, si, err)
	}

	out := &Placement{Shares: make(map[grid.ShareNum][]grid.ServerID)}
	for n, ids := range placed {
		for id := range ids {
			out.Shares[n] = append(out.Shares[n], id)
		}
		sort.Slice(out.Shares[n], func(i, j int) bool { return out.Shares[n][i] < out.Shares[n][j] })
	}
	out.Preexisting = len(preexisting)
	log.Debug.Printf("immutable: placed %d shares of %s (%d preexisting)", len(out.Shares), si, out.Preexisting)
	return out, nil
}

func (pl *Placer) write(ctx context.Context, w grid.BucketWriter, data []byte) error {
	for off := 0; off < len(data); off += writeChunk {
		end := min(off+writeChunk, len(data))
		cctx, cancel := withTimeout(ctx, pl.Timeout)
		err := w.WriteAt(cctx, int64(off), data[off:end])
		cancel()
		if err != nil {
			return err
		}
	}
	cctx, cancel := withTimeout(ctx, pl.Timeout)
	defer cancel()
	return w.Close(cctx)
}

// checkHappy reports whether a placement has at least k distinct shares
// and spreads them so that Happy servers each hold a different share.
func checkHappy(placed map[grid.ShareNum]map[grid.ServerID]bool, p grid.EncodingParams) error {
	if len(placed) < p.Needed {
		return errors.E(errors.NotEnoughShares, errors.Errorf("placed %d shares, need %d", len(placed), p.Needed))
	}
	if h := Happiness(placed); h < p.Happy {
		return errors.E(errors.NotEnoughShares, errors.Errorf("shares on %d servers, need %d", h, p.Happy))
	}
	return nil
}

// Happiness is the size of the largest matching of servers to
// distinct shares: the number of servers that could each contribute a
// different share.
func Happiness(placed map[grid.ShareNum]map[grid.ServerID]bool) int {
	owner := make(map[grid.ShareNum]grid.ServerID)
	byServer := make(map[grid.ServerID][]grid.ShareNum)
	var servers []grid.ServerID
	for n, ids := range placed {
		for id := range ids {
			if _, ok := byServer[id]; !ok {
				servers = append(servers, id)
			}
			byServer[id] = append(byServer[id], n)
		}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i] < servers[j] })
	var augment func(id grid.ServerID, seen map[grid.ShareNum]bool) bool
	augment = func(id grid.ServerID, seen map[grid.ShareNum]bool) bool {
		for _, n := range byServer[id] {
			if seen[n] {
				continue
			}
			seen[n] = true
			cur, taken := owner[n]
			if !taken || augment(cur, seen) {
				owner[n] = id
				return true
			}
		}
		return false
	}
	matched := 0
	for _, id := range servers {
		if augment(id, make(map[grid.ShareNum]bool)) {
			matched++
		}
	}
	return matched
}
