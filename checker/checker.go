// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package checker reports on the health of files in the grid and
// repairs those that have lost shares.
package checker

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/mutable"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// maxParallelChecks bounds the servers asked at once.
const maxParallelChecks = 10

// Checker checks and repairs files.
type Checker struct {
	Broker *broker.Broker
	// Timeout bounds each server request; zero means none.
	Timeout time.Duration
	// LeaseSecret is used for the shares a repair writes.
	LeaseSecret []byte
	// Mutable opens slots. If nil, one is made from the fields above.
	Mutable *mutable.Client
}

// Share names one share on one server.
type Share struct {
	Server grid.ServerID
	Share  grid.ShareNum
	Reason string
}

func (s Share) String() string {
	return fmt.Sprintf("sh%d on %s: %s", s.Share, s.Server, s.Reason)
}

// Results describe the health of a file.
type Results struct {
	SI grid.StorageIndex
	// Healthy means at least k good shares sit on distinct servers
	// and, for a mutable file, only one version was seen.
	Healthy     bool
	Recoverable bool
	// NeedsRepair means fewer than N distinct good shares were found
	// or more than one version was seen.
	NeedsRepair bool

	SharesGood     int
	SharesNeeded   int
	SharesExpected int
	// Versions is the number of versions of a mutable file.
	Versions          int
	ServersResponding int
	// ShareMap maps each good share to the servers holding it.
	ShareMap      map[grid.ShareNum][]grid.ServerID
	CorruptShares []Share
}

// Summary is a one-line description of the results.
func (r *Results) Summary() string {
	switch {
	case r.Healthy && !r.NeedsRepair:
		return "healthy"
	case r.Healthy:
		return fmt.Sprintf("healthy but degraded: %d of %d shares", r.SharesGood, r.SharesExpected)
	case r.Recoverable:
		return fmt.Sprintf("not healthy: %d of %d shares, %d needed", r.SharesGood, r.SharesExpected, r.SharesNeeded)
	}
	return fmt.Sprintf("unrecoverable: %d shares, %d needed", r.SharesGood, r.SharesNeeded)
}

// RepairResults describe a CheckAndRepair.
type RepairResults struct {
	PreRepair  *Results
	PostRepair *Results
	Attempted  bool
	Successful bool
}

func (c *Checker) mutableClient() *mutable.Client {
	if c.Mutable != nil {
		return c.Mutable
	}
	return &mutable.Client{Broker: c.Broker, Timeout: c.Timeout, LeaseSecret: c.LeaseSecret}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Check asks every server about the file named by cp. With verify it
// also reads and validates every share, reporting and advising the
// servers of those that are corrupt. Otherwise it only confirms that
// the shares exist.
func (c *Checker) Check(ctx context.Context, cp uri.Cap, verify bool) (*Results, error) {
	const op errors.Op = "checker.Check"
	var (
		r   *Results
		err error
	)
	switch cp := cp.(type) {
	case *uri.Literal:
		return &Results{Healthy: true, Recoverable: true}, nil
	case *uri.Directory:
		return c.Check(ctx, cp.File, verify)
	case *uri.CHK:
		r, err = c.checkImmutable(ctx, cp.Verifier().(*uri.CHKVerifier), verify)
	case *uri.CHKVerifier:
		r, err = c.checkImmutable(ctx, cp, verify)
	case *uri.SSKWrite, *uri.SSKRead, *uri.SSKVerifier:
		r, err = c.checkMutable(ctx, cp, verify)
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("cannot check %T", cp))
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	log.Debug.Printf("checker: %s: %s", r.SI, r.Summary())
	return r, nil
}

func (c *Checker) checkImmutable(ctx context.Context, v *uri.CHKVerifier, verify bool) (*Results, error) {
	r := &Results{
		SI:             v.SI,
		SharesNeeded:   v.Needed,
		SharesExpected: v.Total,
		Versions:       1,
	}
	var mu sync.Mutex
	good := make(map[grid.ShareNum]map[grid.ServerID]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for _, s := range c.Broker.PermutedServers(v.SI) {
		g.Go(func() error {
			cctx, cancel := withTimeout(gctx, c.Timeout)
			buckets, err := s.Storage.GetBuckets(cctx, v.SI)
			cancel()
			if err != nil {
				log.Debug.Printf("checker: get buckets %s from %s: %v", v.SI, s.ID, err)
				return nil
			}
			var ok []grid.ShareNum
			var bad []Share
			for n, br := range buckets {
				if int(n) >= v.Total {
					continue
				}
				if verify {
					err := immutable.VerifyShare(gctx, br, n, v, c.Timeout)
					if errors.Is(errors.IO, err) {
						log.Debug.Printf("checker: reading sh%d of %s from %s: %v", n, v.SI, s.ID, err)
						continue
					}
					if err != nil {
						bad = append(bad, Share{Server: s.ID, Share: n, Reason: err.Error()})
						cctx, cancel := withTimeout(gctx, c.Timeout)
						s.Storage.AdviseCorruptShare(cctx, v.SI, n, false, err.Error())
						cancel()
						continue
					}
				}
				ok = append(ok, n)
			}
			mu.Lock()
			defer mu.Unlock()
			r.ServersResponding++
			r.CorruptShares = append(r.CorruptShares, bad...)
			for _, n := range ok {
				if good[n] == nil {
					good[n] = make(map[grid.ServerID]bool)
				}
				good[n][s.ID] = true
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, errors.E(v.SI, errors.IO, err)
	}
	r.ShareMap = shareMap(good)
	r.SharesGood = len(good)
	r.Recoverable = r.SharesGood >= v.Needed
	r.Healthy = immutable.Happiness(good) >= v.Needed
	r.NeedsRepair = r.SharesGood < v.Total
	sort.Slice(r.CorruptShares, func(i, j int) bool { return r.CorruptShares[i].Share < r.CorruptShares[j].Share })
	return r, nil
}

func shareMap(m map[grid.ShareNum]map[grid.ServerID]bool) map[grid.ShareNum][]grid.ServerID {
	out := make(map[grid.ShareNum][]grid.ServerID, len(m))
	for n, ids := range m {
		for id := range ids {
			out[n] = append(out[n], id)
		}
		sort.Slice(out[n], func(i, j int) bool { return out[n][i] < out[n][j] })
	}
	return out
}

func (c *Checker) checkMutable(ctx context.Context, cp uri.Cap, verify bool) (*Results, error) {
	node, err := c.mutableClient().Open(cp)
	if err != nil {
		return nil, err
	}
	sm, err := node.ServerMap(ctx, mutable.ModeCheck)
	if err != nil {
		return nil, err
	}
	if verify {
		sm.Verify(ctx)
	}
	r := &Results{SI: sm.SI, ServersResponding: len(sm.Responding)}
	for _, p := range sm.CorruptShares() {
		r.CorruptShares = append(r.CorruptShares, Share{Server: p.Server, Share: p.Share, Reason: p.Err.Error()})
	}
	versions := sm.Versions()
	r.Versions = len(versions)
	if len(versions) == 0 {
		r.ShareMap = map[grid.ShareNum][]grid.ServerID{}
		return r, nil
	}
	v, ok := sm.Best()
	if !ok {
		v = versions[0]
	}
	r.ShareMap = sm.SharesOf(v)
	r.SharesGood = len(r.ShareMap)
	r.SharesNeeded = v.K
	r.SharesExpected = v.N
	r.Recoverable = ok

	byServer := make(map[grid.ShareNum]map[grid.ServerID]bool)
	for n, ids := range r.ShareMap {
		byServer[n] = make(map[grid.ServerID]bool)
		for _, id := range ids {
			byServer[n][id] = true
		}
	}
	r.Healthy = immutable.Happiness(byServer) >= v.K && len(versions) == 1
	r.NeedsRepair = r.SharesGood < v.N || len(versions) > 1
	return r, nil
}

// Repair restores the shares of the file named by cp. An immutable
// file needs only its verify capability: the ciphertext is rebuilt
// from k good shares and re-encoded, and the missing shares are placed
// on servers that lack them. A mutable file needs its write capability
// and is republished as a new version.
func (c *Checker) Repair(ctx context.Context, cp uri.Cap) error {
	const op errors.Op = "checker.Repair"
	var err error
	switch cp := cp.(type) {
	case *uri.Literal:
		return nil
	case *uri.Directory:
		return c.Repair(ctx, cp.File)
	case *uri.CHK:
		err = c.repairImmutable(ctx, cp.Verifier().(*uri.CHKVerifier), nil)
	case *uri.CHKVerifier:
		err = c.repairImmutable(ctx, cp, nil)
	case *uri.SSKWrite:
		err = c.repairMutable(ctx, cp)
	case *uri.SSKRead, *uri.SSKVerifier:
		err = errors.E(cp.StorageIndex(), errors.NotWriteable, errors.Str("repairing a mutable file needs its write capability"))
	default:
		err = errors.E(errors.Invalid, errors.Errorf("cannot repair %T", cp))
	}
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// repairImmutable replaces the shares that pre does not list as good.
// A nil pre means check first.
func (c *Checker) repairImmutable(ctx context.Context, v *uri.CHKVerifier, pre *Results) error {
	if pre == nil {
		var err error
		if pre, err = c.checkImmutable(ctx, v, true); err != nil {
			return err
		}
	}
	var missing []grid.ShareNum
	for i := 0; i < v.Total; i++ {
		if len(pre.ShareMap[grid.ShareNum(i)]) == 0 {
			missing = append(missing, grid.ShareNum(i))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	d := &immutable.Downloader{Broker: c.Broker, Timeout: c.Timeout}
	ciphertext, ueb, err := d.Ciphertext(ctx, v)
	if err != nil {
		return err
	}
	enc, err := immutable.Encode(ciphertext, ueb.Needed, ueb.Total, ueb.SegmentSize, ueb.PlaintextHash)
	if err != nil {
		return err
	}
	if !bytes.Equal(enc.UEBHash, v.UEBHash[:]) {
		return errors.E(v.SI, errors.HashMismatch, errors.Str("re-encoding does not reproduce the extension block"))
	}
	exclude := make(map[grid.ServerID]bool)
	for _, s := range pre.CorruptShares {
		exclude[s.Server] = true
	}
	placer := immutable.Placer{
		Broker:      c.Broker,
		LeaseSecret: c.LeaseSecret,
		Timeout:     c.Timeout,
		Exclude:     exclude,
	}
	p := grid.EncodingParams{
		Needed:         ueb.Needed,
		Happy:          ueb.Needed,
		Total:          ueb.Total,
		MaxSegmentSize: ueb.SegmentSize,
	}
	placement, err := placer.Place(ctx, v.SI, enc.Subset(missing), p, pre.ShareMap)
	if err != nil {
		return err
	}
	log.Info.Printf("checker: repaired %s: %d shares missing, %d now placed", v.SI, len(missing), len(placement.Shares))
	return nil
}

func (c *Checker) repairMutable(ctx context.Context, cp *uri.SSKWrite) error {
	node, err := c.mutableClient().Open(cp)
	if err != nil {
		return err
	}
	_, err = node.Repair(ctx)
	return err
}

// CheckAndRepair checks the file, repairs it if it needs repair, and
// checks it again.
func (c *Checker) CheckAndRepair(ctx context.Context, cp uri.Cap, verify bool) (*RepairResults, error) {
	const op errors.Op = "checker.CheckAndRepair"
	pre, err := c.Check(ctx, cp, verify)
	if err != nil {
		return nil, errors.E(op, err)
	}
	res := &RepairResults{PreRepair: pre, PostRepair: pre}
	if !pre.NeedsRepair && len(pre.CorruptShares) == 0 {
		return res, nil
	}
	res.Attempted = true
	if v, ok := immutableVerifier(cp); ok && verify {
		err = c.repairImmutable(ctx, v, pre)
	} else {
		err = c.Repair(ctx, cp)
	}
	if err != nil {
		log.Info.Printf("checker: repair of %s failed: %v", pre.SI, err)
		return res, nil
	}
	post, err := c.Check(ctx, cp, verify)
	if err != nil {
		return nil, errors.E(op, err)
	}
	res.PostRepair = post
	res.Successful = post.Healthy && !post.NeedsRepair
	return res, nil
}

func immutableVerifier(cp uri.Cap) (*uri.CHKVerifier, bool) {
	switch cp := cp.(type) {
	case *uri.CHK:
		return cp.Verifier().(*uri.CHKVerifier), true
	case *uri.CHKVerifier:
		return cp, true
	}
	return nil, false
}
