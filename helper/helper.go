// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package helper implements the upload helper: a service that receives
// the ciphertext of an immutable file from a client, encodes it, and
// places the shares in the grid on the client's behalf. The client
// sends each byte once instead of N/k times.
//
// Ciphertext arrives in CHK_incoming/<si>. Once the whole file is
// there it moves to CHK_encoding/<si> while it is encoded and placed,
// and is deleted afterwards. Incoming files outlive the helper, so an
// interrupted convergent upload resumes where it stopped, even after a
// restart.
package helper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/log"
)

const (
	incomingDir = "CHK_incoming"
	encodingDir = "CHK_encoding"
)

// DefaultChunkSize is the largest Push the helper accepts unless
// configured otherwise.
const DefaultChunkSize = 50 * 1024

// Options configure a Helper.
type Options struct {
	// Dir holds the incoming and encoding areas.
	Dir string
	// Broker supplies the storage servers.
	Broker *broker.Broker
	// LeaseSecret is the helper's master lease secret.
	LeaseSecret []byte
	// Timeout bounds each storage server request.
	Timeout time.Duration
	// ChunkSize bounds each Push; zero means DefaultChunkSize.
	ChunkSize int
}

// Helper is the upload helper service.
type Helper struct {
	dir       string
	chunkSize int
	placer    immutable.Placer

	mu       sync.Mutex
	sessions map[string]*session
	bySI     map[grid.StorageIndex]*session
}

var _ grid.Helper = (*Helper)(nil)

// session is one client's upload of one file.
type session struct {
	id  string
	req grid.OfferRequest
	log *log.Leveled

	mu     sync.Mutex // Serializes Push.
	acked  int64
	pushed int64
	closed bool
}

// New returns a helper working in opts.Dir. Encodings left unfinished
// by an earlier helper are discarded; incoming ciphertext is kept.
func New(opts Options) (*Helper, error) {
	const op errors.Op = "helper.New"
	if opts.Dir == "" || opts.Broker == nil {
		return nil, errors.E(op, errors.Invalid, "helper needs a directory and a broker")
	}
	for _, d := range []string{incomingDir, encodingDir} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, d), 0700); err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	}
	leftovers, err := os.ReadDir(filepath.Join(opts.Dir, encodingDir))
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	for _, e := range leftovers {
		log.Info.Printf("helper: removing unfinished encoding %s", e.Name())
		os.Remove(filepath.Join(opts.Dir, encodingDir, e.Name()))
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Helper{
		dir:       opts.Dir,
		chunkSize: chunk,
		placer: immutable.Placer{
			Broker:      opts.Broker,
			LeaseSecret: opts.LeaseSecret,
			Timeout:     opts.Timeout,
		},
		sessions: make(map[string]*session),
		bySI:     make(map[grid.StorageIndex]*session),
	}, nil
}

func (h *Helper) incoming(si grid.StorageIndex) string {
	return filepath.Join(h.dir, incomingDir, si.String())
}

func (h *Helper) encoding(si grid.StorageIndex) string {
	return filepath.Join(h.dir, encodingDir, si.String())
}

// Offer implements grid.Helper.
func (h *Helper) Offer(ctx context.Context, req grid.OfferRequest) (*grid.Offer, error) {
	const op errors.Op = "helper.Offer"
	if err := req.Params.Validate(); err != nil {
		return nil, errors.E(op, errors.Invalid, req.SI, err)
	}
	if req.Size <= 0 {
		return nil, errors.E(op, errors.Invalid, req.SI, errors.Errorf("bad size %d", req.Size))
	}
	if res, err := h.alreadyHave(ctx, req); err != nil {
		return nil, errors.E(op, err)
	} else if res != nil {
		log.Debug.Printf("helper: %s already in the grid", req.SI)
		return &grid.Offer{Status: grid.AlreadyHave, ChunkSize: h.chunkSize, Results: res}, nil
	}

	s := &session{id: uuid.NewString(), req: req}
	s.log = log.With(zap.String("si", req.SI.String()), zap.String("session", s.id))

	h.mu.Lock()
	defer h.mu.Unlock()
	if old := h.bySI[req.SI]; old != nil {
		// The newest offer wins. The old session's pushes fail from now on.
		old.log.Info.Printf("helper: session replaced by %s", s.id)
		h.drop(old)
	}
	var have int64
	if fi, err := os.Stat(h.incoming(req.SI)); err == nil {
		have = fi.Size()
	}
	if have > req.Size || (have > 0 && !req.Convergent) {
		// Not a prefix of this file.
		os.Remove(h.incoming(req.SI))
		have = 0
	}
	s.acked = have
	h.sessions[s.id] = s
	h.bySI[req.SI] = s

	offer := &grid.Offer{Status: grid.StartFresh, Session: s.id, ChunkSize: h.chunkSize}
	if have > 0 {
		offer.Status = grid.Resume
		offer.ResumeFrom = have
	}
	s.log.Debug.Printf("helper: offer of %d bytes: %v from %d", req.Size, offer.Status, have)
	return offer, nil
}

// alreadyHave asks the servers for shares of req.SI. It returns results
// built from the existing shares if they are already happy.
func (h *Helper) alreadyHave(ctx context.Context, req grid.OfferRequest) (*grid.HelperResults, error) {
	var (
		mu      sync.Mutex
		placed  = make(map[grid.ShareNum]map[grid.ServerID]bool)
		readers []grid.BucketReader
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, s := range h.placer.Broker.PermutedServers(req.SI) {
		g.Go(func() error {
			cctx, cancel := withTimeout(gctx, h.placer.Timeout)
			defer cancel()
			buckets, err := s.Storage.GetBuckets(cctx, req.SI)
			if err != nil {
				log.Debug.Printf("helper: get buckets %s from %s: %v", req.SI, s.ID, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for n, r := range buckets {
				if placed[n] == nil {
					placed[n] = make(map[grid.ServerID]bool)
				}
				placed[n][s.ID] = true
				readers = append(readers, r)
			}
			return nil
		})
	}
	g.Wait()
	if len(placed) < req.Params.Needed || immutable.Happiness(placed) < req.Params.Happy {
		return nil, nil
	}
	for _, r := range readers {
		ueb, err := immutable.FetchUEB(ctx, r, h.placer.Timeout)
		if err != nil {
			log.Debug.Printf("helper: reading UEB of %s: %v", req.SI, err)
			continue
		}
		if ueb.Size != req.Size || ueb.Needed != req.Params.Needed || ueb.Total != req.Params.Total {
			return nil, errors.E(errors.Invalid, req.SI, errors.Errorf("existing file has k=%d N=%d size=%d", ueb.Needed, ueb.Total, ueb.Size))
		}
		res := &grid.HelperResults{
			UEBHash:      ueb.Hash(),
			SharesPlaced: make(map[grid.ShareNum][]grid.ServerID),
			Preexisting:  len(placed),
		}
		for n, ids := range placed {
			for id := range ids {
				res.SharesPlaced[n] = append(res.SharesPlaced[n], id)
			}
		}
		return res, nil
	}
	return nil, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// lookup returns the open session with the given id.
func (h *Helper) lookup(id string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, errors.E(errors.NotExist, errors.Errorf("no session %q", id))
	}
	return s, nil
}

// drop forgets a session. h.mu must be held.
func (h *Helper) drop(s *session) {
	delete(h.sessions, s.id)
	if h.bySI[s.req.SI] == s {
		delete(h.bySI, s.req.SI)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Push implements grid.Helper.
func (h *Helper) Push(ctx context.Context, id string, offset int64, data []byte) error {
	const op errors.Op = "helper.Push"
	s, err := h.lookup(id)
	if err != nil {
		return errors.E(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return errors.E(op, errors.NotExist, s.req.SI, errors.Errorf("session %q closed", id))
	case len(data) > h.chunkSize:
		return errors.E(op, errors.Invalid, s.req.SI, errors.Errorf("chunk of %d bytes exceeds %d", len(data), h.chunkSize))
	case offset != s.acked:
		return errors.E(op, errors.Invalid, s.req.SI, errors.Errorf("push at %d, expected %d", offset, s.acked))
	case offset+int64(len(data)) > s.req.Size:
		return errors.E(op, errors.Invalid, s.req.SI, errors.Errorf("push past end of %d-byte file", s.req.Size))
	}
	f, err := os.OpenFile(h.incoming(s.req.SI), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return errors.E(op, errors.IO, s.req.SI, err)
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Put the file back to the acknowledged length.
		os.Truncate(h.incoming(s.req.SI), s.acked)
		return errors.E(op, errors.IO, s.req.SI, err)
	}
	s.acked += int64(len(data))
	s.pushed += int64(len(data))
	return nil
}

// Finalize implements grid.Helper.
func (h *Helper) Finalize(ctx context.Context, id string) (*grid.HelperResults, error) {
	const op errors.Op = "helper.Finalize"
	s, err := h.lookup(id)
	if err != nil {
		return nil, errors.E(op, err)
	}
	s.mu.Lock()
	acked, pushed := s.acked, s.pushed
	s.mu.Unlock()
	si := s.req.SI
	if acked != s.req.Size {
		return nil, errors.E(op, errors.Invalid, si, errors.Errorf("have %d of %d bytes", acked, s.req.Size))
	}
	h.mu.Lock()
	h.drop(s)
	h.mu.Unlock()

	enc := h.encoding(si)
	if err := os.Rename(h.incoming(si), enc); err != nil {
		os.Remove(h.incoming(si))
		return nil, errors.E(op, errors.IO, si, err)
	}
	defer os.Remove(enc)

	ciphertext, err := os.ReadFile(enc)
	if err != nil {
		return nil, errors.E(op, errors.IO, si, err)
	}
	p := s.req.Params
	encoded, err := immutable.Encode(ciphertext, p.Needed, p.Total, p.MaxSegmentSize, nil)
	if err != nil {
		return nil, errors.E(op, si, err)
	}
	placement, err := h.placer.Place(ctx, si, encoded.All(), p, nil)
	if err != nil {
		s.log.Info.Printf("helper: placement failed: %v", err)
		return nil, errors.E(op, err)
	}
	s.log.Info.Printf("helper: uploaded %d bytes, %d pushed, %d shares preexisting", s.req.Size, pushed, placement.Preexisting)
	return &grid.HelperResults{
		UEBHash:      encoded.UEBHash,
		SharesPlaced: placement.Shares,
		Pushed:       pushed,
		Preexisting:  placement.Preexisting,
	}, nil
}

// Abort implements grid.Helper. It removes everything the helper holds
// for the session's file.
func (h *Helper) Abort(ctx context.Context, id string) error {
	const op errors.Op = "helper.Abort"
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return errors.E(op, errors.NotExist, errors.Errorf("no session %q", id))
	}
	h.drop(s)
	os.Remove(h.incoming(s.req.SI))
	os.Remove(h.encoding(s.req.SI))
	s.log.Debug.Printf("helper: aborted")
	return nil
}

// Disconnect ends a session whose client went away. A convergent
// upload keeps its acknowledged ciphertext for a later offer to resume;
// any other upload can never be resumed, so its ciphertext is removed.
func (h *Helper) Disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	h.drop(s)
	if !s.req.Convergent {
		os.Remove(h.incoming(s.req.SI))
	}
	s.log.Debug.Printf("helper: client disconnected")
}
