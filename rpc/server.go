// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/log"
)

const (
	// maxMessageSize bounds a request body.
	maxMessageSize = 1 << 26 // 64MB

	// DefaultIdleTimeout is how long a bucket writer or helper session
	// may go unused before the client is considered gone.
	DefaultIdleTimeout = 5 * time.Minute

	contentType = "application/octet-stream"
)

// method describes an RPC method. It receives the decoded request and
// returns the encoded response.
type method func(ctx context.Context, req fields) (message, error)

// service describes an RPC service.
type service struct {
	// The name of the service, which forms the first path component of any
	// HTTP request.
	Name string

	// The RPC methods to serve.
	Methods map[string]method
}

// Disconnecter is implemented by helpers that keep state for a
// session until the client goes away.
type Disconnecter interface {
	Disconnect(session string)
}

// ServerOptions configure a Server.
type ServerOptions struct {
	// Storage, if set, is served under /storage/.
	Storage grid.StorageServer
	// Helper, if set, is served under /helper/.
	Helper grid.Helper
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Server serves a storage server and a helper over HTTP.
type Server struct {
	storage  grid.StorageServer
	helper   grid.Helper
	idle     time.Duration
	services map[string]*service
	log      *log.Leveled

	mu       sync.Mutex // Protects the fields below.
	writers  map[string]*writerEntry
	sessions map[string]time.Time // Helper session to last use.
	closed   bool

	done chan struct{}
}

type writerEntry struct {
	w    grid.BucketWriter
	last time.Time
}

// NewServer returns a Server for the services in opts and starts its
// idle reaper. Close stops it.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		storage:  opts.Storage,
		helper:   opts.Helper,
		idle:     opts.IdleTimeout,
		services: make(map[string]*service),
		writers:  make(map[string]*writerEntry),
		sessions: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	if s.idle <= 0 {
		s.idle = DefaultIdleTimeout
	}
	var id grid.ServerID
	if idd, ok := opts.Storage.(interface{ ID() grid.ServerID }); ok {
		id = idd.ID()
	}
	s.log = log.With(zap.String("server", string(id)))
	if s.storage != nil {
		s.services["storage"] = s.storageService()
	}
	if s.helper != nil {
		s.services["helper"] = s.helperService()
	}
	go s.reaper()
	return s
}

// ServeHTTP exposes the configured services as an HTTP API.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	svc := s.services[parts[0]]
	if svc == nil {
		http.NotFound(w, r)
		return
	}
	m := svc.Methods[parts[1]]
	if m == nil {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := parse(body)
	if err == nil {
		var resp message
		resp, err = m(r.Context(), req)
		if err == nil {
			w.Header().Set("Content-Type", contentType)
			w.Write(resp)
			return
		}
	}
	s.log.Debug.Printf("rpc: %s/%s: %v", parts[0], parts[1], err)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusInternalServerError)
	w.Write(errors.MarshalError(err))
}

// Close stops the reaper and aborts every open bucket writer.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	writers := s.writers
	s.writers = make(map[string]*writerEntry)
	s.mu.Unlock()
	for _, e := range writers {
		e.w.Abort(context.Background())
	}
}

func (s *Server) reaper() {
	t := time.NewTicker(s.idle / 2)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			s.reap(now)
		}
	}
}

// reap aborts bucket writers and disconnects helper sessions that have
// been idle since before now minus the idle timeout.
func (s *Server) reap(now time.Time) {
	cutoff := now.Add(-s.idle)
	var writers []grid.BucketWriter
	var sessions []string
	s.mu.Lock()
	for tok, e := range s.writers {
		if e.last.Before(cutoff) {
			writers = append(writers, e.w)
			delete(s.writers, tok)
		}
	}
	for id, last := range s.sessions {
		if last.Before(cutoff) {
			sessions = append(sessions, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, w := range writers {
		w.Abort(context.Background())
	}
	if len(writers) > 0 {
		s.log.Info.Printf("rpc: aborted %d idle bucket writers", len(writers))
	}
	if d, ok := s.helper.(Disconnecter); ok {
		for _, id := range sessions {
			s.log.Info.Printf("rpc: helper session %s idle; disconnecting", id)
			d.Disconnect(id)
		}
	}
}

func (s *Server) addWriter(w grid.BucketWriter) string {
	tok := uuid.NewString()
	s.mu.Lock()
	s.writers[tok] = &writerEntry{w: w, last: time.Now()}
	s.mu.Unlock()
	return tok
}

// writer returns the writer for tok. If remove is set the token is
// forgotten.
func (s *Server) writer(tok string, remove bool) (grid.BucketWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.writers[tok]
	if !ok {
		return nil, errors.E(errors.NotExist, errors.Errorf("no bucket writer %q", tok))
	}
	if remove {
		delete(s.writers, tok)
	} else {
		e.last = time.Now()
	}
	return e.w, nil
}

func (s *Server) touchSession(id string, remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remove {
		delete(s.sessions, id)
		return
	}
	s.sessions[id] = time.Now()
}

func (s *Server) storageService() *service {
	return &service{
		Name: "storage",
		Methods: map[string]method{
			"Ping":               s.ping,
			"AllocateBuckets":    s.allocateBuckets,
			"WriteBucket":        s.writeBucket,
			"CloseBucket":        s.closeBucket,
			"AbortBucket":        s.abortBucket,
			"GetBuckets":         s.getBuckets,
			"ReadBucket":         s.readBucket,
			"SlotReadv":          s.slotReadv,
			"SlotTestAndWrite":   s.slotTestAndWrite,
			"AdviseCorruptShare": s.adviseCorruptShare,
		},
	}
}

func (s *Server) helperService() *service {
	return &service{
		Name: "helper",
		Methods: map[string]method{
			"Offer":    s.offer,
			"Push":     s.push,
			"Finalize": s.finalize,
			"Abort":    s.abort,
		},
	}
}

// Ping response: 1 server ID.
func (s *Server) ping(ctx context.Context, req fields) (message, error) {
	var id grid.ServerID
	if idd, ok := s.storage.(interface{ ID() grid.ServerID }); ok {
		id = idd.ID()
	}
	return message(nil).string(1, string(id)), nil
}

// AllocateBuckets request: 1 SI, 2 leases, 3 repeated share, 4
// allocated size. Response: 1 repeated already-got share, 2 repeated
// writer (1 share, 2 token).
func (s *Server) allocateBuckets(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	lf, err := req.message(2)
	if err != nil {
		return nil, err
	}
	leases, err := parseLeases(lf)
	if err != nil {
		return nil, err
	}
	got, writers, err := s.storage.AllocateBuckets(ctx, si, leases, req.shareNums(3), req.int(4))
	if err != nil {
		return nil, err
	}
	resp := appendShareNums(nil, 1, got)
	for sh, w := range writers {
		tok := s.addWriter(w)
		resp = resp.message(2, message(nil).uint(1, uint64(sh)).string(2, tok))
	}
	return resp, nil
}

// WriteBucket request: 1 token, 2 offset, 3 data.
func (s *Server) writeBucket(ctx context.Context, req fields) (message, error) {
	w, err := s.writer(req.string(1), false)
	if err != nil {
		return nil, err
	}
	return nil, w.WriteAt(ctx, req.int(2), req.bytes(3))
}

// CloseBucket request: 1 token.
func (s *Server) closeBucket(ctx context.Context, req fields) (message, error) {
	w, err := s.writer(req.string(1), true)
	if err != nil {
		return nil, err
	}
	return nil, w.Close(ctx)
}

// AbortBucket request: 1 token.
func (s *Server) abortBucket(ctx context.Context, req fields) (message, error) {
	w, err := s.writer(req.string(1), true)
	if err != nil {
		return nil, err
	}
	return nil, w.Abort(ctx)
}

// GetBuckets request: 1 SI. Response: 1 repeated share.
func (s *Server) getBuckets(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	readers, err := s.storage.GetBuckets(ctx, si)
	if err != nil {
		return nil, err
	}
	var resp message
	for sh := range readers {
		resp = resp.uint(1, uint64(sh))
	}
	return resp, nil
}

// ReadBucket request: 1 SI, 2 share, 3 offset, 4 length. Response: 1
// data.
func (s *Server) readBucket(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	readers, err := s.storage.GetBuckets(ctx, si)
	if err != nil {
		return nil, err
	}
	sh := grid.ShareNum(req.uint(2))
	r, ok := readers[sh]
	if !ok {
		return nil, errors.E(errors.NotExist, si, errors.Errorf("no share %d", sh))
	}
	b, err := r.ReadAt(ctx, req.int(3), req.int(4))
	if err != nil {
		return nil, err
	}
	return message(nil).bytes(1, b), nil
}

// SlotReadv request: 1 SI, 2 repeated share, 3 repeated read vector.
// Response: 1 repeated share data.
func (s *Server) slotReadv(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	readv, err := parseReadVectors(req, 3)
	if err != nil {
		return nil, err
	}
	data, err := s.storage.SlotReadv(ctx, si, req.shareNums(2), readv)
	if err != nil {
		return nil, err
	}
	return appendShareData(nil, 1, data), nil
}

// SlotTestAndWrite request: 1 SI, 2 write enabler, 3 leases, 4
// repeated test-and-write, 5 repeated read vector. Response: 1 ok, 2
// repeated share data.
func (s *Server) slotTestAndWrite(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	var we grid.WriteEnabler
	if len(req.bytes(2)) != len(we) {
		return nil, errors.E(errors.Malformed, si, "bad write enabler")
	}
	copy(we[:], req.bytes(2))
	lf, err := req.message(3)
	if err != nil {
		return nil, err
	}
	leases, err := parseLeases(lf)
	if err != nil {
		return nil, err
	}
	tw, err := parseTestAndWrite(req, 4)
	if err != nil {
		return nil, err
	}
	readv, err := parseReadVectors(req, 5)
	if err != nil {
		return nil, err
	}
	ok, data, err := s.storage.SlotTestAndWrite(ctx, si, we, leases, tw, readv)
	if err != nil {
		return nil, err
	}
	return appendShareData(message(nil).bool(1, ok), 2, data), nil
}

// AdviseCorruptShare request: 1 SI, 2 share, 3 mutable, 4 reason.
func (s *Server) adviseCorruptShare(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	return nil, s.storage.AdviseCorruptShare(ctx, si, grid.ShareNum(req.uint(2)), req.bool(3), req.string(4))
}

// Offer request: 1 SI, 2 size, 3 params, 4 convergent. Response: 1
// status, 2 session, 3 resume offset, 4 chunk size, 5 results.
func (s *Server) offer(ctx context.Context, req fields) (message, error) {
	si, err := req.storageIndex(1)
	if err != nil {
		return nil, err
	}
	pf, err := req.message(3)
	if err != nil {
		return nil, err
	}
	o, err := s.helper.Offer(ctx, grid.OfferRequest{
		SI:         si,
		Size:       req.int(2),
		Params:     parseParams(pf),
		Convergent: req.bool(4),
	})
	if err != nil {
		return nil, err
	}
	if o.Session != "" {
		s.touchSession(o.Session, false)
	}
	resp := message(nil).uint(1, uint64(o.Status)).string(2, o.Session).int(3, o.ResumeFrom).uint(4, uint64(o.ChunkSize))
	if o.Results != nil {
		resp = resp.message(5, resultsMessage(o.Results))
	}
	return resp, nil
}

// Push request: 1 session, 2 offset, 3 data.
func (s *Server) push(ctx context.Context, req fields) (message, error) {
	id := req.string(1)
	s.touchSession(id, false)
	return nil, s.helper.Push(ctx, id, req.int(2), req.bytes(3))
}

// Finalize request: 1 session. Response: the results.
func (s *Server) finalize(ctx context.Context, req fields) (message, error) {
	id := req.string(1)
	s.touchSession(id, false)
	r, err := s.helper.Finalize(ctx, id)
	if err != nil {
		return nil, err
	}
	s.touchSession(id, true)
	return resultsMessage(r), nil
}

// Abort request: 1 session.
func (s *Server) abort(ctx context.Context, req fields) (message, error) {
	id := req.string(1)
	s.touchSession(id, true)
	return nil, s.helper.Abort(ctx, id)
}
