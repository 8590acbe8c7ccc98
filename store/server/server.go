// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server implements grid.StorageServer using storage.Storage as
// its storage back end and a leasedb for the records that must never
// appear in a share.
package server

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/leasedb"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/storage"
)

// DefaultLeaseDuration is the lifetime of a lease added or renewed by a
// write.
const DefaultLeaseDuration = 31 * 24 * time.Hour

// Options configure a Server.
type Options struct {
	// ID is the server's permanent identity.
	ID grid.ServerID
	// Storage holds the shares.
	Storage storage.Storage
	// Leases holds leases and write enablers.
	Leases *leasedb.DB
	// Capacity bounds the bytes the server will hold. Zero means no
	// bound.
	Capacity int64
	// ReservedSpace is kept free out of Capacity.
	ReservedSpace int64
	// LeaseDuration defaults to DefaultLeaseDuration.
	LeaseDuration time.Duration
}

// Server is a storage server. It holds immutable shares in write-once
// buckets and mutable shares in slots updated by test-and-write.
type Server struct {
	id       grid.ServerID
	storage  storage.Storage
	leases   *leasedb.DB
	limit    int64 // Zero means unlimited.
	duration time.Duration
	log      *log.Leveled

	mu       sync.Mutex // Protects the fields below.
	used     int64      // Bytes in stored shares.
	pending  int64      // Bytes allocated to incoming buckets.
	incoming map[bucketKey]*bucketWriter

	// Test-and-write is atomic per storage index; slots are striped
	// across these locks.
	slotMu [64]sync.Mutex
}

type bucketKey struct {
	si    grid.StorageIndex
	share grid.ShareNum
}

var _ grid.StorageServer = (*Server)(nil)

// New returns a server over the given backend. It scans the backend to
// account for space already in use.
func New(opts Options) (*Server, error) {
	const op errors.Op = "store/server.New"
	if opts.ID == "" {
		return nil, errors.E(op, errors.Invalid, "server ID is required")
	}
	if opts.Storage == nil || opts.Leases == nil {
		return nil, errors.E(op, errors.Invalid, "storage and lease database are required")
	}
	s := &Server{
		id:       opts.ID,
		storage:  opts.Storage,
		leases:   opts.Leases,
		duration: opts.LeaseDuration,
		incoming: make(map[bucketKey]*bucketWriter),
		log:      log.With(zap.String("server", string(opts.ID))),
	}
	if s.duration <= 0 {
		s.duration = DefaultLeaseDuration
	}
	if opts.Capacity > 0 {
		s.limit = opts.Capacity - opts.ReservedSpace
		if s.limit <= 0 {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("reserved space %d leaves no room in %d", opts.ReservedSpace, opts.Capacity))
		}
	}
	refs, err := s.storage.List("")
	if err != nil {
		return nil, errors.E(op, err)
	}
	for _, ref := range refs {
		b, err := s.storage.Download(ref)
		if err != nil {
			return nil, errors.E(op, err)
		}
		s.used += int64(len(b))
	}
	return s, nil
}

// ID returns the server's identity.
func (s *Server) ID() grid.ServerID { return s.id }

// Used returns the bytes held in shares and in incoming buckets.
func (s *Server) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used + s.pending
}

// Close aborts every incoming bucket.
func (s *Server) Close() {
	s.mu.Lock()
	writers := make([]*bucketWriter, 0, len(s.incoming))
	for _, w := range s.incoming {
		writers = append(writers, w)
	}
	s.mu.Unlock()
	for _, w := range writers {
		w.Abort(context.Background())
	}
}

func shareRef(si grid.StorageIndex, n grid.ShareNum) string {
	return "shares/" + si.String() + "/" + strconv.Itoa(int(n))
}

func slotRef(si grid.StorageIndex, n grid.ShareNum) string {
	return "slots/" + si.String() + "/" + strconv.Itoa(int(n))
}

// listShares returns the share numbers stored under the given area.
func (s *Server) listShares(area string, si grid.StorageIndex) (map[grid.ShareNum]string, error) {
	prefix := area + "/" + si.String() + "/"
	refs, err := s.storage.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[grid.ShareNum]string, len(refs))
	for _, ref := range refs {
		n, err := strconv.Atoi(strings.TrimPrefix(ref, prefix))
		if err != nil || n < 0 || n >= grid.MaxShares {
			s.log.Error.Printf("ignoring stray blob %q", ref)
			continue
		}
		out[grid.ShareNum(n)] = ref
	}
	return out, nil
}

func (s *Server) addLease(si grid.StorageIndex, leases grid.LeaseSecrets) {
	if err := s.leases.AddOrRenewLease(si, leases, time.Now().Add(s.duration)); err != nil {
		s.log.Error.Printf("lease on %s: %v", si, err)
	}
}

// AllocateBuckets implements grid.StorageServer.
func (s *Server) AllocateBuckets(ctx context.Context, si grid.StorageIndex, leases grid.LeaseSecrets, shares []grid.ShareNum, allocatedSize int64) ([]grid.ShareNum, map[grid.ShareNum]grid.BucketWriter, error) {
	const op errors.Op = "store/server.AllocateBuckets"
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.E(op, s.id, si, errors.IO, err)
	}
	if allocatedSize < 0 {
		return nil, nil, errors.E(op, s.id, si, errors.Invalid, errors.Errorf("negative allocation %d", allocatedSize))
	}
	have, err := s.listShares("shares", si)
	if err != nil {
		return nil, nil, errors.E(op, s.id, si, err)
	}

	// Report every share held, not just those asked for.
	alreadyGot := make([]grid.ShareNum, 0, len(have))
	for n := range have {
		alreadyGot = append(alreadyGot, n)
	}
	sort.Slice(alreadyGot, func(i, j int) bool { return alreadyGot[i] < alreadyGot[j] })
	writers := make(map[grid.ShareNum]grid.BucketWriter)
	s.mu.Lock()
	for _, n := range shares {
		if n < 0 || n >= grid.MaxShares {
			s.mu.Unlock()
			for _, w := range writers {
				w.Abort(ctx)
			}
			return nil, nil, errors.E(op, s.id, si, errors.Invalid, errors.Errorf("share number %d out of range", n))
		}
		if _, ok := have[n]; ok {
			continue
		}
		key := bucketKey{si, n}
		if _, busy := s.incoming[key]; busy {
			// Someone else is uploading this share; refuse it.
			continue
		}
		if s.limit > 0 && s.used+s.pending+allocatedSize > s.limit {
			continue
		}
		w := &bucketWriter{server: s, key: key, size: allocatedSize}
		s.incoming[key] = w
		s.pending += allocatedSize
		writers[n] = w
	}
	s.mu.Unlock()

	if len(alreadyGot) > 0 || len(writers) > 0 {
		s.addLease(si, leases)
	}
	s.log.Debug.Printf("allocate %s: have %v, accepted %d of %d", si, alreadyGot, len(writers), len(shares))
	return alreadyGot, writers, nil
}

// bucketWriter buffers one incoming immutable share until it is closed.
type bucketWriter struct {
	server *Server
	key    bucketKey
	size   int64

	mu   sync.Mutex
	data []byte
	done bool
}

var _ grid.BucketWriter = (*bucketWriter)(nil)

func (w *bucketWriter) WriteAt(ctx context.Context, offset int64, data []byte) error {
	const op errors.Op = "store/server.WriteAt"
	if err := ctx.Err(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errors.E(op, w.server.id, w.key.si, errors.Invalid, errors.Str("bucket is closed"))
	}
	end := offset + int64(len(data))
	if offset < 0 || end > w.size {
		return errors.E(op, w.server.id, w.key.si, errors.Invalid, errors.Errorf("write [%d,%d) outside allocation of %d", offset, end, w.size))
	}
	if end > int64(len(w.data)) {
		w.data = append(w.data, make([]byte, end-int64(len(w.data)))...)
	}
	copy(w.data[offset:], data)
	return nil
}

// finish releases the writer's allocation.
func (w *bucketWriter) finish() {
	s := w.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming[w.key] == w {
		delete(s.incoming, w.key)
		s.pending -= w.size
	}
}

func (w *bucketWriter) Close(ctx context.Context) error {
	const op errors.Op = "store/server.Close"
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errors.E(op, w.server.id, w.key.si, errors.Invalid, errors.Str("bucket is closed"))
	}
	w.done = true
	defer w.finish()
	if err := ctx.Err(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := w.server.storage.Put(shareRef(w.key.si, w.key.share), w.data); err != nil {
		return errors.E(op, w.server.id, w.key.si, err)
	}
	w.server.mu.Lock()
	w.server.used += int64(len(w.data))
	w.server.mu.Unlock()
	w.server.log.Debug.Printf("stored share %d of %s, %d bytes", w.key.share, w.key.si, len(w.data))
	return nil
}

func (w *bucketWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	w.data = nil
	w.finish()
	w.server.log.Debug.Printf("aborted share %d of %s", w.key.share, w.key.si)
	return nil
}

// GetBuckets implements grid.StorageServer.
func (s *Server) GetBuckets(ctx context.Context, si grid.StorageIndex) (map[grid.ShareNum]grid.BucketReader, error) {
	const op errors.Op = "store/server.GetBuckets"
	if err := ctx.Err(); err != nil {
		return nil, errors.E(op, s.id, si, errors.IO, err)
	}
	have, err := s.listShares("shares", si)
	if err != nil {
		return nil, errors.E(op, s.id, si, err)
	}
	readers := make(map[grid.ShareNum]grid.BucketReader, len(have))
	for n, ref := range have {
		readers[n] = &bucketReader{server: s, si: si, ref: ref}
	}
	return readers, nil
}

// bucketReader fetches its share from the backend on first use.
type bucketReader struct {
	server *Server
	si     grid.StorageIndex
	ref    string

	once sync.Once
	data []byte
	err  error
}

var _ grid.BucketReader = (*bucketReader)(nil)

func (r *bucketReader) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	const op errors.Op = "store/server.ReadAt"
	if err := ctx.Err(); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	r.once.Do(func() {
		r.data, r.err = r.server.storage.Download(r.ref)
	})
	if r.err != nil {
		return nil, errors.E(op, r.server.id, r.si, r.err)
	}
	if offset < 0 || length < 0 {
		return nil, errors.E(op, r.server.id, r.si, errors.Invalid, errors.Errorf("bad read %d+%d", offset, length))
	}
	return clip(r.data, offset, length), nil
}

// clip returns a copy of the bytes of b in [offset, offset+length),
// truncated at the end of b.
func clip(b []byte, offset, length int64) []byte {
	if offset >= int64(len(b)) {
		return []byte{}
	}
	end := offset + length
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return append([]byte{}, b[offset:end]...)
}

// SlotReadv implements grid.StorageServer.
func (s *Server) SlotReadv(ctx context.Context, si grid.StorageIndex, shares []grid.ShareNum, readv []grid.ReadVector) (map[grid.ShareNum][][]byte, error) {
	const op errors.Op = "store/server.SlotReadv"
	if err := ctx.Err(); err != nil {
		return nil, errors.E(op, s.id, si, errors.IO, err)
	}
	mu := s.slotLock(si)
	mu.Lock()
	defer mu.Unlock()
	data, err := s.readSlot(si)
	if err != nil {
		return nil, errors.E(op, s.id, si, err)
	}
	want := data
	if len(shares) > 0 {
		want = make(map[grid.ShareNum][]byte)
		for _, n := range shares {
			if b, ok := data[n]; ok {
				want[n] = b
			}
		}
	}
	return readVectors(want, readv), nil
}

func readVectors(data map[grid.ShareNum][]byte, readv []grid.ReadVector) map[grid.ShareNum][][]byte {
	out := make(map[grid.ShareNum][][]byte, len(data))
	for n, b := range data {
		res := make([][]byte, len(readv))
		for i, rv := range readv {
			res[i] = clip(b, rv.Offset, rv.Length)
		}
		out[n] = res
	}
	return out
}

func (s *Server) slotLock(si grid.StorageIndex) *sync.Mutex {
	return &s.slotMu[int(si[0])%len(s.slotMu)]
}

// readSlot returns every share of the slot. The caller holds the slot
// lock.
func (s *Server) readSlot(si grid.StorageIndex) (map[grid.ShareNum][]byte, error) {
	refs, err := s.listShares("slots", si)
	if err != nil {
		return nil, err
	}
	data := make(map[grid.ShareNum][]byte, len(refs))
	for n, ref := range refs {
		b, err := s.storage.Download(ref)
		if errors.Is(errors.NotExist, err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data[n] = b
	}
	return data, nil
}

// SlotTestAndWrite implements grid.StorageServer.
func (s *Server) SlotTestAndWrite(ctx context.Context, si grid.StorageIndex, we grid.WriteEnabler, leases grid.LeaseSecrets, tw map[grid.ShareNum]grid.TestAndWrite, readv []grid.ReadVector) (bool, map[grid.ShareNum][][]byte, error) {
	const op errors.Op = "store/server.SlotTestAndWrite"
	if err := ctx.Err(); err != nil {
		return false, nil, errors.E(op, s.id, si, errors.IO, err)
	}
	mu := s.slotLock(si)
	mu.Lock()
	defer mu.Unlock()

	data, err := s.readSlot(si)
	if err != nil {
		return false, nil, errors.E(op, s.id, si, err)
	}
	if err := s.leases.CheckWriteEnabler(si, we); err != nil {
		s.log.Info.Printf("write to %s refused: %v", si, err)
		return false, nil, errors.E(op, s.id, si, err)
	}
	read := readVectors(data, readv)

	for n, v := range tw {
		if n < 0 || n >= grid.MaxShares {
			return false, nil, errors.E(op, s.id, si, errors.Invalid, errors.Errorf("share number %d out of range", n))
		}
		for _, w := range v.Writes {
			if w.Offset < 0 {
				return false, nil, errors.E(op, s.id, si, errors.Invalid, errors.Errorf("negative write offset %d", w.Offset))
			}
		}
		cur := data[n]
		for _, t := range v.Tests {
			if !bytes.Equal(clip(cur, t.Offset, t.Length), t.Specimen) {
				s.log.Debug.Printf("test vector failed on share %d of %s", n, si)
				return false, read, nil
			}
		}
	}

	// Growth of shares already written is counted even when a later
	// share fails.
	var grew int64
	defer func() {
		s.mu.Lock()
		s.used += grew
		s.mu.Unlock()
	}()
	for n, v := range tw {
		old := data[n]
		b := append([]byte{}, old...)
		for _, w := range v.Writes {
			end := w.Offset + int64(len(w.Data))
			if end > int64(len(b)) {
				b = append(b, make([]byte, end-int64(len(b)))...)
			}
			copy(b[w.Offset:], w.Data)
		}
		if v.NewLength >= 0 && v.NewLength < int64(len(b)) {
			b = b[:v.NewLength]
		}
		if len(b) == 0 && v.NewLength == 0 {
			if _, ok := data[n]; ok {
				if err := s.storage.Delete(slotRef(si, n)); err != nil {
					return false, nil, errors.E(op, s.id, si, err)
				}
			}
			grew -= int64(len(old))
			continue
		}
		if len(v.Writes) == 0 && int64(len(b)) == int64(len(old)) {
			continue
		}
		if s.limit > 0 && int64(len(b)) > int64(len(old)) && s.Used()+grew+int64(len(b)-len(old)) > s.limit {
			return false, nil, errors.E(op, s.id, si, errors.IO, errors.Str("no space for slot write"))
		}
		if err := s.storage.Put(slotRef(si, n), b); err != nil {
			return false, nil, errors.E(op, s.id, si, err)
		}
		grew += int64(len(b) - len(old))
	}
	s.addLease(si, leases)
	return true, read, nil
}

// AdviseCorruptShare implements grid.StorageServer.
func (s *Server) AdviseCorruptShare(ctx context.Context, si grid.StorageIndex, share grid.ShareNum, mutable bool, reason string) error {
	const op errors.Op = "store/server.AdviseCorruptShare"
	kind := "immutable"
	if mutable {
		kind = "mutable"
	}
	s.log.Error.Printf("client advises %s share %d of %s is corrupt: %s", kind, share, si, reason)
	err := s.leases.AddAdvisory(leasedb.Advisory{
		SI:      si,
		Share:   share,
		Mutable: mutable,
		Reason:  reason,
		When:    time.Now(),
	})
	if err != nil {
		return errors.E(op, s.id, err)
	}
	return nil
}

// ShareRef returns the backend ref of a stored share. It lets tools and
// tests reach the raw bytes.
func ShareRef(si grid.StorageIndex, n grid.ShareNum, mutable bool) string {
	if mutable {
		return slotRef(si, n)
	}
	return shareRef(si, n)
}
