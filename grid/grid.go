// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grid contains the global interface and type definitions
// shared by the storage grid: storage indexes, server identities,
// encoding parameters, and the services a client talks to.
package grid

import (
	"context"
	"fmt"

	"github.com/rpatterson/tahoe-lafs/base32"
)

// StorageIndexSize is the length in bytes of a StorageIndex.
const StorageIndexSize = 16

// A StorageIndex names all the shares of one immutable file or
// mutable slot. It is derived from key material and reveals nothing
// about it.
type StorageIndex [StorageIndexSize]byte

// String returns the base32 form of the storage index.
func (si StorageIndex) String() string {
	return base32.Encode(si[:])
}

// IsZero reports whether si is the zero storage index.
func (si StorageIndex) IsZero() bool {
	return si == StorageIndex{}
}

// ParseStorageIndex parses the base32 form of a storage index.
func ParseStorageIndex(s string) (StorageIndex, error) {
	var si StorageIndex
	b, err := base32.DecodeLen(s, StorageIndexSize)
	if err != nil {
		return si, fmt.Errorf("bad storage index %q: %v", s, err)
	}
	copy(si[:], b)
	return si, nil
}

// ShareNum identifies one share of a file, in the range 0..N-1.
type ShareNum int

// A ServerID is the stable identity of a storage server. It feeds the
// permuted ring, so it must not change across restarts.
type ServerID string

// EncodingParams are the erasure coding parameters for an upload.
type EncodingParams struct {
	// Needed is k, the number of shares required to reconstruct.
	Needed int
	// Happy is the minimum number of distinct servers that must
	// hold shares for an upload to succeed.
	Happy int
	// Total is N, the number of shares generated.
	Total int
	// MaxSegmentSize bounds the size of each encoded segment.
	MaxSegmentSize int64
}

// DefaultEncodingParams are used when nothing else is configured.
var DefaultEncodingParams = EncodingParams{
	Needed:         3,
	Happy:          7,
	Total:          10,
	MaxSegmentSize: 128 * 1024,
}

// MaxShares is the largest number of shares a file may have.
const MaxShares = 256

// Validate reports whether p describes a usable encoding.
func (p EncodingParams) Validate() error {
	if p.Needed < 1 || p.Needed > p.Total || p.Total > MaxShares {
		return fmt.Errorf("bad encoding parameters: need 1 <= k(%d) <= N(%d) <= %d", p.Needed, p.Total, MaxShares)
	}
	if p.Happy < 1 || p.Happy > p.Total {
		return fmt.Errorf("bad encoding parameters: need 1 <= happy(%d) <= N(%d)", p.Happy, p.Total)
	}
	if p.MaxSegmentSize < 1 {
		return fmt.Errorf("bad encoding parameters: max segment size %d", p.MaxSegmentSize)
	}
	return nil
}

// LeaseSecrets accompany every allocation or slot write so that the
// server can record who may renew or cancel the lease.
type LeaseSecrets struct {
	Renew  [32]byte
	Cancel [32]byte
}

// A WriteEnabler authorizes writes to a mutable slot. It is derived
// from the slot's write key and the server's identity, so a server
// learns nothing it could use against another server.
type WriteEnabler [32]byte

// ReadVector selects a byte range of a share.
type ReadVector struct {
	Offset int64
	Length int64
}

// TestVector succeeds if the share bytes at Offset, of length
// Length, equal Specimen. A missing share reads as empty.
type TestVector struct {
	Offset   int64
	Length   int64
	Specimen []byte
}

// WriteVector replaces bytes at Offset with Data, extending the share
// if needed.
type WriteVector struct {
	Offset int64
	Data   []byte
}

// TestAndWrite is the set of tests and writes for one share. The
// writes are applied only if every test of every share passes.
type TestAndWrite struct {
	Tests  []TestVector
	Writes []WriteVector
	// NewLength truncates the share if non-negative.
	NewLength int64
}

// StorageServer is the interface a client uses to talk to one
// storage server. Every method may block on the network and honors
// cancellation of its context.
type StorageServer interface {
	// AllocateBuckets asks the server to accept the given shares of an
	// immutable file, each at most allocatedSize bytes long. It returns
	// the shares the server already holds and writers for the shares
	// it has agreed to accept. Shares in neither set were refused.
	AllocateBuckets(ctx context.Context, si StorageIndex, leases LeaseSecrets, shares []ShareNum, allocatedSize int64) (alreadyGot []ShareNum, writers map[ShareNum]BucketWriter, err error)

	// GetBuckets returns readers for every complete share of an
	// immutable file that the server holds.
	GetBuckets(ctx context.Context, si StorageIndex) (map[ShareNum]BucketReader, error)

	// SlotReadv reads the given ranges from mutable shares. An empty
	// shares slice means every share the server holds for si.
	SlotReadv(ctx context.Context, si StorageIndex, shares []ShareNum, readv []ReadVector) (map[ShareNum][][]byte, error)

	// SlotTestAndWrite atomically evaluates the tests and, if all
	// pass, applies the writes. It returns whether the writes were
	// applied and the result of reading readv before any write.
	SlotTestAndWrite(ctx context.Context, si StorageIndex, we WriteEnabler, leases LeaseSecrets, tw map[ShareNum]TestAndWrite, readv []ReadVector) (ok bool, read map[ShareNum][][]byte, err error)

	// AdviseCorruptShare tells the server that a client found a
	// share to be corrupt.
	AdviseCorruptShare(ctx context.Context, si StorageIndex, share ShareNum, mutable bool, reason string) error
}

// BucketWriter receives the bytes of one immutable share.
type BucketWriter interface {
	// WriteAt writes data at the given offset within the share.
	WriteAt(ctx context.Context, offset int64, data []byte) error
	// Close makes the share visible to readers.
	Close(ctx context.Context) error
	// Abort discards the share.
	Abort(ctx context.Context) error
}

// BucketReader reads the bytes of one immutable share.
type BucketReader interface {
	// ReadAt returns up to length bytes at offset. A short result
	// means the share ended.
	ReadAt(ctx context.Context, offset, length int64) ([]byte, error)
}

// OfferStatus is the helper's answer to an upload offer.
type OfferStatus uint8

const (
	// StartFresh means the helper has nothing for the file.
	StartFresh OfferStatus = iota
	// Resume means the helper holds a prefix of the ciphertext.
	Resume
	// AlreadyHave means the file is already in the grid.
	AlreadyHave
)

func (s OfferStatus) String() string {
	switch s {
	case StartFresh:
		return "start-fresh"
	case Resume:
		return "resume"
	case AlreadyHave:
		return "already-have"
	}
	return fmt.Sprintf("OfferStatus(%d)", uint8(s))
}

// OfferRequest describes a file a client would like a helper to
// encode and upload.
type OfferRequest struct {
	SI         StorageIndex
	Size       int64
	Params     EncodingParams
	Convergent bool
}

// Offer is a helper's reply to an OfferRequest.
type Offer struct {
	Status OfferStatus
	// Session names this upload in later calls.
	Session string
	// ResumeFrom is the number of ciphertext bytes already held.
	ResumeFrom int64
	// ChunkSize is the largest chunk the helper accepts.
	ChunkSize int
	// Results is set when Status is AlreadyHave.
	Results *HelperResults
}

// HelperResults describe an upload completed by a helper.
type HelperResults struct {
	// UEBHash is the hash of the file's URI extension block.
	UEBHash []byte
	// SharesPlaced maps each share to the servers that hold it.
	SharesPlaced map[ShareNum][]ServerID
	// Pushed is the number of ciphertext bytes the helper received
	// during this session.
	Pushed int64
	// Preexisting counts shares that were already in the grid.
	Preexisting int
}

// Helper is the interface of an upload helper.
type Helper interface {
	// Offer proposes an upload and opens a session.
	Offer(ctx context.Context, req OfferRequest) (*Offer, error)
	// Push delivers ciphertext at offset, which must equal the number
	// of bytes acknowledged so far.
	Push(ctx context.Context, session string, offset int64, data []byte) error
	// Finalize encodes and places the file once all ciphertext has
	// arrived.
	Finalize(ctx context.Context, session string) (*HelperResults, error)
	// Abort abandons the upload and removes all partial state.
	Abort(ctx context.Context, session string) error
}
