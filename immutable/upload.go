// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immutable implements write-once files: convergent or random
// encryption, segmentation, erasure coding into shares protected by
// Merkle trees, placement of the shares on the permuted ring, and
// verified download.
package immutable

import (
	"context"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// Uploader stores files in the grid.
type Uploader struct {
	Placer
	Params grid.EncodingParams
	// ConvergenceSecret makes encryption keys a function of content
	// when it is not nil. Otherwise every upload gets a random key.
	ConvergenceSecret []byte
	// PlaintextHash records the hash of the plaintext in the UEB.
	PlaintextHash bool
}

// Results describe a finished upload.
type Results struct {
	Cap          uri.Cap
	SharesPlaced map[grid.ShareNum][]grid.ServerID
	Preexisting  int
	// Pushed counts ciphertext bytes sent to a helper.
	Pushed int64
}

// Key returns the encryption key the uploader would use for plaintext.
func (u *Uploader) Key(plaintext []byte) ([]byte, error) {
	if u.ConvergenceSecret != nil {
		return ConvergentKey(u.ConvergenceSecret, u.Params, plaintext)
	}
	return RandomKey()
}

// Upload encrypts, encodes and places plaintext, returning its read
// capability. Small files become literal capabilities without any
// network traffic.
func (u *Uploader) Upload(ctx context.Context, plaintext []byte) (*Results, error) {
	const op errors.Op = "immutable.Upload"
	if len(plaintext) <= LiteralThreshold {
		return &Results{Cap: &uri.Literal{Data: append([]byte{}, plaintext...)}}, nil
	}
	if err := u.Params.Validate(); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	key, err := u.Key(plaintext)
	if err != nil {
		return nil, errors.E(op, err)
	}
	si := hashutil.StorageIndex(key)
	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, errors.E(op, si, err)
	}
	var ptHash []byte
	if u.PlaintextHash {
		h := hashutil.NewPlaintextHasher()
		h.Write(plaintext)
		ptHash = h.Sum(nil)
	}
	enc, err := Encode(ciphertext, u.Params.Needed, u.Params.Total, u.Params.MaxSegmentSize, ptHash)
	if err != nil {
		return nil, errors.E(op, si, err)
	}
	placement, err := u.Place(ctx, si, enc.All(), u.Params, nil)
	if err != nil {
		return nil, errors.E(op, err)
	}
	c := &uri.CHK{
		Needed: u.Params.Needed,
		Total:  u.Params.Total,
		Size:   int64(len(plaintext)),
	}
	copy(c.Key[:], key)
	copy(c.UEBHash[:], enc.UEBHash)
	log.Debug.Printf("immutable: uploaded %s, %d bytes", si, len(plaintext))
	return &Results{
		Cap:          c,
		SharesPlaced: placement.Shares,
		Preexisting:  placement.Preexisting,
	}, nil
}
