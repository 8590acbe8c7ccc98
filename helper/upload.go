// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package helper

import (
	"context"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// Uploader stores immutable files through a helper. The key never
// leaves the client: the helper sees only ciphertext.
type Uploader struct {
	Helper            grid.Helper
	Params            grid.EncodingParams
	ConvergenceSecret []byte
}

// Upload encrypts plaintext, hands the ciphertext to the helper, and
// returns the file's capability.
func (u *Uploader) Upload(ctx context.Context, plaintext []byte) (*immutable.Results, error) {
	const op errors.Op = "helper.Upload"
	if len(plaintext) <= immutable.LiteralThreshold {
		return &immutable.Results{Cap: &uri.Literal{Data: append([]byte{}, plaintext...)}}, nil
	}
	if err := u.Params.Validate(); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	local := immutable.Uploader{Params: u.Params, ConvergenceSecret: u.ConvergenceSecret}
	key, err := local.Key(plaintext)
	if err != nil {
		return nil, errors.E(op, err)
	}
	si := hashutil.StorageIndex(key)
	ciphertext, err := immutable.Encrypt(key, plaintext)
	if err != nil {
		return nil, errors.E(op, si, err)
	}
	req := grid.OfferRequest{
		SI:         si,
		Size:       int64(len(ciphertext)),
		Params:     u.Params,
		Convergent: u.ConvergenceSecret != nil,
	}
	offer, err := u.Helper.Offer(ctx, req)
	if err != nil {
		return nil, errors.E(op, si, err)
	}

	var res *grid.HelperResults
	if offer.Status == grid.AlreadyHave {
		res = offer.Results
		if res == nil {
			return nil, errors.E(op, errors.Internal, si, "helper sent no results")
		}
	} else {
		res, err = u.push(ctx, offer, ciphertext)
		if err != nil {
			if !req.Convergent {
				u.Helper.Abort(context.Background(), offer.Session)
			}
			return nil, errors.E(op, si, err)
		}
	}
	if len(res.UEBHash) != hashutil.Size {
		return nil, errors.E(op, errors.Malformed, si, errors.Errorf("UEB hash of %d bytes", len(res.UEBHash)))
	}
	c := &uri.CHK{
		Needed: u.Params.Needed,
		Total:  u.Params.Total,
		Size:   int64(len(plaintext)),
	}
	copy(c.Key[:], key)
	copy(c.UEBHash[:], res.UEBHash)
	log.Debug.Printf("helper: uploaded %s via helper: %v, %d bytes pushed", si, offer.Status, res.Pushed)
	return &immutable.Results{
		Cap:          c,
		SharesPlaced: res.SharesPlaced,
		Preexisting:  res.Preexisting,
		Pushed:       res.Pushed,
	}, nil
}

// push sends the ciphertext the helper lacks and finalizes the upload.
func (u *Uploader) push(ctx context.Context, offer *grid.Offer, ciphertext []byte) (*grid.HelperResults, error) {
	chunk := offer.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if offer.ResumeFrom < 0 || offer.ResumeFrom > int64(len(ciphertext)) {
		return nil, errors.E(errors.Invalid, errors.Errorf("helper resumes from %d of %d bytes", offer.ResumeFrom, len(ciphertext)))
	}
	for off := offer.ResumeFrom; off < int64(len(ciphertext)); off += int64(chunk) {
		end := min(off+int64(chunk), int64(len(ciphertext)))
		if err := u.Helper.Push(ctx, offer.Session, off, ciphertext[off:end]); err != nil {
			return nil, err
		}
	}
	return u.Helper.Finalize(ctx, offer.Session)
}
