// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutable

import (
	"context"
	"sort"

	"github.com/rpatterson/tahoe-lafs/codec"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/log"
)

// Retrieve returns the contents of the newest version in sm that can be
// recovered from shares whose hashes verify. A version that cannot be
// completed gives way to the next older one.
func Retrieve(ctx context.Context, sm *ServerMap) ([]byte, VersionID, error) {
	const op errors.Op = "mutable.Retrieve"
	if sm.keys.readkey == nil {
		return nil, VersionID{}, errors.E(op, sm.SI, errors.Permission, errors.Str("a verify capability cannot read"))
	}
	for _, v := range sm.Versions() {
		if !sm.Recoverable(v) {
			continue
		}
		ciphertext, err := sm.ciphertext(ctx, v)
		if err != nil {
			log.Info.Printf("mutable: version %d of %s: %v", v.Seqnum, sm.SI, err)
			continue
		}
		plaintext, err := immutable.Encrypt(hashutil.Datakey(v.IV[:], sm.keys.readkey), ciphertext)
		if err != nil {
			return nil, v, errors.E(op, sm.SI, err)
		}
		return plaintext, v, nil
	}
	if len(sm.Shares) == 0 && len(sm.CorruptShares()) == 0 {
		return nil, VersionID{}, errors.E(op, sm.SI, errors.NoShares)
	}
	return nil, VersionID{}, errors.E(op, sm.SI, errors.UnrecoverableVersion)
}

// ciphertext decodes version v from k verified shares.
func (sm *ServerMap) ciphertext(ctx context.Context, v VersionID) ([]byte, error) {
	var records []*ShareRecord
	for _, r := range sm.Shares {
		if r.Version == v {
			records = append(records, r)
		}
	}
	// Prefer shares already verified.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].verified != records[j].verified {
			return records[i].verified
		}
		return records[i].Share < records[j].Share
	})
	blocks := make(map[int][]byte, v.K)
	for _, r := range records {
		if len(blocks) == v.K {
			break
		}
		if _, ok := blocks[int(r.Share)]; ok {
			continue
		}
		if err := sm.verify(r); err != nil {
			sm.discard(ctx, r, err)
			continue
		}
		blocks[int(r.Share)] = r.sh.data
	}
	if len(blocks) < v.K {
		return nil, errors.E(errors.UnrecoverableVersion, errors.Errorf("%d valid shares, need %d", len(blocks), v.K))
	}
	c, err := codec.New(v.K, v.N)
	if err != nil {
		return nil, err
	}
	return c.Decode(blocks, v.DataLen)
}
