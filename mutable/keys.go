// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutable

import (
	"bytes"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/factotum"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// keys holds what a capability reveals about a slot. Weaker
// capabilities leave the stronger keys nil.
type keys struct {
	si          grid.StorageIndex
	fingerprint []byte
	readkey     []byte // Nil for a verify capability.
	writekey    []byte // Nil unless writeable.
}

func keysFromCap(c uri.Cap) (*keys, error) {
	switch c := c.(type) {
	case *uri.SSKWrite:
		return &keys{
			si:          c.StorageIndex(),
			fingerprint: c.Fingerprint[:],
			readkey:     hashutil.Readkey(c.Writekey[:]),
			writekey:    c.Writekey[:],
		}, nil
	case *uri.SSKRead:
		return &keys{si: c.StorageIndex(), fingerprint: c.Fingerprint[:], readkey: c.Readkey[:]}, nil
	case *uri.SSKVerifier:
		return &keys{si: c.SI, fingerprint: c.Fingerprint[:]}, nil
	case *uri.Directory:
		return keysFromCap(c.File)
	}
	return nil, errors.E(errors.Invalid, errors.Errorf("%T is not a mutable capability", c))
}

// writeCap returns the write capability of a new slot signed by key.
func writeCap(key *factotum.Key) *uri.SSKWrite {
	c := &uri.SSKWrite{}
	copy(c.Writekey[:], key.Writekey())
	copy(c.Fingerprint[:], key.Public().Fingerprint())
	return c
}

// encryptPrivkey protects the signing key stored in every share.
func encryptPrivkey(writekey []byte, key *factotum.Key) ([]byte, error) {
	return immutable.Encrypt(writekey, key.Bytes())
}

// recoverPrivkey decrypts the signing key in a share and checks that
// it belongs to the writekey.
func recoverPrivkey(writekey, enc []byte) (*factotum.Key, error) {
	der := make([]byte, len(enc))
	if err := immutable.CryptAt(writekey, der, enc, 0); err != nil {
		return nil, err
	}
	key, err := factotum.ParsePrivateKey(der)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(key.Writekey(), writekey) {
		return nil, errors.E(errors.HashMismatch, errors.Str("recovered key does not match write key"))
	}
	return key, nil
}
