// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// LiteralThreshold is the largest file stored inside its capability
// rather than in the grid.
const LiteralThreshold = 55

// RandomKey returns a fresh random encryption key.
func RandomKey() ([]byte, error) {
	key := make([]byte, hashutil.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.E(errors.Op("immutable.RandomKey"), errors.Internal, err)
	}
	return key, nil
}

// ConvergentKey derives the encryption key of plaintext from its
// content, the convergence secret and the encoding parameters. The
// same inputs always give the same key, and so the same storage index.
func ConvergentKey(secret []byte, p grid.EncodingParams, plaintext []byte) ([]byte, error) {
	const op errors.Op = "immutable.ConvergentKey"
	d := hashutil.NewContentDigester()
	d.Write(plaintext)
	seg := Segment(int64(len(plaintext)), p.MaxSegmentSize, p.Needed)
	info := fmt.Sprintf("%d,%d,%d", p.Needed, p.Total, seg.SegmentSize)
	r := hkdf.New(sha256.New, d.Sum(nil), secret, []byte(info))
	key := make([]byte, hashutil.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return key, nil
}

// CryptAt XORs src with the AES-CTR key stream for key, starting at the
// given offset of the file, and writes the result to dst. The stream
// starts from a zero IV, so encryption and decryption are the same
// operation and can begin anywhere.
func CryptAt(key, dst, src []byte, offset int64) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return errors.E(errors.Op("immutable.CryptAt"), errors.Invalid, err)
	}
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[8:], uint64(offset/aes.BlockSize))
	s := cipher.NewCTR(block, iv[:])
	if skip := offset % aes.BlockSize; skip > 0 {
		var junk [aes.BlockSize]byte
		s.XORKeyStream(junk[:skip], junk[:skip])
	}
	s.XORKeyStream(dst, src)
	return nil
}

// Encrypt returns the ciphertext of plaintext under key.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	if err := CryptAt(key, out, plaintext, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Segmentation describes how a file is cut into segments.
type Segmentation struct {
	Size            int64
	SegmentSize     int64
	NumSegments     int
	TailSize        int64 // Bytes of data in the last segment.
	TailSegmentSize int64 // TailSize rounded up to a multiple of k.
}

func nextMultiple(n int64, k int) int64 {
	return (n + int64(k) - 1) / int64(k) * int64(k)
}

// Segment computes the segmentation of a file of the given size.
func Segment(size, maxSegmentSize int64, k int) Segmentation {
	s := Segmentation{Size: size}
	s.SegmentSize = nextMultiple(min(maxSegmentSize, size), k)
	if s.SegmentSize == 0 {
		return s
	}
	s.NumSegments = int((size + s.SegmentSize - 1) / s.SegmentSize)
	s.TailSize = size - int64(s.NumSegments-1)*s.SegmentSize
	s.TailSegmentSize = nextMultiple(s.TailSize, k)
	return s
}

// SegmentLen returns the number of data bytes in segment i.
func (s Segmentation) SegmentLen(i int) int64 {
	if i == s.NumSegments-1 {
		return s.TailSize
	}
	return s.SegmentSize
}
