// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package base32 implements the lowercase, unpadded RFC 3548 base32
// alphabet used in capability strings and storage index names.
package base32

import (
	"encoding/base32"
	"fmt"
)

// Alphabet is the set of characters that may appear in encoded text.
const Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

var enc = base32.NewEncoding(Alphabet).WithPadding(base32.NoPadding)

// Encode returns the base32 text of b.
func Encode(b []byte) string {
	return enc.EncodeToString(b)
}

// Decode returns the bytes represented by s.
func Decode(s string) ([]byte, error) {
	b, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base32: %v", err)
	}
	return b, nil
}

// DecodeLen decodes s and checks that it holds exactly n bytes.
func DecodeLen(s string, n int) ([]byte, error) {
	if EncodedLen(n) != len(s) {
		return nil, fmt.Errorf("base32: %q has length %d, want %d", s, len(s), EncodedLen(n))
	}
	b, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("base32: decoded %d bytes, want %d", len(b), n)
	}
	// Trailing bits that do not fit in a byte must be zero, so each
	// value has exactly one encoding.
	if Encode(b) != s {
		return nil, fmt.Errorf("base32: %q is not in canonical form", s)
	}
	return b, nil
}

// EncodedLen returns the length of the encoding of n bytes.
func EncodedLen(n int) int {
	return enc.EncodedLen(n)
}

// Valid reports whether s could be the encoding of some byte string.
func Valid(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= '2' && c <= '7') {
			return false
		}
	}
	_, err := enc.DecodeString(s)
	return err == nil
}
