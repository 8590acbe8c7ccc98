// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uri encodes and decodes capability strings.
//
// A capability names a file and grants a specific power over it: to
// write, to read, or only to verify that its shares are intact. Each
// kind of capability is a distinct type; all implement Cap.
package uri

import (
	"strconv"
	"strings"

	"github.com/rpatterson/tahoe-lafs/base32"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// Sizes of the binary fields of capabilities.
const (
	KeySize  = hashutil.KeySize
	HashSize = hashutil.Size
)

// Cap is implemented only by the capability types of this package.
type Cap interface {
	// String returns the capability string.
	String() string

	// StorageIndex returns the storage index of the file's shares.
	// It is zero for literal capabilities, which have no shares.
	StorageIndex() grid.StorageIndex

	// IsMutable reports whether the file can change.
	IsMutable() bool

	// IsReadOnly reports whether the capability lacks write power.
	IsReadOnly() bool

	// ReadOnly returns the capability with any write power removed.
	ReadOnly() Cap

	// Verifier returns the verify-only form of the capability, or
	// nil if the file has no shares to verify.
	Verifier() Cap

	isCap()
}

// CHK is the read capability of an immutable file.
type CHK struct {
	Key     [KeySize]byte
	UEBHash [HashSize]byte
	Needed  int
	Total   int
	Size    int64
}

// CHKVerifier is the verify capability of an immutable file.
type CHKVerifier struct {
	SI      grid.StorageIndex
	UEBHash [HashSize]byte
	Needed  int
	Total   int
	Size    int64
}

// Literal holds a small file's contents directly.
type Literal struct {
	Data []byte
}

// SSKWrite is the write capability of a mutable file.
type SSKWrite struct {
	Writekey    [KeySize]byte
	Fingerprint [HashSize]byte
}

// SSKRead is the read capability of a mutable file.
type SSKRead struct {
	Readkey     [KeySize]byte
	Fingerprint [HashSize]byte
}

// SSKVerifier is the verify capability of a mutable file.
type SSKVerifier struct {
	SI          grid.StorageIndex
	Fingerprint [HashSize]byte
}

// Directory is a directory stored in a mutable file. File is an
// *SSKWrite, *SSKRead or *SSKVerifier.
type Directory struct {
	File Cap
}

func (*CHK) isCap()         {}
func (*CHKVerifier) isCap() {}
func (*Literal) isCap()     {}
func (*SSKWrite) isCap()    {}
func (*SSKRead) isCap()     {}
func (*SSKVerifier) isCap() {}
func (*Directory) isCap()   {}

// Prefixes of the capability strings.
const (
	prefixCHK          = "URI:CHK:"
	prefixCHKVerifier  = "URI:CHK-Verifier:"
	prefixLIT          = "URI:LIT:"
	prefixSSK          = "URI:SSK:"
	prefixSSKRO        = "URI:SSK-RO:"
	prefixSSKVerifier  = "URI:SSK-Verifier:"
	prefixDIR2         = "URI:DIR2:"
	prefixDIR2RO       = "URI:DIR2-RO:"
	prefixDIR2Verifier = "URI:DIR2-Verifier:"
)

func (c *CHK) String() string {
	return prefixCHK + base32.Encode(c.Key[:]) + ":" + base32.Encode(c.UEBHash[:]) + ":" + params(c.Needed, c.Total, c.Size)
}

// StorageIndex derives the storage index from the key.
func (c *CHK) StorageIndex() grid.StorageIndex { return hashutil.StorageIndex(c.Key[:]) }
func (c *CHK) IsMutable() bool                 { return false }
func (c *CHK) IsReadOnly() bool                { return true }
func (c *CHK) ReadOnly() Cap                   { return c }

// Verifier drops the key.
func (c *CHK) Verifier() Cap {
	return &CHKVerifier{
		SI:      c.StorageIndex(),
		UEBHash: c.UEBHash,
		Needed:  c.Needed,
		Total:   c.Total,
		Size:    c.Size,
	}
}

func (c *CHKVerifier) String() string {
	return prefixCHKVerifier + base32.Encode(c.SI[:]) + ":" + base32.Encode(c.UEBHash[:]) + ":" + params(c.Needed, c.Total, c.Size)
}

func (c *CHKVerifier) StorageIndex() grid.StorageIndex { return c.SI }
func (c *CHKVerifier) IsMutable() bool                 { return false }
func (c *CHKVerifier) IsReadOnly() bool                { return true }
func (c *CHKVerifier) ReadOnly() Cap                   { return c }
func (c *CHKVerifier) Verifier() Cap                   { return c }

func (c *Literal) String() string                  { return prefixLIT + base32.Encode(c.Data) }
func (c *Literal) StorageIndex() grid.StorageIndex { return grid.StorageIndex{} }
func (c *Literal) IsMutable() bool                 { return false }
func (c *Literal) IsReadOnly() bool                { return true }
func (c *Literal) ReadOnly() Cap                   { return c }
func (c *Literal) Verifier() Cap                   { return nil }

func (c *SSKWrite) String() string {
	return prefixSSK + base32.Encode(c.Writekey[:]) + ":" + base32.Encode(c.Fingerprint[:])
}

// StorageIndex derives the storage index through the read key.
func (c *SSKWrite) StorageIndex() grid.StorageIndex { return c.readCap().StorageIndex() }
func (c *SSKWrite) IsMutable() bool                 { return true }
func (c *SSKWrite) IsReadOnly() bool                { return false }
func (c *SSKWrite) ReadOnly() Cap                   { return c.readCap() }
func (c *SSKWrite) Verifier() Cap                   { return c.readCap().Verifier() }

func (c *SSKWrite) readCap() *SSKRead {
	r := &SSKRead{Fingerprint: c.Fingerprint}
	copy(r.Readkey[:], hashutil.Readkey(c.Writekey[:]))
	return r
}

func (c *SSKRead) String() string {
	return prefixSSKRO + base32.Encode(c.Readkey[:]) + ":" + base32.Encode(c.Fingerprint[:])
}

func (c *SSKRead) StorageIndex() grid.StorageIndex { return hashutil.SlotStorageIndex(c.Readkey[:]) }
func (c *SSKRead) IsMutable() bool                 { return true }
func (c *SSKRead) IsReadOnly() bool                { return true }
func (c *SSKRead) ReadOnly() Cap                   { return c }

// Verifier drops the read key.
func (c *SSKRead) Verifier() Cap {
	return &SSKVerifier{SI: c.StorageIndex(), Fingerprint: c.Fingerprint}
}

func (c *SSKVerifier) String() string {
	return prefixSSKVerifier + base32.Encode(c.SI[:]) + ":" + base32.Encode(c.Fingerprint[:])
}

func (c *SSKVerifier) StorageIndex() grid.StorageIndex { return c.SI }
func (c *SSKVerifier) IsMutable() bool                 { return true }
func (c *SSKVerifier) IsReadOnly() bool                { return true }
func (c *SSKVerifier) ReadOnly() Cap                   { return c }
func (c *SSKVerifier) Verifier() Cap                   { return c }

func (c *Directory) String() string {
	s := c.File.String()
	switch c.File.(type) {
	case *SSKWrite:
		return prefixDIR2 + strings.TrimPrefix(s, prefixSSK)
	case *SSKRead:
		return prefixDIR2RO + strings.TrimPrefix(s, prefixSSKRO)
	case *SSKVerifier:
		return prefixDIR2Verifier + strings.TrimPrefix(s, prefixSSKVerifier)
	}
	return "URI:DIR2-unknown"
}

func (c *Directory) StorageIndex() grid.StorageIndex { return c.File.StorageIndex() }
func (c *Directory) IsMutable() bool                 { return true }
func (c *Directory) IsReadOnly() bool                { return c.File.IsReadOnly() }
func (c *Directory) ReadOnly() Cap                   { return &Directory{File: c.File.ReadOnly()} }
func (c *Directory) Verifier() Cap                   { return &Directory{File: c.File.Verifier()} }

// IsVerifier reports whether c grants only the power to verify.
func IsVerifier(c Cap) bool {
	switch c := c.(type) {
	case *CHKVerifier, *SSKVerifier:
		return true
	case *Directory:
		return IsVerifier(c.File)
	}
	return false
}

func params(k, n int, size int64) string {
	return strconv.Itoa(k) + ":" + strconv.Itoa(n) + ":" + strconv.FormatInt(size, 10)
}

// parser decodes the fields following a prefix.
type parser func(fields []string) (Cap, error)

var parsers = []struct {
	prefix string
	parse  parser
}{
	{prefixCHKVerifier, parseCHKVerifier},
	{prefixCHK, parseCHK},
	{prefixLIT, parseLiteral},
	{prefixSSKVerifier, parseSSKVerifier},
	{prefixSSKRO, parseSSKRead},
	{prefixSSK, parseSSKWrite},
	{prefixDIR2Verifier, dir(parseSSKVerifier)},
	{prefixDIR2RO, dir(parseSSKRead)},
	{prefixDIR2, dir(parseSSKWrite)},
}

// Parse decodes a capability string.
func Parse(s string) (Cap, error) {
	const op errors.Op = "uri.Parse"
	for _, p := range parsers {
		if !strings.HasPrefix(s, p.prefix) {
			continue
		}
		c, err := p.parse(strings.Split(s[len(p.prefix):], ":"))
		if err != nil {
			return nil, errors.E(op, errors.Malformed, errors.Errorf("%q: %v", s, err))
		}
		return c, nil
	}
	return nil, errors.E(op, errors.Malformed, errors.Errorf("unknown capability type: %q", s))
}

func dir(p parser) parser {
	return func(fields []string) (Cap, error) {
		c, err := p(fields)
		if err != nil {
			return nil, err
		}
		return &Directory{File: c}, nil
	}
}

func field(dst []byte, s, name string) error {
	b, err := base32.DecodeLen(s, len(dst))
	if err != nil {
		return errors.Errorf("bad %s: %v", name, err)
	}
	copy(dst, b)
	return nil
}

func number(s, name string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || strconv.FormatInt(v, 10) != s {
		return 0, errors.Errorf("bad %s %q", name, s)
	}
	return v, nil
}

func parseParams(fields []string) (k, n int, size int64, err error) {
	kk, err := number(fields[0], "needed shares")
	if err != nil {
		return
	}
	nn, err := number(fields[1], "total shares")
	if err != nil {
		return
	}
	size, err = number(fields[2], "size")
	if err != nil {
		return
	}
	if kk < 1 || kk > nn || nn > grid.MaxShares {
		err = errors.Errorf("bad share counts %d of %d", kk, nn)
		return
	}
	if size < 1 {
		err = errors.Errorf("bad size %d", size)
		return
	}
	return int(kk), int(nn), size, nil
}

func parseCHK(fields []string) (Cap, error) {
	if len(fields) != 5 {
		return nil, errors.Errorf("want 5 fields, have %d", len(fields))
	}
	c := &CHK{}
	if err := field(c.Key[:], fields[0], "key"); err != nil {
		return nil, err
	}
	if err := field(c.UEBHash[:], fields[1], "UEB hash"); err != nil {
		return nil, err
	}
	var err error
	c.Needed, c.Total, c.Size, err = parseParams(fields[2:])
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parseCHKVerifier(fields []string) (Cap, error) {
	if len(fields) != 5 {
		return nil, errors.Errorf("want 5 fields, have %d", len(fields))
	}
	c := &CHKVerifier{}
	if err := field(c.SI[:], fields[0], "storage index"); err != nil {
		return nil, err
	}
	if err := field(c.UEBHash[:], fields[1], "UEB hash"); err != nil {
		return nil, err
	}
	var err error
	c.Needed, c.Total, c.Size, err = parseParams(fields[2:])
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parseLiteral(fields []string) (Cap, error) {
	if len(fields) != 1 {
		return nil, errors.Errorf("want 1 field, have %d", len(fields))
	}
	data, err := base32.Decode(fields[0])
	if err != nil {
		return nil, err
	}
	if base32.Encode(data) != fields[0] {
		return nil, errors.Str("data is not in canonical form")
	}
	return &Literal{Data: data}, nil
}

func parseSSKWrite(fields []string) (Cap, error) {
	if len(fields) != 2 {
		return nil, errors.Errorf("want 2 fields, have %d", len(fields))
	}
	c := &SSKWrite{}
	if err := field(c.Writekey[:], fields[0], "write key"); err != nil {
		return nil, err
	}
	if err := field(c.Fingerprint[:], fields[1], "fingerprint"); err != nil {
		return nil, err
	}
	return c, nil
}

func parseSSKRead(fields []string) (Cap, error) {
	if len(fields) != 2 {
		return nil, errors.Errorf("want 2 fields, have %d", len(fields))
	}
	c := &SSKRead{}
	if err := field(c.Readkey[:], fields[0], "read key"); err != nil {
		return nil, err
	}
	if err := field(c.Fingerprint[:], fields[1], "fingerprint"); err != nil {
		return nil, err
	}
	return c, nil
}

func parseSSKVerifier(fields []string) (Cap, error) {
	if len(fields) != 2 {
		return nil, errors.Errorf("want 2 fields, have %d", len(fields))
	}
	c := &SSKVerifier{}
	if err := field(c.SI[:], fields[0], "storage index"); err != nil {
		return nil, err
	}
	if err := field(c.Fingerprint[:], fields[1], "fingerprint"); err != nil {
		return nil, err
	}
	return c, nil
}
