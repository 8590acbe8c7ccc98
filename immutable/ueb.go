// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immutable

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rpatterson/tahoe-lafs/codec"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// UEB is the URI extension block: the parameters and root hashes of
// an immutable file, stored in every share and committed to by the
// file's capability.
type UEB struct {
	CodecName         string
	SegmentSize       int64
	TailSegmentSize   int64
	Needed            int
	Total             int
	NumSegments       int
	Size              int64
	CrypttextHash     []byte
	CrypttextRootHash []byte
	ShareRootHash     []byte
	// PlaintextHash is optional.
	PlaintextHash []byte
}

// Segmentation returns the file's segmentation.
func (u *UEB) Segmentation() Segmentation {
	return Segment(u.Size, u.SegmentSize, u.Needed)
}

// Pack returns the serialized block: "key:len:value," records sorted
// by key.
func (u *UEB) Pack() []byte {
	fields := map[string][]byte{
		"codec_name":          []byte(u.CodecName),
		"codec_params":        []byte(fmt.Sprintf("%d-%d-%d", u.SegmentSize, u.Needed, u.Total)),
		"crypttext_hash":      u.CrypttextHash,
		"crypttext_root_hash": u.CrypttextRootHash,
		"needed_shares":       []byte(strconv.Itoa(u.Needed)),
		"num_segments":        []byte(strconv.Itoa(u.NumSegments)),
		"segment_size":        []byte(strconv.FormatInt(u.SegmentSize, 10)),
		"share_root_hash":     u.ShareRootHash,
		"size":                []byte(strconv.FormatInt(u.Size, 10)),
		"tail_codec_params":   []byte(fmt.Sprintf("%d-%d-%d", u.TailSegmentSize, u.Needed, u.Total)),
		"total_shares":        []byte(strconv.Itoa(u.Total)),
	}
	if u.PlaintextHash != nil {
		fields["plaintext_hash"] = u.PlaintextHash
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%d:", k, len(fields[k]))
		b.Write(fields[k])
		b.WriteByte(',')
	}
	return b.Bytes()
}

// Hash returns the tagged hash of the packed block.
func (u *UEB) Hash() []byte {
	return hashutil.UEBHash(u.Pack())
}

// UnpackUEB parses and validates a packed block.
func UnpackUEB(b []byte) (*UEB, error) {
	const op errors.Op = "immutable.UnpackUEB"
	fields := make(map[string][]byte)
	last := ""
	for len(b) > 0 {
		i := bytes.IndexByte(b, ':')
		if i <= 0 {
			return nil, errors.E(op, errors.Malformed, errors.Str("missing key"))
		}
		key := string(b[:i])
		if key <= last {
			return nil, errors.E(op, errors.Malformed, errors.Errorf("key %q out of order", key))
		}
		last = key
		b = b[i+1:]
		j := bytes.IndexByte(b, ':')
		if j <= 0 {
			return nil, errors.E(op, errors.Malformed, errors.Errorf("missing length for %q", key))
		}
		n, err := strconv.Atoi(string(b[:j]))
		if err != nil || n < 0 || strconv.Itoa(n) != string(b[:j]) {
			return nil, errors.E(op, errors.Malformed, errors.Errorf("bad length for %q", key))
		}
		b = b[j+1:]
		if len(b) < n+1 || b[n] != ',' {
			return nil, errors.E(op, errors.Malformed, errors.Errorf("truncated value for %q", key))
		}
		fields[key] = b[:n:n]
		b = b[n+1:]
	}

	var perr error
	num := func(key string) int64 {
		v, ok := fields[key]
		if !ok {
			if perr == nil {
				perr = errors.Errorf("missing %q", key)
			}
			return 0
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil || n < 0 || strconv.FormatInt(n, 10) != string(v) {
			if perr == nil {
				perr = errors.Errorf("bad number for %q", key)
			}
		}
		return n
	}
	hash := func(key string, optional bool) []byte {
		v, ok := fields[key]
		if !ok && optional {
			return nil
		}
		if len(v) != hashutil.Size {
			if perr == nil {
				perr = errors.Errorf("bad hash for %q", key)
			}
		}
		return v
	}
	u := &UEB{
		CodecName:         string(fields["codec_name"]),
		SegmentSize:       num("segment_size"),
		Needed:            int(num("needed_shares")),
		Total:             int(num("total_shares")),
		NumSegments:       int(num("num_segments")),
		Size:              num("size"),
		CrypttextHash:     hash("crypttext_hash", false),
		CrypttextRootHash: hash("crypttext_root_hash", false),
		ShareRootHash:     hash("share_root_hash", false),
		PlaintextHash:     hash("plaintext_hash", true),
	}
	if perr != nil {
		return nil, errors.E(op, errors.Malformed, perr)
	}
	if u.CodecName != codec.Name {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("unknown codec %q", u.CodecName))
	}
	if u.Needed < 1 || u.Needed > u.Total || u.Total > grid.MaxShares || u.Size < 1 {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("bad parameters k=%d N=%d size=%d", u.Needed, u.Total, u.Size))
	}
	seg := u.Segmentation()
	if seg.SegmentSize != u.SegmentSize || seg.NumSegments != u.NumSegments {
		return nil, errors.E(op, errors.Malformed, errors.Str("segment parameters are inconsistent with size"))
	}
	u.TailSegmentSize = seg.TailSegmentSize
	if want := fmt.Sprintf("%d-%d-%d", u.SegmentSize, u.Needed, u.Total); string(fields["codec_params"]) != want {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("codec_params %q, want %q", fields["codec_params"], want))
	}
	if want := fmt.Sprintf("%d-%d-%d", u.TailSegmentSize, u.Needed, u.Total); string(fields["tail_codec_params"]) != want {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("tail_codec_params %q, want %q", fields["tail_codec_params"], want))
	}
	for k := range fields {
		if !knownUEBField(k) {
			return nil, errors.E(op, errors.Malformed, errors.Errorf("unknown field %q", k))
		}
	}
	return u, nil
}

func knownUEBField(k string) bool {
	switch k {
	case "codec_name", "codec_params", "crypttext_hash", "crypttext_root_hash",
		"needed_shares", "num_segments", "plaintext_hash", "segment_size",
		"share_root_hash", "size", "tail_codec_params", "total_shares":
		return true
	}
	return false
}

// String returns a readable summary, one field per line.
func (u *UEB) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "codec: %s %d-of-%d\n", u.CodecName, u.Needed, u.Total)
	fmt.Fprintf(&b, "size: %d in %d segments of %d (tail %d)\n", u.Size, u.NumSegments, u.SegmentSize, u.TailSegmentSize)
	fmt.Fprintf(&b, "crypttext_hash: %x\n", u.CrypttextHash)
	fmt.Fprintf(&b, "crypttext_root_hash: %x\n", u.CrypttextRootHash)
	fmt.Fprintf(&b, "share_root_hash: %x\n", u.ShareRootHash)
	if u.PlaintextHash != nil {
		fmt.Fprintf(&b, "plaintext_hash: %x\n", u.PlaintextHash)
	}
	return b.String()
}
