// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

// message is a protocol buffer in wire format, built one field at a
// time. Repeated scalars are written unpacked.
type message []byte

func (m message) bytes(num protowire.Number, b []byte) message {
	m = protowire.AppendTag(m, num, protowire.BytesType)
	return protowire.AppendBytes(m, b)
}

func (m message) string(num protowire.Number, s string) message {
	m = protowire.AppendTag(m, num, protowire.BytesType)
	return protowire.AppendString(m, s)
}

func (m message) uint(num protowire.Number, v uint64) message {
	m = protowire.AppendTag(m, num, protowire.VarintType)
	return protowire.AppendVarint(m, v)
}

func (m message) int(num protowire.Number, v int64) message {
	return m.uint(num, protowire.EncodeZigZag(v))
}

func (m message) bool(num protowire.Number, v bool) message {
	return m.uint(num, protowire.EncodeBool(v))
}

func (m message) message(num protowire.Number, sub message) message {
	return m.bytes(num, sub)
}

// field is one decoded field value.
type field struct {
	v uint64 // Varint fields.
	b []byte // Length-delimited fields.
}

// fields is a decoded message: every value of each field, in order.
type fields map[protowire.Number][]field

func parse(b []byte) (fields, error) {
	f := make(fields)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.E(errors.Malformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.E(errors.Malformed, protowire.ParseError(n))
			}
			f[num] = append(f[num], field{v: v})
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.E(errors.Malformed, protowire.ParseError(n))
			}
			f[num] = append(f[num], field{b: v})
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.E(errors.Malformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func (f fields) last(num protowire.Number) field {
	vals := f[num]
	if len(vals) == 0 {
		return field{}
	}
	return vals[len(vals)-1]
}

func (f fields) bytes(num protowire.Number) []byte { return f.last(num).b }
func (f fields) string(num protowire.Number) string { return string(f.last(num).b) }
func (f fields) uint(num protowire.Number) uint64 { return f.last(num).v }
func (f fields) int(num protowire.Number) int64 {
	return protowire.DecodeZigZag(f.last(num).v)
}
func (f fields) bool(num protowire.Number) bool { return f.last(num).v != 0 }

// messages parses every value of a repeated message field.
func (f fields) messages(num protowire.Number) ([]fields, error) {
	var out []fields
	for _, v := range f[num] {
		sub, err := parse(v.b)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// message parses the last value of a message field. A missing field
// is an empty message.
func (f fields) message(num protowire.Number) (fields, error) {
	return parse(f.last(num).b)
}

func (f fields) storageIndex(num protowire.Number) (grid.StorageIndex, error) {
	var si grid.StorageIndex
	b := f.bytes(num)
	if len(b) != len(si) {
		return si, errors.E(errors.Malformed, errors.Errorf("storage index has %d bytes", len(b)))
	}
	copy(si[:], b)
	return si, nil
}

func (f fields) shareNums(num protowire.Number) []grid.ShareNum {
	var out []grid.ShareNum
	for _, v := range f[num] {
		out = append(out, grid.ShareNum(v.v))
	}
	return out
}

func appendShareNums(m message, num protowire.Number, shares []grid.ShareNum) message {
	for _, sh := range shares {
		m = m.uint(num, uint64(sh))
	}
	return m
}

// Lease secrets: 1 renew, 2 cancel.
func leasesMessage(l grid.LeaseSecrets) message {
	return message(nil).bytes(1, l.Renew[:]).bytes(2, l.Cancel[:])
}

func parseLeases(f fields) (grid.LeaseSecrets, error) {
	var l grid.LeaseSecrets
	renew, cancel := f.bytes(1), f.bytes(2)
	if len(renew) != len(l.Renew) || len(cancel) != len(l.Cancel) {
		return l, errors.E(errors.Malformed, "bad lease secrets")
	}
	copy(l.Renew[:], renew)
	copy(l.Cancel[:], cancel)
	return l, nil
}

// Read vector: 1 offset, 2 length.
func appendReadVectors(m message, num protowire.Number, readv []grid.ReadVector) message {
	for _, rv := range readv {
		m = m.message(num, message(nil).int(1, rv.Offset).int(2, rv.Length))
	}
	return m
}

func parseReadVectors(f fields, num protowire.Number) ([]grid.ReadVector, error) {
	subs, err := f.messages(num)
	if err != nil {
		return nil, err
	}
	out := make([]grid.ReadVector, len(subs))
	for i, s := range subs {
		out[i] = grid.ReadVector{Offset: s.int(1), Length: s.int(2)}
	}
	return out, nil
}

// Share data: 1 share number, 2 repeated data. Shares are written in
// order so the encoding is deterministic.
func appendShareData(m message, num protowire.Number, data map[grid.ShareNum][][]byte) message {
	shares := make([]grid.ShareNum, 0, len(data))
	for sh := range data {
		shares = append(shares, sh)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i] < shares[j] })
	for _, sh := range shares {
		sub := message(nil).uint(1, uint64(sh))
		for _, d := range data[sh] {
			sub = sub.bytes(2, d)
		}
		m = m.message(num, sub)
	}
	return m
}

func parseShareData(f fields, num protowire.Number) (map[grid.ShareNum][][]byte, error) {
	subs, err := f.messages(num)
	if err != nil {
		return nil, err
	}
	out := make(map[grid.ShareNum][][]byte, len(subs))
	for _, s := range subs {
		var data [][]byte
		for _, v := range s[2] {
			data = append(data, append([]byte{}, v.b...))
		}
		out[grid.ShareNum(s.uint(1))] = data
	}
	return out, nil
}

// Test-and-write: 1 share number, 2 repeated test (1 offset, 2 length,
// 3 specimen), 3 repeated write (1 offset, 2 data), 4 new length.
func appendTestAndWrite(m message, num protowire.Number, tw map[grid.ShareNum]grid.TestAndWrite) message {
	shares := make([]grid.ShareNum, 0, len(tw))
	for sh := range tw {
		shares = append(shares, sh)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i] < shares[j] })
	for _, sh := range shares {
		t := tw[sh]
		sub := message(nil).uint(1, uint64(sh))
		for _, tv := range t.Tests {
			sub = sub.message(2, message(nil).int(1, tv.Offset).int(2, tv.Length).bytes(3, tv.Specimen))
		}
		for _, wv := range t.Writes {
			sub = sub.message(3, message(nil).int(1, wv.Offset).bytes(2, wv.Data))
		}
		sub = sub.int(4, t.NewLength)
		m = m.message(num, sub)
	}
	return m
}

func parseTestAndWrite(f fields, num protowire.Number) (map[grid.ShareNum]grid.TestAndWrite, error) {
	subs, err := f.messages(num)
	if err != nil {
		return nil, err
	}
	out := make(map[grid.ShareNum]grid.TestAndWrite, len(subs))
	for _, s := range subs {
		var t grid.TestAndWrite
		tests, err := s.messages(2)
		if err != nil {
			return nil, err
		}
		for _, tv := range tests {
			t.Tests = append(t.Tests, grid.TestVector{Offset: tv.int(1), Length: tv.int(2), Specimen: tv.bytes(3)})
		}
		writes, err := s.messages(3)
		if err != nil {
			return nil, err
		}
		for _, wv := range writes {
			t.Writes = append(t.Writes, grid.WriteVector{Offset: wv.int(1), Data: wv.bytes(2)})
		}
		t.NewLength = s.int(4)
		out[grid.ShareNum(s.uint(1))] = t
	}
	return out, nil
}

// Encoding parameters: 1 needed, 2 happy, 3 total, 4 max segment size.
func paramsMessage(p grid.EncodingParams) message {
	return message(nil).uint(1, uint64(p.Needed)).uint(2, uint64(p.Happy)).uint(3, uint64(p.Total)).int(4, p.MaxSegmentSize)
}

func parseParams(f fields) grid.EncodingParams {
	return grid.EncodingParams{
		Needed:         int(f.uint(1)),
		Happy:          int(f.uint(2)),
		Total:          int(f.uint(3)),
		MaxSegmentSize: f.int(4),
	}
}

// Helper results: 1 UEB hash, 2 repeated placement (1 share number,
// 2 repeated server), 3 pushed, 4 preexisting.
func resultsMessage(r *grid.HelperResults) message {
	m := message(nil).bytes(1, r.UEBHash)
	shares := make([]grid.ShareNum, 0, len(r.SharesPlaced))
	for sh := range r.SharesPlaced {
		shares = append(shares, sh)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i] < shares[j] })
	for _, sh := range shares {
		sub := message(nil).uint(1, uint64(sh))
		for _, id := range r.SharesPlaced[sh] {
			sub = sub.string(2, string(id))
		}
		m = m.message(2, sub)
	}
	return m.int(3, r.Pushed).uint(4, uint64(r.Preexisting))
}

func parseResults(f fields) (*grid.HelperResults, error) {
	r := &grid.HelperResults{
		UEBHash:      append([]byte(nil), f.bytes(1)...),
		SharesPlaced: make(map[grid.ShareNum][]grid.ServerID),
		Pushed:       f.int(3),
		Preexisting:  int(f.uint(4)),
	}
	subs, err := f.messages(2)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		sh := grid.ShareNum(s.uint(1))
		for _, v := range s[2] {
			r.SharesPlaced[sh] = append(r.SharesPlaced[sh], grid.ServerID(v.b))
		}
	}
	return r, nil
}
