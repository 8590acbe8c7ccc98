// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package base32

import (
	"bytes"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{nil, ""},
		{[]byte{0}, "aa"},
		{[]byte("hello"), "nbswy3dp"},
		{bytes.Repeat([]byte{0xff}, 5), "77777777"},
	}
	for _, test := range tests {
		if got := Encode(test.in); got != test.want {
			t.Errorf("Encode(%x) = %q; want %q", test.in, got, test.want)
		}
		b, err := Decode(test.want)
		if err != nil {
			t.Fatalf("Decode(%q): %v", test.want, err)
		}
		if !bytes.Equal(b, test.in) {
			t.Errorf("Decode(%q) = %x; want %x", test.want, b, test.in)
		}
	}
}

func TestDecodeLen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 16)
	s := Encode(key)
	if len(s) != 26 {
		t.Fatalf("16-byte encoding has length %d", len(s))
	}
	if _, err := DecodeLen(s, 16); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeLen(s, 32); err == nil {
		t.Error("expected length error")
	}
	if _, err := DecodeLen(s[:25]+"z", 16); err == nil {
		t.Error("expected non-canonical error")
	}
	if _, err := DecodeLen("ABCDEFGHIJKLMNOPQRSTUVWXYZ", 16); err == nil {
		t.Error("expected alphabet error")
	}
}

func TestValid(t *testing.T) {
	if !Valid("nbswy3dp") {
		t.Error("valid string rejected")
	}
	if Valid("nbswy3d1") {
		t.Error("'1' accepted")
	}
	if Valid("NBSWY3DP") {
		t.Error("upper case accepted")
	}
}
