// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hashutil

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/rpatterson/tahoe-lafs/grid"
)

func TestTaggedIsSHA256d(t *testing.T) {
	val := []byte("hello")
	inner := sha256.Sum256(append([]byte("3:tag,"), val...))
	want := sha256.Sum256(inner[:])
	if got := Tagged("tag", val); !bytes.Equal(got, want[:]) {
		t.Fatalf("Tagged = %x; want %x", got, want)
	}
}

func TestTagsSeparate(t *testing.T) {
	data := []byte("same input")
	if bytes.Equal(BlockHash(data), UEBHash(data)) {
		t.Error("block and UEB hashes collide")
	}
	if bytes.Equal(TaggedPair("t", []byte("ab"), []byte("c")), TaggedPair("t", []byte("a"), []byte("bc"))) {
		t.Error("pair boundary is ambiguous")
	}
	if bytes.Equal(EmptyLeafHash(0), EmptyLeafHash(1)) {
		t.Error("empty leaves at different positions collide")
	}
}

func TestKeyChain(t *testing.T) {
	wk := Writekey([]byte("private key bytes"))
	if len(wk) != KeySize {
		t.Fatalf("writekey length %d", len(wk))
	}
	rk := Readkey(wk)
	if bytes.Equal(wk, rk) {
		t.Fatal("readkey equals writekey")
	}
	si := SlotStorageIndex(rk)
	if si.IsZero() {
		t.Fatal("zero storage index")
	}
	if SlotStorageIndex(rk) != si {
		t.Fatal("storage index is not deterministic")
	}
	we1 := WriteEnabler(wk, grid.ServerID("a"))
	we2 := WriteEnabler(wk, grid.ServerID("b"))
	if we1 == we2 {
		t.Fatal("write enablers do not depend on server")
	}
	ls := LeaseSecrets([]byte("master"), si, "a")
	if ls.Renew == ls.Cancel {
		t.Fatal("renew and cancel secrets are equal")
	}
}
