// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package factotum

import (
	"bytes"
	"testing"

	"github.com/rpatterson/tahoe-lafs/errors"
)

func TestSignVerify(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("prefix to sign")
	sig, err := k.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Public().Verify(msg, sig); err != nil {
		t.Fatalf("good signature rejected: %v", err)
	}
	bad := append([]byte(nil), msg...)
	bad[0] ^= 1
	err = k.Public().Verify(bad, sig)
	if !errors.Is(errors.BadSignature, err) {
		t.Fatalf("altered message: got %v", err)
	}
}

func TestSerialize(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	k2, err := ParsePrivateKey(k.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k.Writekey(), k2.Writekey()) {
		t.Error("writekey changed across serialization")
	}
	pub, err := ParsePublicKey(k.Public().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub.Fingerprint(), k.Public().Fingerprint()) {
		t.Error("fingerprint changed across serialization")
	}
	sig, _ := k2.Sign([]byte("x"))
	if err := pub.Verify([]byte("x"), sig); err != nil {
		t.Error(err)
	}

	corrupt := append([]byte(nil), k.Public().Bytes()...)
	corrupt[len(corrupt)-1] ^= 1
	if p, err := ParsePublicKey(corrupt); err == nil {
		// A flipped coordinate bit can leave a parseable key that is
		// off the curve or different; either way its fingerprint differs.
		if bytes.Equal(p.Fingerprint(), k.Public().Fingerprint()) {
			t.Error("corrupt key has original fingerprint")
		}
	}
	if _, err := ParsePrivateKey([]byte("junk")); !errors.Is(errors.Malformed, err) {
		t.Errorf("junk private key: got %v", err)
	}
}
