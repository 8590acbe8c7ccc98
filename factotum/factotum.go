// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package factotum encapsulates crypto operations on the signing keys
// of mutable slots.
package factotum

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

// Key is a slot's private signing key.
type Key struct {
	priv    *ecdsa.PrivateKey
	privDER []byte
	public  *PublicKey
}

// PublicKey is a slot's verification key.
type PublicKey struct {
	pub *ecdsa.PublicKey
	der []byte
}

// Generate returns a new random P-256 key.
func Generate() (*Key, error) {
	const op errors.Op = "factotum.Generate"
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	k, err := newKey(priv)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return k, nil
}

func newKey(priv *ecdsa.PrivateKey) (*Key, error) {
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, errors.E(errors.Internal, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errors.E(errors.Internal, err)
	}
	return &Key{
		priv:    priv,
		privDER: privDER,
		public:  &PublicKey{pub: &priv.PublicKey, der: pubDER},
	}, nil
}

// ParsePrivateKey parses the serialized form returned by Key.Bytes.
func ParsePrivateKey(der []byte) (*Key, error) {
	const op errors.Op = "factotum.ParsePrivateKey"
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, errors.E(op, errors.Malformed, err)
	}
	k, err := newKey(priv)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return k, nil
}

// ParsePublicKey parses the serialized form returned by PublicKey.Bytes.
func ParsePublicKey(der []byte) (*PublicKey, error) {
	const op errors.Op = "factotum.ParsePublicKey"
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.E(op, errors.Malformed, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.E(op, errors.Malformed, errors.Errorf("unsupported key type %T", pub))
	}
	return &PublicKey{pub: ecPub, der: append([]byte(nil), der...)}, nil
}

// Bytes returns the serialized private key.
func (k *Key) Bytes() []byte { return k.privDER }

// Public returns the verification key.
func (k *Key) Public() *PublicKey { return k.public }

// Writekey returns the write key derived from the private key.
func (k *Key) Writekey() []byte { return hashutil.Writekey(k.privDER) }

// Sign returns an ASN.1 ECDSA signature over the SHA-256 hash of msg.
func (k *Key) Sign(msg []byte) ([]byte, error) {
	h := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, k.priv, h[:])
	if err != nil {
		return nil, errors.E(errors.Op("factotum.Sign"), errors.Internal, err)
	}
	return sig, nil
}

// Bytes returns the serialized verification key.
func (p *PublicKey) Bytes() []byte { return p.der }

// Fingerprint returns the hash of the serialized verification key.
func (p *PublicKey) Fingerprint() []byte { return hashutil.Fingerprint(p.der) }

// Verify checks sig over msg.
func (p *PublicKey) Verify(msg, sig []byte) error {
	h := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(p.pub, h[:], sig) {
		return errors.E(errors.Op("factotum.Verify"), errors.BadSignature)
	}
	return nil
}
