// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hashutil provides the tagged SHA-256d hashes used throughout
// the grid. Every use of a hash carries its own tag, so a value hashed
// for one purpose can never be confused with one hashed for another.
package hashutil

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/rpatterson/tahoe-lafs/grid"
)

// Size is the length of a hash in bytes.
const Size = sha256.Size

// KeySize is the length of an AES key derived from a hash.
const KeySize = 16

// Tags for every hash in the system.
const (
	tagStorageIndex     = "grid_immutable_key_to_storage_index_v1"
	tagBlock            = "grid_encoded_block_v1"
	tagUEB              = "grid_uri_extension_v1"
	tagCrypttextSegment = "grid_crypttext_segment_v1"
	tagCrypttext        = "grid_crypttext_v1"
	tagPlaintext        = "grid_plaintext_v1"
	tagContentDigest    = "grid_immutable_content_digest_v1"
	tagMerkleLeaf       = "grid_merkle_empty_leaf_v1"
	tagMerkleNode       = "grid_merkle_internal_node_v1"
	tagPermute          = "grid_permute_server_v1"
	tagWritekey         = "grid_mutable_privkey_to_writekey_v1"
	tagReadkey          = "grid_mutable_writekey_to_readkey_v1"
	tagDatakey          = "grid_mutable_readkey_to_datakey_v1"
	tagSlotIndex        = "grid_mutable_readkey_to_storage_index_v1"
	tagFingerprint      = "grid_mutable_pubkey_to_fingerprint_v1"
	tagEnablerMaster    = "grid_mutable_writekey_to_write_enabler_master_v1"
	tagEnabler          = "grid_mutable_write_enabler_master_and_server_to_write_enabler_v1"
	tagLeaseRenew       = "grid_lease_renew_secret_v1"
	tagLeaseCancel      = "grid_lease_cancel_secret_v1"
	tagDirEntryKey      = "grid_dirnode_entry_key_v1"
)

// netstring returns s in netstring form, "len:s,".
func netstring(s string) []byte {
	return []byte(fmt.Sprintf("%d:%s,", len(s), s))
}

// sha256d is a hash.Hash computing SHA-256(SHA-256(x)), which is not
// subject to length extension.
type sha256d struct {
	hash.Hash
}

func (d sha256d) Sum(b []byte) []byte {
	inner := d.Hash.Sum(nil)
	outer := sha256.Sum256(inner)
	return append(b, outer[:]...)
}

// NewTagged returns a running SHA-256d hasher whose input starts with
// the netstring of tag.
func NewTagged(tag string) hash.Hash {
	h := sha256d{sha256.New()}
	h.Write(netstring(tag))
	return h
}

// Tagged returns the tagged SHA-256d hash of val.
func Tagged(tag string, val []byte) []byte {
	h := NewTagged(tag)
	h.Write(val)
	return h.Sum(nil)
}

// TaggedPair hashes two values under one tag, each as a netstring so
// the boundary between them is unambiguous.
func TaggedPair(tag string, a, b []byte) []byte {
	h := NewTagged(tag)
	h.Write(netstring(string(a)))
	h.Write(netstring(string(b)))
	return h.Sum(nil)
}

func toStorageIndex(h []byte) grid.StorageIndex {
	var si grid.StorageIndex
	copy(si[:], h)
	return si
}

// StorageIndex derives the storage index of an immutable file from its
// encryption key.
func StorageIndex(key []byte) grid.StorageIndex {
	return toStorageIndex(Tagged(tagStorageIndex, key))
}

// BlockHash is the hash of one erasure-coded block.
func BlockHash(block []byte) []byte { return Tagged(tagBlock, block) }

// UEBHash is the hash of a packed URI extension block.
func UEBHash(ueb []byte) []byte { return Tagged(tagUEB, ueb) }

// CrypttextSegmentHash is the hash of one segment of ciphertext.
func CrypttextSegmentHash(seg []byte) []byte { return Tagged(tagCrypttextSegment, seg) }

// NewCrypttextHasher returns a hasher for a whole ciphertext.
func NewCrypttextHasher() hash.Hash { return NewTagged(tagCrypttext) }

// NewPlaintextHasher returns a hasher for a whole plaintext.
func NewPlaintextHasher() hash.Hash { return NewTagged(tagPlaintext) }

// NewContentDigester returns the hasher whose output seeds convergent
// key derivation.
func NewContentDigester() hash.Hash { return NewTagged(tagContentDigest) }

// EmptyLeafHash is the hash used to pad Merkle trees, distinct for
// every leaf position.
func EmptyLeafHash(i int) []byte {
	return Tagged(tagMerkleLeaf, []byte(fmt.Sprint(i)))
}

// InternalNodeHash combines two child hashes of a Merkle tree.
func InternalNodeHash(left, right []byte) []byte {
	return TaggedPair(tagMerkleNode, left, right)
}

// PermuteKey is the ranking key of a server on the ring of si.
func PermuteKey(si grid.StorageIndex, server grid.ServerID) []byte {
	return TaggedPair(tagPermute, si[:], []byte(server))
}

// Writekey derives a slot's write key from its serialized private key.
func Writekey(privKey []byte) []byte {
	return Tagged(tagWritekey, privKey)[:KeySize]
}

// Readkey derives a slot's read key from its write key.
func Readkey(writekey []byte) []byte {
	return Tagged(tagReadkey, writekey)[:KeySize]
}

// Datakey derives the key that encrypts one version of a slot.
func Datakey(iv, readkey []byte) []byte {
	return TaggedPair(tagDatakey, iv, readkey)[:KeySize]
}

// SlotStorageIndex derives a slot's storage index from its read key.
func SlotStorageIndex(readkey []byte) grid.StorageIndex {
	return toStorageIndex(Tagged(tagSlotIndex, readkey))
}

// Fingerprint is the hash of a slot's serialized verification key.
func Fingerprint(pubKey []byte) []byte {
	return Tagged(tagFingerprint, pubKey)
}

// WriteEnabler derives the secret a given server requires before it
// accepts writes to a slot.
func WriteEnabler(writekey []byte, server grid.ServerID) grid.WriteEnabler {
	master := Tagged(tagEnablerMaster, writekey)
	var we grid.WriteEnabler
	copy(we[:], TaggedPair(tagEnabler, master, []byte(server)))
	return we
}

// LeaseSecrets derives per-file, per-server lease secrets from a
// client's master lease secret.
func LeaseSecrets(master []byte, si grid.StorageIndex, server grid.ServerID) grid.LeaseSecrets {
	var ls grid.LeaseSecrets
	fileSecret := TaggedPair(tagLeaseRenew, master, si[:])
	copy(ls.Renew[:], TaggedPair(tagLeaseRenew, fileSecret, []byte(server)))
	fileSecret = TaggedPair(tagLeaseCancel, master, si[:])
	copy(ls.Cancel[:], TaggedPair(tagLeaseCancel, fileSecret, []byte(server)))
	return ls
}

// DirEntryKey derives the key that protects a write capability stored
// in a directory entry.
func DirEntryKey(writekey, salt []byte) []byte {
	return TaggedPair(tagDirEntryKey, writekey, salt)[:KeySize]
}
