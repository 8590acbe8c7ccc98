// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leasedb keeps a storage server's lease records, the write
// enablers of its mutable slots, and client corruption advisories in a
// bolt database. None of these are ever stored inside a share.
package leasedb

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

var (
	bucketLeases   = []byte("leases")
	bucketEnablers = []byte("write-enablers")
	bucketCorrupt  = []byte("corruption")
)

// DB is a lease database. It is safe for concurrent use.
type DB struct {
	db *bolt.DB
}

// Lease is one client's claim on the shares of a storage index.
type Lease struct {
	Renew   [32]byte
	Cancel  [32]byte
	Expires time.Time
}

// Advisory is a client report that a share is corrupt.
type Advisory struct {
	SI      grid.StorageIndex
	Share   grid.ShareNum
	Mutable bool
	Reason  string
	When    time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	const op errors.Op = "leasedb.Open"
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLeases, bucketEnablers, bucketCorrupt} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.E(op, errors.IO, err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func leaseKey(si grid.StorageIndex, renew [32]byte) []byte {
	k := make([]byte, 0, len(si)+len(renew))
	k = append(k, si[:]...)
	return append(k, renew[:]...)
}

func encodeLease(l Lease) []byte {
	v := make([]byte, 0, 32+8)
	v = append(v, l.Cancel[:]...)
	return binary.BigEndian.AppendUint64(v, uint64(l.Expires.Unix()))
}

func decodeLease(k, v []byte) (Lease, bool) {
	var l Lease
	if len(k) != grid.StorageIndexSize+32 || len(v) != 32+8 {
		return l, false
	}
	copy(l.Renew[:], k[grid.StorageIndexSize:])
	copy(l.Cancel[:], v)
	l.Expires = time.Unix(int64(binary.BigEndian.Uint64(v[32:])), 0)
	return l, true
}

// AddOrRenewLease records a lease on si, or extends the existing lease
// with the same renew secret.
func (d *DB) AddOrRenewLease(si grid.StorageIndex, secrets grid.LeaseSecrets, expires time.Time) error {
	const op errors.Op = "leasedb.AddOrRenewLease"
	err := d.db.Update(func(tx *bolt.Tx) error {
		l := Lease{Renew: secrets.Renew, Cancel: secrets.Cancel, Expires: expires}
		return tx.Bucket(bucketLeases).Put(leaseKey(si, secrets.Renew), encodeLease(l))
	})
	if err != nil {
		return errors.E(op, errors.IO, si, err)
	}
	return nil
}

// RenewLease extends an existing lease.
func (d *DB) RenewLease(si grid.StorageIndex, renew [32]byte, expires time.Time) error {
	const op errors.Op = "leasedb.RenewLease"
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		k := leaseKey(si, renew)
		l, ok := decodeLease(k, b.Get(k))
		if !ok {
			return errors.E(op, errors.NotExist, si, errors.Str("no lease with that renew secret"))
		}
		l.Expires = expires
		return b.Put(k, encodeLease(l))
	})
}

// CancelLease removes the lease whose cancel secret matches and reports
// how many leases on si remain.
func (d *DB) CancelLease(si grid.StorageIndex, cancel [32]byte) (remaining int, err error) {
	const op errors.Op = "leasedb.CancelLease"
	err = d.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLeases).Cursor()
		var victim []byte
		for k, v := c.Seek(si[:]); k != nil && bytes.HasPrefix(k, si[:]); k, v = c.Next() {
			l, ok := decodeLease(k, v)
			if ok && victim == nil && subtle.ConstantTimeCompare(l.Cancel[:], cancel[:]) == 1 {
				victim = append([]byte(nil), k...)
				continue
			}
			remaining++
		}
		if victim == nil {
			return errors.E(op, errors.NotExist, si, errors.Str("no lease with that cancel secret"))
		}
		return tx.Bucket(bucketLeases).Delete(victim)
	})
	return remaining, err
}

// Leases returns the leases held on si.
func (d *DB) Leases(si grid.StorageIndex) ([]Lease, error) {
	const op errors.Op = "leasedb.Leases"
	var leases []Lease
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLeases).Cursor()
		for k, v := c.Seek(si[:]); k != nil && bytes.HasPrefix(k, si[:]); k, v = c.Next() {
			if l, ok := decodeLease(k, v); ok {
				leases = append(leases, l)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.IO, si, err)
	}
	return leases, nil
}

// CheckWriteEnabler compares we with the enabler recorded for si. The
// first enabler presented for a slot is recorded. A mismatch is a
// Permission error.
func (d *DB) CheckWriteEnabler(si grid.StorageIndex, we grid.WriteEnabler) error {
	const op errors.Op = "leasedb.CheckWriteEnabler"
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnablers)
		old := b.Get(si[:])
		if old == nil {
			if err := b.Put(si[:], we[:]); err != nil {
				return errors.E(op, errors.IO, si, err)
			}
			return nil
		}
		if subtle.ConstantTimeCompare(old, we[:]) != 1 {
			return errors.E(op, errors.Permission, si, errors.Str("write enabler mismatch"))
		}
		return nil
	})
}

// DeleteStorageIndex removes every record for si, for instance when its
// last share is deleted.
func (d *DB) DeleteStorageIndex(si grid.StorageIndex) error {
	const op errors.Op = "leasedb.DeleteStorageIndex"
	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEnablers).Delete(si[:]); err != nil {
			return err
		}
		b := tx.Bucket(bucketLeases)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(si[:]); k != nil && bytes.HasPrefix(k, si[:]); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.E(op, errors.IO, si, err)
	}
	return nil
}

// AddAdvisory records a corruption report.
func (d *DB) AddAdvisory(a Advisory) error {
	const op errors.Op = "leasedb.AddAdvisory"
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCorrupt)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		k := binary.BigEndian.AppendUint64(nil, seq)
		v := make([]byte, 0, grid.StorageIndexSize+1+1+8+len(a.Reason))
		v = append(v, a.SI[:]...)
		v = append(v, byte(a.Share))
		if a.Mutable {
			v = append(v, 1)
		} else {
			v = append(v, 0)
		}
		v = binary.BigEndian.AppendUint64(v, uint64(a.When.Unix()))
		v = append(v, a.Reason...)
		return b.Put(k, v)
	})
	if err != nil {
		return errors.E(op, errors.IO, a.SI, err)
	}
	return nil
}

// Advisories returns every corruption report in the order received.
func (d *DB) Advisories() ([]Advisory, error) {
	const op errors.Op = "leasedb.Advisories"
	const fixed = grid.StorageIndexSize + 1 + 1 + 8
	var out []Advisory
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCorrupt).ForEach(func(_, v []byte) error {
			if len(v) < fixed {
				return errors.E(errors.Malformed, errors.Str("short advisory record"))
			}
			var a Advisory
			copy(a.SI[:], v)
			a.Share = grid.ShareNum(v[grid.StorageIndexSize])
			a.Mutable = v[grid.StorageIndexSize+1] == 1
			a.When = time.Unix(int64(binary.BigEndian.Uint64(v[grid.StorageIndexSize+2:])), 0)
			a.Reason = string(v[fixed:])
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return out, nil
}
