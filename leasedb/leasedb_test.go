// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leasedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func secrets(b byte) grid.LeaseSecrets {
	var s grid.LeaseSecrets
	s.Renew[0] = b
	s.Cancel[0] = b + 100
	return s
}

func TestLeases(t *testing.T) {
	db := openTest(t)
	si := grid.StorageIndex{1}
	other := grid.StorageIndex{2}
	exp := time.Unix(1700000000, 0)

	require.NoError(t, db.AddOrRenewLease(si, secrets(1), exp))
	require.NoError(t, db.AddOrRenewLease(si, secrets(2), exp))
	require.NoError(t, db.AddOrRenewLease(other, secrets(1), exp))
	// Same renew secret replaces rather than adds.
	require.NoError(t, db.AddOrRenewLease(si, secrets(1), exp.Add(time.Hour)))

	leases, err := db.Leases(si)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, exp.Add(time.Hour), leases[0].Expires)

	require.NoError(t, db.RenewLease(si, secrets(2).Renew, exp.Add(2*time.Hour)))
	err = db.RenewLease(si, secrets(9).Renew, exp)
	assert.True(t, errors.Is(errors.NotExist, err))

	remaining, err := db.CancelLease(si, secrets(1).Cancel)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	_, err = db.CancelLease(si, secrets(1).Cancel)
	assert.True(t, errors.Is(errors.NotExist, err))

	require.NoError(t, db.DeleteStorageIndex(si))
	leases, err = db.Leases(si)
	require.NoError(t, err)
	assert.Empty(t, leases)
	leases, err = db.Leases(other)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestWriteEnabler(t *testing.T) {
	db := openTest(t)
	si := grid.StorageIndex{7}
	we := grid.WriteEnabler{1, 2, 3}
	require.NoError(t, db.CheckWriteEnabler(si, we))
	require.NoError(t, db.CheckWriteEnabler(si, we))
	err := db.CheckWriteEnabler(si, grid.WriteEnabler{9})
	assert.True(t, errors.Is(errors.Permission, err), "got %v", err)

	require.NoError(t, db.DeleteStorageIndex(si))
	require.NoError(t, db.CheckWriteEnabler(si, grid.WriteEnabler{9}))
}

func TestAdvisories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	db, err := Open(path)
	require.NoError(t, err)
	a := Advisory{SI: grid.StorageIndex{3}, Share: 4, Mutable: true, Reason: "bad block", When: time.Unix(1, 0)}
	require.NoError(t, db.AddAdvisory(a))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Advisories()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0])
}
