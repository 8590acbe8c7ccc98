// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/leasedb"
	"github.com/rpatterson/tahoe-lafs/storage"
	"github.com/rpatterson/tahoe-lafs/storage/inprocess"
)

var ctx = context.Background()

func newTestServer(t *testing.T, capacity int64) (*Server, storage.Storage) {
	t.Helper()
	st, err := storage.Dial(inprocess.Name)
	require.NoError(t, err)
	db, err := leasedb.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := New(Options{ID: "v0-test", Storage: st, Leases: db, Capacity: capacity})
	require.NoError(t, err)
	return s, st
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestImmutableBuckets(t *testing.T) {
	s, _ := newTestServer(t, 0)
	si := grid.StorageIndex{1, 2, 3}

	got, writers, err := s.AllocateBuckets(ctx, si, grid.LeaseSecrets{}, []grid.ShareNum{0, 1, 2}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, writers, 3)

	// A second uploader cannot claim shares that are in progress.
	got, others, err := s.AllocateBuckets(ctx, si, grid.LeaseSecrets{}, []grid.ShareNum{0, 1, 2}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, others)

	require.NoError(t, writers[0].WriteAt(ctx, 5, []byte("world")))
	require.NoError(t, writers[0].WriteAt(ctx, 0, []byte("hello")))
	err = writers[0].WriteAt(ctx, 8, []byte("overflow"))
	assert.True(t, errors.Is(errors.Invalid, err))
	require.NoError(t, writers[0].Close(ctx))
	require.NoError(t, writers[1].Abort(ctx))
	require.NoError(t, writers[2].WriteAt(ctx, 0, []byte("partial")))

	// Only closed shares are visible.
	readers, err := s.GetBuckets(ctx, si)
	require.NoError(t, err)
	require.Len(t, readers, 1)
	b, err := readers[0].ReadAt(ctx, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, "lowo", string(b))
	b, err = readers[0].ReadAt(ctx, 8, 100)
	require.NoError(t, err)
	assert.Equal(t, "ld", string(b))

	got, writers, err = s.AllocateBuckets(ctx, si, grid.LeaseSecrets{}, []grid.ShareNum{0, 1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []grid.ShareNum{0}, got)
	assert.Len(t, writers, 1)
	assert.Contains(t, writers, grid.ShareNum(1))
}

func TestCapacity(t *testing.T) {
	s, _ := newTestServer(t, 25)
	si := grid.StorageIndex{9}
	_, writers, err := s.AllocateBuckets(ctx, si, grid.LeaseSecrets{}, []grid.ShareNum{0, 1, 2}, 10)
	require.NoError(t, err)
	assert.Len(t, writers, 2)
	for _, w := range writers {
		require.NoError(t, w.Abort(ctx))
	}
	assert.Equal(t, int64(0), s.Used())
}

func TestSlotTestAndWrite(t *testing.T) {
	s, _ := newTestServer(t, 0)
	si := grid.StorageIndex{4}
	we := grid.WriteEnabler{1}
	all := []grid.ReadVector{{Offset: 0, Length: 100}}

	// A new share must be tested against empty.
	ok, _, err := s.SlotTestAndWrite(ctx, si, we, grid.LeaseSecrets{}, map[grid.ShareNum]grid.TestAndWrite{
		0: {Tests: []grid.TestVector{{Offset: 0, Length: 1, Specimen: []byte{}}}, Writes: []grid.WriteVector{{Offset: 0, Data: []byte("version1")}}, NewLength: -1},
		3: {Writes: []grid.WriteVector{{Offset: 2, Data: []byte("x")}}, NewLength: -1},
	}, all)
	require.NoError(t, err)
	require.True(t, ok)

	read, err := s.SlotReadv(ctx, si, nil, all)
	require.NoError(t, err)
	assert.Equal(t, "version1", string(read[0][0]))
	assert.Equal(t, []byte{0, 0, 'x'}, read[3][0])

	// A stale test fails and reports the current contents.
	ok, read, err = s.SlotTestAndWrite(ctx, si, we, grid.LeaseSecrets{}, map[grid.ShareNum]grid.TestAndWrite{
		0: {Tests: []grid.TestVector{{Offset: 0, Length: 8, Specimen: []byte("version0")}}, Writes: []grid.WriteVector{{Offset: 0, Data: []byte("version2")}}, NewLength: -1},
	}, all)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "version1", string(read[0][0]))

	ok, _, err = s.SlotTestAndWrite(ctx, si, we, grid.LeaseSecrets{}, map[grid.ShareNum]grid.TestAndWrite{
		0: {Tests: []grid.TestVector{{Offset: 0, Length: 8, Specimen: []byte("version1")}}, Writes: []grid.WriteVector{{Offset: 7, Data: []byte("2")}}, NewLength: 4},
	}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	read, err = s.SlotReadv(ctx, si, []grid.ShareNum{0, 7}, []grid.ReadVector{{Offset: 0, Length: 8}, {Offset: 2, Length: 1}})
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, "vers", string(read[0][0]))
	assert.Equal(t, "r", string(read[0][1]))

	// The wrong write enabler is refused.
	_, _, err = s.SlotTestAndWrite(ctx, si, grid.WriteEnabler{2}, grid.LeaseSecrets{}, nil, nil)
	assert.True(t, errors.Is(errors.Permission, err), "got %v", err)
}

// storedBytes sums the sizes of the shares held in st.
func storedBytes(t *testing.T, st storage.Storage) int64 {
	t.Helper()
	refs, err := st.List("")
	require.NoError(t, err)
	var n int64
	for _, ref := range refs {
		b, err := st.Download(ref)
		require.NoError(t, err)
		n += int64(len(b))
	}
	return n
}

func twoShares(size int) map[grid.ShareNum]grid.TestAndWrite {
	data := make([]byte, size)
	return map[grid.ShareNum]grid.TestAndWrite{
		0: {Writes: []grid.WriteVector{{Offset: 0, Data: data}}, NewLength: -1},
		1: {Writes: []grid.WriteVector{{Offset: 0, Data: data}}, NewLength: -1},
	}
}

func TestSlotCapacity(t *testing.T) {
	s, st := newTestServer(t, 20)
	si := grid.StorageIndex{7}

	// Each share fits alone but the pair does not.
	_, _, err := s.SlotTestAndWrite(ctx, si, grid.WriteEnabler{1}, grid.LeaseSecrets{}, twoShares(12), nil)
	assert.True(t, errors.Is(errors.IO, err), "got %v", err)
	assert.Equal(t, int64(12), s.Used())
	assert.Equal(t, storedBytes(t, st), s.Used())
}

// failingPuts fails every Put after the first ok.
type failingPuts struct {
	storage.Storage
	ok int
}

func (f *failingPuts) Put(ref string, b []byte) error {
	if f.ok == 0 {
		return errors.E(errors.IO, errors.Str("disk full"))
	}
	f.ok--
	return f.Storage.Put(ref, b)
}

func TestSlotWriteFailure(t *testing.T) {
	st, err := storage.Dial(inprocess.Name)
	require.NoError(t, err)
	db, err := leasedb.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := New(Options{ID: "v0-test", Storage: &failingPuts{Storage: st, ok: 1}, Leases: db})
	require.NoError(t, err)

	_, _, err = s.SlotTestAndWrite(ctx, grid.StorageIndex{8}, grid.WriteEnabler{1}, grid.LeaseSecrets{}, twoShares(5), nil)
	assert.True(t, errors.Is(errors.IO, err), "got %v", err)
	assert.Equal(t, int64(5), s.Used())
	assert.Equal(t, storedBytes(t, st), s.Used())
}

func TestAdvise(t *testing.T) {
	s, _ := newTestServer(t, 0)
	require.NoError(t, s.AdviseCorruptShare(ctx, grid.StorageIndex{5}, 2, false, "block hash mismatch"))
	adv, err := s.leases.Advisories()
	require.NoError(t, err)
	require.Len(t, adv, 1)
	assert.Equal(t, grid.ShareNum(2), adv[0].Share)
}

func TestUsedSurvivesRestart(t *testing.T) {
	s, st := newTestServer(t, 0)
	si := grid.StorageIndex{6}
	_, writers, err := s.AllocateBuckets(ctx, si, grid.LeaseSecrets{}, []grid.ShareNum{0}, 4)
	require.NoError(t, err)
	require.NoError(t, writers[0].WriteAt(ctx, 0, []byte("abcd")))
	require.NoError(t, writers[0].Close(ctx))
	assert.Equal(t, int64(4), s.Used())

	s2, err := New(Options{ID: "v0-test", Storage: st, Leases: s.leases})
	require.NoError(t, err)
	assert.Equal(t, int64(4), s2.Used())
}
