// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

func ids(list []*Server) []grid.ServerID {
	var out []grid.ServerID
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func populate(t *testing.T, b *Broker, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, b.Add(Server{ID: grid.ServerID(fmt.Sprintf("v0-server-%02d", i)), Connected: true}))
	}
}

func TestPermutationDeterminism(t *testing.T) {
	b1, b2 := New(), New()
	populate(t, b1, 10)
	// Insert in reverse order; the ring must not care.
	for i := 9; i >= 0; i-- {
		require.NoError(t, b2.Add(Server{ID: grid.ServerID(fmt.Sprintf("v0-server-%02d", i)), Connected: true}))
	}
	si := grid.StorageIndex{0xaa, 0xbb}
	p1 := ids(b1.PermutedServers(si))
	assert.Equal(t, p1, ids(b2.PermutedServers(si)))
	assert.Equal(t, p1, ids(b1.PermutedServers(si)))
	assert.Len(t, p1, 10)

	// A different index gives a different ring.
	assert.NotEqual(t, p1, ids(b1.PermutedServers(grid.StorageIndex{0x01})))
}

func TestConnectivity(t *testing.T) {
	b := New()
	populate(t, b, 4)
	si := grid.StorageIndex{3}
	before := ids(b.PermutedServers(si))
	snapshot := b.PermutedServers(si)

	require.NoError(t, b.SetConnected(before[1], false))
	after := ids(b.PermutedServers(si))
	assert.Equal(t, append(append([]grid.ServerID{}, before[:1]...), before[2:]...), after)
	// Earlier snapshots are unaffected.
	assert.True(t, snapshot[1].Connected)

	require.NoError(t, b.Remove(before[0]))
	assert.Len(t, b.PermutedServers(si), 2)
	assert.Len(t, b.Servers(), 3)

	assert.True(t, errors.Is(errors.Exist, b.Add(Server{ID: before[2]})))
	assert.True(t, errors.Is(errors.NotExist, b.Remove("nobody")))
}

func TestConnectUnreachable(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), "v0-gone", "gone", grid.Endpoint{Transport: grid.InProcess, NetAddr: "broker-test-missing"})
	require.NoError(t, err)
	s, ok := b.Get("v0-gone")
	require.True(t, ok)
	assert.False(t, s.Connected)
	assert.Empty(t, b.PermutedServers(grid.StorageIndex{}))
}

func TestConcurrentReaders(t *testing.T) {
	b := New()
	populate(t, b, 8)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.PermutedServers(grid.StorageIndex{byte(j)})
			}
		}()
	}
	for i := 0; i < 50; i++ {
		b.SetConnected("v0-server-03", i%2 == 0)
	}
	wg.Wait()
}
