// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mutable

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/test/testgrid"
	"github.com/rpatterson/tahoe-lafs/uri"
)

var ctx = context.Background()

func setup(t *testing.T, servers int) (*testgrid.Grid, *Client) {
	t.Helper()
	g, err := testgrid.New(&testgrid.Setup{Servers: servers})
	require.NoError(t, err)
	t.Cleanup(func() { g.Exit() })
	return g, &Client{Broker: g.Broker, LeaseSecret: []byte("lease"), MaxAttempts: 20}
}

// corruptField damages one field of every copy of the given share.
func corruptField(t *testing.T, g *testgrid.Grid, si grid.StorageIndex, shnum grid.ShareNum, field string) {
	t.Helper()
	found := false
	for _, n := range g.Nodes {
		for _, sh := range n.Shares(si, true) {
			if sh != shnum {
				continue
			}
			b, err := n.ShareBytes(si, sh, true)
			require.NoError(t, err)
			off, err := FieldOffset(b, field)
			require.NoError(t, err)
			require.NoError(t, n.Corrupt(si, sh, true, off))
			found = true
		}
	}
	require.True(t, found, "share %d not found", shnum)
}

func TestCreateReadOverwrite(t *testing.T) {
	g, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("contents 1"))
	require.NoError(t, err)
	si := n.Cap().StorageIndex()
	assert.Len(t, g.Shares(si, true), DefaultTotal)

	got, err := n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "contents 1", string(got))

	require.NoError(t, n.Overwrite(ctx, []byte("contents 2, longer")))
	got, err = n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "contents 2, longer", string(got))
	size, err := n.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(18), size)

	sm, err := n.ServerMap(ctx, ModeCheck)
	require.NoError(t, err)
	require.Len(t, sm.Versions(), 1)
	assert.Equal(t, uint64(2), sm.Versions()[0].Seqnum)

	// A reader opened from the read capability string sees the same.
	rc, err := uri.Parse(n.Cap().ReadOnly().String())
	require.NoError(t, err)
	r, err := c.Open(rc)
	require.NoError(t, err)
	got, err = r.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "contents 2, longer", string(got))
}

func TestEmptyFile(t *testing.T) {
	_, c := setup(t, 5)
	n, err := c.Create(ctx, nil)
	require.NoError(t, err)
	got, err := n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	size, err := n.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestKeyRecovery(t *testing.T) {
	_, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("v1"))
	require.NoError(t, err)

	// A node made from the write capability string has no signing key
	// until it finds one in a share.
	wc, err := uri.Parse(n.Cap().String())
	require.NoError(t, err)
	w, err := c.Open(wc)
	require.NoError(t, err)
	require.NoError(t, w.Overwrite(ctx, []byte("v2")))
	got, err := n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestNotWriteable(t *testing.T) {
	_, c := setup(t, 3)
	n, err := c.Create(ctx, []byte("data"))
	require.NoError(t, err)

	// A client with no broker would fail on any I/O.
	offline := &Client{}
	for _, cp := range []uri.Cap{n.Cap().ReadOnly(), n.Cap().Verifier()} {
		r, err := offline.Open(cp)
		require.NoError(t, err)
		assert.True(t, r.IsReadOnly())
		err = r.Overwrite(ctx, []byte("x"))
		assert.True(t, errors.Is(errors.NotWriteable, err), "got %v", err)
		err = r.Modify(ctx, func(b []byte) ([]byte, error) { return b, nil })
		assert.True(t, errors.Is(errors.NotWriteable, err), "got %v", err)
	}
}

func TestNoShares(t *testing.T) {
	_, c := setup(t, 5)
	n, err := c.Create(ctx, []byte("data"))
	require.NoError(t, err)
	_, err = n.DownloadBestVersion(ctx)
	require.NoError(t, err)

	// A slot that was never written.
	wc := *n.Cap().(*uri.SSKWrite)
	wc.Writekey[0] ^= 1
	other, err := c.Open(&wc)
	require.NoError(t, err)
	_, err = other.DownloadBestVersion(ctx)
	assert.True(t, errors.Is(errors.NoShares, err), "got %v", err)
}

func TestCollision(t *testing.T) {
	_, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("base"))
	require.NoError(t, err)

	// Writer A looks, writer B writes, then A writes.
	smA, err := n.ServerMap(ctx, ModeWrite)
	require.NoError(t, err)
	require.NoError(t, n.Overwrite(ctx, []byte("from B")))
	_, err = c.publisher().Publish(ctx, smA, n.key, []byte("from A"), 3, 10)
	assert.True(t, errors.Is(errors.Collision, err), "got %v", err)

	got, err := n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from B", string(got))
}

func TestModifyRetriesCollision(t *testing.T) {
	_, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("a"))
	require.NoError(t, err)
	rival, err := c.Open(n.Cap())
	require.NoError(t, err)

	// The first time through, another writer gets in between the read
	// and the write.
	calls := 0
	err = n.Modify(ctx, func(old []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			require.NoError(t, rival.Overwrite(ctx, []byte("b")))
		}
		return append(old, 'c'), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	got, err := n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(got))

	// No change means no write.
	sm, err := n.ServerMap(ctx, ModeCheck)
	require.NoError(t, err)
	before := sm.HighestSeqnum()
	require.NoError(t, n.Modify(ctx, func(old []byte) ([]byte, error) { return old, nil }))
	sm, err = n.ServerMap(ctx, ModeCheck)
	require.NoError(t, err)
	assert.Equal(t, before, sm.HighestSeqnum())
}

func TestFieldCorruption(t *testing.T) {
	for _, tc := range []struct {
		field string
		kind  errors.Kind // Other means the share stays acceptable.
	}{
		{FieldPubkey, errors.FingerprintMismatch},
		{FieldSeqnum, errors.BadSignature},
		{FieldRoot, errors.BadSignature},
		{FieldIV, errors.BadSignature},
		{FieldSegSize, errors.BadSignature},
		{FieldK, errors.BadSignature},
		{FieldN, errors.BadSignature},
		{FieldDataLen, errors.BadSignature},
		{FieldChain, errors.HashMismatch},
		{FieldBlockTree, errors.HashMismatch},
		{FieldData, errors.HashMismatch},
		{FieldEncPrivkey, errors.Other},
	} {
		t.Run(tc.field, func(t *testing.T) {
			g, c := setup(t, 10)
			n, err := c.Create(ctx, []byte("the quick brown fox"))
			require.NoError(t, err)
			si := n.Cap().StorageIndex()
			corruptField(t, g, si, 0, tc.field)

			sm, err := n.ServerMap(ctx, ModeCheck)
			require.NoError(t, err)
			sm.Verify(ctx)
			problems := sm.CorruptShares()
			if tc.kind == errors.Other {
				assert.Empty(t, problems)
			} else {
				require.Len(t, problems, 1)
				assert.Equal(t, grid.ShareNum(0), problems[0].Share)
				assert.True(t, errors.Is(tc.kind, problems[0].Err), "got %v", problems[0].Err)
			}

			// The other shares still recover the file.
			got, err := n.DownloadBestVersion(ctx)
			require.NoError(t, err)
			assert.Equal(t, "the quick brown fox", string(got))
		})
	}
}

func TestCorruptionMatrix(t *testing.T) {
	g, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("survives seven bad shares"))
	require.NoError(t, err)
	si := n.Cap().StorageIndex()

	corruptField(t, g, si, 0, FieldPubkey)
	corruptField(t, g, si, 0, FieldEncPrivkey)
	corruptField(t, g, si, 1, FieldSeqnum)
	corruptField(t, g, si, 2, FieldRoot)
	corruptField(t, g, si, 3, FieldSegSize)
	corruptField(t, g, si, 4, FieldChain)
	corruptField(t, g, si, 5, FieldBlockTree)
	corruptField(t, g, si, 6, FieldData)

	sm, err := n.ServerMap(ctx, ModeCheck)
	require.NoError(t, err)
	sm.Verify(ctx)
	bad := make(map[grid.ShareNum]bool)
	for _, p := range sm.CorruptShares() {
		bad[p.Share] = true
	}
	assert.Len(t, bad, 7)
	assert.False(t, bad[7] || bad[8] || bad[9], "got %v", bad)

	// Shares 7 through 9 are enough for writers and readers alike.
	for _, text := range []string{n.Cap().String(), n.Cap().ReadOnly().String()} {
		cp, err := uri.Parse(text)
		require.NoError(t, err)
		node, err := c.Open(cp)
		require.NoError(t, err)
		got, err := node.DownloadBestVersion(ctx)
		require.NoError(t, err, "%s", text)
		assert.Equal(t, "survives seven bad shares", string(got))
	}
}

func TestUnrecoverable(t *testing.T) {
	g, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("signed"))
	require.NoError(t, err)
	si := n.Cap().StorageIndex()
	for sh := range g.Shares(si, true) {
		corruptField(t, g, si, sh, FieldPubkey)
	}
	_, err = n.DownloadBestVersion(ctx)
	assert.True(t, errors.Is(errors.UnrecoverableVersion, err), "got %v", err)
}

func TestFallBackToOlderVersion(t *testing.T) {
	g, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("old"))
	require.NoError(t, err)
	si := n.Cap().StorageIndex()

	// Shares on these servers keep the first version.
	for _, node := range g.Nodes[:4] {
		node.Break()
	}
	require.NoError(t, n.Overwrite(ctx, []byte("new")))
	for _, node := range g.Nodes[:4] {
		node.Fix()
	}
	sm, err := n.ServerMap(ctx, ModeCheck)
	require.NoError(t, err)
	require.Len(t, sm.Versions(), 2)
	latest := sm.Versions()[0]

	// Ruin the newest version.
	for _, r := range sm.Shares {
		if r.Version != latest {
			continue
		}
		b, err := g.Node(r.Server).ShareBytes(si, r.Share, true)
		require.NoError(t, err)
		off, err := FieldOffset(b, FieldData)
		require.NoError(t, err)
		require.NoError(t, g.Node(r.Server).Corrupt(si, r.Share, true, off))
	}
	got, err := n.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestWriteQuorum(t *testing.T) {
	g, c := setup(t, 10)
	n, err := c.Create(ctx, []byte("x"))
	require.NoError(t, err)
	sm, err := n.ServerMap(ctx, ModeWrite)
	require.NoError(t, err)
	for _, node := range g.Nodes[:7] {
		node.Break()
	}
	_, err = c.publisher().Publish(ctx, sm, n.key, []byte("y"), 3, 10)
	assert.True(t, errors.Is(errors.NotEnoughShares, err), "got %v", err)
}

func TestDumpShare(t *testing.T) {
	g, c := setup(t, 4)
	n, err := c.Create(ctx, []byte("dump me"))
	require.NoError(t, err)
	si := n.Cap().StorageIndex()
	node := g.Nodes[0]
	shares := node.Shares(si, true)
	require.NotEmpty(t, shares)
	b, err := node.ShareBytes(si, shares[0], true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpShare(&buf, b))
	assert.Contains(t, buf.String(), "seqnum 1")
	assert.Contains(t, buf.String(), "data length 7")

	err = DumpShare(&buf, b[:20])
	assert.True(t, errors.Is(errors.Malformed, err), "got %v", err)
}
