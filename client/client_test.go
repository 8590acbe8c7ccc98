// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/helper"
	"github.com/rpatterson/tahoe-lafs/test/testgrid"
	"github.com/rpatterson/tahoe-lafs/uri"
)

var ctx = context.Background()

var params = grid.EncodingParams{Needed: 3, Happy: 7, Total: 10, MaxSegmentSize: 4096}

func setup(t *testing.T) (*testgrid.Grid, *Client) {
	t.Helper()
	g, err := testgrid.New(&testgrid.Setup{Servers: 10})
	require.NoError(t, err)
	t.Cleanup(func() { g.Exit() })
	c, err := New(Options{
		Broker:            g.Broker,
		Params:            params,
		ConvergenceSecret: []byte("secret"),
		LeaseSecret:       []byte("lease"),
	})
	require.NoError(t, err)
	return g, c
}

func randomData(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func read(t *testing.T, n Node, offset, size int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, n.Read(ctx, &buf, offset, size))
	return buf.Bytes()
}

func TestImmutable(t *testing.T) {
	_, c := setup(t)
	data := randomData(1, 10000)
	n, res, err := c.Upload(ctx, data)
	require.NoError(t, err)
	require.IsType(t, &ImmutableFile{}, n)
	assert.Len(t, res.SharesPlaced, 10)

	size, err := n.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, data, read(t, n, 0, -1))
	assert.Equal(t, data[1:5], read(t, n, 1, 4))
	assert.Equal(t, data[2:], read(t, n, 2, -1))
	assert.Equal(t, data[9990:], read(t, n, 9990, 100))
	assert.Equal(t, data[1:], read(t, n, 1, math.MaxInt64))

	r, err := c.Check(ctx, n.Cap(), true)
	require.NoError(t, err)
	assert.True(t, r.Healthy)
}

func TestLiteral(t *testing.T) {
	_, c := setup(t)
	n, _, err := c.Upload(ctx, []byte("hello, world"))
	require.NoError(t, err)
	require.IsType(t, &LiteralFile{}, n)
	assert.Equal(t, "ello", string(read(t, n, 1, 4)))
	assert.Equal(t, "llo, world", string(read(t, n, 2, -1)))
	assert.Equal(t, "hello, world", string(read(t, n, 0, 1000)))
	assert.Empty(t, read(t, n, 100, 5))
	assert.Equal(t, "world", string(read(t, n, 7, math.MaxInt64)))
}

func TestNodeIdentity(t *testing.T) {
	_, c := setup(t)
	n, _, err := c.Upload(ctx, randomData(2, 1000))
	require.NoError(t, err)
	s := n.Cap().String()
	a, err := c.NodeFromCap(s)
	require.NoError(t, err)
	b, err := c.NodeFromCap(s)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Same(t, n, a)

	_, err = c.NodeFromCap("URI:BOGUS:x")
	assert.Error(t, err)
}

func TestMutableFile(t *testing.T) {
	_, c := setup(t)
	f, err := c.CreateMutableFile(ctx, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(read(t, f, 0, -1)))
	assert.Equal(t, "irs", string(read(t, f, 1, 3)))
	require.NoError(t, f.Overwrite(ctx, []byte("second")))

	ro, err := c.Node(f.Cap().ReadOnly())
	require.NoError(t, err)
	mf, ok := ro.(*MutableFile)
	require.True(t, ok, "got %T", ro)
	assert.True(t, mf.IsReadOnly())
	assert.Equal(t, "second", string(read(t, mf, 0, -1)))
	size, err := mf.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
}

func TestReadOnlyWithoutIO(t *testing.T) {
	_, c := setup(t)
	f, err := c.CreateMutableFile(ctx, []byte("contents"))
	require.NoError(t, err)

	// A client that knows no servers can still refuse the write.
	offline, err := New(Options{Broker: broker.New()})
	require.NoError(t, err)
	n, err := offline.Node(f.Cap().ReadOnly())
	require.NoError(t, err)
	err = n.(*MutableFile).Overwrite(ctx, []byte("x"))
	assert.True(t, errors.Is(errors.NotWriteable, err), "got %v", err)
}

func TestEmptyMutableFile(t *testing.T) {
	_, c := setup(t)
	f, err := c.CreateMutableFile(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, read(t, f, 0, -1))
	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestUploadThroughHelper(t *testing.T) {
	g, err := testgrid.New(&testgrid.Setup{Servers: 10})
	require.NoError(t, err)
	defer g.Exit()
	h, err := helper.New(helper.Options{Dir: t.TempDir(), Broker: g.Broker})
	require.NoError(t, err)
	c, err := New(Options{Broker: g.Broker, Params: params, ConvergenceSecret: []byte("secret"), Helper: h})
	require.NoError(t, err)

	data := randomData(3, 5000)
	n, res, err := c.Upload(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Pushed)
	assert.Equal(t, data, read(t, n, 0, -1))

	// Again: the helper finds the file already there.
	_, res, err = c.Upload(ctx, data)
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
}

func TestCapOfWrongKind(t *testing.T) {
	_, c := setup(t)
	n, _, err := c.Upload(ctx, randomData(4, 1000))
	require.NoError(t, err)
	_, err = c.Node(n.Cap().Verifier())
	assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	_, ok := n.Cap().(*uri.CHK)
	assert.True(t, ok)
}
