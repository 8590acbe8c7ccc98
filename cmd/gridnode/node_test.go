// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/bind"
	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/client"
	"github.com/rpatterson/tahoe-lafs/config"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

var params = grid.EncodingParams{Needed: 2, Happy: 1, Total: 3, MaxSegmentSize: 4096}

func testConfig(t *testing.T, storage, helper bool) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Enabled = storage
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.Listen = "127.0.0.1:0"
	cfg.HelperService.Enabled = helper
	cfg.HelperService.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

// start runs a node on a loopback port and returns its endpoint.
func start(t *testing.T, cfg *config.Config) (*node, grid.Endpoint) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	n, err := newNode(ctx, cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", cfg.Storage.Listen)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- n.serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		n.Close()
	})
	return n, grid.Endpoint{Transport: grid.Remote, NetAddr: grid.NetAddr(ln.Addr().String())}
}

func randomData(seed int64, size int) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestStorageAndHelper(t *testing.T) {
	ctx := context.Background()
	n, e := start(t, testConfig(t, true, true))

	b := broker.New()
	require.NoError(t, b.Connect(ctx, n.id, "node", e))
	srv, ok := b.Get(n.id)
	require.True(t, ok)
	require.True(t, srv.Connected)

	direct, err := client.New(client.Options{Broker: b, Params: params, LeaseSecret: []byte("lease")})
	require.NoError(t, err)
	data := randomData(1, 9000)
	f, _, err := direct.Upload(ctx, data)
	require.NoError(t, err)
	got, err := client.ReadAll(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	h, err := bind.Helper(ctx, e)
	require.NoError(t, err)
	assisted, err := client.New(client.Options{Broker: b, Params: params, LeaseSecret: []byte("lease"), Helper: h})
	require.NoError(t, err)
	data = randomData(2, 9000)
	f, res, err := assisted.Upload(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Pushed)

	// The helper placed the shares on the node's own storage server.
	f, err = direct.Node(f.Cap())
	require.NoError(t, err)
	got, err = client.ReadAll(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NotZero(t, n.server.Used())
}

func TestHelperOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, false, true)
	n, e := start(t, cfg)
	assert.Nil(t, n.server)
	assert.Empty(t, n.broker.Servers())

	// There is no storage service to reach.
	b := broker.New()
	require.NoError(t, b.Connect(ctx, "none", "", e))
	srv, ok := b.Get("none")
	require.True(t, ok)
	assert.False(t, srv.Connected)
}

func TestServerIDPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true, false)
	n, err := newNode(ctx, cfg)
	require.NoError(t, err)
	id := n.id
	n.Close()
	require.NotEmpty(t, id)
	b, err := os.ReadFile(filepath.Join(cfg.Storage.Dir, serverIDFile))
	require.NoError(t, err)
	assert.Equal(t, string(id)+"\n", string(b))

	n, err = newNode(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, id, n.id)
	n.Close()

	cfg.Storage.ID = "configured"
	n, err = newNode(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, grid.ServerID("configured"), n.id)
	n.Close()
}

func TestInprocessWithoutDir(t *testing.T) {
	cfg := testConfig(t, false, false)
	cfg.Storage.Enabled = true
	cfg.Storage.Backend = "inprocess"
	cfg.Storage.Dir = ""
	require.NoError(t, cfg.Validate())
	n, err := newNode(context.Background(), cfg)
	require.NoError(t, err)
	tmp := n.tmpDir
	require.NotEmpty(t, tmp)
	n.Close()
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "got %v", err)
}

func TestNothingToServe(t *testing.T) {
	_, err := newNode(context.Background(), testConfig(t, false, false))
	assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}
