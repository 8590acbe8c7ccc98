// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testgrid builds a complete grid of storage servers inside the
// test process. Servers are reached through bind like any other, and
// each can be broken, repaired, or have its shares tampered with.
package testgrid

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rpatterson/tahoe-lafs/bind"
	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/leasedb"
	"github.com/rpatterson/tahoe-lafs/storage"
	"github.com/rpatterson/tahoe-lafs/store/server"

	// Backends selected by Setup.Kind.
	_ "github.com/rpatterson/tahoe-lafs/storage/disk"
	_ "github.com/rpatterson/tahoe-lafs/storage/inprocess"
)

// Setup describes the grid to build.
type Setup struct {
	// Servers is the number of storage servers.
	Servers int
	// Kind is the storage backend, "inprocess" (the default) or "disk".
	Kind string
	// Capacity bounds each server's storage; zero means no bound.
	Capacity int64
}

// Node is one storage server of the grid.
type Node struct {
	ID      grid.ServerID
	Server  *server.Server
	Storage storage.Storage
	Leases  *leasedb.DB

	// broken makes every request fail.
	broken atomic.Bool
}

// Grid is a running test grid.
type Grid struct {
	Broker *broker.Broker
	Nodes  []*Node

	setup  *Setup
	tmpDir string
	prefix string
}

// New builds a grid and connects a broker to every server.
func New(setup *Setup) (*Grid, error) {
	const op errors.Op = "testgrid.New"
	if setup.Kind == "" {
		setup.Kind = "inprocess"
	}
	dir, err := os.MkdirTemp("", "testgrid")
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	b := make([]byte, 8)
	rand.Read(b)
	g := &Grid{
		Broker: broker.New(),
		setup:  setup,
		tmpDir: dir,
		prefix: fmt.Sprintf("testgrid-%x", b),
	}
	for i := 0; i < setup.Servers; i++ {
		if _, err := g.AddServer(); err != nil {
			g.Exit()
			return nil, errors.E(op, err)
		}
	}
	return g, nil
}

// AddServer starts another storage server and connects it.
func (g *Grid) AddServer() (*Node, error) {
	const op errors.Op = "testgrid.AddServer"
	i := len(g.Nodes)
	id := grid.ServerID(fmt.Sprintf("v0-server%02d", i))
	var opts []storage.DialOpts
	if g.setup.Kind == "disk" {
		opts = append(opts, storage.WithKeyValue("basePath", filepath.Join(g.tmpDir, string(id))))
	}
	st, err := storage.Dial(g.setup.Kind, opts...)
	if err != nil {
		return nil, errors.E(op, err)
	}
	db, err := leasedb.Open(filepath.Join(g.tmpDir, string(id)+".leases"))
	if err != nil {
		return nil, errors.E(op, err)
	}
	srv, err := server.New(server.Options{ID: id, Storage: st, Leases: db, Capacity: g.setup.Capacity})
	if err != nil {
		db.Close()
		return nil, errors.E(op, err)
	}
	n := &Node{ID: id, Server: srv, Storage: st, Leases: db}
	addr := grid.NetAddr(fmt.Sprintf("%s-%s", g.prefix, id))
	if err := bind.Publish(addr, &faulty{node: n}); err != nil {
		return nil, errors.E(op, err)
	}
	e := grid.Endpoint{Transport: grid.InProcess, NetAddr: addr}
	if err := g.Broker.Connect(context.Background(), id, fmt.Sprintf("node%d", i), e); err != nil {
		return nil, errors.E(op, err)
	}
	g.Nodes = append(g.Nodes, n)
	return n, nil
}

// Exit releases every server and removes the grid's files.
func (g *Grid) Exit() error {
	for _, n := range g.Nodes {
		n.Server.Close()
		n.Leases.Close()
		n.Storage.Close()
	}
	return os.RemoveAll(g.tmpDir)
}

// Node returns the node with the given ID.
func (g *Grid) Node(id grid.ServerID) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Break makes every request to the server fail.
func (n *Node) Break() { n.broken.Store(true) }

// Fix undoes Break.
func (n *Node) Fix() { n.broken.Store(false) }

// Disconnect marks the server disconnected in the broker.
func (g *Grid) Disconnect(id grid.ServerID) error {
	return g.Broker.SetConnected(id, false)
}

// Shares returns, for each share of si, the servers holding it.
func (g *Grid) Shares(si grid.StorageIndex, mutable bool) map[grid.ShareNum][]grid.ServerID {
	out := make(map[grid.ShareNum][]grid.ServerID)
	for _, n := range g.Nodes {
		for _, sh := range n.Shares(si, mutable) {
			out[sh] = append(out[sh], n.ID)
		}
	}
	return out
}

// Shares returns the shares of si held by the server.
func (n *Node) Shares(si grid.StorageIndex, mutable bool) []grid.ShareNum {
	dir := server.ShareRef(si, 0, mutable)
	dir = dir[:strings.LastIndex(dir, "/")+1]
	refs, err := n.Storage.List(dir)
	if err != nil {
		return nil
	}
	var out []grid.ShareNum
	for _, ref := range refs {
		var sh int
		if _, err := fmt.Sscanf(ref[len(dir):], "%d", &sh); err == nil {
			out = append(out, grid.ShareNum(sh))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ShareBytes returns the raw bytes of a stored share.
func (n *Node) ShareBytes(si grid.StorageIndex, sh grid.ShareNum, mutable bool) ([]byte, error) {
	return n.Storage.Download(server.ShareRef(si, sh, mutable))
}

// Corrupt flips the low bit of the byte at offset in a stored share.
func (n *Node) Corrupt(si grid.StorageIndex, sh grid.ShareNum, mutable bool, offset int64) error {
	const op errors.Op = "testgrid.Corrupt"
	ref := server.ShareRef(si, sh, mutable)
	b, err := n.Storage.Download(ref)
	if err != nil {
		return errors.E(op, err)
	}
	if offset < 0 || offset >= int64(len(b)) {
		return errors.E(op, errors.Invalid, errors.Errorf("offset %d outside share of %d bytes", offset, len(b)))
	}
	b = append([]byte(nil), b...)
	b[offset] ^= 1
	return n.Storage.Put(ref, b)
}

// Delete removes a stored share.
func (n *Node) Delete(si grid.StorageIndex, sh grid.ShareNum, mutable bool) error {
	return n.Storage.Delete(server.ShareRef(si, sh, mutable))
}

// DeleteAll removes every share of si from the grid.
func (g *Grid) DeleteAll(si grid.StorageIndex, mutable bool) {
	for _, n := range g.Nodes {
		for _, sh := range n.Shares(si, mutable) {
			n.Delete(si, sh, mutable)
		}
	}
}

// faulty wraps a node's server so that tests can make it fail.
type faulty struct {
	node *Node
}

var _ grid.StorageServer = (*faulty)(nil)

func (f *faulty) check() error {
	if f.node.broken.Load() {
		return errors.E(f.node.ID, errors.IO, errors.Str("server is broken"))
	}
	return nil
}

func (f *faulty) AllocateBuckets(ctx context.Context, si grid.StorageIndex, leases grid.LeaseSecrets, shares []grid.ShareNum, size int64) ([]grid.ShareNum, map[grid.ShareNum]grid.BucketWriter, error) {
	if err := f.check(); err != nil {
		return nil, nil, err
	}
	return f.node.Server.AllocateBuckets(ctx, si, leases, shares, size)
}

func (f *faulty) GetBuckets(ctx context.Context, si grid.StorageIndex) (map[grid.ShareNum]grid.BucketReader, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.node.Server.GetBuckets(ctx, si)
}

func (f *faulty) SlotReadv(ctx context.Context, si grid.StorageIndex, shares []grid.ShareNum, readv []grid.ReadVector) (map[grid.ShareNum][][]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.node.Server.SlotReadv(ctx, si, shares, readv)
}

func (f *faulty) SlotTestAndWrite(ctx context.Context, si grid.StorageIndex, we grid.WriteEnabler, leases grid.LeaseSecrets, tw map[grid.ShareNum]grid.TestAndWrite, readv []grid.ReadVector) (bool, map[grid.ShareNum][][]byte, error) {
	if err := f.check(); err != nil {
		return false, nil, err
	}
	return f.node.Server.SlotTestAndWrite(ctx, si, we, leases, tw, readv)
}

func (f *faulty) AdviseCorruptShare(ctx context.Context, si grid.StorageIndex, share grid.ShareNum, mutable bool, reason string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.node.Server.AdviseCorruptShare(ctx, si, share, mutable, reason)
}
