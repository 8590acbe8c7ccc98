// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/rpatterson/tahoe-lafs/bind"
	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/config"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/helper"
	"github.com/rpatterson/tahoe-lafs/leasedb"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/rpc"
	"github.com/rpatterson/tahoe-lafs/storage"
	"github.com/rpatterson/tahoe-lafs/store/server"

	_ "github.com/rpatterson/tahoe-lafs/storage/disk"
	_ "github.com/rpatterson/tahoe-lafs/storage/inprocess"
)

const (
	sharesDir    = "shares"
	leasesFile   = "leases.db"
	serverIDFile = "server_id"

	// reconnectInterval is how often the helper redials servers that
	// were down.
	reconnectInterval = time.Minute
)

// node is the set of services one gridnode runs.
type node struct {
	cfg     *config.Config
	id      grid.ServerID
	storage storage.Storage
	leases  *leasedb.DB
	server  *server.Server
	broker  *broker.Broker
	helper  *helper.Helper
	rpc     *rpc.Server

	local  *grid.Endpoint // The storage server as published in process.
	tmpDir string         // Holds the lease database of a server with no dir.

	closeOnce sync.Once
}

// newNode opens the storage and starts the services cfg enables.
func newNode(ctx context.Context, cfg *config.Config) (*node, error) {
	const op errors.Op = "gridnode.newNode"
	if !cfg.Storage.Enabled && !cfg.HelperService.Enabled {
		return nil, errors.E(op, errors.Invalid, "neither storage nor helper_service is enabled")
	}
	n := &node{cfg: cfg}
	if cfg.Storage.Enabled {
		if err := n.openStorage(); err != nil {
			n.Close()
			return nil, errors.E(op, err)
		}
	}
	if cfg.HelperService.Enabled {
		if err := n.startHelper(ctx); err != nil {
			n.Close()
			return nil, errors.E(op, err)
		}
	}
	opts := rpc.ServerOptions{}
	if n.server != nil {
		opts.Storage = n.server
	}
	if n.helper != nil {
		opts.Helper = n.helper
	}
	n.rpc = rpc.NewServer(opts)
	return n, nil
}

func (n *node) openStorage() error {
	st := n.cfg.Storage
	dir := st.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "gridnode")
		if err != nil {
			return errors.E(errors.IO, err)
		}
		n.tmpDir = tmp
		dir = tmp
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return errors.E(errors.IO, err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.E(errors.IO, err)
	}
	if n.id, err = serverID(st.ID, dir, n.tmpDir == ""); err != nil {
		return err
	}

	var opts []storage.DialOpts
	if st.Backend == "disk" {
		opts = append(opts, storage.WithKeyValue("basePath", filepath.Join(dir, sharesDir)))
	}
	if n.storage, err = storage.Dial(st.Backend, opts...); err != nil {
		return err
	}
	if n.leases, err = leasedb.Open(filepath.Join(dir, leasesFile)); err != nil {
		return err
	}
	n.server, err = server.New(server.Options{
		ID:            n.id,
		Storage:       n.storage,
		Leases:        n.leases,
		Capacity:      st.Capacity,
		ReservedSpace: st.ReservedSpace,
	})
	if err != nil {
		return err
	}
	log.Info.Printf("gridnode: storage server %s using %s backend in %s", n.id, st.Backend, dir)
	return nil
}

// serverID returns the configured ID, or the one saved in dir, or a
// new one that is saved there if save is set.
func serverID(configured, dir string, save bool) (grid.ServerID, error) {
	if configured != "" {
		return grid.ServerID(configured), nil
	}
	file := filepath.Join(dir, serverIDFile)
	b, err := os.ReadFile(file)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return grid.ServerID(id), nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.E(errors.IO, err)
	}
	id := uuid.NewString()
	if save {
		if err := os.WriteFile(file, []byte(id+"\n"), 0600); err != nil {
			return "", errors.E(errors.IO, err)
		}
	}
	return grid.ServerID(id), nil
}

// startHelper starts the upload helper with a broker for the
// configured servers. A storage server run by this node is reached in
// process.
func (n *node) startHelper(ctx context.Context) error {
	n.broker = broker.New()
	if n.server != nil {
		e := grid.Endpoint{Transport: grid.InProcess, NetAddr: grid.NetAddr("gridnode-" + string(n.id))}
		if err := bind.Publish(e.NetAddr, n.server); err != nil {
			return err
		}
		n.local = &e
		if err := n.broker.Connect(ctx, n.id, n.cfg.Nickname, e); err != nil {
			return err
		}
	}
	for i, e := range n.cfg.ServerEndpoints() {
		srv := n.cfg.Servers[i]
		if grid.ServerID(srv.ID) == n.id {
			continue
		}
		if err := n.broker.Connect(ctx, grid.ServerID(srv.ID), srv.Nickname, e); err != nil {
			return err
		}
	}
	hs := n.cfg.HelperService
	h, err := helper.New(helper.Options{
		Dir:         hs.Dir,
		Broker:      n.broker,
		LeaseSecret: n.cfg.Lease(),
		Timeout:     n.cfg.RequestTimeout,
		ChunkSize:   hs.ChunkSize,
	})
	if err != nil {
		return err
	}
	n.helper = h
	log.Info.Printf("gridnode: upload helper in %s with %d servers", hs.Dir, len(n.broker.Servers()))
	return nil
}

// serve answers requests on ln until ctx is done.
func (n *node) serve(ctx context.Context, ln net.Listener) error {
	const op errors.Op = "gridnode.serve"
	if limit := n.cfg.Storage.MaxConns; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}
	srv := &http.Server{
		Handler:           n.rpc,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.NewStdLogger(log.Info),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if n.broker != nil {
		go n.reconnect(ctx, reconnectInterval)
	}
	log.Info.Printf("gridnode: serving on %s", ln.Addr())
	err := srv.Serve(ln)
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return nil
	}
	return errors.E(op, errors.IO, err)
}

// reconnect redials unreachable servers every interval until ctx is
// done.
func (n *node) reconnect(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.broker.Reconnect(ctx)
		}
	}
}

// Close stops the services and releases the storage.
func (n *node) Close() {
	n.closeOnce.Do(func() {
		if n.rpc != nil {
			n.rpc.Close()
		}
		if n.local != nil {
			bind.Release(*n.local)
		}
		if n.server != nil {
			n.server.Close()
		}
		if n.leases != nil {
			if err := n.leases.Close(); err != nil {
				log.Error.Printf("gridnode: closing leases: %v", err)
			}
		}
		if n.storage != nil {
			n.storage.Close()
		}
		if n.tmpDir != "" {
			os.RemoveAll(n.tmpDir)
		}
	})
}
