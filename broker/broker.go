// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package broker keeps the registry of known storage servers and ranks
// them on the permuted ring of each storage index.
package broker

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rpatterson/tahoe-lafs/bind"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/log"
)

// Server describes one storage server. A Server held by the broker is
// never modified; changes replace it.
type Server struct {
	ID        grid.ServerID
	Nickname  string
	Endpoint  grid.Endpoint
	Connected bool
	Storage   grid.StorageServer
}

// Broker is a registry of servers. Readers see a consistent snapshot
// without locking.
type Broker struct {
	mu   sync.Mutex // Serializes mutators.
	snap atomic.Pointer[map[grid.ServerID]*Server]
}

// New returns an empty broker.
func New() *Broker {
	b := &Broker{}
	m := make(map[grid.ServerID]*Server)
	b.snap.Store(&m)
	return b
}

// update applies fn to a copy of the registry and publishes the copy.
func (b *Broker) update(fn func(m map[grid.ServerID]*Server) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.snap.Load()
	m := make(map[grid.ServerID]*Server, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	if err := fn(m); err != nil {
		return err
	}
	b.snap.Store(&m)
	return nil
}

// Add registers a server. Adding a server ID twice is an error.
func (b *Broker) Add(s Server) error {
	const op errors.Op = "broker.Add"
	if s.ID == "" {
		return errors.E(op, errors.Invalid, "server ID is required")
	}
	return b.update(func(m map[grid.ServerID]*Server) error {
		if _, ok := m[s.ID]; ok {
			return errors.E(op, errors.Exist, s.ID)
		}
		s := s
		m[s.ID] = &s
		return nil
	})
}

// Remove forgets a server.
func (b *Broker) Remove(id grid.ServerID) error {
	const op errors.Op = "broker.Remove"
	return b.update(func(m map[grid.ServerID]*Server) error {
		if _, ok := m[id]; !ok {
			return errors.E(op, errors.NotExist, id)
		}
		delete(m, id)
		return nil
	})
}

// SetConnected records whether a server is reachable.
func (b *Broker) SetConnected(id grid.ServerID, connected bool) error {
	const op errors.Op = "broker.SetConnected"
	return b.update(func(m map[grid.ServerID]*Server) error {
		old, ok := m[id]
		if !ok {
			return errors.E(op, errors.NotExist, id)
		}
		s := *old
		s.Connected = connected
		m[id] = &s
		return nil
	})
}

// Get returns the server with the given ID.
func (b *Broker) Get(id grid.ServerID) (*Server, bool) {
	s, ok := (*b.snap.Load())[id]
	return s, ok
}

// Servers returns every registered server, sorted by ID.
func (b *Broker) Servers() []*Server {
	m := *b.snap.Load()
	out := make([]*Server, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PermutedServers returns the connected servers in the order of the
// permuted ring for si. The order depends only on si and the server
// IDs.
func (b *Broker) PermutedServers(si grid.StorageIndex) []*Server {
	type ranked struct {
		key []byte
		s   *Server
	}
	m := *b.snap.Load()
	list := make([]ranked, 0, len(m))
	for _, s := range m {
		if !s.Connected {
			continue
		}
		list = append(list, ranked{hashutil.PermuteKey(si, s.ID), s})
	}
	sort.Slice(list, func(i, j int) bool {
		if c := bytes.Compare(list[i].key, list[j].key); c != 0 {
			return c < 0
		}
		return list[i].s.ID < list[j].s.ID
	})
	out := make([]*Server, len(list))
	for i, r := range list {
		out[i] = r.s
	}
	return out
}

// Connect dials a server's endpoint through bind and registers it. A
// server that cannot be dialed is registered as disconnected so that a
// later Reconnect may bring it up.
func (b *Broker) Connect(ctx context.Context, id grid.ServerID, nickname string, e grid.Endpoint) error {
	s := Server{ID: id, Nickname: nickname, Endpoint: e}
	ss, err := bind.StorageServer(ctx, e)
	if err != nil {
		log.Info.Printf("broker: server %s at %v unreachable: %v", id, e, err)
	} else {
		s.Storage = ss
		s.Connected = true
	}
	return b.Add(s)
}

// Reconnect redials every disconnected server.
func (b *Broker) Reconnect(ctx context.Context) {
	for _, s := range b.Servers() {
		if s.Connected {
			continue
		}
		ss, err := bind.StorageServer(ctx, s.Endpoint)
		if err != nil {
			continue
		}
		b.update(func(m map[grid.ServerID]*Server) error {
			if cur, ok := m[s.ID]; ok {
				n := *cur
				n.Storage = ss
				n.Connected = true
				m[s.ID] = &n
			}
			return nil
		})
	}
}
