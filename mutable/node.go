// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mutable implements slots: files that can be rewritten by the
// holder of a write capability. Each version is signed, so readers and
// verifiers accept only shares made by the key holder, and writers
// replace shares conditionally so that concurrent writers are detected
// rather than silently lost.
package mutable

import (
	"bytes"
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/factotum"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// Defaults for Client.
const (
	DefaultNeeded      = 3
	DefaultTotal       = 10
	DefaultMaxAttempts = 5
	DefaultBackoff     = 50 * time.Millisecond
)

// Client creates and opens slots.
type Client struct {
	Broker *broker.Broker
	// Timeout bounds each server request; zero means none.
	Timeout     time.Duration
	LeaseSecret []byte

	InitialQueryCount int
	ReadQuorum        int
	WriteQuorum       int

	// Needed and Total are k and N for new slots.
	Needed, Total int

	// MaxAttempts bounds the tries of Modify.
	MaxAttempts int
	// Backoff is the first delay after a collision; it doubles with
	// every attempt.
	Backoff time.Duration
}

func (c *Client) updater() *Updater {
	return &Updater{
		Broker:            c.Broker,
		Timeout:           c.Timeout,
		InitialQueryCount: c.InitialQueryCount,
		ReadQuorum:        c.ReadQuorum,
	}
}

func (c *Client) publisher() *Publisher {
	return &Publisher{
		Broker:      c.Broker,
		Timeout:     c.Timeout,
		LeaseSecret: c.LeaseSecret,
		WriteQuorum: c.WriteQuorum,
	}
}

func (c *Client) params() (int, int) {
	k, n := c.Needed, c.Total
	if k == 0 || n == 0 {
		k, n = DefaultNeeded, DefaultTotal
	}
	return k, n
}

// Create makes a new slot holding contents.
func (c *Client) Create(ctx context.Context, contents []byte) (*Node, error) {
	const op errors.Op = "mutable.Create"
	key, err := factotum.Generate()
	if err != nil {
		return nil, errors.E(op, err)
	}
	wc := writeCap(key)
	n, err := c.Open(wc)
	if err != nil {
		return nil, errors.E(op, err)
	}
	n.key = key
	sm, err := c.updater().update(ctx, n.keys, ModeWrite)
	if err != nil {
		return nil, errors.E(op, err)
	}
	k, total := c.params()
	if _, err := c.publisher().Publish(ctx, sm, key, contents, k, total); err != nil {
		return nil, errors.E(op, err)
	}
	return n, nil
}

// Open returns the node for a mutable capability. Nothing is read
// until the node is used.
func (c *Client) Open(cp uri.Cap) (*Node, error) {
	k, err := keysFromCap(cp)
	if err != nil {
		return nil, errors.E(errors.Op("mutable.Open"), err)
	}
	return &Node{client: c, cap: cp, keys: k}, nil
}

// Node is an open slot.
type Node struct {
	client *Client
	cap    uri.Cap
	keys   *keys

	mu  sync.Mutex // Serializes writes through this node.
	key *factotum.Key
}

// Cap returns the capability the node was opened with.
func (n *Node) Cap() uri.Cap { return n.cap }

// IsReadOnly reports whether the node lacks write power.
func (n *Node) IsReadOnly() bool { return n.keys.writekey == nil }

// Writekey returns the slot's write key, or nil for a read-only node.
// Directories derive the keys of their entries from it.
func (n *Node) Writekey() []byte { return n.keys.writekey }

// ServerMap runs a map update of the slot.
func (n *Node) ServerMap(ctx context.Context, mode Mode) (*ServerMap, error) {
	return n.client.updater().update(ctx, n.keys, mode)
}

// DownloadBestVersion returns the contents of the newest recoverable
// version.
func (n *Node) DownloadBestVersion(ctx context.Context) ([]byte, error) {
	const op errors.Op = "mutable.DownloadBestVersion"
	sm, err := n.ServerMap(ctx, ModeRead)
	if err != nil {
		return nil, errors.E(op, err)
	}
	b, _, err := Retrieve(ctx, sm)
	if errors.Is(errors.UnrecoverableVersion, err) {
		// A read-mode map may have stopped before finding an older
		// version that is intact. Look everywhere.
		if sm, err = n.ServerMap(ctx, ModeCheck); err != nil {
			return nil, errors.E(op, err)
		}
		b, _, err = Retrieve(ctx, sm)
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// Size returns the length of the newest recoverable version.
func (n *Node) Size(ctx context.Context) (int64, error) {
	const op errors.Op = "mutable.Size"
	sm, err := n.ServerMap(ctx, ModeRead)
	if err != nil {
		return 0, errors.E(op, err)
	}
	v, ok := sm.Best()
	if !ok {
		if len(sm.Shares) == 0 && len(sm.CorruptShares()) == 0 {
			return 0, errors.E(op, n.keys.si, errors.NoShares)
		}
		return 0, errors.E(op, n.keys.si, errors.UnrecoverableVersion)
	}
	return v.DataLen, nil
}

// Overwrite replaces the contents of the slot. It fails with Collision
// if another writer changed the slot during the call.
func (n *Node) Overwrite(ctx context.Context, contents []byte) error {
	const op errors.Op = "mutable.Overwrite"
	if n.IsReadOnly() {
		return errors.E(op, n.keys.si, errors.NotWriteable)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	sm, err := n.ServerMap(ctx, ModeWrite)
	if err != nil {
		return errors.E(op, err)
	}
	if err := n.publish(ctx, sm, contents); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Modify applies fn to the current contents and publishes the result,
// retrying with backoff when another writer collides. If fn returns
// the contents unchanged nothing is written.
func (n *Node) Modify(ctx context.Context, fn func(old []byte) ([]byte, error)) error {
	const op errors.Op = "mutable.Modify"
	if n.IsReadOnly() {
		return errors.E(op, n.keys.si, errors.NotWriteable)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	attempts := n.client.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	backoff := n.client.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := backoff<<(i-1) + rand.N(backoff)
			log.Debug.Printf("mutable: collision on %s, retrying in %v", n.keys.si, delay)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return errors.E(op, n.keys.si, errors.IO, ctx.Err())
			}
		}
		err = n.modify(ctx, fn)
		if !errors.Is(errors.Collision, err) {
			break
		}
	}
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Repair republishes the newest recoverable version under the next
// sequence number, so that every server ends up holding a fresh share
// of a single version.
func (n *Node) Repair(ctx context.Context) (VersionID, error) {
	const op errors.Op = "mutable.Repair"
	if n.IsReadOnly() {
		return VersionID{}, errors.E(op, n.keys.si, errors.NotWriteable)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	sm, err := n.ServerMap(ctx, ModeWrite)
	if err != nil {
		return VersionID{}, errors.E(op, err)
	}
	sm.Verify(ctx)
	contents, v, err := Retrieve(ctx, sm)
	if err != nil {
		return VersionID{}, errors.E(op, err)
	}
	if err := n.publish(ctx, sm, contents); err != nil {
		return VersionID{}, errors.E(op, err)
	}
	log.Info.Printf("mutable: repaired %s from version %d", n.keys.si, v.Seqnum)
	return v, nil
}

func (n *Node) modify(ctx context.Context, fn func(old []byte) ([]byte, error)) error {
	sm, err := n.ServerMap(ctx, ModeWrite)
	if err != nil {
		return err
	}
	old, _, err := Retrieve(ctx, sm)
	if err != nil {
		return err
	}
	contents, err := fn(old)
	if err != nil {
		return err
	}
	if bytes.Equal(old, contents) {
		return nil
	}
	return n.publish(ctx, sm, contents)
}

// publish writes contents as a new version, keeping the k and N of the
// current one.
func (n *Node) publish(ctx context.Context, sm *ServerMap, contents []byte) error {
	if n.key == nil {
		if sm.privkey == nil {
			return errors.E(n.keys.si, errors.Permission, errors.Str("cannot recover the signing key"))
		}
		n.key = sm.privkey
	}
	k, total := n.client.params()
	if v, ok := sm.Best(); ok {
		k, total = v.K, v.N
	}
	_, err := n.client.publisher().Publish(ctx, sm, n.key, contents, k, total)
	return err
}
