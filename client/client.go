// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client is the entry point for programs that use the grid.
// It turns capabilities into nodes (immutable files, literal files,
// mutable files and directories), uploads new files, and checks and
// repairs existing ones.
package client

import (
	"context"
	"time"

	"github.com/rpatterson/tahoe-lafs/broker"
	"github.com/rpatterson/tahoe-lafs/cache"
	"github.com/rpatterson/tahoe-lafs/checker"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/helper"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/mutable"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// DefaultNodeCacheSize is the number of nodes a Client remembers.
const DefaultNodeCacheSize = 1000

// Options configure a Client.
type Options struct {
	Broker *broker.Broker
	Params grid.EncodingParams
	// ConvergenceSecret makes immutable uploads convergent; nil means
	// a random key for every file.
	ConvergenceSecret []byte
	LeaseSecret       []byte
	// Timeout bounds each server request; zero means none.
	Timeout time.Duration
	// Helper, if set, receives immutable uploads.
	Helper grid.Helper

	InitialQueryCount int
	ReadQuorum        int
	WriteQuorum       int

	// NodeCacheSize bounds the node cache; zero means
	// DefaultNodeCacheSize.
	NodeCacheSize int
}

// Client gives access to the grid.
type Client struct {
	params     grid.EncodingParams
	uploader   *immutable.Uploader
	assisted   *helper.Uploader
	downloader *immutable.Downloader
	mutable    *mutable.Client
	checker    *checker.Checker

	nodes *cache.LRU[string, Node]
}

// New returns a client configured by opts.
func New(opts Options) (*Client, error) {
	const op errors.Op = "client.New"
	if opts.Broker == nil {
		return nil, errors.E(op, errors.Invalid, "client needs a broker")
	}
	if opts.Params == (grid.EncodingParams{}) {
		opts.Params = grid.DefaultEncodingParams
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	size := opts.NodeCacheSize
	if size <= 0 {
		size = DefaultNodeCacheSize
	}
	placer := immutable.Placer{Broker: opts.Broker, LeaseSecret: opts.LeaseSecret, Timeout: opts.Timeout}
	mc := &mutable.Client{
		Broker:            opts.Broker,
		Timeout:           opts.Timeout,
		LeaseSecret:       opts.LeaseSecret,
		InitialQueryCount: opts.InitialQueryCount,
		ReadQuorum:        opts.ReadQuorum,
		WriteQuorum:       opts.WriteQuorum,
		Needed:            opts.Params.Needed,
		Total:             opts.Params.Total,
	}
	c := &Client{
		params: opts.Params,
		uploader: &immutable.Uploader{
			Placer:            placer,
			Params:            opts.Params,
			ConvergenceSecret: opts.ConvergenceSecret,
		},
		downloader: &immutable.Downloader{Broker: opts.Broker, Timeout: opts.Timeout},
		mutable:    mc,
		checker: &checker.Checker{
			Broker:      opts.Broker,
			Timeout:     opts.Timeout,
			LeaseSecret: opts.LeaseSecret,
			Mutable:     mc,
		},
		nodes: cache.NewLRU[string, Node](size),
	}
	if opts.Helper != nil {
		c.assisted = &helper.Uploader{
			Helper:            opts.Helper,
			Params:            opts.Params,
			ConvergenceSecret: opts.ConvergenceSecret,
		}
	}
	return c, nil
}

// NodeFromCap returns the node named by a capability string. The same
// string always yields the same node while it stays in the cache.
func (c *Client) NodeFromCap(s string) (Node, error) {
	const op errors.Op = "client.NodeFromCap"
	if n, ok := c.nodes.Get(s); ok {
		return n, nil
	}
	cp, err := uri.Parse(s)
	if err != nil {
		return nil, errors.E(op, err)
	}
	n, err := c.newNode(cp)
	if err != nil {
		return nil, errors.E(op, err)
	}
	n, _ = c.nodes.GetOrAdd(s, n)
	return n, nil
}

// Node returns the node for cp, through the cache.
func (c *Client) Node(cp uri.Cap) (Node, error) {
	return c.NodeFromCap(cp.String())
}

func (c *Client) newNode(cp uri.Cap) (Node, error) {
	switch cp := cp.(type) {
	case *uri.Literal:
		return &LiteralFile{cap: cp}, nil
	case *uri.CHK:
		return &ImmutableFile{c: c, cap: cp}, nil
	case *uri.SSKWrite, *uri.SSKRead:
		n, err := c.mutable.Open(cp)
		if err != nil {
			return nil, err
		}
		return &MutableFile{node: n}, nil
	case *uri.Directory:
		switch cp.File.(type) {
		case *uri.SSKWrite, *uri.SSKRead:
		default:
			return nil, errors.E(errors.Invalid, errors.Errorf("cannot open directory %s", cp))
		}
		n, err := c.mutable.Open(cp.File)
		if err != nil {
			return nil, err
		}
		return &Directory{c: c, cap: cp, file: &MutableFile{node: n}}, nil
	}
	return nil, errors.E(errors.Invalid, errors.Errorf("a %T names no readable node", cp))
}

// Upload stores data as an immutable file, through the helper if one
// is configured.
func (c *Client) Upload(ctx context.Context, data []byte) (Node, *immutable.Results, error) {
	const op errors.Op = "client.Upload"
	var (
		res *immutable.Results
		err error
	)
	if c.assisted != nil {
		res, err = c.assisted.Upload(ctx, data)
	} else {
		res, err = c.uploader.Upload(ctx, data)
	}
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	n, err := c.Node(res.Cap)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	return n, res, nil
}

// CreateMutableFile makes a new mutable file holding contents.
func (c *Client) CreateMutableFile(ctx context.Context, contents []byte) (*MutableFile, error) {
	const op errors.Op = "client.CreateMutableFile"
	n, err := c.mutable.Create(ctx, contents)
	if err != nil {
		return nil, errors.E(op, err)
	}
	f := &MutableFile{node: n}
	c.nodes.Add(n.Cap().String(), f)
	return f, nil
}

// CreateDirectory makes a new, empty directory.
func (c *Client) CreateDirectory(ctx context.Context) (*Directory, error) {
	const op errors.Op = "client.CreateDirectory"
	n, err := c.mutable.Create(ctx, nil)
	if err != nil {
		return nil, errors.E(op, err)
	}
	d := &Directory{c: c, cap: &uri.Directory{File: n.Cap()}, file: &MutableFile{node: n}}
	c.nodes.Add(d.cap.String(), d)
	return d, nil
}

// Check reports the health of the file named by cp.
func (c *Client) Check(ctx context.Context, cp uri.Cap, verify bool) (*checker.Results, error) {
	return c.checker.Check(ctx, cp, verify)
}

// Repair restores the shares of the file named by cp.
func (c *Client) Repair(ctx context.Context, cp uri.Cap) error {
	return c.checker.Repair(ctx, cp)
}

// CheckAndRepair checks the file named by cp and repairs it if needed.
func (c *Client) CheckAndRepair(ctx context.Context, cp uri.Cap, verify bool) (*checker.RepairResults, error) {
	return c.checker.CheckAndRepair(ctx, cp, verify)
}
