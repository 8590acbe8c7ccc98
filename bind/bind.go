// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bind contains the global binding switch that turns endpoints
// into live storage servers and helpers.
package bind

import (
	"context"
	"sync"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/log"
)

// StorageDialer connects to a storage server at an endpoint.
type StorageDialer interface {
	DialStorage(ctx context.Context, e grid.Endpoint) (grid.StorageServer, error)
}

// HelperDialer connects to an upload helper at an endpoint.
type HelperDialer interface {
	DialHelper(ctx context.Context, e grid.Endpoint) (grid.Helper, error)
}

var (
	mu sync.Mutex // Protects all fields below.

	storageMap = make(map[grid.Transport]StorageDialer)
	helperMap  = make(map[grid.Transport]HelperDialer)

	storageCache = make(map[grid.Endpoint]grid.StorageServer)
	helperCache  = make(map[grid.Endpoint]grid.Helper)

	// Services published for the InProcess transport, by name.
	localStorage = make(map[grid.NetAddr]grid.StorageServer)
	localHelpers = make(map[grid.NetAddr]grid.Helper)
)

func init() {
	storageMap[grid.InProcess] = inProcess{}
	helperMap[grid.InProcess] = inProcess{}
}

// RegisterStorage registers a StorageDialer for the transport.
func RegisterStorage(t grid.Transport, d StorageDialer) error {
	const op errors.Op = "bind.RegisterStorage"
	mu.Lock()
	defer mu.Unlock()
	if _, ok := storageMap[t]; ok {
		return errors.E(op, errors.Exist, errors.Errorf("cannot override storage dialer for transport %v", t))
	}
	storageMap[t] = d
	return nil
}

// RegisterHelper registers a HelperDialer for the transport.
func RegisterHelper(t grid.Transport, d HelperDialer) error {
	const op errors.Op = "bind.RegisterHelper"
	mu.Lock()
	defer mu.Unlock()
	if _, ok := helperMap[t]; ok {
		return errors.E(op, errors.Exist, errors.Errorf("cannot override helper dialer for transport %v", t))
	}
	helperMap[t] = d
	return nil
}

// Publish makes svc, a grid.StorageServer or grid.Helper or both,
// reachable at the InProcess endpoint with the given name.
func Publish(name grid.NetAddr, svc interface{}) error {
	const op errors.Op = "bind.Publish"
	mu.Lock()
	defer mu.Unlock()
	found := false
	if s, ok := svc.(grid.StorageServer); ok {
		localStorage[name] = s
		found = true
	}
	if h, ok := svc.(grid.Helper); ok {
		localHelpers[name] = h
		found = true
	}
	if !found {
		return errors.E(op, errors.Invalid, errors.Errorf("%T is not a grid service", svc))
	}
	return nil
}

// StorageServer returns a StorageServer bound to the endpoint. Dialed
// servers are cached until released.
func StorageServer(ctx context.Context, e grid.Endpoint) (grid.StorageServer, error) {
	const op errors.Op = "bind.StorageServer"
	mu.Lock()
	if s, ok := storageCache[e]; ok {
		mu.Unlock()
		return s, nil
	}
	d, ok := storageMap[e.Transport]
	mu.Unlock()
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("no storage dialer for transport %v", e.Transport))
	}
	s, err := d.DialStorage(ctx, e)
	if err != nil {
		return nil, errors.E(op, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if prev, ok := storageCache[e]; ok {
		// Lost a race with a concurrent dial.
		return prev, nil
	}
	storageCache[e] = s
	log.Debug.Printf("bind: dialed storage server at %v", e)
	return s, nil
}

// Helper returns a Helper bound to the endpoint.
func Helper(ctx context.Context, e grid.Endpoint) (grid.Helper, error) {
	const op errors.Op = "bind.Helper"
	mu.Lock()
	if h, ok := helperCache[e]; ok {
		mu.Unlock()
		return h, nil
	}
	d, ok := helperMap[e.Transport]
	mu.Unlock()
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("no helper dialer for transport %v", e.Transport))
	}
	h, err := d.DialHelper(ctx, e)
	if err != nil {
		return nil, errors.E(op, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if prev, ok := helperCache[e]; ok {
		return prev, nil
	}
	helperCache[e] = h
	return h, nil
}

// Release drops any cached services for the endpoint, so the next call
// dials again.
func Release(e grid.Endpoint) {
	mu.Lock()
	defer mu.Unlock()
	delete(storageCache, e)
	delete(helperCache, e)
}

type inProcess struct{}

func (inProcess) DialStorage(ctx context.Context, e grid.Endpoint) (grid.StorageServer, error) {
	mu.Lock()
	defer mu.Unlock()
	s, ok := localStorage[e.NetAddr]
	if !ok {
		return nil, errors.E(errors.NotExist, errors.Errorf("no in-process storage server %q", e.NetAddr))
	}
	return s, nil
}

func (inProcess) DialHelper(ctx context.Context, e grid.Endpoint) (grid.Helper, error) {
	mu.Lock()
	defer mu.Unlock()
	h, ok := localHelpers[e.NetAddr]
	if !ok {
		return nil, errors.E(errors.NotExist, errors.Errorf("no in-process helper %q", e.NetAddr))
	}
	return h, nil
}
