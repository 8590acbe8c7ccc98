// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package inprocess provides a storage.Storage that keeps blobs in
// memory. It is used by tests and by servers that need no persistence.
package inprocess

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/storage"
)

// Name is the backend name under which this package registers.
const Name = "inprocess"

func init() {
	if err := storage.Register(Name, New); err != nil {
		panic(err)
	}
}

type mem struct {
	// capacity is the maximum number of bytes held; zero means
	// unlimited.
	capacity int64

	mu   sync.RWMutex
	used int64
	m    map[string][]byte
}

// New returns an empty in-memory backend. The only option is
// "capacity", a byte limit.
func New(opts *storage.Opts) (storage.Storage, error) {
	const op errors.Op = "storage/inprocess.New"
	m := &mem{m: make(map[string][]byte)}
	if v, ok := opts.Opts["capacity"]; ok {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil || c < 0 {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("invalid capacity %q", v))
		}
		m.capacity = c
	}
	return m, nil
}

func (m *mem) Download(ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.m[ref]
	if !ok {
		return nil, errors.E(errors.Op("storage/inprocess.Download"), errors.NotExist, errors.Str(ref))
	}
	return append([]byte{}, b...), nil
}

func (m *mem) Put(ref string, b []byte) error {
	const op errors.Op = "storage/inprocess.Put"
	if !storage.ValidRef(ref) {
		return errors.E(op, errors.Invalid, errors.Errorf("bad ref %q", ref))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.used - int64(len(m.m[ref])) + int64(len(b))
	if m.capacity > 0 && used > m.capacity {
		return errors.E(op, errors.IO, errors.Str("capacity exceeded"))
	}
	m.used = used
	m.m[ref] = append([]byte{}, b...)
	return nil
}

func (m *mem) Delete(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.m[ref]
	if !ok {
		return errors.E(errors.Op("storage/inprocess.Delete"), errors.NotExist, errors.Str(ref))
	}
	m.used -= int64(len(b))
	delete(m.m, ref)
	return nil
}

func (m *mem) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []string
	for ref := range m.m {
		if strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (m *mem) Close() error { return nil }
