// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage implements a low-level interface for storing the
// blobs that hold shares. A storage server keeps one blob per share.
package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/rpatterson/tahoe-lafs/errors"
)

// Storage is a low-level storage interface for servers to store their
// data permanently. Implementations must be safe for concurrent use.
//
// A ref is a slash-separated path of elements drawn from lower case
// letters, digits, '-' and '_'.
type Storage interface {
	// Download retrieves the bytes associated with a ref.
	Download(ref string) ([]byte, error)

	// Put replaces the contents of ref. Readers observe either the old
	// contents or the new, never a mixture.
	Put(ref string, contents []byte) error

	// Delete permanently removes ref.
	Delete(ref string) error

	// List returns, in sorted order, every ref with the given prefix.
	List(prefix string) ([]string, error)

	// Close releases all resources used.
	Close() error
}

// Opts holds configuration options for the storage backend.
type Opts struct {
	Opts map[string]string
}

// DialOpts is a daisy-chaining mechanism for setting options to a
// backend during Dial.
type DialOpts func(*Opts) error

// Factory creates a backend from its options.
type Factory func(*Opts) (Storage, error)

var (
	mu           sync.Mutex
	registration = make(map[string]Factory)
)

// Register registers a new backend under a name. It is typically used
// in init functions.
func Register(name string, f Factory) error {
	const op errors.Op = "storage.Register"
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registration[name]; exists {
		return errors.E(op, errors.Exist, errors.Errorf("backend %q", name))
	}
	registration[name] = f
	return nil
}

// Backends returns the names of all registered backends.
func Backends() []string {
	mu.Lock()
	defer mu.Unlock()
	var names []string
	for n := range registration {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithOptions parses a string in the format "key1=value1,key2=value2,..."
// where keys and values are specific to each storage backend.
func WithOptions(options string) DialOpts {
	const op errors.Op = "storage.WithOptions"
	return func(o *Opts) error {
		if options == "" {
			return nil
		}
		for _, p := range strings.Split(options, ",") {
			kv := strings.Split(p, "=")
			if len(kv) != 2 {
				return errors.E(op, errors.Invalid, errors.Errorf("error parsing option %s", p))
			}
			o.Opts[kv[0]] = kv[1]
		}
		return nil
	}
}

// WithKeyValue sets a key-value pair as option. If called multiple
// times with the same key, the last one wins.
func WithKeyValue(key, value string) DialOpts {
	return func(o *Opts) error {
		o.Opts[key] = value
		return nil
	}
}

// Dial creates a backend of the named type using the dial options opts.
func Dial(name string, opts ...DialOpts) (Storage, error) {
	const op errors.Op = "storage.Dial"
	mu.Lock()
	f, found := registration[name]
	mu.Unlock()
	if !found {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("storage backend %q not registered", name))
	}
	dOpts := &Opts{Opts: make(map[string]string)}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(dOpts); err != nil {
			return nil, errors.E(op, err)
		}
	}
	s, err := f(dOpts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return s, nil
}

// ValidRef reports whether ref is well formed.
func ValidRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, elem := range strings.Split(ref, "/") {
		if elem == "" || elem == "." || elem == ".." {
			return false
		}
		for _, r := range elem {
			switch {
			case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
