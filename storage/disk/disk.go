// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disk provides a storage.Storage that stores data on local disk.
package disk

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/storage"
)

// Name is the backend name under which this package registers.
const Name = "disk"

func init() {
	if err := storage.Register(Name, New); err != nil {
		panic(err)
	}
}

// New initializes and returns a disk-backed storage.Storage with the given
// options. The single, required option is "basePath" that must be an absolute
// path under which all objects should be stored.
func New(opts *storage.Opts) (storage.Storage, error) {
	const op errors.Op = "storage/disk.New"
	base, ok := opts.Opts["basePath"]
	if !ok {
		return nil, errors.E(op, errors.Invalid, "the basePath option must be specified")
	}
	if !filepath.IsAbs(base) {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("basePath %q is not absolute", base))
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return &storageImpl{base: base}, nil
}

type storageImpl struct {
	base string
}

var _ storage.Storage = (*storageImpl)(nil)

// Download implements storage.Storage.
func (s *storageImpl) Download(ref string) ([]byte, error) {
	const op errors.Op = "storage/disk.Download"
	p, err := s.path(ref)
	if err != nil {
		return nil, errors.E(op, err)
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.E(op, errors.NotExist, errors.Str(ref))
	} else if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return b, nil
}

// Put implements storage.Storage. The contents are written to a
// temporary file that is renamed into place.
func (s *storageImpl) Put(ref string, contents []byte) error {
	const op errors.Op = "storage/disk.Put"
	p, err := s.path(ref)
	if err != nil {
		return errors.E(op, err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.E(op, errors.IO, err)
	}
	f, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	tmp := f.Name()
	_, err = f.Write(contents)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, p)
	}
	if err != nil {
		os.Remove(tmp)
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Delete implements storage.Storage. Directories left empty are
// removed, up to the base.
func (s *storageImpl) Delete(ref string) error {
	const op errors.Op = "storage/disk.Delete"
	p, err := s.path(ref)
	if err != nil {
		return errors.E(op, err)
	}
	if err := os.Remove(p); os.IsNotExist(err) {
		return errors.E(op, errors.NotExist, errors.Str(ref))
	} else if err != nil {
		return errors.E(op, errors.IO, err)
	}
	for dir := filepath.Dir(p); dir != s.base; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break // Not empty.
		}
	}
	return nil
}

// List implements storage.Storage.
func (s *storageImpl) List(prefix string) ([]string, error) {
	const op errors.Op = "storage/disk.List"
	// Walk only the deepest directory the prefix names.
	root := s.base
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = filepath.Join(s.base, filepath.FromSlash(prefix[:i]))
	}
	var refs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.base, path)
		if err != nil {
			return err
		}
		if ref := filepath.ToSlash(rel); strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	sort.Strings(refs)
	return refs, nil
}

// Close implements storage.Storage.
func (s *storageImpl) Close() error { return nil }

// path returns the absolute path that should contain ref.
func (s *storageImpl) path(ref string) (string, error) {
	if !storage.ValidRef(ref) {
		return "", errors.E(errors.Invalid, errors.Errorf("bad ref %q", ref))
	}
	return filepath.Join(s.base, filepath.FromSlash(ref)), nil
}
