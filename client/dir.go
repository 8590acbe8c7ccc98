// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
	"github.com/rpatterson/tahoe-lafs/immutable"
	"github.com/rpatterson/tahoe-lafs/log"
	"github.com/rpatterson/tahoe-lafs/uri"
)

// saltSize is the length of the salt that keys an entry's write
// capability.
const saltSize = 16

// Field numbers of the directory encoding. The directory is a sequence
// of fieldEntry records, each holding the remaining fields.
const (
	fieldEntry    protowire.Number = 1
	fieldName     protowire.Number = 1
	fieldReadCap  protowire.Number = 2
	fieldWriteCap protowire.Number = 3
	fieldCreated  protowire.Number = 4
	fieldModified protowire.Number = 5
)

// Entry is one child of a directory.
type Entry struct {
	Name string
	// Cap is the strongest capability the directory can give: the
	// child's write capability if both are writable, otherwise its
	// read capability.
	Cap      uri.Cap
	ReadCap  uri.Cap
	Created  time.Time
	Modified time.Time
}

// rawEntry is an entry as stored, with its write capability still
// encrypted.
type rawEntry struct {
	name     string
	readCap  string
	writeCap []byte // Salt followed by ciphertext.
	created  int64
	modified int64
}

func marshalDir(entries map[string]*rawEntry) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []byte
	for _, name := range names {
		e := entries[name]
		var b []byte
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, e.name)
		b = protowire.AppendTag(b, fieldReadCap, protowire.BytesType)
		b = protowire.AppendString(b, e.readCap)
		if e.writeCap != nil {
			b = protowire.AppendTag(b, fieldWriteCap, protowire.BytesType)
			b = protowire.AppendBytes(b, e.writeCap)
		}
		b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.created))
		b = protowire.AppendTag(b, fieldModified, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.modified))

		out = protowire.AppendTag(out, fieldEntry, protowire.BytesType)
		out = protowire.AppendBytes(out, b)
	}
	return out
}

func unmarshalDir(b []byte) (map[string]*rawEntry, error) {
	const op errors.Op = "client.unmarshalDir"
	entries := make(map[string]*rawEntry)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.E(op, errors.Malformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.E(op, errors.Malformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.E(op, errors.Malformed, protowire.ParseError(n))
		}
		b = b[n:]
		e, err := unmarshalEntry(v)
		if err != nil {
			return nil, errors.E(op, err)
		}
		entries[e.name] = e
	}
	return entries, nil
}

func unmarshalEntry(b []byte) (*rawEntry, error) {
	e := new(rawEntry)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.E(errors.Malformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == fieldName || num == fieldReadCap || num == fieldWriteCap):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.E(errors.Malformed, protowire.ParseError(n))
			}
			switch num {
			case fieldName:
				e.name = string(v)
			case fieldReadCap:
				e.readCap = string(v)
			default:
				e.writeCap = append([]byte(nil), v...)
			}
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldCreated || num == fieldModified):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.E(errors.Malformed, protowire.ParseError(n))
			}
			if num == fieldCreated {
				e.created = int64(v)
			} else {
				e.modified = int64(v)
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.E(errors.Malformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.name == "" || e.readCap == "" {
		return nil, errors.E(errors.Malformed, errors.Str("directory entry lacks a name or capability"))
	}
	return e, nil
}

// Directory is a mutable file holding a table of named children. The
// children are held by capability, so a directory may contain itself.
type Directory struct {
	c    *Client
	cap  *uri.Directory
	file *MutableFile
}

// Cap implements Node.
func (d *Directory) Cap() uri.Cap { return d.cap }

// Size implements Node. It is the length of the encoded table.
func (d *Directory) Size(ctx context.Context) (int64, error) { return d.file.Size(ctx) }

// Read implements Node. It reads the encoded table.
func (d *Directory) Read(ctx context.Context, w io.Writer, offset, size int64) error {
	return d.file.Read(ctx, w, offset, size)
}

// IsReadOnly reports whether the directory cannot be changed through
// this node.
func (d *Directory) IsReadOnly() bool { return d.file.IsReadOnly() }

func (d *Directory) entries(ctx context.Context) (map[string]*rawEntry, error) {
	b, err := d.file.node.DownloadBestVersion(ctx)
	if err != nil {
		return nil, err
	}
	return unmarshalDir(b)
}

// List returns the directory's entries sorted by name.
func (d *Directory) List(ctx context.Context) ([]*Entry, error) {
	const op errors.Op = "client.Directory.List"
	raw, err := d.entries(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	out := make([]*Entry, 0, len(raw))
	for _, r := range raw {
		e, err := d.entry(r)
		if err != nil {
			return nil, errors.E(op, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// entry decodes a stored entry, decrypting its write capability if
// the directory is writable.
func (d *Directory) entry(r *rawEntry) (*Entry, error) {
	rc, err := uri.Parse(r.readCap)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Name:     r.name,
		Cap:      rc,
		ReadCap:  rc,
		Created:  time.Unix(0, r.created),
		Modified: time.Unix(0, r.modified),
	}
	wk := d.file.node.Writekey()
	if wk == nil || len(r.writeCap) <= saltSize {
		return e, nil
	}
	salt, ct := r.writeCap[:saltSize], r.writeCap[saltSize:]
	pt, err := immutable.Encrypt(hashutil.DirEntryKey(wk, salt), ct)
	if err != nil {
		return nil, err
	}
	wc, err := uri.Parse(string(pt))
	if err != nil {
		log.Debug.Printf("client: undecodable write capability for %q in %s: %v", r.name, d.cap.StorageIndex(), err)
		return e, nil
	}
	e.Cap = wc
	return e, nil
}

// Get returns the child with the given name.
func (d *Directory) Get(ctx context.Context, name string) (Node, error) {
	const op errors.Op = "client.Directory.Get"
	name = norm.NFC.String(name)
	raw, err := d.entries(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	r, ok := raw[name]
	if !ok {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("no entry %q", name))
	}
	e, err := d.entry(r)
	if err != nil {
		return nil, errors.E(op, err)
	}
	n, err := d.c.Node(e.Cap)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return n, nil
}

// Set adds or replaces the child with the given name. Replacing keeps
// the entry's creation time.
func (d *Directory) Set(ctx context.Context, name string, child uri.Cap) error {
	const op errors.Op = "client.Directory.Set"
	if d.IsReadOnly() {
		return errors.E(op, d.cap.StorageIndex(), errors.NotWriteable)
	}
	name = norm.NFC.String(name)
	if name == "" {
		return errors.E(op, errors.Invalid, errors.Str("empty name"))
	}
	r := &rawEntry{name: name, readCap: child.ReadOnly().String()}
	if !child.IsReadOnly() {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		ct, err := immutable.Encrypt(hashutil.DirEntryKey(d.file.node.Writekey(), salt), []byte(child.String()))
		if err != nil {
			return errors.E(op, err)
		}
		r.writeCap = append(salt, ct...)
	}
	err := d.file.Modify(ctx, func(old []byte) ([]byte, error) {
		raw, err := unmarshalDir(old)
		if err != nil {
			return nil, err
		}
		now := time.Now().UnixNano()
		r.created, r.modified = now, now
		if prev, ok := raw[name]; ok {
			r.created = prev.created
		}
		raw[name] = r
		return marshalDir(raw), nil
	})
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// SetNode adds or replaces the child with the given name.
func (d *Directory) SetNode(ctx context.Context, name string, n Node) error {
	return d.Set(ctx, name, n.Cap())
}

// Delete removes the child with the given name.
func (d *Directory) Delete(ctx context.Context, name string) error {
	const op errors.Op = "client.Directory.Delete"
	if d.IsReadOnly() {
		return errors.E(op, d.cap.StorageIndex(), errors.NotWriteable)
	}
	name = norm.NFC.String(name)
	err := d.file.Modify(ctx, func(old []byte) ([]byte, error) {
		raw, err := unmarshalDir(old)
		if err != nil {
			return nil, err
		}
		if _, ok := raw[name]; !ok {
			return nil, errors.E(errors.NotExist, errors.Errorf("no entry %q", name))
		}
		delete(raw, name)
		return marshalDir(raw), nil
	})
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// ManifestEntry is one node reachable from a directory.
type ManifestEntry struct {
	// Path is the names leading to the node; it is empty for the
	// directory itself.
	Path []string
	Cap  uri.Cap
}

// Manifest returns every node reachable from the directory, each once,
// starting with the directory itself. Nodes are identified by storage
// index, so cycles are followed only once.
func (d *Directory) Manifest(ctx context.Context) ([]ManifestEntry, error) {
	const op errors.Op = "client.Directory.Manifest"
	seen := map[string]bool{manifestKey(d.cap): true}
	out := []ManifestEntry{{Cap: d.cap}}
	var walk func(dir *Directory, path []string) error
	walk = func(dir *Directory, path []string) error {
		entries, err := dir.List(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			key := manifestKey(e.ReadCap)
			if seen[key] {
				continue
			}
			seen[key] = true
			p := append(append([]string(nil), path...), e.Name)
			out = append(out, ManifestEntry{Path: p, Cap: e.Cap})
			if _, ok := e.Cap.(*uri.Directory); !ok {
				continue
			}
			n, err := d.c.Node(e.Cap)
			if err != nil {
				return err
			}
			if err := walk(n.(*Directory), p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(d, nil); err != nil {
		return nil, errors.E(op, err)
	}
	return out, nil
}

// manifestKey identifies the node named by cp, whatever the strength of
// the capability.
func manifestKey(cp uri.Cap) string {
	if si := cp.StorageIndex(); !si.IsZero() {
		return si.String()
	}
	return cp.String()
}
