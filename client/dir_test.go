// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/uri"
)

func TestDirectory(t *testing.T) {
	_, c := setup(t)
	d, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	entries, err := d.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	file, _, err := c.Upload(ctx, randomData(10, 3000))
	require.NoError(t, err)
	require.NoError(t, d.SetNode(ctx, "file", file))
	small, _, err := c.Upload(ctx, []byte("tiny"))
	require.NoError(t, err)
	require.NoError(t, d.SetNode(ctx, "small", small))

	entries, err = d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "file", entries[0].Name)
	assert.Equal(t, "small", entries[1].Name)
	assert.False(t, entries[0].Created.IsZero())

	got, err := d.Get(ctx, "file")
	require.NoError(t, err)
	assert.Same(t, file, got)

	_, err = d.Get(ctx, "missing")
	assert.True(t, errors.Is(errors.NotExist, err), "got %v", err)
	err = d.Delete(ctx, "missing")
	assert.True(t, errors.Is(errors.NotExist, err), "got %v", err)

	require.NoError(t, d.Delete(ctx, "small"))
	entries, err = d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirectoryReplaceKeepsCreated(t *testing.T) {
	_, c := setup(t)
	d, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	a, _, err := c.Upload(ctx, []byte("version a"))
	require.NoError(t, err)
	b, _, err := c.Upload(ctx, []byte("version b"))
	require.NoError(t, err)

	require.NoError(t, d.SetNode(ctx, "f", a))
	first, err := d.List(ctx)
	require.NoError(t, err)
	require.NoError(t, d.SetNode(ctx, "f", b))
	second, err := d.List(ctx)
	require.NoError(t, err)

	assert.Equal(t, first[0].Created, second[0].Created)
	assert.False(t, second[0].Modified.Before(first[0].Modified))
	assert.Equal(t, b.Cap().String(), second[0].Cap.String())
}

func TestDirectoryNormalizesNames(t *testing.T) {
	_, c := setup(t)
	d, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	f, _, err := c.Upload(ctx, []byte("accent"))
	require.NoError(t, err)

	// "e" followed by a combining acute accent.
	require.NoError(t, d.SetNode(ctx, "cafe\u0301", f))
	got, err := d.Get(ctx, "caf\u00e9")
	require.NoError(t, err)
	assert.Equal(t, f.Cap().String(), got.Cap().String())
	entries, err := d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", entries[0].Name)
}

func TestDirectoryWriteCaps(t *testing.T) {
	_, c := setup(t)
	d, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	child, err := c.CreateMutableFile(ctx, []byte("child"))
	require.NoError(t, err)
	require.NoError(t, d.SetNode(ctx, "child", child))

	// The write capability is not stored in the clear.
	raw := read(t, d, 0, -1)
	assert.False(t, bytes.Contains(raw, []byte(child.Cap().String())))
	assert.True(t, bytes.Contains(raw, []byte(child.Cap().ReadOnly().String())))

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.IsType(t, &uri.SSKWrite{}, entries[0].Cap)
	assert.Equal(t, child.Cap().String(), entries[0].Cap.String())

	// A read-only view of the directory sees only read capabilities.
	n, err := c.Node(d.Cap().ReadOnly())
	require.NoError(t, err)
	ro := n.(*Directory)
	assert.True(t, ro.IsReadOnly())
	entries, err = ro.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.IsType(t, &uri.SSKRead{}, entries[0].Cap)

	err = ro.SetNode(ctx, "other", child)
	assert.True(t, errors.Is(errors.NotWriteable, err), "got %v", err)
	err = ro.Delete(ctx, "child")
	assert.True(t, errors.Is(errors.NotWriteable, err), "got %v", err)
}

func TestManifest(t *testing.T) {
	_, c := setup(t)
	root, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	sub, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	file, _, err := c.Upload(ctx, randomData(11, 2000))
	require.NoError(t, err)

	require.NoError(t, root.SetNode(ctx, "sub", sub))
	require.NoError(t, root.SetNode(ctx, "file", file))
	require.NoError(t, sub.SetNode(ctx, "same file", file))
	require.NoError(t, sub.SetNode(ctx, "up", root))

	m, err := root.Manifest(ctx)
	require.NoError(t, err)
	require.Len(t, m, 3)
	assert.Empty(t, m[0].Path)
	assert.Equal(t, root.Cap().String(), m[0].Cap.String())
	var paths []string
	for _, e := range m[1:] {
		paths = append(paths, e.Path[len(e.Path)-1])
	}
	assert.ElementsMatch(t, []string{"file", "sub"}, paths)
}

func TestManifestSelf(t *testing.T) {
	_, c := setup(t)
	d, err := c.CreateDirectory(ctx)
	require.NoError(t, err)
	require.NoError(t, d.SetNode(ctx, "me", d))
	m, err := d.Manifest(ctx)
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestUnmarshalDirRejectsGarbage(t *testing.T) {
	_, err := unmarshalDir([]byte{0x0a, 0x05, 0x01})
	assert.True(t, errors.Is(errors.Malformed, err), "got %v", err)

	b := marshalDir(map[string]*rawEntry{"a": {name: "a", readCap: "URI:LIT:mfrgg"}})
	entries, err := unmarshalDir(b)
	require.NoError(t, err)
	assert.Equal(t, "URI:LIT:mfrgg", entries["a"].readCap)
}
