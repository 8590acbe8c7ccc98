// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/storage"
	"github.com/rpatterson/tahoe-lafs/storage/storagetest"
)

func TestStorage(t *testing.T) {
	s, err := storage.Dial(Name, storage.WithKeyValue("basePath", t.TempDir()))
	require.NoError(t, err)
	storagetest.Run(t, s)
}

func TestPersistence(t *testing.T) {
	base := t.TempDir()
	s, err := New(&storage.Opts{Opts: map[string]string{"basePath": base}})
	require.NoError(t, err)
	require.NoError(t, s.Put("shares/abc/7", []byte("seven")))
	require.NoError(t, s.Close())

	s, err = New(&storage.Opts{Opts: map[string]string{"basePath": base}})
	require.NoError(t, err)
	got, err := s.Download("shares/abc/7")
	require.NoError(t, err)
	assert.Equal(t, "seven", string(got))

	require.NoError(t, s.Delete("shares/abc/7"))
	_, err = os.Stat(filepath.Join(base, "shares"))
	assert.True(t, os.IsNotExist(err), "empty directories should be pruned")
}

func TestOptions(t *testing.T) {
	_, err := New(&storage.Opts{Opts: map[string]string{}})
	assert.Error(t, err)
	_, err = New(&storage.Opts{Opts: map[string]string{"basePath": "relative"}})
	assert.Error(t, err)
}
