// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storagetest checks that implementations of storage.Storage
// behave alike.
package storagetest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/storage"
)

// Run exercises s, which must be empty.
func Run(t *testing.T, s storage.Storage) {
	t.Run("PutDownload", func(t *testing.T) {
		require.NoError(t, s.Put("shares/aaaa/0", []byte("zero")))
		got, err := s.Download("shares/aaaa/0")
		require.NoError(t, err)
		assert.Equal(t, []byte("zero"), got)

		require.NoError(t, s.Put("shares/aaaa/0", []byte("replaced")))
		got, err = s.Download("shares/aaaa/0")
		require.NoError(t, err)
		assert.Equal(t, []byte("replaced"), got)
	})
	t.Run("Missing", func(t *testing.T) {
		_, err := s.Download("shares/none/0")
		assert.True(t, errors.Is(errors.NotExist, err), "got %v", err)
		err = s.Delete("shares/none/0")
		assert.True(t, errors.Is(errors.NotExist, err), "got %v", err)
	})
	t.Run("List", func(t *testing.T) {
		for _, ref := range []string{"shares/bbbb/1", "shares/bbbb/0", "shares/bbbc/2", "slots/bbbb/3"} {
			require.NoError(t, s.Put(ref, []byte(ref)))
		}
		refs, err := s.List("shares/bbbb/")
		require.NoError(t, err)
		assert.Equal(t, []string{"shares/bbbb/0", "shares/bbbb/1"}, refs)

		refs, err = s.List("shares/bbb")
		require.NoError(t, err)
		assert.Equal(t, []string{"shares/bbbb/0", "shares/bbbb/1", "shares/bbbc/2"}, refs)

		refs, err = s.List("nothing/")
		require.NoError(t, err)
		assert.Empty(t, refs)
	})
	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Put("slots/cccc/0", []byte("x")))
		require.NoError(t, s.Delete("slots/cccc/0"))
		_, err := s.Download("slots/cccc/0")
		assert.True(t, errors.Is(errors.NotExist, err))
		refs, err := s.List("slots/cccc/")
		require.NoError(t, err)
		assert.Empty(t, refs)
	})
	t.Run("BadRef", func(t *testing.T) {
		for _, ref := range []string{"", "../x", "a//b", "UPPER", "a/./b"} {
			err := s.Put(ref, []byte("x"))
			assert.True(t, errors.Is(errors.Invalid, err), "Put(%q) = %v", ref, err)
		}
	})
}
