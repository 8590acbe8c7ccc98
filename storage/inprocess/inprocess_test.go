// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/storage"
	"github.com/rpatterson/tahoe-lafs/storage/storagetest"
)

func TestStorage(t *testing.T) {
	s, err := storage.Dial(Name)
	require.NoError(t, err)
	storagetest.Run(t, s)
}

func TestCapacity(t *testing.T) {
	s, err := storage.Dial(Name, storage.WithKeyValue("capacity", "10"))
	require.NoError(t, err)
	require.NoError(t, s.Put("a", make([]byte, 6)))
	err = s.Put("b", make([]byte, 6))
	assert.True(t, errors.Is(errors.IO, err), "got %v", err)
	// Replacing a blob only counts the difference.
	require.NoError(t, s.Put("a", make([]byte, 10)))
	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Put("b", make([]byte, 6)))
}
