// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package uri

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/hashutil"
)

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v + byte(i)
	}
}

func testCHK() *CHK {
	c := &CHK{Needed: 3, Total: 10, Size: 4000}
	fill(c.Key[:], 1)
	fill(c.UEBHash[:], 50)
	return c
}

func testSSK() *SSKWrite {
	c := &SSKWrite{}
	fill(c.Writekey[:], 7)
	fill(c.Fingerprint[:], 90)
	return c
}

func TestFormats(t *testing.T) {
	chk := testCHK()
	s := chk.String()
	assert.True(t, strings.HasPrefix(s, "URI:CHK:"), s)
	assert.Equal(t, 7, len(strings.Split(s, ":")))
	assert.True(t, strings.HasSuffix(s, ":3:10:4000"), s)

	ssk := testSSK()
	assert.True(t, strings.HasPrefix(ssk.String(), "URI:SSK:"))
	assert.True(t, strings.HasPrefix(ssk.ReadOnly().String(), "URI:SSK-RO:"))
	assert.True(t, strings.HasPrefix(ssk.Verifier().String(), "URI:SSK-Verifier:"))

	lit := &Literal{Data: []byte("hi")}
	assert.Equal(t, "URI:LIT:nbuq", lit.String())
	assert.Equal(t, "URI:LIT:", (&Literal{}).String())
}

func TestParseRoundTrip(t *testing.T) {
	ssk := testSSK()
	caps := []Cap{
		testCHK(),
		testCHK().Verifier(),
		&Literal{Data: []byte("small file")},
		&Literal{Data: []byte{}},
		ssk,
		ssk.ReadOnly(),
		ssk.Verifier(),
		&Directory{File: ssk},
		&Directory{File: ssk.ReadOnly()},
		&Directory{File: ssk.Verifier()},
	}
	for _, c := range caps {
		t.Run(c.String(), func(t *testing.T) {
			got, err := Parse(c.String())
			require.NoError(t, err)
			assert.Equal(t, c, got)
			assert.Equal(t, c.String(), got.String())
		})
	}
}

func TestDerivation(t *testing.T) {
	chk := testCHK()
	v := chk.Verifier().(*CHKVerifier)
	assert.Equal(t, hashutil.StorageIndex(chk.Key[:]), v.SI)
	assert.Equal(t, chk.StorageIndex(), v.StorageIndex())
	assert.Equal(t, chk.UEBHash, v.UEBHash)
	assert.NotContains(t, v.String(), chk.String()[len("URI:CHK:"):len("URI:CHK:")+26])

	// Verifier is idempotent.
	assert.Equal(t, v, v.Verifier())

	ssk := testSSK()
	ro := ssk.ReadOnly().(*SSKRead)
	assert.Equal(t, hashutil.Readkey(ssk.Writekey[:]), ro.Readkey[:])
	assert.Equal(t, ssk.StorageIndex(), ro.StorageIndex())
	assert.Equal(t, ro.Verifier(), ssk.Verifier())
	assert.Equal(t, ro.Verifier(), ro.Verifier().Verifier())
	assert.Equal(t, ro, ro.ReadOnly())

	assert.False(t, ssk.IsReadOnly())
	assert.True(t, ro.IsReadOnly())
	assert.True(t, IsVerifier(ssk.Verifier()))
	assert.False(t, IsVerifier(ro))

	d := &Directory{File: ssk}
	assert.False(t, d.IsReadOnly())
	assert.True(t, d.ReadOnly().IsReadOnly())
	assert.True(t, IsVerifier(d.Verifier()))
	assert.Equal(t, ssk.StorageIndex(), d.Verifier().StorageIndex())

	assert.Nil(t, (&Literal{}).Verifier())
}

func TestMalformed(t *testing.T) {
	good := testCHK().String()
	fields := strings.Split(good, ":")
	bad := []string{
		"",
		"URI:",
		"URI:CHK:",
		"URI:BOGUS:abc",
		strings.Join(fields[:6], ":"),                                   // missing size
		strings.Join(append(fields[:2:2], fields[2][:25]), ":") + ":x", // short key
		strings.Replace(good, ":3:10:", ":0:10:", 1),
		strings.Replace(good, ":3:10:", ":11:10:", 1),
		strings.Replace(good, ":3:10:", ":3:300:", 1),
		strings.Replace(good, ":4000", ":-4", 1),
		strings.Replace(good, ":4000", ":04000", 1),
		strings.Replace(good, ":4000", ":0", 1),
		strings.ToUpper(good),
		"URI:SSK:" + strings.Repeat("a", 26),
		"URI:SSK-RO:" + strings.Repeat("a", 26) + ":" + strings.Repeat("a", 51),
		"URI:LIT:1",
		"URI:DIR2:abc:def",
	}
	for _, s := range bad {
		_, err := Parse(s)
		require.Error(t, err, "%q", s)
		assert.True(t, errors.Is(errors.Malformed, err), "%q: %v", s, err)
	}
}
