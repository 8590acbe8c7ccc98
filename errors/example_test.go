// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors_test

import (
	"fmt"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

func ExampleError() {
	server := grid.ServerID("v0-abc")

	// Single error.
	e1 := errors.E(errors.Op("immutable.Download"), server, errors.IO, "connection refused")
	fmt.Println("\nSimple error:")
	fmt.Println(e1)

	// Nested error.
	fmt.Println("\nNested error:")
	e2 := errors.E(errors.Op("client.Read"), errors.Other, e1)
	fmt.Println(e2)

	// Output:
	//
	// Simple error:
	// immutable.Download, server v0-abc: I/O error: connection refused
	//
	// Nested error:
	// client.Read: I/O error:
	//	immutable.Download, server v0-abc: connection refused
}

func ExampleMatch() {
	server := grid.ServerID("v0-abc")
	err := errors.Str("block 3 of share 7")

	// Construct an error, one we pretend to have received from a test.
	got := errors.E(errors.Op("immutable.Download"), server, errors.HashMismatch, err)

	// Now construct a reference error, which might not have all
	// the fields of the error from the test.
	expect := errors.E(server, errors.HashMismatch, err)

	fmt.Println("Match:", errors.Match(expect, got))

	// Now one that's incorrect - wrong Kind.
	got = errors.E(errors.Op("immutable.Download"), server, errors.BadSignature, err)

	fmt.Println("Mismatch:", errors.Match(expect, got))

	// Output:
	//
	// Match: true
	// Mismatch: false
}
