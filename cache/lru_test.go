// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rpatterson/tahoe-lafs/cache"
)

func TestLRU(t *testing.T) {
	c := cache.NewLRU[string, string](2)

	expectMiss := func(k string) {
		t.Helper()
		if v, ok := c.Get(k); ok {
			t.Fatalf("expected cache miss on key %q but hit value %v", k, v)
		}
	}
	expectHit := func(k, ev string) {
		t.Helper()
		v, ok := c.Get(k)
		if !ok {
			t.Fatalf("expected cache(%q)=%v; but missed", k, ev)
		}
		if v != ev {
			t.Fatalf("expected cache(%q)=%v; but got %v", k, ev, v)
		}
	}

	expectMiss("1")
	c.Add("1", "one")
	expectHit("1", "one")

	c.Add("2", "two")
	expectHit("1", "one")
	expectHit("2", "two")

	c.Add("3", "three")
	expectHit("3", "three")
	expectHit("2", "two")
	expectMiss("1")

	if v, ok := c.Remove("2"); !ok || v != "two" {
		t.Fatalf("Remove(2) = %q, %v", v, ok)
	}
	expectMiss("2")
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestGetOrAdd(t *testing.T) {
	c := cache.NewLRU[string, *int](10)
	a, b := new(int), new(int)
	got, loaded := c.GetOrAdd("k", a)
	if loaded || got != a {
		t.Fatalf("first GetOrAdd = %p, %v", got, loaded)
	}
	got, loaded = c.GetOrAdd("k", b)
	if !loaded || got != a {
		t.Fatalf("second GetOrAdd = %p, %v; want %p, true", got, loaded, a)
	}
}

func TestConcurrent(t *testing.T) {
	c := cache.NewLRU[string, int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprint(i % 75)
				c.Add(k, i)
				c.Get(k)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Fatalf("Len = %d exceeds capacity", c.Len())
	}
}
