// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package version

import "testing"

func TestDescribe(t *testing.T) {
	tests := []struct {
		sha, built string
		settings   map[string]string
		want       string
	}{
		{"", "", nil, "devel\n"},
		{"abc123", "", nil, "Git hash:   abc123\n"},
		{"", "", map[string]string{
			"vcs.revision": "def456",
			"vcs.time":     "2017-03-01T10:00:00Z",
			"vcs.modified": "true",
		}, "Build time: Mar  1 10:00:00 2017 UTC\nGit hash:   def456 (modified)\n"},
		{"abc123", "yesterday", map[string]string{"vcs.revision": "ignored"}, "Build time: yesterday\nGit hash:   abc123\n"},
	}
	for _, test := range tests {
		if got := describe(test.sha, test.built, test.settings); got != test.want {
			t.Errorf("describe(%q, %q, %v) = %q, want %q", test.sha, test.built, test.settings, got, test.want)
		}
	}
}
