// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version describes the build of the running binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// These may be set at link time with -ldflags "-X ...". When GitSHA is
// empty the version control stamp recorded by the go command is used.
var (
	BuildTime = ""
	GitSHA    = ""
)

// Version returns a newline-terminated string describing the build.
func Version() string {
	return describe(GitSHA, BuildTime, buildInfo())
}

func buildInfo() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	m := make(map[string]string)
	for _, s := range info.Settings {
		m[s.Key] = s.Value
	}
	return m
}

func describe(sha, built string, settings map[string]string) string {
	modified := false
	if sha == "" {
		sha = settings["vcs.revision"]
		built = settings["vcs.time"]
		modified = settings["vcs.modified"] == "true"
	}
	if sha == "" {
		return "devel\n"
	}
	var b strings.Builder
	if built != "" {
		if t, err := time.Parse(time.RFC3339, built); err == nil {
			built = t.In(time.UTC).Format(time.Stamp + " 2006 UTC")
		}
		fmt.Fprintf(&b, "Build time: %s\n", built)
	}
	fmt.Fprintf(&b, "Git hash:   %s", sha)
	if modified {
		b.WriteString(" (modified)")
	}
	b.WriteString("\n")
	return b.String()
}
