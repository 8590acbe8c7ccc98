// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flags

import (
	"io"
	"testing"

	"github.com/spf13/pflag"

	"github.com/rpatterson/tahoe-lafs/log"
)

func TestRegister(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	saved := Config
	defer func() { Config = saved }()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Register(fs)
	if err := fs.Parse([]string{"--config=/tmp/grid.yaml", "--log=error"}); err != nil {
		t.Fatal(err)
	}
	if Config != "/tmp/grid.yaml" {
		t.Errorf("Config = %q", Config)
	}
	if got := log.GetLevel(); got != "error" {
		t.Errorf("log level = %q; want error", got)
	}
	if got := fs.Lookup("log").Value.String(); got != "error" {
		t.Errorf("flag value = %q; want error", got)
	}
}

func TestBadLogLevel(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	Register(fs, "log")
	if err := fs.Parse([]string{"--log=loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if fs.Lookup("config") != nil {
		t.Error("config flag registered but not requested")
	}
}
