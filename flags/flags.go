// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags defines command-line flags to make them consistent between binaries.
// Not all flags make sense for all binaries.
package flags

import (
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/log"
)

// We define the flags in two steps so clients don't have to write *flags.Flag.
// It also makes the documentation easier to read.

var (
	// Config names the grid configuration file to use.
	Config = defaultConfig()

	// Log sets the level of logging. Setting it takes effect at once.
	Log logFlag
)

func defaultConfig() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config"
	}
	return filepath.Join(home, ".grid", "config")
}

type logFlag struct{}

var _ pflag.Value = (*logFlag)(nil)

// String implements pflag.Value.
func (logFlag) String() string {
	return log.GetLevel()
}

// Set implements pflag.Value.
func (logFlag) Set(level string) error {
	if err := log.SetLevel(level); err != nil {
		return errors.E(errors.Invalid, errors.Errorf("invalid log level %q", level))
	}
	return nil
}

// Type implements pflag.Value.
func (logFlag) Type() string { return "level" }

// Register adds the named flags to fs. With no names, every flag is
// added. Register panics if a name is not recognized.
func Register(fs *pflag.FlagSet, names ...string) {
	if len(names) == 0 {
		names = []string{"config", "log"}
	}
	for _, name := range names {
		switch name {
		case "config":
			fs.StringVar(&Config, "config", Config, "configuration `file`")
		case "log":
			fs.Var(&Log, "log", "log `level`: debug, info, error or disabled")
		default:
			panic("flags.Register: unrecognized flag " + name)
		}
	}
}
