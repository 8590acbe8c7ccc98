// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads the YAML configuration shared by the grid
// client and the grid node.
package config

import (
	"crypto/rand"
	"io"
	"os"
	osuser "os/user"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/rpatterson/tahoe-lafs/base32"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
	"github.com/rpatterson/tahoe-lafs/log"
)

// DefaultPort is assumed for a remote endpoint written without one.
const DefaultPort = "3456"

// secretSize is the length of a generated convergence or lease secret.
const secretSize = 32

// Config is a node's configuration. The YAML keys are given by the
// field tags; any other key is an error.
type Config struct {
	Nickname          string        `yaml:"nickname"`
	Shares            Shares        `yaml:"shares"`
	MaxSegmentSize    int64         `yaml:"max_segment_size"`
	ConvergenceSecret string        `yaml:"convergence_secret"`
	LeaseSecret       string        `yaml:"lease_secret"`
	Helper            string        `yaml:"helper"`
	Servers           []Server      `yaml:"servers"`
	Mutable           Mutable       `yaml:"mutable"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	Storage           Storage       `yaml:"storage"`
	HelperService     HelperService `yaml:"helper_service"`
	LogLevel          string        `yaml:"log_level"`

	// Filled in by Validate.
	convergence []byte
	lease       []byte
	helper      *grid.Endpoint
	endpoints   []grid.Endpoint
}

// Shares holds the erasure coding parameters.
type Shares struct {
	Needed int `yaml:"needed"`
	Happy  int `yaml:"happy"`
	Total  int `yaml:"total"`
}

// Server is one entry of the static server list.
type Server struct {
	ID       string `yaml:"id"`
	Nickname string `yaml:"nickname"`
	Endpoint string `yaml:"endpoint"`
}

// Mutable tunes the mutable file protocol. Zero values select the
// protocol defaults.
type Mutable struct {
	InitialQueryCount int `yaml:"initial_query_count"`
	ReadQuorum        int `yaml:"read_quorum"`
	WriteQuorum       int `yaml:"write_quorum"`
}

// Storage configures the storage server a node runs.
type Storage struct {
	Enabled bool `yaml:"enabled"`
	// ID is the server's identity; gridnode generates and saves one
	// in Dir if it is empty.
	ID            string `yaml:"id"`
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	Listen        string `yaml:"listen"`
	Capacity      int64  `yaml:"capacity"`
	ReservedSpace int64  `yaml:"reserved_space"`
	MaxConns      int    `yaml:"max_conns"`
}

// HelperService configures the upload helper a node runs.
type HelperService struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	ChunkSize int    `yaml:"chunk_size"`
}

// Default returns a configuration with every default set.
func Default() *Config {
	p := grid.DefaultEncodingParams
	return &Config{
		Shares:         Shares{Needed: p.Needed, Happy: p.Happy, Total: p.Total},
		MaxSegmentSize: p.MaxSegmentSize,
		Mutable:        Mutable{InitialQueryCount: 5},
		RequestTimeout: 30 * time.Second,
		Storage: Storage{
			Backend:  "disk",
			Listen:   "localhost:" + DefaultPort,
			MaxConns: 100,
		},
		HelperService: HelperService{ChunkSize: 50 * 1024},
		LogLevel:      "info",
	}
}

// FromFile reads the configuration in the named file. If the file
// cannot be opened but the name can be found in $HOME/.grid, that file
// is used.
func FromFile(name string) (*Config, error) {
	const op errors.Op = "config.FromFile"
	f, err := os.Open(name)
	if err != nil && !filepath.IsAbs(name) && os.IsNotExist(err) {
		home, errHome := Homedir()
		if errHome == nil {
			f, err = os.Open(filepath.Join(home, ".grid", name))
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	defer f.Close()
	cfg, err := InitConfig(f)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

// InitConfig returns the configuration read from r, laid over the
// defaults. If r is nil, $HOME/.grid/config is read.
//
// Endpoints written without a transport are remote; remote endpoints
// without a port use DefaultPort. An empty convergence_secret or
// lease_secret is replaced by a random one that lasts for the life of
// the process.
func InitConfig(r io.Reader) (*Config, error) {
	const op errors.Op = "config.InitConfig"
	if r == nil {
		home, err := Homedir()
		if err != nil {
			return nil, errors.E(op, err)
		}
		f, err := os.Open(filepath.Join(home, ".grid", "config"))
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("parsing YAML: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

// Validate checks the configuration and resolves its secrets and
// endpoints.
func (c *Config) Validate() error {
	const op errors.Op = "config.Validate"
	s := c.Shares
	if s.Needed < 1 || s.Needed > s.Happy || s.Happy > s.Total || s.Total > grid.MaxShares {
		return errors.E(op, errors.Invalid, errors.Errorf("shares: need 1 <= needed(%d) <= happy(%d) <= total(%d) <= %d", s.Needed, s.Happy, s.Total, grid.MaxShares))
	}
	if err := c.EncodingParams().Validate(); err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	if c.Mutable.InitialQueryCount < 0 || c.Mutable.ReadQuorum < 0 || c.Mutable.WriteQuorum < 0 {
		return errors.E(op, errors.Invalid, "mutable: negative value")
	}
	if c.Mutable.ReadQuorum > s.Total || c.Mutable.WriteQuorum > s.Total {
		return errors.E(op, errors.Invalid, errors.Errorf("mutable: quorum exceeds total shares %d", s.Total))
	}
	if c.RequestTimeout < 0 {
		return errors.E(op, errors.Invalid, "request_timeout is negative")
	}
	if c.LogLevel != "" {
		switch c.LogLevel {
		case "debug", "info", "error", "disabled":
		default:
			return errors.E(op, errors.Invalid, errors.Errorf("unknown log_level %q", c.LogLevel))
		}
	}

	var err error
	if c.convergence, err = secret("convergence_secret", c.ConvergenceSecret); err != nil {
		return errors.E(op, err)
	}
	if c.lease, err = secret("lease_secret", c.LeaseSecret); err != nil {
		return errors.E(op, err)
	}

	c.helper = nil
	if c.Helper != "" {
		e, err := ParseEndpoint(c.Helper)
		if err != nil {
			return errors.E(op, err)
		}
		c.helper = &e
	}
	c.endpoints = c.endpoints[:0]
	seen := make(map[string]bool)
	for i, srv := range c.Servers {
		if srv.ID == "" {
			return errors.E(op, errors.Invalid, errors.Errorf("servers[%d]: id is required", i))
		}
		if seen[srv.ID] {
			return errors.E(op, errors.Invalid, errors.Errorf("servers[%d]: duplicate id %q", i, srv.ID))
		}
		seen[srv.ID] = true
		e, err := ParseEndpoint(srv.Endpoint)
		if err != nil {
			return errors.E(op, errors.Invalid, errors.Errorf("servers[%d]: %v", i, err))
		}
		c.endpoints = append(c.endpoints, e)
	}

	st := c.Storage
	if st.Enabled || c.HelperService.Enabled {
		if st.Listen == "" {
			return errors.E(op, errors.Invalid, "storage: listen address is required")
		}
	}
	if st.Enabled {
		switch st.Backend {
		case "disk":
			if st.Dir == "" {
				return errors.E(op, errors.Invalid, "storage: dir is required for the disk backend")
			}
		case "inprocess":
		default:
			return errors.E(op, errors.Invalid, errors.Errorf("storage: unknown backend %q", st.Backend))
		}
		if st.Capacity < 0 || st.ReservedSpace < 0 || st.MaxConns < 0 {
			return errors.E(op, errors.Invalid, "storage: negative value")
		}
		if st.Capacity > 0 && st.ReservedSpace >= st.Capacity {
			return errors.E(op, errors.Invalid, errors.Errorf("storage: reserved_space %d leaves no room in %d", st.ReservedSpace, st.Capacity))
		}
	}
	if hs := c.HelperService; hs.Enabled {
		if hs.Dir == "" {
			return errors.E(op, errors.Invalid, "helper_service: dir is required")
		}
		if hs.ChunkSize < 0 {
			return errors.E(op, errors.Invalid, "helper_service: negative chunk_size")
		}
	}
	return nil
}

// secret decodes a base32 secret, or makes a random one if s is empty.
func secret(key, s string) ([]byte, error) {
	if s == "" {
		b := make([]byte, secretSize)
		if _, err := rand.Read(b); err != nil {
			return nil, errors.E(errors.Internal, err)
		}
		return b, nil
	}
	b, err := base32.Decode(s)
	if err != nil {
		return nil, errors.E(errors.Invalid, errors.Errorf("%s: %v", key, err))
	}
	if len(b) == 0 {
		return nil, errors.E(errors.Invalid, errors.Errorf("%s is empty", key))
	}
	return b, nil
}

// EncodingParams returns the erasure coding parameters.
func (c *Config) EncodingParams() grid.EncodingParams {
	return grid.EncodingParams{
		Needed:         c.Shares.Needed,
		Happy:          c.Shares.Happy,
		Total:          c.Shares.Total,
		MaxSegmentSize: c.MaxSegmentSize,
	}
}

// Convergence returns the convergence secret. Validate must have been
// called.
func (c *Config) Convergence() []byte { return c.convergence }

// Lease returns the lease secret. Validate must have been called.
func (c *Config) Lease() []byte { return c.lease }

// HelperEndpoint returns the helper's endpoint, or nil if uploads go
// straight to the servers.
func (c *Config) HelperEndpoint() *grid.Endpoint { return c.helper }

// ServerEndpoints returns the parsed endpoint of each entry of Servers.
func (c *Config) ServerEndpoints() []grid.Endpoint { return c.endpoints }

// ParseEndpoint parses an endpoint as written in a configuration file.
// A bare host:port is a remote endpoint.
func ParseEndpoint(text string) (grid.Endpoint, error) {
	const op errors.Op = "config.ParseEndpoint"
	ep, err := grid.ParseEndpoint(text)
	if err != nil && !strings.Contains(text, ",") {
		if ep2, err2 := grid.ParseEndpoint("remote," + text); err2 == nil {
			ep, err = ep2, nil
		}
	}
	if err != nil {
		return grid.Endpoint{}, errors.E(op, errors.Invalid, errors.Errorf("cannot parse endpoint %q: %v", text, err))
	}
	if ep.Transport == grid.Remote && !strings.Contains(string(ep.NetAddr), ":") {
		ep.NetAddr += ":" + DefaultPort
	}
	return *ep, nil
}

// Homedir returns the home directory of the OS' logged-in user.
func Homedir() (string, error) {
	u, err := osuser.Current()
	// user.Current may return an error, but we should only handle it if it
	// returns a nil user. This is because os/user is wonky without cgo,
	// but it should work well enough for our purposes.
	if u == nil {
		e := errors.Str("lookup of current user failed")
		if err != nil {
			e = errors.Errorf("%v: %v", e, err)
		}
		return "", e
	}
	h := u.HomeDir
	if h == "" {
		return "", errors.E(errors.NotExist, errors.Str("user home directory not found"))
	}
	fi, err := os.Stat(h)
	if err != nil {
		return "", errors.E(errors.IO, err)
	}
	if !fi.IsDir() {
		return "", errors.E(errors.NotExist, errors.Errorf("%s is not a directory", h))
	}
	return h, nil
}

// Apply sets the process-wide state the configuration controls.
func (c *Config) Apply() error {
	if c.LogLevel == "" {
		return nil
	}
	return log.SetLevel(c.LogLevel)
}
