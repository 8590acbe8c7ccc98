// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rpatterson/tahoe-lafs/base32"
	"github.com/rpatterson/tahoe-lafs/errors"
	"github.com/rpatterson/tahoe-lafs/grid"
)

const full = `
nickname: alpha
shares: {needed: 2, happy: 3, total: 4}
max_segment_size: 65536
convergence_secret: mfrgg
helper: remote,helper.example.com:9000
servers:
  - {id: v0-a, nickname: a, endpoint: "remote,a.example.com:1234"}
  - {id: v0-b, endpoint: b.example.com}
  - {id: v0-c, endpoint: "inprocess,c"}
mutable: {initial_query_count: 7, read_quorum: 2, write_quorum: 3}
request_timeout: 5s
storage:
  enabled: true
  backend: disk
  dir: /var/grid/storage
  listen: ":4000"
  reserved_space: 1000
  max_conns: 10
helper_service: {enabled: true, dir: /var/grid/helper, chunk_size: 4096}
log_level: debug
`

func TestInitConfig(t *testing.T) {
	cfg, err := InitConfig(strings.NewReader(full))
	if err != nil {
		t.Fatal(err)
	}
	want := grid.EncodingParams{Needed: 2, Happy: 3, Total: 4, MaxSegmentSize: 65536}
	if got := cfg.EncodingParams(); got != want {
		t.Errorf("EncodingParams = %+v; want %+v", got, want)
	}
	if cfg.Nickname != "alpha" {
		t.Errorf("Nickname = %q", cfg.Nickname)
	}
	if got := base32.Encode(cfg.Convergence()); got != "mfrgg" {
		t.Errorf("convergence secret = %q; want mfrgg", got)
	}
	if len(cfg.Lease()) != secretSize {
		t.Errorf("lease secret has %d bytes; want a random %d", len(cfg.Lease()), secretSize)
	}
	if h := cfg.HelperEndpoint(); h == nil || h.String() != "remote,helper.example.com:9000" {
		t.Errorf("helper = %v", h)
	}
	eps := cfg.ServerEndpoints()
	wantEps := []string{"remote,a.example.com:1234", "remote,b.example.com:" + DefaultPort, "inprocess,c"}
	if len(eps) != len(wantEps) {
		t.Fatalf("got %d endpoints; want %d", len(eps), len(wantEps))
	}
	for i, e := range eps {
		if e.String() != wantEps[i] {
			t.Errorf("endpoint %d = %q; want %q", i, e, wantEps[i])
		}
	}
	if cfg.Mutable != (Mutable{InitialQueryCount: 7, ReadQuorum: 2, WriteQuorum: 3}) {
		t.Errorf("Mutable = %+v", cfg.Mutable)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if !cfg.Storage.Enabled || cfg.Storage.Listen != ":4000" || cfg.Storage.ReservedSpace != 1000 || cfg.Storage.MaxConns != 10 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.HelperService != (HelperService{Enabled: true, Dir: "/var/grid/helper", ChunkSize: 4096}) {
		t.Errorf("HelperService = %+v", cfg.HelperService)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := InitConfig(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.EncodingParams(); got != grid.DefaultEncodingParams {
		t.Errorf("EncodingParams = %+v; want %+v", got, grid.DefaultEncodingParams)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.Mutable.InitialQueryCount != 5 {
		t.Errorf("InitialQueryCount = %d", cfg.Mutable.InitialQueryCount)
	}
	if cfg.HelperEndpoint() != nil {
		t.Errorf("helper = %v; want none", cfg.HelperEndpoint())
	}

	// Each load without a secret invents a new one.
	other, err := InitConfig(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if string(cfg.Convergence()) == string(other.Convergence()) {
		t.Error("random convergence secrets are equal")
	}
}

func TestBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "flavor: vanilla"},
		{"unknown nested key", "shares: {needed: 1, happy: 1, total: 1, extra: 2}"},
		{"needed above happy", "shares: {needed: 4, happy: 3, total: 10}"},
		{"happy above total", "shares: {needed: 3, happy: 11, total: 10}"},
		{"too many shares", "shares: {needed: 3, happy: 3, total: 257}"},
		{"zero needed", "shares: {needed: 0, happy: 3, total: 10}"},
		{"bad secret", "convergence_secret: '!!!'"},
		{"bad endpoint", "helper: 'gopher,x'"},
		{"server without id", "servers: [{endpoint: a.example.com}]"},
		{"duplicate server", "servers: [{id: a, endpoint: a.example.com}, {id: a, endpoint: b.example.com}]"},
		{"quorum above total", "mutable: {read_quorum: 11}"},
		{"bad log level", "log_level: loud"},
		{"disk without dir", "storage: {enabled: true, backend: disk}"},
		{"unknown backend", "storage: {enabled: true, backend: tape, dir: /x}"},
		{"reserved exceeds capacity", "storage: {enabled: true, backend: inprocess, capacity: 10, reserved_space: 10}"},
		{"helper without dir", "helper_service: {enabled: true}"},
		{"bad duration", "request_timeout: soon"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := InitConfig(strings.NewReader(test.yaml))
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("got %v; want Invalid error", err)
			}
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "config")
	if err := os.WriteFile(name, []byte("nickname: beta\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Nickname != "beta" {
		t.Errorf("Nickname = %q; want beta", cfg.Nickname)
	}

	_, err = FromFile(filepath.Join(dir, "missing"))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v; want NotExist", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"host", "remote,host:" + DefaultPort},
		{"host:80", "remote,host:80"},
		{"remote,host", "remote,host:" + DefaultPort},
		{"inprocess,node1", "inprocess,node1"},
	}
	for _, test := range tests {
		e, err := ParseEndpoint(test.in)
		if err != nil {
			t.Errorf("%q: %v", test.in, err)
			continue
		}
		if e.String() != test.want {
			t.Errorf("%q: got %q; want %q", test.in, e, test.want)
		}
	}
}
