// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grid

import (
	"fmt"
	"strings"
)

// Transport identifies how the network address of an Endpoint is to
// be interpreted.
type Transport uint8

const (
	// Unassigned denotes an endpoint with no service behind it.
	Unassigned Transport = iota

	// InProcess indicates that the service runs in the current
	// process. The NetAddr names it in the in-process registry.
	InProcess

	// Remote indicates an HTTP service at host:port.
	Remote
)

// A NetAddr is the network address of a service.
type NetAddr string

// An Endpoint identifies an instance of a service, encompassing an
// address and the Transport that says how to reach it.
type Endpoint struct {
	Transport Transport
	NetAddr   NetAddr
}

// ParseEndpoint parses the string representation of an endpoint.
func ParseEndpoint(v string) (*Endpoint, error) {
	elems := strings.SplitN(v, ",", 2)
	switch elems[0] {
	case "inprocess":
		if len(elems) < 2 || elems[1] == "" {
			return nil, fmt.Errorf("inprocess endpoint %q requires a name", v)
		}
		return &Endpoint{Transport: InProcess, NetAddr: NetAddr(elems[1])}, nil
	case "remote":
		if len(elems) < 2 || elems[1] == "" {
			return nil, fmt.Errorf("remote endpoint %q requires a netaddr", v)
		}
		return &Endpoint{Transport: Remote, NetAddr: NetAddr(elems[1])}, nil
	case "unassigned":
		return &Endpoint{Transport: Unassigned}, nil
	}
	return nil, fmt.Errorf("unknown transport type in endpoint %q", v)
}

// String converts an endpoint to a string.
func (ep Endpoint) String() string {
	switch ep.Transport {
	case InProcess:
		return "inprocess," + string(ep.NetAddr)
	case Remote:
		return "remote," + string(ep.NetAddr)
	case Unassigned:
		return "unassigned"
	}
	return fmt.Sprintf("unknown endpoint {%v, %v}", ep.Transport, ep.NetAddr)
}

// MarshalText implements encoding.TextMarshaler.
func (ep Endpoint) MarshalText() ([]byte, error) {
	return []byte(ep.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ep *Endpoint) UnmarshalText(text []byte) error {
	e, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*ep = *e
	return nil
}
