// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package direct implements the Direct outbound: it dials the
// session's destination as-is, resolving a domain target via net.Resolver
// only at this final step, never earlier in the pipeline.
package direct

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/openworld-proxy/openworld"
)

func init() {
	openworld.RegisterModule(new(Outbound))
}

// Outbound is the Direct outbound handler: connect straight to the
// destination with no intermediate proxy protocol.
type Outbound struct {
	// DialTimeout bounds the TCP handshake. Zero uses a 10 second
	// default.
	DialTimeout openworld.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`

	resolver *net.Resolver
}

// OpenWorldModule returns this module's identity.
func (Outbound) OpenWorldModule() openworld.ModuleInfo {
	return openworld.ModuleInfo{
		ID:  "outbound.direct",
		New: func() openworld.Module { return new(Outbound) },
	}
}

// Provision sets up the resolver used for domain destinations.
func (o *Outbound) Provision(_ openworld.Context) error {
	o.resolver = net.DefaultResolver
	return nil
}

// Dial connects to dest, resolving it via the standard resolver first
// if it is a domain Address.
func (o *Outbound) Dial(ctx context.Context, network openworld.Network, dest openworld.Address) (openworld.ProxyStream, error) {
	if network != openworld.NetworkTCP {
		return nil, openworld.Errorf(openworld.KindUnsupportedProtocol, "outbound.direct", "network %q not supported", network)
	}

	ap, err := dest.Resolve(func(host string) ([]netip.Addr, error) {
		ips, err := o.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		return ips, nil
	})
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(o.DialTimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ap.Addr().String(), strconv.Itoa(int(ap.Port()))))
	if err != nil {
		return nil, openworld.Errorf(openworld.KindTCPConnect, "outbound.direct", "dialing %s: %w", dest, err)
	}
	return openworld.NewNetConnStream(conn), nil
}

var (
	_ openworld.OutboundHandler = (*Outbound)(nil)
	_ openworld.Provisioner     = (*Outbound)(nil)
)
