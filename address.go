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

package openworld

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Network is the transport-layer protocol of a Session. Only TCP is
// fully supported by the core today; UDP is a recognized value kept
// for a future dispatch path, but every inbound handler rejects it.
type Network string

const (
	NetworkTCP Network = "tcp"
	NetworkUDP Network = "udp"
)

// Address is a sum type over an already-resolved socket address and
// an unresolved domain name + port. A domain Address must never be
// resolved by the router; only the Direct outbound (and explicitly,
// nothing else) may resolve it, and only when dialing.
type Address struct {
	ip     netip.AddrPort // valid when isIP is true
	domain string         // lowercased via idna; valid when isIP is false
	port   uint16
	isIP   bool
}

// NewIPAddress builds an Address from a resolved socket address.
func NewIPAddress(ap netip.AddrPort) Address {
	return Address{ip: ap, port: ap.Port(), isIP: true}
}

// NewDomainAddress builds an Address from a hostname and port. The
// hostname is normalized with idna (ToASCII then lowercased) so that
// router predicates and equality checks are consistently
// case-insensitive regardless of how the client wrote it.
func NewDomainAddress(host string, port uint16) (Address, error) {
	if host == "" {
		return Address{}, Errorf(KindBadAddress, "address", "empty hostname")
	}
	if port == 0 {
		return Address{}, Errorf(KindBadAddress, "address", "port must be > 0")
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// idna rejects some hostnames (raw IPs written as a domain,
		// underscores in internal service names, etc.) that are
		// nonetheless valid SOCKS5/VLESS targets; fall back to a
		// lowercase-only normalization rather than failing closed.
		ascii = strings.ToLower(host)
	}
	return Address{domain: strings.ToLower(ascii), port: port, isIP: false}, nil
}

// IsIP reports whether this Address is the resolved-IP variant.
func (a Address) IsIP() bool { return a.isIP }

// IsDomain reports whether this Address is the unresolved-domain
// variant.
func (a Address) IsDomain() bool { return !a.isIP }

// Port returns the destination port.
func (a Address) Port() uint16 { return a.port }

// Host returns the address's host component as a string: the literal
// IP for the IP variant, the lowercased domain for the domain variant.
func (a Address) Host() string {
	if a.isIP {
		return a.ip.Addr().String()
	}
	return a.domain
}

// IPAddrPort returns the resolved socket address and true, or the
// zero value and false if this is a domain Address.
func (a Address) IPAddrPort() (netip.AddrPort, bool) {
	if !a.isIP {
		return netip.AddrPort{}, false
	}
	return a.ip, true
}

// String renders "host:port" the way net.JoinHostPort would.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.port)))
}

// Resolve returns the first usable socket address for this Address. If
// the Address is already an IP, it is returned directly with no
// lookup. Only the Direct outbound calls this; the router never does
// (spec invariant: domain targets are never resolved to check IpCidr
// rules).
func (a Address) Resolve(lookup func(host string) ([]netip.Addr, error)) (netip.AddrPort, error) {
	if a.isIP {
		return a.ip, nil
	}
	addrs, err := lookup(a.domain)
	if err != nil {
		return netip.AddrPort{}, Errorf(KindDNSResolution, "address", "resolving %s: %w", a.domain, err)
	}
	for _, ad := range addrs {
		if ad.IsValid() {
			return netip.AddrPortFrom(ad, a.port), nil
		}
	}
	return netip.AddrPort{}, Errorf(KindDNSResolution, "address", "no usable address for %s", a.domain)
}

// ParseHostPort splits "host:port" and builds the appropriate Address
// variant: an IP Address if host parses as one, a domain Address
// otherwise.
func ParseHostPort(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, Errorf(KindBadAddress, "address", "splitting host:port: %w", err)
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || portNum == 0 {
		return Address{}, Errorf(KindBadAddress, "address", "invalid port %q", portStr)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return NewIPAddress(netip.AddrPortFrom(ip, uint16(portNum))), nil
	}
	return NewDomainAddress(host, uint16(portNum))
}

var _ fmt.Stringer = Address{}
