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
	"encoding/binary"
	"io"
	"net/netip"

	"golang.org/x/crypto/cryptobyte"
)

// SOCKS5 and VLESS address type octets. SOCKS5 uses the RFC 1928 §5
// numbering; VLESS shares 0x01 for IPv4 but numbers domain and IPv6
// differently.
const (
	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x02 // VLESS uses 0x02 for domain; SOCKS5 uses 0x03 (see socks5AddrTypeDomain)
	addrTypeIPv6   = 0x03

	socks5AddrTypeIPv4   = 0x01
	socks5AddrTypeDomain = 0x03
	socks5AddrTypeIPv6   = 0x04
)

// EncodeSOCKS5Address appends the RFC 1928 §5 DST.ADDR/DST.PORT
// encoding of a to a fresh buffer using a cryptobyte.Builder.
func EncodeSOCKS5Address(a Address) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	if a.IsIP() {
		ap, _ := a.IPAddrPort()
		ip := ap.Addr()
		switch {
		case ip.Is4():
			b.AddUint8(socks5AddrTypeIPv4)
			b4 := ip.As4()
			b.AddBytes(b4[:])
		default:
			b.AddUint8(socks5AddrTypeIPv6)
			b16 := ip.As16()
			b.AddBytes(b16[:])
		}
	} else {
		host := a.Host()
		b.AddUint8(socks5AddrTypeDomain)
		b.AddUint8(uint8(len(host)))
		b.AddBytes([]byte(host))
	}
	b.AddUint16(a.Port())
	return b.Bytes()
}

// DecodeSOCKS5Address parses a complete RFC 1928 §5 address header
// (as produced by EncodeSOCKS5Address) with no trailing bytes.
func DecodeSOCKS5Address(data []byte) (Address, error) {
	s := cryptobyte.String(data)
	a, err := readSOCKS5Address(&s)
	if err != nil {
		return Address{}, err
	}
	if !s.Empty() {
		return Address{}, Errorf(KindBadAddress, "socks5", "trailing bytes after address")
	}
	return a, nil
}

// ReadSOCKS5Address reads one DST.ADDR/DST.PORT structure directly
// off the wire (the inbound handshake does not have the whole message
// buffered up front, unlike the round-trip codec test). It shares its
// parsing logic with DecodeSOCKS5Address by assembling the raw bytes
// first and delegating.
func ReadSOCKS5Address(r io.Reader) (Address, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Address{}, Errorf(KindBadAddress, "socks5", "reading address type: %w", err)
	}
	var body []byte
	switch atyp[0] {
	case socks5AddrTypeIPv4:
		body = make([]byte, 4+2)
	case socks5AddrTypeIPv6:
		body = make([]byte, 16+2)
	case socks5AddrTypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Address{}, Errorf(KindBadAddress, "socks5", "reading domain length: %w", err)
		}
		body = make([]byte, int(l[0])+2)
	default:
		return Address{}, Errorf(KindBadAddress, "socks5", "unknown address type 0x%02x", atyp[0])
	}
	if _, err := io.ReadFull(r, body); err != nil {
		return Address{}, Errorf(KindBadAddress, "socks5", "reading address body: %w", err)
	}
	full := append(atyp[:], body...)
	if atyp[0] == socks5AddrTypeDomain {
		// DecodeSOCKS5Address expects the length-prefixed form exactly
		// as produced by Encode, which full already is (atyp, len, host, port).
	}
	return DecodeSOCKS5Address(full)
}

func readSOCKS5Address(s *cryptobyte.String) (Address, error) {
	var atyp uint8
	if !s.ReadUint8(&atyp) {
		return Address{}, Errorf(KindBadAddress, "socks5", "short address header")
	}
	var a Address
	switch atyp {
	case socks5AddrTypeIPv4:
		var raw []byte
		if !s.ReadBytes(&raw, 4) {
			return Address{}, Errorf(KindBadAddress, "socks5", "short IPv4 address")
		}
		ip := netip.AddrFrom4([4]byte(raw))
		a = Address{ip: netip.AddrPortFrom(ip, 0), isIP: true}
	case socks5AddrTypeIPv6:
		var raw []byte
		if !s.ReadBytes(&raw, 16) {
			return Address{}, Errorf(KindBadAddress, "socks5", "short IPv6 address")
		}
		ip := netip.AddrFrom16([16]byte(raw))
		a = Address{ip: netip.AddrPortFrom(ip, 0), isIP: true}
	case socks5AddrTypeDomain:
		var l uint8
		if !s.ReadUint8(&l) {
			return Address{}, Errorf(KindBadAddress, "socks5", "missing domain length")
		}
		var raw []byte
		if !s.ReadBytes(&raw, int(l)) {
			return Address{}, Errorf(KindBadAddress, "socks5", "short domain")
		}
		var err error
		a, err = NewDomainAddress(string(raw), 1) // placeholder port, overwritten below
		if err != nil {
			return Address{}, err
		}
	default:
		return Address{}, Errorf(KindBadAddress, "socks5", "unknown address type 0x%02x", atyp)
	}
	var port uint16
	if !s.ReadUint16(&port) {
		return Address{}, Errorf(KindBadAddress, "socks5", "missing port")
	}
	if a.isIP {
		a.ip = netip.AddrPortFrom(a.ip.Addr(), port)
		a.port = port
	} else {
		a.port = port
	}
	return a, nil
}

// vlessAddrType maps an Address to the VLESS wire address-type octet,
// distinct from SOCKS5's numbering (see §4.4 of the spec: 0x01=IPv4,
// 0x02=domain, 0x03=IPv6).
func vlessAddrType(a Address) uint8 {
	if a.IsDomain() {
		return addrTypeDomain
	}
	ap, _ := a.IPAddrPort()
	if ap.Addr().Is4() {
		return addrTypeIPv4
	}
	return addrTypeIPv6
}

// EncodeVLESSAddress appends the address portion of a VLESS request
// header (port, addr_type, addr) as specified in spec §4.4.
func EncodeVLESSAddress(b *cryptobyte.Builder, a Address) {
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port())
	b.AddBytes(portBuf[:])
	b.AddUint8(vlessAddrType(a))
	switch {
	case a.IsDomain():
		host := a.Host()
		b.AddUint8(uint8(len(host)))
		b.AddBytes([]byte(host))
	default:
		ap, _ := a.IPAddrPort()
		ip := ap.Addr()
		if ip.Is4() {
			raw := ip.As4()
			b.AddBytes(raw[:])
		} else {
			raw := ip.As16()
			b.AddBytes(raw[:])
		}
	}
}

// ReadVLESSAddress reads the port, addr_type, addr portion of a VLESS
// request header from s, the inverse of EncodeVLESSAddress.
func ReadVLESSAddress(s *cryptobyte.String) (Address, error) {
	var port uint16
	if !s.ReadUint16(&port) {
		return Address{}, Errorf(KindProtocolError, "vless", "missing port")
	}
	var atype uint8
	if !s.ReadUint8(&atype) {
		return Address{}, Errorf(KindProtocolError, "vless", "missing address type")
	}
	switch atype {
	case addrTypeIPv4:
		var raw []byte
		if !s.ReadBytes(&raw, 4) {
			return Address{}, Errorf(KindProtocolError, "vless", "short IPv4 address")
		}
		return NewIPAddress(netip.AddrPortFrom(netip.AddrFrom4([4]byte(raw)), port)), nil
	case addrTypeIPv6:
		var raw []byte
		if !s.ReadBytes(&raw, 16) {
			return Address{}, Errorf(KindProtocolError, "vless", "short IPv6 address")
		}
		return NewIPAddress(netip.AddrPortFrom(netip.AddrFrom16([16]byte(raw)), port)), nil
	case addrTypeDomain:
		var l uint8
		if !s.ReadUint8(&l) {
			return Address{}, Errorf(KindProtocolError, "vless", "missing domain length")
		}
		var raw []byte
		if !s.ReadBytes(&raw, int(l)) {
			return Address{}, Errorf(KindProtocolError, "vless", "short domain")
		}
		return NewDomainAddress(string(raw), port)
	default:
		return Address{}, Errorf(KindProtocolError, "vless", "unknown address type 0x%02x", atype)
	}
}
