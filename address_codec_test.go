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
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func TestSOCKS5AddressRoundTripIPv4(t *testing.T) {
	addr := NewIPAddress(netip.MustParseAddrPort("203.0.113.9:8080"))
	encoded, err := EncodeSOCKS5Address(addr)
	require.NoError(t, err)

	decoded, err := DecodeSOCKS5Address(encoded)
	require.NoError(t, err)
	assert.Equal(t, addr.Host(), decoded.Host())
	assert.Equal(t, addr.Port(), decoded.Port())
	assert.True(t, decoded.IsIP())
}

func TestSOCKS5AddressRoundTripIPv6(t *testing.T) {
	addr := NewIPAddress(netip.MustParseAddrPort("[2001:db8::1]:443"))
	encoded, err := EncodeSOCKS5Address(addr)
	require.NoError(t, err)

	decoded, err := DecodeSOCKS5Address(encoded)
	require.NoError(t, err)
	assert.Equal(t, addr.Host(), decoded.Host())
	assert.Equal(t, addr.Port(), decoded.Port())
}

func TestSOCKS5AddressRoundTripDomain(t *testing.T) {
	addr, err := NewDomainAddress("Example.COM", 9000)
	require.NoError(t, err)

	encoded, err := EncodeSOCKS5Address(addr)
	require.NoError(t, err)

	decoded, err := DecodeSOCKS5Address(encoded)
	require.NoError(t, err)
	assert.Equal(t, "example.com", decoded.Host())
	assert.Equal(t, uint16(9000), decoded.Port())
	assert.True(t, decoded.IsDomain())
}

func TestSOCKS5AddressRejectsTrailingBytes(t *testing.T) {
	addr := NewIPAddress(netip.MustParseAddrPort("127.0.0.1:1"))
	encoded, err := EncodeSOCKS5Address(addr)
	require.NoError(t, err)

	_, err = DecodeSOCKS5Address(append(encoded, 0xff))
	assert.Error(t, err)
}

func TestReadSOCKS5AddressFromReader(t *testing.T) {
	addr, err := NewDomainAddress("proxy.test", 53)
	require.NoError(t, err)
	encoded, err := EncodeSOCKS5Address(addr)
	require.NoError(t, err)

	decoded, err := ReadSOCKS5Address(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, "proxy.test", decoded.Host())
	assert.Equal(t, uint16(53), decoded.Port())
}

func TestVLESSAddressRoundTripIPv4(t *testing.T) {
	addr := NewIPAddress(netip.MustParseAddrPort("198.51.100.7:1234"))
	b := cryptobyte.NewBuilder(nil)
	EncodeVLESSAddress(b, addr)
	encoded, err := b.Bytes()
	require.NoError(t, err)

	s := cryptobyte.String(encoded)
	decoded, err := ReadVLESSAddress(&s)
	require.NoError(t, err)
	assert.True(t, s.Empty())
	assert.Equal(t, addr.Host(), decoded.Host())
	assert.Equal(t, addr.Port(), decoded.Port())
}

func TestVLESSAddressRoundTripDomain(t *testing.T) {
	addr, err := NewDomainAddress("upstream.example", 443)
	require.NoError(t, err)
	b := cryptobyte.NewBuilder(nil)
	EncodeVLESSAddress(b, addr)
	encoded, err := b.Bytes()
	require.NoError(t, err)

	s := cryptobyte.String(encoded)
	decoded, err := ReadVLESSAddress(&s)
	require.NoError(t, err)
	assert.Equal(t, "upstream.example", decoded.Host())
	assert.Equal(t, uint16(443), decoded.Port())
}

func TestParseHostPortIP(t *testing.T) {
	addr, err := ParseHostPort("192.0.2.5:80")
	require.NoError(t, err)
	assert.True(t, addr.IsIP())
	assert.Equal(t, uint16(80), addr.Port())
}

func TestParseHostPortDomain(t *testing.T) {
	addr, err := ParseHostPort("Upstream.Example:8443")
	require.NoError(t, err)
	assert.True(t, addr.IsDomain())
	assert.Equal(t, "upstream.example", addr.Host())
}

func TestParseHostPortRejectsZeroPort(t *testing.T) {
	_, err := ParseHostPort("example.com:0")
	assert.Error(t, err)
}
