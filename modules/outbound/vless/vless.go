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

// Package vless implements the VLESS-over-TLS outbound: a TCP
// connection wrapped in TLS, followed by one VLESS request header and
// one VLESS response header exchanged before the stream is handed to
// the Relay transparently.
package vless

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/openworld-proxy/openworld"
	"golang.org/x/crypto/cryptobyte"
)

func init() {
	openworld.RegisterModule(new(Outbound))
}

// Outbound is the VLESS-over-TLS outbound handler.
type Outbound struct {
	Address       string             `json:"address"`
	Port          uint16             `json:"port"`
	UUID          string             `json:"uuid"`
	SNI           string             `json:"sni,omitempty"`
	AllowInsecure bool               `json:"allow_insecure,omitempty" yaml:"allow_insecure,omitempty"`
	DialTimeout   openworld.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`

	id         uuid.UUID
	remoteAddr string
}

// OpenWorldModule returns this module's identity.
func (Outbound) OpenWorldModule() openworld.ModuleInfo {
	return openworld.ModuleInfo{
		ID:  "outbound.vless",
		New: func() openworld.Module { return new(Outbound) },
	}
}

// Provision parses the configured UUID once and precomputes the
// remote's host:port.
func (o *Outbound) Provision(_ openworld.Context) error {
	id, err := uuid.Parse(o.UUID)
	if err != nil {
		return openworld.Errorf(openworld.KindConfig, "outbound.vless", "invalid uuid %q: %w", o.UUID, err)
	}
	o.id = id
	o.remoteAddr = net.JoinHostPort(o.Address, strconv.Itoa(int(o.Port)))
	return nil
}

// Validate checks required fields are present.
func (o *Outbound) Validate() error {
	if o.Address == "" || o.Port == 0 {
		return openworld.Errorf(openworld.KindConfig, "outbound.vless", "address and port are required")
	}
	return nil
}

// Dial opens TCP to the configured remote, wraps it in TLS, writes the
// VLESS request header, and reads+validates the response header
// before returning the now-transparent stream.
func (o *Outbound) Dial(ctx context.Context, network openworld.Network, dest openworld.Address) (openworld.ProxyStream, error) {
	if network != openworld.NetworkTCP {
		return nil, openworld.Errorf(openworld.KindUnsupportedProtocol, "outbound.vless", "network %q not supported", network)
	}

	dialer := net.Dialer{Timeout: o.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", o.remoteAddr)
	if err != nil {
		return nil, openworld.Errorf(openworld.KindTCPConnect, "outbound.vless", "dialing %s: %w", o.remoteAddr, err)
	}

	sni := o.SNI
	if sni == "" {
		sni = dest.Host()
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: o.AllowInsecure,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, openworld.Errorf(openworld.KindTLSHandshake, "outbound.vless", "handshake with %s: %w", o.remoteAddr, err)
	}

	header, err := o.buildRequestHeader(dest)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	if _, err := tlsConn.Write(header); err != nil {
		_ = tlsConn.Close()
		return nil, openworld.Errorf(openworld.KindIO, "outbound.vless", "writing request header: %w", err)
	}

	_ = tlsConn.SetDeadline(time.Now().Add(o.dialTimeout()))
	err = readResponseHeader(tlsConn)
	_ = tlsConn.SetDeadline(time.Time{})
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	return openworld.NewNetConnStream(tlsConn), nil
}

// dialTimeout returns the configured DialTimeout, falling back to a
// 10 second default. Dial uses it to bound the TCP connect and the
// response header exchange.
func (o *Outbound) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return time.Duration(o.DialTimeout)
	}
	return 10 * time.Second
}

func (o *Outbound) buildRequestHeader(dest openworld.Address) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x00) // version
	idBytes := o.id
	b.AddBytes(idBytes[:])
	b.AddUint8(0x00) // addons_len
	b.AddUint8(0x01) // command: TCP CONNECT
	openworld.EncodeVLESSAddress(b, dest)
	out, err := b.Bytes()
	if err != nil {
		return nil, openworld.Errorf(openworld.KindProtocolError, "outbound.vless", "building request header: %w", err)
	}
	return out, nil
}

func readResponseHeader(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return openworld.Errorf(openworld.KindIO, "outbound.vless", "reading response header: %w", err)
	}
	if hdr[0] != 0x00 {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.vless", "unexpected response version 0x%02x", hdr[0])
	}
	if hdr[1] != 0x00 {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.vless", "unexpected response addons_len 0x%02x", hdr[1])
	}
	return nil
}

var (
	_ openworld.OutboundHandler = (*Outbound)(nil)
	_ openworld.Provisioner     = (*Outbound)(nil)
	_ openworld.Validator       = (*Outbound)(nil)
)
