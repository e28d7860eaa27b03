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

// Package hysteria2 implements the Hysteria2 (TCP-over-QUIC) outbound:
// at most one authenticated QUIC connection per configured server,
// cached and reused across many tunneled streams.
package hysteria2

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/openworld-proxy/openworld"
	"github.com/openworld-proxy/openworld/internal/quicmanager"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

func init() {
	openworld.RegisterModule(new(Outbound))
}

// hysteria2TCPRequest is the per-stream request type code, as used in
// the reference protocol's framing.
const hysteria2TCPRequest = 0x01

const authSuccessStatus = 233

// Outbound is the Hysteria2 outbound handler.
type Outbound struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	SNI           string `json:"sni,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" yaml:"allow_insecure,omitempty"`

	manager *quicmanager.Manager
}

// OpenWorldModule returns this module's identity.
func (Outbound) OpenWorldModule() openworld.ModuleInfo {
	return openworld.ModuleInfo{
		ID:  "outbound.hysteria2",
		New: func() openworld.Module { return new(Outbound) },
	}
}

// Validate checks required fields are present.
func (o *Outbound) Validate() error {
	if o.Address == "" {
		return openworld.Errorf(openworld.KindConfig, "outbound.hysteria2", "address is required")
	}
	return nil
}

// Provision builds the QuicManager that caches this server's
// connection, wiring in the HTTP/3 auth exchange as its Connector.
func (o *Outbound) Provision(_ openworld.Context) error {
	o.manager = quicmanager.New(nil, o.authenticate)
	return nil
}

// Cleanup closes every cached QUIC connection.
func (o *Outbound) Cleanup() error {
	o.manager.CloseAll()
	return nil
}

func (o *Outbound) tlsConfig() *tls.Config {
	sni := o.SNI
	if sni == "" {
		sni = o.Address
	}
	return &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: o.AllowInsecure,
		NextProtos:         []string{"h3"},
	}
}

// authenticate performs the HTTP/3 POST /auth exchange on a freshly
// dialed QUIC connection; status 233 means success, anything else is
// AuthFailed.
func (o *Outbound) authenticate(ctx context.Context, conn *quic.Conn) error {
	tr := &http3.Transport{}
	clientConn := tr.NewClientConn(conn)
	defer clientConn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://hysteria/auth",
		bytes.NewReader([]byte(o.Password)))
	if err != nil {
		return openworld.Errorf(openworld.KindAuthFailed, "outbound.hysteria2", "building auth request: %w", err)
	}
	req.URL = &url.URL{Scheme: "https", Host: o.Address, Path: "/auth"}

	resp, err := clientConn.RoundTrip(req)
	if err != nil {
		return openworld.Errorf(openworld.KindAuthFailed, "outbound.hysteria2", "auth round trip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != authSuccessStatus {
		return openworld.Errorf(openworld.KindAuthFailed, "outbound.hysteria2", "unexpected auth status %d", resp.StatusCode)
	}
	return nil
}

// Dial opens a new bidirectional stream on the cached authenticated
// connection to this server, writes the per-stream request header,
// and validates the response header before returning the tunnel.
func (o *Outbound) Dial(ctx context.Context, network openworld.Network, dest openworld.Address) (openworld.ProxyStream, error) {
	if network != openworld.NetworkTCP {
		return nil, openworld.Errorf(openworld.KindUnsupportedProtocol, "outbound.hysteria2", "network %q not supported", network)
	}

	conn, err := o.manager.Get(ctx, o.Address, o.tlsConfig())
	if err != nil {
		return nil, openworld.Errorf(openworld.KindQUICConnect, "outbound.hysteria2", "connecting to %s: %w", o.Address, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, openworld.Errorf(openworld.KindQUICConnect, "outbound.hysteria2", "opening stream: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", dest.Host(), dest.Port())
	var hdr []byte
	hdr = appendVarint(hdr, hysteria2TCPRequest)
	hdr = appendVarint(hdr, uint64(len(addr)))
	hdr = append(hdr, addr...)
	hdr = appendVarint(hdr, 0) // padding_len

	if _, err := stream.Write(hdr); err != nil {
		_ = stream.Close()
		return nil, openworld.Errorf(openworld.KindIO, "outbound.hysteria2", "writing request header: %w", err)
	}

	if err := readResponseHeader(stream); err != nil {
		_ = stream.Close()
		return nil, err
	}

	return openworld.NewQUICStream(stream), nil
}

func readResponseHeader(r io.Reader) error {
	status, err := readVarint(r)
	if err != nil {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.hysteria2", "reading status: %w", err)
	}
	msgLen, err := readVarint(r)
	if err != nil {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.hysteria2", "reading message length: %w", err)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.hysteria2", "reading message: %w", err)
	}
	padLen, err := readVarint(r)
	if err != nil {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.hysteria2", "reading padding length: %w", err)
	}
	pad := make([]byte, padLen)
	if _, err := io.ReadFull(r, pad); err != nil {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.hysteria2", "reading padding: %w", err)
	}
	if status != 0 {
		return openworld.Errorf(openworld.KindProtocolError, "outbound.hysteria2", "request failed (status %d): %s", status, msg)
	}
	return nil
}

var (
	_ openworld.OutboundHandler = (*Outbound)(nil)
	_ openworld.Provisioner     = (*Outbound)(nil)
	_ openworld.Validator       = (*Outbound)(nil)
	_ openworld.CleanerUpper    = (*Outbound)(nil)
)
