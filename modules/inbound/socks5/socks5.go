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

// Package socks5 implements the CONNECT subset of RFC 1928: no-auth
// method negotiation, one CONNECT request, and a success reply with a
// zeroed bind address before the stream goes transparent.
package socks5

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/openworld-proxy/openworld"
)

func init() {
	openworld.RegisterModule(new(Handler))
}

const (
	socks5Version = 0x05
	cmdConnect    = 0x01
	methodNoAuth  = 0x00
	methodNoneOK  = 0xff

	replySuccess        = 0x00
	replyCommandNotSupp = 0x07
	replyAddrNotSupp    = 0x08
	replyGeneralFailure = 0x01
)

// Handler is the SOCKS5 inbound handler.
type Handler struct {
	// HandshakeTimeout bounds the whole method-negotiation + request
	// exchange. Zero uses a 10 second default.
	HandshakeTimeout openworld.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
}

// OpenWorldModule returns this module's identity.
func (Handler) OpenWorldModule() openworld.ModuleInfo {
	return openworld.ModuleInfo{
		ID:  "inbound.socks5",
		New: func() openworld.Module { return new(Handler) },
	}
}

func (h *Handler) timeout() time.Duration {
	if h.HandshakeTimeout > 0 {
		return time.Duration(h.HandshakeTimeout)
	}
	return 10 * time.Second
}

// Handshake negotiates no-auth and a CONNECT request, replying with
// SOCKS5's success or failure codes as appropriate before returning
// the now-transparent stream.
func (h *Handler) Handshake(ctx context.Context, conn net.Conn) (openworld.InboundResult, error) {
	deadline := time.Now().Add(h.timeout())
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := negotiateMethod(conn); err != nil {
		return openworld.InboundResult{}, err
	}

	dest, err := readRequest(conn)
	if err != nil {
		_ = writeReply(conn, replyCodeFor(err))
		return openworld.InboundResult{}, err
	}

	if err := writeReply(conn, replySuccess); err != nil {
		return openworld.InboundResult{}, openworld.Errorf(openworld.KindIO, "inbound.socks5", "writing success reply: %w", err)
	}

	return openworld.InboundResult{
		Destination: dest,
		Network:     openworld.NetworkTCP,
		Stream:      openworld.NewNetConnStream(conn),
	}, nil
}

func negotiateMethod(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return openworld.Errorf(openworld.KindUnsupportedProtocol, "inbound.socks5", "reading method header: %w", err)
	}
	if hdr[0] != socks5Version {
		return openworld.Errorf(openworld.KindUnsupportedProtocol, "inbound.socks5", "unsupported version 0x%02x", hdr[0])
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return openworld.Errorf(openworld.KindUnsupportedProtocol, "inbound.socks5", "reading methods: %w", err)
	}

	selected := byte(methodNoneOK)
	for _, m := range methods {
		if m == methodNoAuth {
			selected = methodNoAuth
			break
		}
	}
	if _, err := conn.Write([]byte{socks5Version, selected}); err != nil {
		return openworld.Errorf(openworld.KindIO, "inbound.socks5", "writing method reply: %w", err)
	}
	if selected == methodNoneOK {
		return openworld.Errorf(openworld.KindAuthFailed, "inbound.socks5", "client offered no acceptable auth method")
	}
	return nil
}

func readRequest(conn net.Conn) (openworld.Address, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return openworld.Address{}, openworld.Errorf(openworld.KindUnsupportedProtocol, "inbound.socks5", "reading request header: %w", err)
	}
	if hdr[0] != socks5Version {
		return openworld.Address{}, openworld.Errorf(openworld.KindUnsupportedProtocol, "inbound.socks5", "unsupported version 0x%02x", hdr[0])
	}
	if hdr[1] != cmdConnect {
		return openworld.Address{}, openworld.Errorf(openworld.KindUnsupportedCommand, "inbound.socks5", "unsupported command 0x%02x", hdr[1])
	}
	// hdr[2] is RSV, always 0x00, intentionally unchecked.

	dest, err := openworld.ReadSOCKS5Address(conn)
	if err != nil {
		return openworld.Address{}, err
	}
	return dest, nil
}

func replyCodeFor(err error) byte {
	if kind, ok := openworld.KindOf(err); ok {
		switch kind {
		case openworld.KindUnsupportedCommand:
			return replyCommandNotSupp
		case openworld.KindBadAddress:
			return replyAddrNotSupp
		}
	}
	return replyGeneralFailure
}

func writeReply(conn net.Conn, code byte) error {
	// BND.ADDR/BND.PORT are zeroed: the core never binds a distinct
	// relay address, so there is nothing meaningful to report.
	reply := []byte{socks5Version, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

var _ openworld.InboundHandler = (*Handler)(nil)
