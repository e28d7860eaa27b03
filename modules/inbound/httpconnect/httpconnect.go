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

// Package httpconnect implements the HTTP/1.1 CONNECT inbound: one
// request line, headers consumed to the blank line, a 200 reply, then
// the stream goes transparent. No other HTTP method or forward-proxy
// behavior is implemented.
package httpconnect

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/openworld-proxy/openworld"
)

func init() {
	openworld.RegisterModule(new(Handler))
}

const maxLineSize = 8 * 1024

// Handler is the HTTP CONNECT inbound handler.
type Handler struct {
	HandshakeTimeout openworld.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
}

// OpenWorldModule returns this module's identity.
func (Handler) OpenWorldModule() openworld.ModuleInfo {
	return openworld.ModuleInfo{
		ID:  "inbound.httpconnect",
		New: func() openworld.Module { return new(Handler) },
	}
}

func (h *Handler) timeout() time.Duration {
	if h.HandshakeTimeout > 0 {
		return time.Duration(h.HandshakeTimeout)
	}
	return 10 * time.Second
}

// Handshake reads one CONNECT request line and its headers, replies
// 200, and hands back the transparent stream.
func (h *Handler) Handshake(ctx context.Context, conn net.Conn) (openworld.InboundResult, error) {
	deadline := time.Now().Add(h.timeout())
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	reader := bufio.NewReaderSize(conn, maxLineSize)

	requestLine, err := readLimitedLine(reader)
	if err != nil {
		writeBadRequest(conn)
		return openworld.InboundResult{}, openworld.Errorf(openworld.KindBadRequest, "inbound.httpconnect", "reading request line: %w", err)
	}

	method, target, err := parseRequestLine(requestLine)
	if err != nil {
		writeBadRequest(conn)
		return openworld.InboundResult{}, err
	}
	if method != "CONNECT" {
		writeStatus(conn, "405 Method Not Allowed")
		return openworld.InboundResult{}, openworld.Errorf(openworld.KindUnsupportedCommand, "inbound.httpconnect", "unsupported method %q", method)
	}

	dest, err := openworld.ParseHostPort(target)
	if err != nil {
		writeBadRequest(conn)
		return openworld.InboundResult{}, openworld.Errorf(openworld.KindBadAddress, "inbound.httpconnect", "parsing target %q: %w", target, err)
	}

	if err := consumeHeaders(reader); err != nil {
		writeBadRequest(conn)
		return openworld.InboundResult{}, openworld.Errorf(openworld.KindBadRequest, "inbound.httpconnect", "reading headers: %w", err)
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return openworld.InboundResult{}, openworld.Errorf(openworld.KindIO, "inbound.httpconnect", "writing 200 reply: %w", err)
	}

	// Anything already pulled into reader's buffer beyond the headers'
	// blank line is the client's first application bytes; it must be
	// replayed ahead of conn, not dropped.
	leftover := make([]byte, reader.Buffered())
	_, _ = io.ReadFull(reader, leftover)

	return openworld.InboundResult{
		Destination: dest,
		Network:     openworld.NetworkTCP,
		Stream:      openworld.NewBufferedConnStream(conn, leftover),
	}, nil
}

func parseRequestLine(line string) (method, target string, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", openworld.Errorf(openworld.KindBadRequest, "inbound.httpconnect", "malformed request line %q", line)
	}
	if parts[2] != "HTTP/1.1" {
		return "", "", openworld.Errorf(openworld.KindBadRequest, "inbound.httpconnect", "unsupported protocol version %q", parts[2])
	}
	return parts[0], parts[1], nil
}

func consumeHeaders(reader *bufio.Reader) error {
	for {
		line, err := readLimitedLine(reader)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func readLimitedLine(reader *bufio.Reader) (string, error) {
	// ReadSlice fails with bufio.ErrBufferFull once a line outgrows the
	// reader's maxLineSize buffer.
	line, err := reader.ReadSlice('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func writeBadRequest(conn net.Conn) {
	writeStatus(conn, "400 Bad Request")
}

func writeStatus(conn net.Conn, status string) {
	_, _ = conn.Write([]byte("HTTP/1.1 " + status + "\r\n\r\n"))
}

var _ openworld.InboundHandler = (*Handler)(nil)
