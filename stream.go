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
	"io"
	"net"
	"time"
)

// ProxyStream is the capability every inbound and outbound handler
// hands to the Relay: a byte stream that supports independent
// half-close of each direction, the way TCP does, so the Relay can
// propagate EOF on one direction without killing the other before its
// last bytes drain.
type ProxyStream interface {
	io.Reader
	io.Writer

	// CloseWrite shuts down the write side only; a well-behaved peer
	// sees this as EOF on its own Read. net.Conn-backed streams whose
	// conn cannot half-close fall back to a full Close; the QUIC
	// stream cancels its write side instead.
	CloseWrite() error

	// Close tears down both directions.
	Close() error

	// SetDeadline arms an absolute deadline for both Read and Write,
	// mirroring net.Conn; the Relay uses this to implement the
	// configured idle timeout.
	SetDeadline(t time.Time) error
}

// halfCloser is satisfied by *net.TCPConn and *tls.Conn.
type halfCloser interface {
	CloseWrite() error
}

// netConnStream adapts a net.Conn (raw TCP or TLS-wrapped TCP) to
// ProxyStream. TLS connections close-write via the underlying TCP
// conn, which crypto/tls.Conn exposes directly.
type netConnStream struct {
	net.Conn
}

// NewNetConnStream wraps conn as a ProxyStream.
func NewNetConnStream(conn net.Conn) ProxyStream {
	return netConnStream{Conn: conn}
}

func (s netConnStream) CloseWrite() error {
	if hc, ok := s.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return s.Conn.Close()
}

// bufferedConnStream adapts a net.Conn to ProxyStream while replaying
// bytes an inbound handler already pulled into a bufio.Reader ahead of
// the conn itself, so pipelined application data read during protocol
// parsing (e.g. bytes following an HTTP CONNECT request's blank line)
// isn't lost once the stream goes transparent.
type bufferedConnStream struct {
	net.Conn
	buffered io.Reader
}

// NewBufferedConnStream wraps conn as a ProxyStream whose first reads
// are served from buffered before falling through to conn directly.
func NewBufferedConnStream(conn net.Conn, buffered []byte) ProxyStream {
	if len(buffered) == 0 {
		return NewNetConnStream(conn)
	}
	return &bufferedConnStream{Conn: conn, buffered: bytes.NewReader(buffered)}
}

func (s *bufferedConnStream) Read(p []byte) (int, error) {
	if s.buffered != nil {
		n, err := s.buffered.Read(p)
		if err == io.EOF {
			s.buffered = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return s.Conn.Read(p)
}

func (s *bufferedConnStream) CloseWrite() error {
	if hc, ok := s.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return s.Conn.Close()
}

// quicStreamConn is the subset of a quic-go stream used by
// quicStream; kept narrow so tests can fake it without pulling in
// quic-go.
type quicStreamConn interface {
	io.Reader
	io.Writer
	Close() error
	SetDeadline(t time.Time) error
	CancelRead(code uint64)
	CancelWrite(code uint64)
}

// quicStream adapts a QUIC stream (the Hysteria2 outbound's
// transport) to ProxyStream. QUIC streams have no native half-close
// verb, so CloseWrite cancels the write side with error code 0,
// signaling EOF to the peer's Read without tearing down the read
// side of this stream.
type quicStream struct {
	s quicStreamConn
}

// NewQUICStream wraps a quic-go stream as a ProxyStream.
func NewQUICStream(s quicStreamConn) ProxyStream {
	return quicStream{s: s}
}

func (q quicStream) Read(p []byte) (int, error)  { return q.s.Read(p) }
func (q quicStream) Write(p []byte) (int, error) { return q.s.Write(p) }
func (q quicStream) Close() error                { return q.s.Close() }
func (q quicStream) SetDeadline(t time.Time) error {
	return q.s.SetDeadline(t)
}

func (q quicStream) CloseWrite() error {
	q.s.CancelWrite(0)
	return nil
}
