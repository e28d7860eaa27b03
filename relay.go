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
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// Relay splices a client ProxyStream and an upstream ProxyStream
// together until both directions have finished, one side errors, the
// idle timeout elapses, or ctx is cancelled. Each direction is copied
// by its own goroutine and runs independently: one side reaching EOF
// half-closes its write side on the peer rather than tearing down the
// whole session, so the other direction can keep draining.
type Relay struct {
	IdleTimeout time.Duration
	BufferSize  int
}

// NewRelay builds a Relay with the given idle timeout and per-copy
// buffer size. A zero buffer size falls back to io.Copy's default.
func NewRelay(idleTimeout time.Duration, bufferSize int) *Relay {
	return &Relay{IdleTimeout: idleTimeout, BufferSize: bufferSize}
}

// Stats reports the bytes moved in each direction by one Run.
type Stats struct {
	BytesUp   int64 // client -> upstream
	BytesDown int64 // upstream -> client
}

// Run relays client<->upstream until completion and returns the byte
// counts moved in each direction. The first error encountered by
// either direction (other than a clean EOF) is returned, and it
// closes both streams so the other direction stops too; Run returns
// only after both copy goroutines have finished.
func (relay *Relay) Run(ctx context.Context, client, upstream ProxyStream) (Stats, error) {
	type result struct {
		n   int64
		err error
	}
	upc := make(chan result, 1)
	downc := make(chan result, 1)

	copyDir := func(dst, src ProxyStream, out chan<- result) {
		if relay.IdleTimeout > 0 {
			src = &deadlineResetStream{ProxyStream: src, timeout: relay.IdleTimeout}
			dst = &deadlineResetStream{ProxyStream: dst, timeout: relay.IdleTimeout}
		}
		var buf []byte
		if relay.BufferSize > 0 {
			buf = make([]byte, relay.BufferSize)
		}
		n, err := io.CopyBuffer(dst, src, buf)
		_ = dst.CloseWrite()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		out <- result{n: n, err: err}
	}

	go copyDir(upstream, client, upc)   // client -> upstream
	go copyDir(client, upstream, downc) // upstream -> client

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
			_ = upstream.Close()
		case <-stop:
		}
	}()

	var stats Stats
	var firstErr error
	for i := 0; i < 2; i++ {
		var r result
		select {
		case r = <-upc:
			stats.BytesUp = r.n
		case r = <-downc:
			stats.BytesDown = r.n
		}
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			_ = client.Close()
			_ = upstream.Close()
		}
	}

	_ = client.Close()
	_ = upstream.Close()
	if firstErr != nil {
		return stats, Errorf(relayErrorKind(ctx, firstErr), "relay", "relay failed: %w", firstErr)
	}
	return stats, nil
}

// relayErrorKind classifies an error coming out of a copy direction:
// a cancelled ctx takes priority (it's what tore the streams down),
// then a timed-out deadline, falling back to a generic I/O failure.
func relayErrorKind(ctx context.Context, err error) Kind {
	switch {
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindIO
}

// deadlineResetStream arms a fresh read/write deadline before every
// call, turning a single IdleTimeout into an inactivity timeout rather
// than a hard cap on total session length.
type deadlineResetStream struct {
	ProxyStream
	timeout time.Duration
}

func (d *deadlineResetStream) Read(p []byte) (int, error) {
	_ = d.SetDeadline(time.Now().Add(d.timeout))
	return d.ProxyStream.Read(p)
}

func (d *deadlineResetStream) Write(p []byte) (int, error) {
	_ = d.SetDeadline(time.Now().Add(d.timeout))
	return d.ProxyStream.Write(p)
}
