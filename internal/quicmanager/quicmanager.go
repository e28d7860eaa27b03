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

// Package quicmanager caches one QUIC connection per remote endpoint
// so every Hysteria2 dial after the first reuses an already-
// authenticated connection and only opens a new stream. The shape
// mirrors a persistent upstream dialer that keys a connection pool by
// address and serializes the dial of a given key while leaving
// already-established connections free to serve concurrent streams.
package quicmanager

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/quic-go/quic-go"
)

// Connector authenticates a freshly dialed QUIC connection before it
// is cached and handed out for streams. Hysteria2's HTTP/3 auth
// handshake (POST /auth, expecting status 233) implements this.
type Connector func(ctx context.Context, conn *quic.Conn) error

// Manager caches one *quic.Conn per endpoint address. Endpoint
// connection establishment is serialized per endpoint (via the
// endpoint's own entry lock) so concurrent first dials to the same
// endpoint don't race to open duplicate connections. Once a connection
// is cached, Get holds the entry lock only long enough to check and
// return it; callers open streams on it with no Manager lock held.
type Manager struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint

	quicConfig *quic.Config
	connect    Connector
}

type endpoint struct {
	mu   sync.Mutex
	conn *quic.Conn
}

// New builds a Manager. quicConfig may be nil to accept quic-go's
// defaults. connect, if non-nil, runs once per freshly dialed
// connection before it is cached.
func New(quicConfig *quic.Config, connect Connector) *Manager {
	return &Manager{
		endpoints:  make(map[string]*endpoint),
		quicConfig: quicConfig,
		connect:    connect,
	}
}

// Get returns a cached, live connection to addr, dialing and
// authenticating a new one if none is cached or the cached one has
// closed.
func (m *Manager) Get(ctx context.Context, addr string, tlsConfig *tls.Config) (*quic.Conn, error) {
	m.mu.Lock()
	ep, ok := m.endpoints[addr]
	if !ok {
		ep = &endpoint{}
		m.endpoints[addr] = ep
	}
	m.mu.Unlock()

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.conn != nil {
		select {
		case <-ep.conn.Context().Done():
			ep.conn = nil
		default:
			return ep.conn, nil
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, m.quicConfig)
	if err != nil {
		return nil, err
	}
	if m.connect != nil {
		if err := m.connect(ctx, conn); err != nil {
			_ = conn.CloseWithError(0, "auth failed")
			return nil, err
		}
	}
	ep.conn = conn
	return conn, nil
}

// CloseAll closes every cached connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		if ep.conn != nil {
			_ = ep.conn.CloseWithError(0, "shutting down")
		}
		ep.mu.Unlock()
	}
}
