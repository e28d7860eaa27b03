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
	"net"
)

// InboundHandler speaks one client-facing protocol (SOCKS5, HTTP
// CONNECT) well enough to learn the requested destination, then hands
// back a plain ProxyStream ready for the Dispatcher to route. Each
// registered inbound module (modules/inbound/socks5,
// modules/inbound/httpconnect) implements this plus Module.
type InboundHandler interface {
	Module
	Handshake(ctx context.Context, conn net.Conn) (InboundResult, error)
}

// ListenerConfig names one inbound listener: the address to bind, the
// handler that will perform the handshake, and the accept-rate
// limit applied to it.
type ListenerConfig struct {
	Name          string
	ListenAddr    string
	Handler       InboundHandler
	AcceptsPerSec float64 // 0 disables rate limiting
	AcceptBurst   int
}
