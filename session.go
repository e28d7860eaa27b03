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
	"net"
	"time"

	"github.com/google/uuid"
)

// InboundResult is what an inbound handshake handler produces once it
// has finished speaking its protocol with the client: the requested
// destination, the network it was requested over, and the now-plain
// ProxyStream the client expects to be relayed.
type InboundResult struct {
	Destination Address
	Network     Network
	Stream      ProxyStream
}

// Session is the unit of work the Dispatcher hands to the Relay: one
// accepted client connection, already handshaken by an inbound
// handler, matched against a Route, and about to be (or already)
// connected to an outbound.
type Session struct {
	ID          uuid.UUID
	Inbound     string // the inbound listener's configured name
	Outbound    string // the outbound chosen by the router
	Destination Address
	Network     Network
	ClientAddr  net.Addr
	StartedAt   time.Time

	ClientStream   ProxyStream
	UpstreamStream ProxyStream
}

// NewSession builds a Session from a listener name, a handshake
// result, and the client's remote address. The outbound field is left
// empty for the Router to fill in.
func NewSession(inboundName string, clientAddr net.Addr, res InboundResult) Session {
	return Session{
		ID:           uuid.New(),
		Inbound:      inboundName,
		Destination:  res.Destination,
		Network:      res.Network,
		ClientAddr:   clientAddr,
		StartedAt:    time.Now(),
		ClientStream: res.Stream,
	}
}
