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
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Dispatcher is stateless glue holding references to the Router, the
// OutboundManager, the ConnectionTracker, and the Relay it uses to
// service every accepted session. It owns no long-lived state of its
// own; all of its collaborators are read-only (Router, OutboundManager)
// or internally synchronized (ConnectionTracker) and are shared across
// every inbound worker.
type Dispatcher struct {
	router   *Router
	outbound *OutboundManager
	tracker  *ConnectionTracker
	relay    *Relay
	logger   *zap.Logger
}

// NewDispatcher builds a Dispatcher from its collaborators. logger may
// be nil, in which case the package default logger is used.
func NewDispatcher(router *Router, outbound *OutboundManager, tracker *ConnectionTracker, relay *Relay, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = Log()
	}
	return &Dispatcher{router: router, outbound: outbound, tracker: tracker, relay: relay, logger: logger}
}

// Dispatch asks the Router for an outbound tag exactly once, looks up
// the handler, dials, and relays. It returns once the session has
// fully closed. A missing handler for the Router's chosen tag is
// impossible under the Router's construction-time invariant, but is
// handled defensively by logging and dropping the connection rather
// than panicking.
func (d *Dispatcher) Dispatch(ctx context.Context, session Session) {
	tag := d.router.Route(session.Destination)
	session.Outbound = tag

	d.logger.Info("route-matched",
		zap.String("session", session.ID.String()),
		zap.String("destination", session.Destination.String()),
		zap.String("outbound", tag))

	handler, ok := d.outbound.Get(tag)
	if !ok {
		d.logger.Error("error",
			zap.String("session", session.ID.String()),
			zap.String("kind", string(KindConfig)),
			zap.String("detail", fmt.Sprintf("outbound tag %q not registered", tag)))
		_ = session.ClientStream.Close()
		return
	}

	upstream, err := handler.Dial(ctx, session.Network, session.Destination)
	if err != nil {
		kind, _ := KindOf(err)
		d.logger.Warn("error",
			zap.String("session", session.ID.String()),
			zap.String("outbound", tag),
			zap.String("destination", session.Destination.String()),
			zap.String("kind", string(kind)),
			zap.String("detail", err.Error()))
		_ = session.ClientStream.Close()
		return
	}
	session.UpstreamStream = upstream

	d.logger.Info("outbound-connected",
		zap.String("session", session.ID.String()),
		zap.String("outbound", tag),
		zap.String("destination", session.Destination.String()))

	d.tracker.Open(session)
	defer d.tracker.Close(session.ID)

	d.logger.Info("relay-started",
		zap.String("session", session.ID.String()))

	start := time.Now()
	stats, err := d.relay.Run(ctx, session.ClientStream, session.UpstreamStream)
	d.tracker.AddBytes(session.ID, uint64(stats.BytesUp), uint64(stats.BytesDown))

	reason := "eof"
	if err != nil {
		reason = "error"
		if kind, ok := KindOf(err); ok {
			reason = string(kind)
		}
	}
	d.logger.Info("relay-finished",
		zap.String("session", session.ID.String()),
		zap.Uint64("bytes_up", uint64(stats.BytesUp)),
		zap.Uint64("bytes_down", uint64(stats.BytesDown)),
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(start)))

	if err != nil {
		kind, _ := KindOf(err)
		d.logger.Debug("error",
			zap.String("session", session.ID.String()),
			zap.String("kind", string(kind)),
			zap.String("detail", err.Error()))
	}
}
