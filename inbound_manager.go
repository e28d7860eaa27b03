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
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// InboundManager owns one net.Listener per configured ListenerConfig
// and, for every accepted connection, spawns a task that performs the
// protocol handshake and hands the resulting Session to the
// Dispatcher. Listeners are supervised by an errgroup: if one
// listener's Accept loop fails unrecoverably, every other listener is
// stopped too, matching the teacher's pattern of tying sibling
// listener lifetimes together.
type InboundManager struct {
	listeners  []ListenerConfig
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewInboundManager builds an InboundManager from its listener
// configurations and the Dispatcher every handshaken Session is handed
// to.
func NewInboundManager(listeners []ListenerConfig, dispatcher *Dispatcher, logger *zap.Logger) *InboundManager {
	if logger == nil {
		logger = Log()
	}
	return &InboundManager{listeners: listeners, dispatcher: dispatcher, logger: logger}
}

// Run binds every configured listener and serves until ctx is
// cancelled or a listener fails. It returns the first error
// encountered (context cancellation returns nil).
func (m *InboundManager) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	var lns []net.Listener
	for _, lc := range m.listeners {
		ln, err := net.Listen("tcp", lc.ListenAddr)
		if err != nil {
			for _, opened := range lns {
				_ = opened.Close()
			}
			return Errorf(KindBind, "inbound_manager", "binding %s (%s): %w", lc.Name, lc.ListenAddr, err)
		}
		lns = append(lns, ln)

		lc := lc
		ln := ln
		group.Go(func() error {
			return m.serve(gctx, lc, ln)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		for _, ln := range lns {
			_ = ln.Close()
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *InboundManager) serve(ctx context.Context, lc ListenerConfig, ln net.Listener) error {
	var limiter *rate.Limiter
	if lc.AcceptsPerSec > 0 {
		burst := lc.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(lc.AcceptsPerSec), burst)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return Errorf(KindBind, "inbound_manager", "accepting on %s: %w", lc.Name, err)
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				_ = conn.Close()
				continue
			}
		}

		go m.handle(ctx, lc, conn)
	}
}

func (m *InboundManager) handle(ctx context.Context, lc ListenerConfig, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in inbound handler",
				zap.String("listener", lc.Name),
				zap.Any("recover", r))
			_ = conn.Close()
		}
	}()

	res, err := lc.Handler.Handshake(ctx, conn)
	if err != nil {
		kind, _ := KindOf(err)
		m.logger.Debug("error",
			zap.String("listener", lc.Name),
			zap.String("remote", conn.RemoteAddr().String()),
			zap.String("kind", string(kind)),
			zap.String("detail", err.Error()))
		_ = conn.Close()
		return
	}

	session := NewSession(lc.Name, conn.RemoteAddr(), res)

	m.logger.Info("inbound-accepted",
		zap.String("listener", lc.Name),
		zap.String("session", session.ID.String()),
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("destination", res.Destination.String()),
		zap.String("network", string(res.Network)))

	m.dispatcher.Dispatch(ctx, session)
}
