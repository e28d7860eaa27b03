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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Engine is the top-level object a process wires up once at startup:
// it owns the Router, OutboundManager, ConnectionTracker, and
// InboundManager for one running configuration, and is the unit a
// future config-reload layer would swap out wholesale (the core
// itself treats a configuration as immutable once constructed).
type Engine struct {
	inbound             *InboundManager
	tracker             *ConnectionTracker
	logger              *zap.Logger
	registry            *prometheus.Registry
	shutdownGracePeriod time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// EngineConfig is everything NewEngine needs to build one running
// Engine: already-instantiated outbounds and inbound listener
// configs, the router rule table, and the ambient knobs (log level,
// relay tuning, metrics registry).
type EngineConfig struct {
	Outbounds       map[string]OutboundHandler
	Listeners       []ListenerConfig
	Rules           []Rule
	DefaultOutbound string
	LogLevel        LogLevel
	IdleTimeout     Duration
	RelayBufferSize int
	HistoryCap      int
	Registry        *prometheus.Registry

	// ShutdownGracePeriod is how long in-flight relays are given to
	// finish on their own once Run's ctx is cancelled before their
	// streams are force-closed. Zero falls back to
	// defaultShutdownGracePeriod.
	ShutdownGracePeriod Duration
}

// defaultShutdownGracePeriod is the brief grace window relays get
// before a shutdown forces their streams closed.
const defaultShutdownGracePeriod = 5 * time.Second

// NewEngine validates cfg and wires every component together. It
// returns a *openworld.Error of KindConfig for any invariant
// violation (an unknown outbound tag in a rule or as the default).
// Outbound tags arrive as map keys and so are already unique; a bad
// listen address is only detected by Run.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, Errorf(KindConfig, "engine", "building logger: %w", err)
	}
	SetLog(logger)

	outboundMgr, err := NewOutboundManager(cfg.Outbounds)
	if err != nil {
		return nil, err
	}

	router, err := NewRouter(cfg.Rules, cfg.DefaultOutbound, outboundMgr.Tags())
	if err != nil {
		return nil, err
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	tracker := NewConnectionTracker(registry, cfg.HistoryCap)

	relay := NewRelay(time.Duration(cfg.IdleTimeout), cfg.RelayBufferSize)
	dispatcher := NewDispatcher(router, outboundMgr, tracker, relay, logger)
	inboundMgr := NewInboundManager(cfg.Listeners, dispatcher, logger)

	gracePeriod := time.Duration(cfg.ShutdownGracePeriod)
	if gracePeriod <= 0 {
		gracePeriod = defaultShutdownGracePeriod
	}

	return &Engine{
		inbound:             inboundMgr,
		tracker:             tracker,
		logger:              logger,
		registry:            registry,
		shutdownGracePeriod: gracePeriod,
	}, nil
}

// Registry returns the Prometheus registry the engine's metrics are
// registered into, for an external HTTP exposition endpoint to serve.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Tracker returns the engine's ConnectionTracker, e.g. for an admin
// surface to report active session counts.
func (e *Engine) Tracker() *ConnectionTracker { return e.tracker }

// Run blocks serving all configured inbound listeners until ctx is
// cancelled or a listener fails unrecoverably. Cancelling ctx does not
// tear down in-flight relays immediately: runCtx (what listeners and
// relays actually select on) is only cancelled once
// shutdownGracePeriod has elapsed, giving sessions in progress a
// chance to finish on their own first. An explicit Stop forces runCtx
// closed right away, with no grace window.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	stopped := make(chan struct{})
	defer cancel()
	defer close(stopped)

	go func() {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping",
				zap.Duration("grace_period", e.shutdownGracePeriod))
			timer := time.NewTimer(e.shutdownGracePeriod)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel()
			case <-stopped:
			}
		case <-stopped:
		}
	}()

	e.logger.Info("engine starting")
	err := e.inbound.Run(runCtx)
	e.logger.Info("engine stopped", zap.Error(err))
	return err
}

// Stop cancels the running engine's context, causing Run to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}
