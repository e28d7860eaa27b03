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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Context carries the lifetime of a set of provisioned modules: the
// logger they should use, the metrics registry they should register
// into, and the cancellation hooks that release their resources. It
// wraps context.Context rather than replacing it so blocking calls
// (DNS, TLS, QUIC, socket I/O) can still select on ctx.Done().
type Context struct {
	context.Context

	logger          *zap.Logger
	metricsRegistry *prometheus.Registry

	// cleanupFuncs is a pointer so every value copy of a Context
	// derived from the same NewContext call (each BuildInboundHandler/
	// BuildOutboundHandler call takes ctx by value) shares one
	// underlying slice; without the indirection, a hook registered
	// through a copy would never reach the wrappedCancel below.
	cleanupFuncs *[]func()
	cleanupMu    *sync.Mutex
}

// NewContext derives a new Context from parent, returning it along
// with a cancel func. Calling cancel cancels the embedded
// context.Context, then runs every func registered via OnCancel, in
// registration order.
func NewContext(parent context.Context, logger *zap.Logger) (Context, context.CancelFunc) {
	if logger == nil {
		logger = Log()
	}
	c, cancel := context.WithCancel(parent)
	funcs := make([]func(), 0)
	ctx := Context{
		Context:         c,
		logger:          logger,
		metricsRegistry: prometheus.NewRegistry(),
		cleanupFuncs:    &funcs,
		cleanupMu:       new(sync.Mutex),
	}
	wrappedCancel := func() {
		cancel()
		ctx.cleanupMu.Lock()
		hooks := append([]func(){}, (*ctx.cleanupFuncs)...)
		ctx.cleanupMu.Unlock()
		for _, f := range hooks {
			f()
		}
	}
	return ctx, wrappedCancel
}

// OnCancel registers f to run when this context is cancelled. Modules
// that hold resources (QUIC endpoints, TLS session caches, tracker
// state) use this instead of implementing CleanerUpper when the
// resource is scoped to one Context rather than the module's whole
// lifetime.
func (ctx *Context) OnCancel(f func()) {
	ctx.cleanupMu.Lock()
	defer ctx.cleanupMu.Unlock()
	*ctx.cleanupFuncs = append(*ctx.cleanupFuncs, f)
}

// Logger returns the logger associated with this context. Components
// that want a named sub-logger should call Logger().Named("...").
func (ctx Context) Logger() *zap.Logger {
	if ctx.logger == nil {
		return Log()
	}
	return ctx.logger
}

// MetricsRegistry returns the Prometheus registry that this context's
// modules should register their collectors into. Exposing the
// registry over HTTP is the job of the (out-of-scope) control-plane
// API; the core only populates it.
func (ctx Context) MetricsRegistry() *prometheus.Registry {
	return ctx.metricsRegistry
}
