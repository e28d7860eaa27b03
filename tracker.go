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
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// connectionRecord is the tracker's per-session bookkeeping entry.
type connectionRecord struct {
	session   Session
	bytesUp   uint64
	bytesDown uint64
}

// ConnectionTracker holds the set of currently active sessions plus a
// capped ring of recently closed ones, and exposes session and byte
// counts as Prometheus metrics registered into a caller-supplied
// registry. It performs no
// HTTP exposition itself; that is the job of an external metrics
// collaborator the core hands its registry to.
type ConnectionTracker struct {
	mu     sync.Mutex
	active map[uuid.UUID]*connectionRecord

	history    []Session
	historyCap int
	historyPos int

	activeGauge    prometheus.Gauge
	acceptedTotal  prometheus.Counter
	closedTotal    prometheus.Counter
	bytesUpTotal   prometheus.Counter
	bytesDownTotal prometheus.Counter
}

// NewConnectionTracker builds a ConnectionTracker and registers its
// metrics into reg. historyCap bounds the recently-closed ring; 0
// disables history retention entirely.
func NewConnectionTracker(reg *prometheus.Registry, historyCap int) *ConnectionTracker {
	t := &ConnectionTracker{
		active:     make(map[uuid.UUID]*connectionRecord),
		historyCap: historyCap,
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openworld",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of currently active proxied sessions.",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openworld",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total sessions accepted by the dispatcher.",
		}),
		closedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openworld",
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total sessions closed.",
		}),
		bytesUpTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openworld",
			Subsystem: "connections",
			Name:      "bytes_up_total",
			Help:      "Total bytes relayed client to upstream.",
		}),
		bytesDownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openworld",
			Subsystem: "connections",
			Name:      "bytes_down_total",
			Help:      "Total bytes relayed upstream to client.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.activeGauge, t.acceptedTotal, t.closedTotal, t.bytesUpTotal, t.bytesDownTotal)
	}
	if historyCap > 0 {
		t.history = make([]Session, 0, historyCap)
	}
	return t
}

// Open records session as active. Called once, by the Dispatcher,
// after a successful outbound dial.
func (t *ConnectionTracker) Open(session Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[session.ID] = &connectionRecord{session: session}
	t.activeGauge.Inc()
	t.acceptedTotal.Inc()
}

// AddBytes accumulates relayed byte counts for an active session. up
// is bytes client->upstream, down is upstream->client.
func (t *ConnectionTracker) AddBytes(id uuid.UUID, up, down uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[id]
	if !ok {
		return
	}
	rec.bytesUp += up
	rec.bytesDown += down
	t.bytesUpTotal.Add(float64(up))
	t.bytesDownTotal.Add(float64(down))
}

// Close removes session id from the active set and, if history
// retention is enabled, appends it to the recently-closed ring.
func (t *ConnectionTracker) Close(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[id]
	if !ok {
		return
	}
	delete(t.active, id)
	t.activeGauge.Dec()
	t.closedTotal.Inc()
	if t.historyCap > 0 {
		if len(t.history) < t.historyCap {
			t.history = append(t.history, rec.session)
		} else {
			t.history[t.historyPos] = rec.session
			t.historyPos = (t.historyPos + 1) % t.historyCap
		}
	}
}

// ActiveCount returns the number of currently active sessions.
func (t *ConnectionTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// RecentlyClosed returns a snapshot of the recently-closed ring, in no
// particular order.
func (t *ConnectionTracker) RecentlyClosed() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, len(t.history))
	copy(out, t.history)
	return out
}
