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

import "context"

// OutboundHandler dials dest and returns a ready ProxyStream. Each
// registered outbound module (modules/outbound/direct,
// modules/outbound/vless, modules/outbound/hysteria2) implements this
// plus the Module interface so it can be instantiated by tag from
// configuration.
type OutboundHandler interface {
	Module
	Dial(ctx context.Context, network Network, dest Address) (ProxyStream, error)
}

// OutboundManager is a construction-time registry of outbound handlers
// indexed by tag. It performs no routing itself; the Dispatcher asks
// the Router for a tag and looks the handler up here.
type OutboundManager struct {
	handlers map[string]OutboundHandler
}

// NewOutboundManager builds an OutboundManager from tag->handler
// pairs. The tags are the keys of tagged, so they are unique here; a
// tag repeated in the configuration is rejected by cmd/openworldd
// while it builds the map.
func NewOutboundManager(tagged map[string]OutboundHandler) (*OutboundManager, error) {
	m := &OutboundManager{handlers: make(map[string]OutboundHandler, len(tagged))}
	for tag, h := range tagged {
		if _, exists := m.handlers[tag]; exists {
			return nil, Errorf(KindConfig, "outbound_manager", "duplicate outbound tag %q", tag)
		}
		m.handlers[tag] = h
	}
	return m, nil
}

// Get looks up the handler registered under tag.
func (m *OutboundManager) Get(tag string) (OutboundHandler, bool) {
	h, ok := m.handlers[tag]
	return h, ok
}

// Tags returns the set of registered outbound tags, used to validate
// Router rules at construction time.
func (m *OutboundManager) Tags() map[string]bool {
	out := make(map[string]bool, len(m.handlers))
	for tag := range m.handlers {
		out[tag] = true
	}
	return out
}
