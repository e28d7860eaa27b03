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

// Package openworldconfig decodes the YAML configuration surface into
// the structures openworld.NewEngine needs, instantiating and
// provisioning every referenced inbound and outbound module by tag.
package openworldconfig

import (
	"bytes"
	"fmt"
	"os"

	"github.com/openworld-proxy/openworld"
	"gopkg.in/yaml.v3"
)

// AppConfig is the root of the YAML configuration file.
type AppConfig struct {
	Log       LogConfig        `yaml:"log"`
	Inbounds  []InboundConfig  `yaml:"inbounds"`
	Outbounds []OutboundConfig `yaml:"outbounds"`
	Router    RouterConfig     `yaml:"router"`
	Relay     RelayConfig      `yaml:"relay"`
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level openworld.LogLevel `yaml:"level"`
}

// RelayConfig tunes the Relay shared by every dispatched session and
// the Engine's shutdown behavior.
type RelayConfig struct {
	IdleTimeout openworld.Duration `yaml:"idle_timeout"`
	BufferSize  int                `yaml:"buffer_size"`
	HistoryCap  int                `yaml:"history_cap"`

	// ShutdownGracePeriod bounds how long in-flight relays are given
	// to finish on their own once the process receives a shutdown
	// signal. Zero falls back to the Engine's own default.
	ShutdownGracePeriod openworld.Duration `yaml:"shutdown_grace_period,omitempty"`
}

// InboundConfig names one listener: a tag, the module that will
// handle its handshakes, and that module's settings.
type InboundConfig struct {
	Tag           string    `yaml:"tag"`
	Listen        string    `yaml:"listen"`
	Protocol      string    `yaml:"protocol"`
	AcceptsPerSec float64   `yaml:"accepts_per_sec,omitempty"`
	AcceptBurst   int       `yaml:"accept_burst,omitempty"`
	Settings      yaml.Node `yaml:"settings"`
}

// OutboundConfig names one outbound handler: a tag, its protocol
// module, and that module's settings.
type OutboundConfig struct {
	Tag      string    `yaml:"tag"`
	Protocol string    `yaml:"protocol"`
	Settings yaml.Node `yaml:"settings"`
}

// RouterConfig is the router's rule table plus its default outbound.
type RouterConfig struct {
	Rules           []RuleConfig `yaml:"rules"`
	DefaultOutbound string       `yaml:"default_outbound"`
}

// RuleConfig is one configured routing rule.
type RuleConfig struct {
	Kind     openworld.RuleKind `yaml:"kind"`
	Values   []string           `yaml:"values"`
	Outbound string             `yaml:"outbound"`
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, openworld.Errorf(openworld.KindConfig, "openworldconfig", "reading %s: %w", path, err)
	}
	var cfg AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, openworld.Errorf(openworld.KindConfig, "openworldconfig", "parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildInboundHandler instantiates and provisions the registered
// module named by protocol, decoding settings into it.
func BuildInboundHandler(ctx openworld.Context, protocol string, settings yaml.Node) (openworld.InboundHandler, error) {
	mod, err := newModule(protocol, "inbound", settings)
	if err != nil {
		return nil, err
	}
	handler, ok := mod.(openworld.InboundHandler)
	if !ok {
		return nil, openworld.Errorf(openworld.KindConfig, "openworldconfig", "module %q is not an inbound handler", protocol)
	}
	if err := provisionAndValidate(ctx, mod); err != nil {
		return nil, err
	}
	return handler, nil
}

// BuildOutboundHandler instantiates and provisions the registered
// module named by protocol, decoding settings into it.
func BuildOutboundHandler(ctx openworld.Context, protocol string, settings yaml.Node) (openworld.OutboundHandler, error) {
	mod, err := newModule(protocol, "outbound", settings)
	if err != nil {
		return nil, err
	}
	handler, ok := mod.(openworld.OutboundHandler)
	if !ok {
		return nil, openworld.Errorf(openworld.KindConfig, "openworldconfig", "module %q is not an outbound handler", protocol)
	}
	if err := provisionAndValidate(ctx, mod); err != nil {
		return nil, err
	}
	return handler, nil
}

func newModule(protocol, namespace string, settings yaml.Node) (openworld.Module, error) {
	id := fmt.Sprintf("%s.%s", namespace, protocol)
	info, err := openworld.GetModule(id)
	if err != nil {
		return nil, openworld.Errorf(openworld.KindConfig, "openworldconfig", "unknown module %q: %w", id, err)
	}
	mod := info.New()
	if !settings.IsZero() {
		if err := settings.Decode(mod); err != nil {
			return nil, openworld.Errorf(openworld.KindConfig, "openworldconfig", "decoding settings for %q: %w", id, err)
		}
	}
	return mod, nil
}

func provisionAndValidate(ctx openworld.Context, mod openworld.Module) error {
	if p, ok := mod.(openworld.Provisioner); ok {
		if err := p.Provision(ctx); err != nil {
			return err
		}
	}
	if v, ok := mod.(openworld.Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c, ok := mod.(openworld.CleanerUpper); ok {
		ctx.OnCancel(func() { _ = c.Cleanup() })
	}
	return nil
}
