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

// Command openworldd is the process entrypoint: it loads a YAML
// configuration, wires up an Engine, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openworld-proxy/openworld"
	"github.com/openworld-proxy/openworld/openworldconfig"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	_ "github.com/openworld-proxy/openworld/modules/inbound/httpconnect"
	_ "github.com/openworld-proxy/openworld/modules/inbound/socks5"
	_ "github.com/openworld-proxy/openworld/modules/outbound/direct"
	_ "github.com/openworld-proxy/openworld/modules/outbound/hysteria2"
	_ "github.com/openworld-proxy/openworld/modules/outbound/vless"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "openworldd: adjusting GOMAXPROCS: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "openworldd",
		Short: "Run the openworld proxy engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "openworld.yaml", "path to the YAML configuration file")
	return root
}

func run(parentCtx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := openworldconfig.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := openworld.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	openworld.SetLog(logger)

	owCtx, cancelProvision := openworld.NewContext(ctx, logger)
	defer cancelProvision()

	outbounds := make(map[string]openworld.OutboundHandler, len(cfg.Outbounds))
	for _, oc := range cfg.Outbounds {
		if _, dup := outbounds[oc.Tag]; dup {
			return openworld.Errorf(openworld.KindConfig, "openworldd", "duplicate outbound tag %q", oc.Tag)
		}
		handler, err := openworldconfig.BuildOutboundHandler(owCtx, oc.Protocol, oc.Settings)
		if err != nil {
			return fmt.Errorf("outbound %q: %w", oc.Tag, err)
		}
		outbounds[oc.Tag] = handler
	}

	var listeners []openworld.ListenerConfig
	for _, ic := range cfg.Inbounds {
		handler, err := openworldconfig.BuildInboundHandler(owCtx, ic.Protocol, ic.Settings)
		if err != nil {
			return fmt.Errorf("inbound %q: %w", ic.Tag, err)
		}
		listeners = append(listeners, openworld.ListenerConfig{
			Name:          ic.Tag,
			ListenAddr:    ic.Listen,
			Handler:       handler,
			AcceptsPerSec: ic.AcceptsPerSec,
			AcceptBurst:   ic.AcceptBurst,
		})
	}

	var rules []openworld.Rule
	for _, rc := range cfg.Router.Rules {
		rule, err := openworld.CompileRule(rc.Kind, rc.Values, rc.Outbound)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
	}

	engine, err := openworld.NewEngine(openworld.EngineConfig{
		Outbounds:       outbounds,
		Listeners:       listeners,
		Rules:           rules,
		DefaultOutbound: cfg.Router.DefaultOutbound,
		LogLevel:        cfg.Log.Level,
		IdleTimeout:         cfg.Relay.IdleTimeout,
		RelayBufferSize:     cfg.Relay.BufferSize,
		HistoryCap:          cfg.Relay.HistoryCap,
		ShutdownGracePeriod: cfg.Relay.ShutdownGracePeriod,
	})
	if err != nil {
		return err
	}

	return engine.Run(ctx)
}
