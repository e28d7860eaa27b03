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

package openworldconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openworld-proxy/openworld"
	_ "github.com/openworld-proxy/openworld/modules/outbound/direct"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
log:
  level: info
inbounds:
  - tag: socks-in
    listen: 127.0.0.1:1080
    protocol: socks5
outbounds:
  - tag: direct-out
    protocol: direct
    settings:
      dial_timeout: 5s
router:
  default_outbound: direct-out
  rules:
    - kind: domain_suffix
      values: ["example.com"]
      outbound: direct-out
relay:
  idle_timeout: 5m
  buffer_size: 32768
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openworld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesSampleConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", string(cfg.Log.Level))
	require.Len(t, cfg.Inbounds, 1)
	assert.Equal(t, "socks-in", cfg.Inbounds[0].Tag)
	assert.Equal(t, "127.0.0.1:1080", cfg.Inbounds[0].Listen)

	require.Len(t, cfg.Outbounds, 1)
	assert.Equal(t, "direct-out", cfg.Outbounds[0].Tag)
	assert.False(t, cfg.Outbounds[0].Settings.IsZero())

	assert.Equal(t, "direct-out", cfg.Router.DefaultOutbound)
	require.Len(t, cfg.Router.Rules, 1)
	assert.Equal(t, []string{"example.com"}, cfg.Router.Rules[0].Values)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, "log:\n  levels: info\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildOutboundHandlerProvisionsModule(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	logger, err := openworld.NewLogger(openworld.LogLevelError)
	require.NoError(t, err)
	ctx, cancel := openworld.NewContext(context.Background(), logger)
	defer cancel()

	require.Len(t, cfg.Outbounds, 1)
	oc := cfg.Outbounds[0]
	handler, err := BuildOutboundHandler(ctx, oc.Protocol, oc.Settings)
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestBuildOutboundHandlerRejectsUnknownProtocol(t *testing.T) {
	logger, err := openworld.NewLogger(openworld.LogLevelError)
	require.NoError(t, err)
	ctx, cancel := openworld.NewContext(context.Background(), logger)
	defer cancel()

	_, err = BuildOutboundHandler(ctx, "nonexistent", yaml.Node{})
	assert.Error(t, err)
}

// cleanupOutbound is a minimal OutboundHandler implementing
// CleanerUpper, used to verify provisionAndValidate actually wires
// Cleanup into the provisioning Context's cancellation chain.
type cleanupOutbound struct {
	cleaned chan struct{}
}

func (cleanupOutbound) OpenWorldModule() openworld.ModuleInfo {
	return openworld.ModuleInfo{
		ID:  "outbound.testcleanup",
		New: func() openworld.Module { return &cleanupOutbound{cleaned: make(chan struct{})} },
	}
}

func (o *cleanupOutbound) Dial(ctx context.Context, network openworld.Network, dest openworld.Address) (openworld.ProxyStream, error) {
	return nil, nil
}

func (o *cleanupOutbound) Cleanup() error {
	close(o.cleaned)
	return nil
}

func TestProvisionAndValidateWiresCleanupToContextCancel(t *testing.T) {
	openworld.RegisterModule(new(cleanupOutbound))

	logger, err := openworld.NewLogger(openworld.LogLevelError)
	require.NoError(t, err)
	ctx, cancel := openworld.NewContext(context.Background(), logger)

	handler, err := BuildOutboundHandler(ctx, "testcleanup", yaml.Node{})
	require.NoError(t, err)

	co := handler.(*cleanupOutbound)
	select {
	case <-co.cleaned:
		t.Fatal("Cleanup ran before context was cancelled")
	default:
	}

	cancel()

	select {
	case <-co.cleaned:
	case <-time.After(time.Second):
		t.Fatal("Cleanup was not invoked on context cancellation")
	}
}
