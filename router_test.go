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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDomain(t *testing.T, host string, port uint16) Address {
	t.Helper()
	a, err := NewDomainAddress(host, port)
	require.NoError(t, err)
	return a
}

func TestRouterDomainSuffixMatch(t *testing.T) {
	rule, err := CompileRule(RuleDomainSuffix, []string{"example.com"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	assert.Equal(t, "out_a", router.Route(mustDomain(t, "api.example.com", 443)))
	assert.Equal(t, "out_a", router.Route(mustDomain(t, "example.com", 443)))
	assert.Equal(t, "out_b", router.Route(mustDomain(t, "notexample.com", 443)))
}

func TestRouterNoMatchFallsToDefault(t *testing.T) {
	rule, err := CompileRule(RuleDomainSuffix, []string{"example.com"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	assert.Equal(t, "out_b", router.Route(mustDomain(t, "other.org", 80)))
}

func TestRouterIPCIDRMatch(t *testing.T) {
	rule, err := CompileRule(RuleIPCIDR, []string{"10.0.0.0/8"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	dest := NewIPAddress(netip.MustParseAddrPort("10.1.2.3:22"))
	assert.Equal(t, "out_a", router.Route(dest))
}

func TestRouterIPCIDRNeverMatchesDomain(t *testing.T) {
	rule, err := CompileRule(RuleIPCIDR, []string{"10.0.0.0/8"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	assert.Equal(t, "out_b", router.Route(mustDomain(t, "example.com", 80)))
}

func TestRouterDomainRuleNeverMatchesIP(t *testing.T) {
	rule, err := CompileRule(RuleDomainFull, []string{"10.1.2.3"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	dest := NewIPAddress(netip.MustParseAddrPort("10.1.2.3:22"))
	assert.Equal(t, "out_b", router.Route(dest))
}

func TestRouterFirstMatchWins(t *testing.T) {
	r1, err := CompileRule(RuleDomainSuffix, []string{"example.com"}, "out_a")
	require.NoError(t, err)
	r2, err := CompileRule(RuleDomainKeyword, []string{"example"}, "out_c")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{r1, r2}, "out_b", map[string]bool{"out_a": true, "out_b": true, "out_c": true})
	require.NoError(t, err)

	assert.Equal(t, "out_a", router.Route(mustDomain(t, "www.example.com", 443)))
}

func TestRouterRejectsUnregisteredOutbound(t *testing.T) {
	rule, err := CompileRule(RuleDomainSuffix, []string{"example.com"}, "out_missing")
	require.NoError(t, err)
	_, err = NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_b": true})
	require.Error(t, err)
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindConfig, kind)
}

func TestRouterRejectsUnregisteredDefault(t *testing.T) {
	_, err := NewRouter(nil, "out_missing", map[string]bool{"out_a": true})
	require.Error(t, err)
}

func TestRouterDomainKeywordMatch(t *testing.T) {
	rule, err := CompileRule(RuleDomainKeyword, []string{"ads"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	assert.Equal(t, "out_a", router.Route(mustDomain(t, "ads.tracker.example.com", 80)))
	assert.Equal(t, "out_b", router.Route(mustDomain(t, "clean.example.com", 80)))
}

func TestRouterCaseInsensitiveDomainMatch(t *testing.T) {
	rule, err := CompileRule(RuleDomainFull, []string{"Example.COM"}, "out_a")
	require.NoError(t, err)
	router, err := NewRouter([]Rule{rule}, "out_b", map[string]bool{"out_a": true, "out_b": true})
	require.NoError(t, err)

	assert.Equal(t, "out_a", router.Route(mustDomain(t, "example.com", 80)))
}
