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
	"strings"
)

// RuleKind selects which predicate a Rule evaluates.
type RuleKind string

const (
	RuleDomainSuffix  RuleKind = "domain_suffix"
	RuleDomainKeyword RuleKind = "domain_keyword"
	RuleDomainFull    RuleKind = "domain_full"
	RuleIPCIDR        RuleKind = "ip_cidr"
)

// Rule is one line of the router's ordered rule table: if any of
// Values matches the session's destination under Kind's predicate,
// dispatch to Outbound. Domain values are compared case-insensitively;
// CIDR values are compiled to prefixes once, at construction.
type Rule struct {
	Kind     RuleKind
	Values   []string
	Outbound string

	cidrs []netip.Prefix // parallel to Values when Kind == RuleIPCIDR
}

// CompileRule normalizes Values and precomputes whatever Kind needs
// ahead of evaluation time, so Route never does fallible work on the
// hot path.
func CompileRule(kind RuleKind, values []string, outbound string) (Rule, error) {
	r := Rule{Kind: kind, Outbound: outbound}
	switch kind {
	case RuleDomainSuffix, RuleDomainKeyword, RuleDomainFull:
		for _, v := range values {
			r.Values = append(r.Values, strings.ToLower(v))
		}
	case RuleIPCIDR:
		for _, v := range values {
			prefix, err := netip.ParsePrefix(v)
			if err != nil {
				return Rule{}, Errorf(KindConfig, "router", "invalid CIDR %q: %w", v, err)
			}
			r.Values = append(r.Values, v)
			r.cidrs = append(r.cidrs, prefix)
		}
	default:
		return Rule{}, Errorf(KindConfig, "router", "unknown rule kind %q", kind)
	}
	return r, nil
}

// matches reports whether dest satisfies any of the rule's values. An
// IpCidr rule never resolves a domain Address to check it, and a
// domain rule never matches an IP target: per the core's
// resolution-deferral invariant, each kind only ever inspects the
// destination variant it understands.
func (r Rule) matches(dest Address) bool {
	switch r.Kind {
	case RuleDomainSuffix:
		if dest.IsIP() {
			return false
		}
		host := strings.ToLower(dest.Host())
		for _, v := range r.Values {
			if host == v || strings.HasSuffix(host, "."+v) {
				return true
			}
		}
	case RuleDomainKeyword:
		if dest.IsIP() {
			return false
		}
		host := strings.ToLower(dest.Host())
		for _, v := range r.Values {
			if strings.Contains(host, v) {
				return true
			}
		}
	case RuleDomainFull:
		if dest.IsIP() {
			return false
		}
		host := strings.ToLower(dest.Host())
		for _, v := range r.Values {
			if host == v {
				return true
			}
		}
	case RuleIPCIDR:
		ap, ok := dest.IPAddrPort()
		if !ok {
			return false
		}
		for _, c := range r.cidrs {
			if c.Contains(ap.Addr()) {
				return true
			}
		}
	}
	return false
}

// Router holds an ordered rule table plus the default outbound used
// when no rule matches. Rules are evaluated first-match-wins, in the
// order they were configured; this is immutable after construction,
// matching the core's model of the Router as a read-only, shared-by-
// reference collaborator (live reconfiguration is not in scope).
type Router struct {
	rules           []Rule
	defaultOutbound string
}

// NewRouter builds a Router from a pre-ordered rule table and a
// default outbound name. known is the set of registered outbound
// names; every rule's Outbound and defaultOutbound must be a member,
// or construction fails, matching the Router state invariant that
// every referenced tag resolves to a registered outbound.
func NewRouter(rules []Rule, defaultOutbound string, known map[string]bool) (*Router, error) {
	if !known[defaultOutbound] {
		return nil, Errorf(KindConfig, "router", "default outbound %q is not registered", defaultOutbound)
	}
	for _, r := range rules {
		if !known[r.Outbound] {
			return nil, Errorf(KindConfig, "router", "rule outbound %q is not registered", r.Outbound)
		}
	}
	return &Router{rules: append([]Rule(nil), rules...), defaultOutbound: defaultOutbound}, nil
}

// Route returns the name of the outbound that should handle dest: the
// first rule to match, or the router's default if none do. Router
// evaluation is deterministic for a given destination and never
// performs a DNS lookup.
func (router *Router) Route(dest Address) string {
	for _, r := range router.rules {
		if r.matches(dest) {
			return r.Outbound
		}
	}
	return router.defaultOutbound
}
