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
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the taxonomy entries named by
// the core's error handling design. Callers branch on Kind via
// errors.As, never on Error() string contents.
type Kind string

const (
	KindConfig              Kind = "config"
	KindBind                Kind = "bind"
	KindBadRequest          Kind = "bad_request"
	KindUnsupportedProtocol Kind = "unsupported_protocol"
	KindUnsupportedCommand  Kind = "unsupported_command"
	KindBadAddress          Kind = "bad_address"
	KindAuthFailed          Kind = "auth_failed"
	KindProtocolError       Kind = "protocol_error"
	KindDNSResolution       Kind = "dns_resolution"
	KindTCPConnect          Kind = "tcp_connect"
	KindTLSHandshake        Kind = "tls_handshake"
	KindQUICConnect         Kind = "quic_connect"
	KindTimeout             Kind = "timeout"
	KindIO                  Kind = "io"
	KindCancelled           Kind = "cancelled"
)

// Error is a classified error from within the core. It is the
// serializable representation every handler, router, and dispatcher
// surfaces, modeled on caddyhttp.HandlerError's Err+classification+
// Unwrap shape.
type Error struct {
	Kind Kind
	Err  error

	// Component names where the error originated, e.g. "inbound.socks5"
	// or "outbound.hysteria2", for the structured error log event.
	Component string
}

func (e *Error) Error() string {
	var s string
	if e.Component != "" {
		s = e.Component + ": "
	}
	s += string(e.Kind)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error value.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Error wrapping err.
func NewError(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Err: err, Component: component}
}

// Errorf is a convenience constructor mirroring fmt.Errorf, wrapping
// the formatted error under kind.
func Errorf(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
