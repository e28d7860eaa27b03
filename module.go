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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Module is implemented by every inbound and outbound handler variant.
// Extensibility in the core is compile-time only: a protocol variant
// becomes available by registering itself here from an init() func,
// never by loading code at runtime.
type Module interface {
	// OpenWorldModule returns this module's identity. The method must
	// have no side effects; any setup belongs in Provision.
	OpenWorldModule() ModuleInfo
}

// ModuleInfo identifies a registered module and knows how to construct
// a fresh, empty instance of it.
type ModuleInfo struct {
	// ID is the module's namespaced name, e.g. "inbound.socks5" or
	// "outbound.vless".
	ID ModuleID

	// New returns a pointer to a new, unconfigured instance. It must
	// not have side effects; initialization belongs in Provision.
	New func() Module
}

// ModuleID is a dot-separated namespaced module name: <namespace>.<name>.
type ModuleID string

// Namespace returns everything but the last label.
func (id ModuleID) Namespace() string {
	lastDot := strings.LastIndex(string(id), ".")
	if lastDot < 0 {
		return ""
	}
	return string(id)[:lastDot]
}

// Name returns the last label of the ID.
func (id ModuleID) Name() string {
	if id == "" {
		return ""
	}
	parts := strings.Split(string(id), ".")
	return parts[len(parts)-1]
}

func (mi ModuleInfo) String() string { return string(mi.ID) }

// RegisterModule registers a module's constructor under its ID. It
// should be called from an init() func so registration happens as a
// side effect of importing the package; it panics on a bad or
// duplicate registration since that is always a build-time mistake.
func RegisterModule(instance Module) {
	mod := instance.OpenWorldModule()

	if mod.ID == "" {
		panic("module ID missing")
	}
	if mod.New == nil {
		panic("missing ModuleInfo.New")
	}
	if val := mod.New(); val == nil {
		panic("ModuleInfo.New must return a non-nil module instance")
	}

	modulesMu.Lock()
	defer modulesMu.Unlock()

	if _, ok := modules[string(mod.ID)]; ok {
		panic(fmt.Sprintf("module already registered: %s", mod.ID))
	}
	modules[string(mod.ID)] = mod
}

// GetModule returns module information from its ID.
func GetModule(name string) (ModuleInfo, error) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	m, ok := modules[name]
	if !ok {
		return ModuleInfo{}, fmt.Errorf("module not registered: %s", name)
	}
	return m, nil
}

// GetModules returns all modules in the given namespace ("inbound" or
// "outbound"), sorted by ID for deterministic iteration.
func GetModules(namespace string) []ModuleInfo {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	var mods []ModuleInfo
	prefix := namespace + "."
	for id, m := range modules {
		if strings.HasPrefix(id, prefix) {
			mods = append(mods, m)
		}
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	return mods
}

// Provisioner is implemented by modules that need setup after being
// loaded and configured (TLS configs, QUIC endpoints, connection
// caches) before they handle their first flow.
type Provisioner interface {
	Provision(Context) error
}

// Validator is implemented by modules that can check their own
// configuration for correctness once Provision has run.
type Validator interface {
	Validate() error
}

// CleanerUpper is implemented by modules with resources (goroutines,
// open sockets, QUIC endpoints) that must be released when the
// Context they were provisioned with is cancelled.
type CleanerUpper interface {
	Cleanup() error
}

// StrictUnmarshalJSON is like json.Unmarshal but rejects unrecognized
// fields, so a typo in a module's settings block fails loudly at
// construction instead of being silently ignored.
func StrictUnmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var (
	modules   = make(map[string]ModuleInfo)
	modulesMu sync.RWMutex
)
