// Package modules loads the engine's command modules. Module code is
// linked in statically and registered at program init; module.json
// manifests on disk only adjust metadata (autoload, ordering, requires),
// they never introduce code. Capabilities gate which engine services an
// initializer may touch, scoped tighter for user modules than for system
// modules.
package modules

import (
	"fmt"
	"sort"
	"sync"
)

// Capability names. A module declares the capabilities it needs; the
// loader grants them when the module's scope allows.
const (
	CapBrains    = "brains"
	CapCommands  = "commands"
	CapEvents    = "events"
	CapCache     = "cache"
	CapSecurity  = "security"
	CapAuth      = "auth"
	CapResolver  = "resolver"
	CapExport    = "export"
	CapFilters   = "filters"
	CapScheduler = "scheduler"
)

// Module scopes. System modules may request every capability; user
// modules are limited to the data-plane set.
const (
	ScopeSystem = "system"
	ScopeUser   = "user"
)

var scopeGrants = map[string]map[string]bool{
	ScopeSystem: setOf(
		CapBrains, CapCommands, CapEvents, CapCache, CapSecurity,
		CapAuth, CapResolver, CapExport, CapFilters, CapScheduler,
	),
	ScopeUser: setOf(
		CapBrains, CapCommands, CapEvents, CapCache, CapResolver, CapFilters,
	),
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// KnownCapability reports whether name is a defined capability.
func KnownCapability(name string) bool {
	return scopeGrants[ScopeSystem][name]
}

// AllowedCapability reports whether scope may be granted name.
func AllowedCapability(scope, name string) bool {
	return scopeGrants[scope][name]
}

// InitFunc initializes one module against its capability-scoped context.
type InitFunc func(*Context) error

// Descriptor is a statically registered module: manifest metadata plus
// the linked initializer.
type Descriptor struct {
	Name         string
	Version      string
	Autoload     bool
	Requires     []string
	Capabilities []string
	Description  string
	Scope        string
	Init         InitFunc
}

// Manifest is the on-disk module.json shape. Autoload is a pointer so an
// absent key leaves the registered default untouched.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Autoload     *bool    `json:"autoload,omitempty"`
	Requires     []string `json:"requires,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Descriptor)
)

// RegisterInitializer adds a module to the global registry. It is meant
// to run from package init and panics on invalid or duplicate
// registrations, mirroring database/sql driver registration.
func RegisterInitializer(desc Descriptor) {
	if desc.Name == "" {
		panic("modules: RegisterInitializer with empty name")
	}
	if desc.Init == nil {
		panic(fmt.Sprintf("modules: module %q has no initializer", desc.Name))
	}
	if desc.Scope == "" {
		desc.Scope = ScopeSystem
	}
	if desc.Scope != ScopeSystem && desc.Scope != ScopeUser {
		panic(fmt.Sprintf("modules: module %q has unknown scope %q", desc.Name, desc.Scope))
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[desc.Name]; dup {
		panic(fmt.Sprintf("modules: RegisterInitializer called twice for %q", desc.Name))
	}
	registry[desc.Name] = desc
}

// Registered returns a copy of the global registry, sorted by name.
func Registered() []Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}