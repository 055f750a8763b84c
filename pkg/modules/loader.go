package modules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Load outcomes per module.
const (
	StatusLoaded   = "loaded"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
	StatusSkipped  = "skipped"
)

// Status records the load outcome for one module.
type Status struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Scope   string `json:"scope"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the outcome of one Load run. Failures never abort loading;
// they disable the failing module and its dependents.
type Report struct {
	Modules []Status `json:"modules"`
	Loaded  int      `json:"loaded"`
	Failed  int      `json:"failed"`
}

type depRef struct {
	name    string
	version string
}

type moduleState struct {
	desc     Descriptor
	requires []depRef
	status   string
	reason   string
}

func (s *moduleState) fail(reason string)    { s.status, s.reason = StatusFailed, reason }
func (s *moduleState) disable(reason string) { s.status, s.reason = StatusDisabled, reason }
func (s *moduleState) skip(reason string)    { s.status, s.reason = StatusSkipped, reason }

// Loader merges the registered descriptors with on-disk manifests and
// initializes modules in dependency order.
type Loader struct {
	deps     *Deps
	logger   *slog.Logger
	autoload bool
	override []Descriptor
	report   *Report
}

// LoaderOption adjusts a Loader.
type LoaderOption func(*Loader)

// WithDescriptors replaces the global registry snapshot.
func WithDescriptors(descs ...Descriptor) LoaderOption {
	return func(l *Loader) { l.override = descs }
}

// WithoutAutoload skips every module. Diagnostics mode: the engine comes
// up with an empty command vocabulary.
func WithoutAutoload() LoaderOption {
	return func(l *Loader) { l.autoload = false }
}

// NewLoader builds a loader over the runtime dependencies.
func NewLoader(deps *Deps, opts ...LoaderOption) *Loader {
	l := &Loader{
		deps:     deps,
		logger:   slog.Default().With("component", "modules"),
		autoload: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Report returns the outcome of the last Load, nil before the first one.
func (l *Loader) Report() *Report { return l.report }

// Load initializes every autoloaded module. Modules failing manifest
// validation, dependency resolution, capability grants or their own
// initializer are recorded as failed; their dependents come up disabled.
func (l *Loader) Load() *Report {
	descs := l.override
	if descs == nil {
		descs = Registered()
	}

	states := make(map[string]*moduleState, len(descs))
	for _, d := range descs {
		states[d.Name] = &moduleState{desc: d}
	}

	if l.deps.Locator != nil {
		l.applyManifests(states, l.deps.Locator.SystemModulesDir(), ScopeSystem)
		l.applyManifests(states, l.deps.Locator.UserModulesDir(), ScopeUser)
	}

	names := make([]string, 0, len(states))
	for n := range states {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		st := states[n]
		if st.status != "" {
			continue
		}
		switch {
		case !l.autoload:
			st.skip("autoload disabled")
		case !st.desc.Autoload:
			st.skip("autoload off")
		default:
			l.resolveRequires(st, states)
		}
	}

	order := topoOrder(names, states)
	for _, n := range order {
		l.initialize(states[n], states)
	}

	report := &Report{Modules: make([]Status, 0, len(names))}
	for _, n := range names {
		st := states[n]
		report.Modules = append(report.Modules, Status{
			Name:    st.desc.Name,
			Version: st.desc.Version,
			Scope:   st.desc.Scope,
			Status:  st.status,
			Reason:  st.reason,
		})
		switch st.status {
		case StatusLoaded:
			report.Loaded++
		case StatusFailed:
			report.Failed++
		}
	}
	l.report = report
	return report
}

// applyManifests overlays module.json files found under dir onto the
// registered descriptors. A manifest without a linked initializer is
// recorded as failed: module code is never loaded from disk.
func (l *Loader) applyManifests(states map[string]*moduleState, dir, scope string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("module directory unreadable", "dir", dir, "error", err)
		}
		return
	}

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		path := filepath.Join(dir, ent.Name(), "module.json")
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}

		name := ent.Name()
		if err != nil {
			states[name] = &moduleState{
				desc:   Descriptor{Name: name, Scope: scope},
				status: StatusFailed,
				reason: "manifest unreadable: " + err.Error(),
			}
			continue
		}

		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			states[name] = &moduleState{
				desc:   Descriptor{Name: name, Scope: scope},
				status: StatusFailed,
				reason: "manifest invalid: " + err.Error(),
			}
			continue
		}
		if m.Name != "" {
			name = m.Name
		}

		st, linked := states[name]
		if !linked {
			states[name] = &moduleState{
				desc: Descriptor{
					Name:        name,
					Version:     m.Version,
					Scope:       scope,
					Description: m.Description,
				},
				status: StatusFailed,
				reason: "no initializer linked for module",
			}
			continue
		}
		if st.status != "" {
			continue
		}
		if m.Version != "" && st.desc.Version != "" && m.Version != st.desc.Version {
			st.fail(fmt.Sprintf("manifest version %s does not match linked version %s", m.Version, st.desc.Version))
			continue
		}

		if m.Autoload != nil {
			st.desc.Autoload = *m.Autoload
		}
		if m.Requires != nil {
			st.desc.Requires = m.Requires
		}
		if m.Capabilities != nil {
			st.desc.Capabilities = m.Capabilities
		}
		if m.Description != "" {
			st.desc.Description = m.Description
		}
	}
}

// resolveRequires parses `slug[@version]` references and verifies that
// each target exists and, when pinned, declares exactly that version.
func (l *Loader) resolveRequires(st *moduleState, states map[string]*moduleState) {
	for _, ref := range st.desc.Requires {
		name, version, _ := strings.Cut(strings.TrimSpace(ref), "@")
		if name == "" {
			st.fail(fmt.Sprintf("empty module reference %q", ref))
			return
		}

		target, ok := states[name]
		if !ok {
			st.fail(fmt.Sprintf("requires unknown module %q", name))
			return
		}
		if version != "" {
			want, err := semver.NewVersion(version)
			if err != nil {
				st.fail(fmt.Sprintf("requires %q: invalid version: %v", ref, err))
				return
			}
			if target.desc.Version == "" {
				st.fail(fmt.Sprintf("requires %s@%s but %s declares no version", name, version, name))
				return
			}
			have, err := semver.NewVersion(target.desc.Version)
			if err != nil {
				st.fail(fmt.Sprintf("requires %q: module %s has invalid version %q", ref, name, target.desc.Version))
				return
			}
			if !want.Equal(have) {
				st.fail(fmt.Sprintf("requires %s@%s, linked version is %s", name, version, target.desc.Version))
				return
			}
		}

		st.requires = append(st.requires, depRef{name: name, version: version})
	}
}

// topoOrder sorts modules dependency-first. A module reached while still
// on the visit stack closes a cycle and is failed in place.
func topoOrder(names []string, states map[string]*moduleState) []string {
	const (
		unseen = iota
		visiting
		done
	)
	marks := make(map[string]int, len(states))
	order := make([]string, 0, len(states))

	var visit func(name string)
	visit = func(name string) {
		if marks[name] != unseen {
			return
		}
		marks[name] = visiting
		st := states[name]
		for _, dep := range st.requires {
			if marks[dep.name] == visiting {
				if st.status == "" {
					st.fail(fmt.Sprintf("dependency cycle with %q", dep.name))
				}
				continue
			}
			visit(dep.name)
		}
		marks[name] = done
		order = append(order, name)
	}

	for _, n := range names {
		visit(n)
	}
	return order
}

// initialize grants capabilities and runs the initializer. Dependencies
// that did not come up loaded disable the module instead of failing it.
func (l *Loader) initialize(st *moduleState, states map[string]*moduleState) {
	if st.status != "" {
		return
	}

	for _, dep := range st.requires {
		if target := states[dep.name]; target.status != StatusLoaded {
			st.disable(fmt.Sprintf("dependency %s unavailable (%s)", dep.name, target.status))
			return
		}
	}

	granted := make(map[string]bool, len(st.desc.Capabilities))
	for _, capName := range st.desc.Capabilities {
		if !KnownCapability(capName) {
			st.fail(fmt.Sprintf("unknown capability %q", capName))
			return
		}
		if !AllowedCapability(st.desc.Scope, capName) {
			st.fail(fmt.Sprintf("capability %q is not allowed for %s modules", capName, st.desc.Scope))
			return
		}
		granted[capName] = true
	}

	if err := st.desc.Init(newContext(st.desc, granted, l.deps)); err != nil {
		st.fail(err.Error())
		l.logger.Warn("module init failed", "module", st.desc.Name, "error", err)
		return
	}

	st.status = StatusLoaded
	l.logger.Debug("module loaded", "module", st.desc.Name, "version", st.desc.Version)
}