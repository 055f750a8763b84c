package modules

import (
	"context"
	"log/slog"

	"github.com/dominikletica/aaviondb/pkg/audit"
	"github.com/dominikletica/aaviondb/pkg/auth"
	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/cache"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/config"
	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/export"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
	"github.com/dominikletica/aaviondb/pkg/paths"
	"github.com/dominikletica/aaviondb/pkg/resolver"
	"github.com/dominikletica/aaviondb/pkg/security"
)

// Dispatch runs one raw statement through the parser and the registry on
// behalf of an already-authorized caller. Scheduled tasks and statement
// re-dispatch use it; the scheduler capability gates access.
type Dispatch func(ctx context.Context, statement string) *command.Response

// Deps are the engine services the loader can hand out to modules. The
// runtime fills this in at bootstrap.
type Deps struct {
	Locator  *paths.Locator
	Repo     *brain.Repository
	Registry *command.Registry
	Parser   *command.Parser
	Bus      *events.Bus
	Cache    cache.Store
	Security *security.Manager
	Auth     *auth.Manager
	Resolver *resolver.Engine
	Export   *export.Engine
	Filters  *filter.Engine
	Config   *config.Config
	Audit    audit.Store
	Dispatch Dispatch

	// Version is the engine version string, stamped by the runtime.
	Version string

	// ModuleReport returns the load report once loading finished. The
	// diagnostics commands read it lazily.
	ModuleReport func() *Report
}

// Context is what an initializer receives: typed access to exactly the
// services its granted capabilities cover. Asking for anything else is a
// module bug and returns an internal fault.
type Context struct {
	name    string
	scope   string
	granted map[string]bool
	deps    *Deps
	logger  *slog.Logger
}

func newContext(desc Descriptor, granted map[string]bool, deps *Deps) *Context {
	return &Context{
		name:    desc.Name,
		scope:   desc.Scope,
		granted: granted,
		deps:    deps,
		logger:  slog.Default().With("module", desc.Name),
	}
}

// Name returns the module name.
func (c *Context) Name() string { return c.name }

// Scope returns the module scope, system or user.
func (c *Context) Scope() string { return c.scope }

// Logger returns a module-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Config returns the loaded engine configuration. Read-only by
// convention; it is not capability-gated.
func (c *Context) Config() *config.Config { return c.deps.Config }

// EngineVersion returns the version string stamped by the runtime.
func (c *Context) EngineVersion() string { return c.deps.Version }

// AuditTrail returns the audit store, or the null store when auditing is
// off. Not capability-gated: entries are engine-internal telemetry.
func (c *Context) AuditTrail() audit.Store {
	if c.deps.Audit == nil {
		return audit.NullStore{}
	}
	return c.deps.Audit
}

// Modules returns the module load report, available once loading
// completed.
func (c *Context) Modules() *Report {
	if c.deps.ModuleReport == nil {
		return nil
	}
	return c.deps.ModuleReport()
}

func (c *Context) require(capability string) error {
	if !c.granted[capability] {
		return fault.Internal("module %q was not granted the %s capability", c.name, capability)
	}
	return nil
}

// Brains returns the brain repository.
func (c *Context) Brains() (*brain.Repository, error) {
	if err := c.require(CapBrains); err != nil {
		return nil, err
	}
	return c.deps.Repo, nil
}

// Locator returns the filesystem locator, covered by the brains grant.
func (c *Context) Locator() (*paths.Locator, error) {
	if err := c.require(CapBrains); err != nil {
		return nil, err
	}
	return c.deps.Locator, nil
}

// Commands returns the command registry.
func (c *Context) Commands() (*command.Registry, error) {
	if err := c.require(CapCommands); err != nil {
		return nil, err
	}
	return c.deps.Registry, nil
}

// StatementParser returns the statement parser, covered by the commands
// grant.
func (c *Context) StatementParser() (*command.Parser, error) {
	if err := c.require(CapCommands); err != nil {
		return nil, err
	}
	return c.deps.Parser, nil
}

// Events returns the event bus.
func (c *Context) Events() (*events.Bus, error) {
	if err := c.require(CapEvents); err != nil {
		return nil, err
	}
	return c.deps.Bus, nil
}

// Cache returns the cache store.
func (c *Context) Cache() (cache.Store, error) {
	if err := c.require(CapCache); err != nil {
		return nil, err
	}
	return c.deps.Cache, nil
}

// Security returns the security manager.
func (c *Context) Security() (*security.Manager, error) {
	if err := c.require(CapSecurity); err != nil {
		return nil, err
	}
	return c.deps.Security, nil
}

// Auth returns the auth manager.
func (c *Context) Auth() (*auth.Manager, error) {
	if err := c.require(CapAuth); err != nil {
		return nil, err
	}
	return c.deps.Auth, nil
}

// Resolver returns the shortcode resolver.
func (c *Context) Resolver() (*resolver.Engine, error) {
	if err := c.require(CapResolver); err != nil {
		return nil, err
	}
	return c.deps.Resolver, nil
}

// Export returns the export engine.
func (c *Context) Export() (*export.Engine, error) {
	if err := c.require(CapExport); err != nil {
		return nil, err
	}
	return c.deps.Export, nil
}

// Filters returns the filter engine.
func (c *Context) Filters() (*filter.Engine, error) {
	if err := c.require(CapFilters); err != nil {
		return nil, err
	}
	return c.deps.Filters, nil
}

// Dispatcher returns the statement dispatcher for scheduled work.
func (c *Context) Dispatcher() (Dispatch, error) {
	if err := c.require(CapScheduler); err != nil {
		return nil, err
	}
	return c.deps.Dispatch, nil
}